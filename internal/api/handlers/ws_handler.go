package handlers

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/spike-crypto/voicebot/internal/realtime"
	"github.com/spike-crypto/voicebot/internal/services"
	"github.com/spike-crypto/voicebot/internal/utils"
)

const (
	wsPongWait     = 60 * time.Second
	wsPingEvery    = 30 * time.Second
	wsWriteTimeout = 10 * time.Second
)

type WSHandler struct {
	orch     services.Orchestrator
	sessions services.SessionService
	logger   *logrus.Logger
	upgrader websocket.Upgrader
	maxRead  int64
}

// NewWSHandler accepts any origin when allowedOrigins is empty.
func NewWSHandler(orch services.Orchestrator, sessions services.SessionService, logger *logrus.Logger, maxAudioBytes int, allowedOrigins []string) *WSHandler {
	if logger == nil {
		logger = logrus.New()
	}
	if maxAudioBytes <= 0 {
		maxAudioBytes = 16 << 20
	}
	allowed := map[string]bool{}
	for _, o := range allowedOrigins {
		allowed[o] = true
	}
	return &WSHandler{
		orch:     orch,
		sessions: sessions,
		logger:   logger,
		// base64 inflates audio by a third
		maxRead: int64(maxAudioBytes)*4/3 + 64<<10,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return len(allowed) == 0 || allowed[r.Header.Get("Origin")]
			},
		},
	}
}

type wsClientMsg struct {
	Type        string `json:"type"` // turn | resume | ping
	RequestID   string `json:"request_id"`
	Text        string `json:"text"`
	AudioBase64 string `json:"audio_base64"`
	Format      string `json:"format"`
	Voice       string `json:"voice"`
}

type wsConn struct {
	c  *websocket.Conn
	mu sync.Mutex
}

func (w *wsConn) writeText(b []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.c.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return w.c.WriteMessage(websocket.TextMessage, b)
}

func (w *wsConn) writeJSON(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return w.writeText(b)
}

func (w *wsConn) ping() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.c.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout))
}

// SessionWS streams turns for one session. Each turn's progress events are
// forwarded as they happen and its final or error event is always written
// before the stream is released.
func (h *WSHandler) SessionWS(c *gin.Context) {
	const op = "WSHandler.SessionWS"

	sessionID := c.Param("session_id")
	if _, err := h.sessions.History(c.Request.Context(), sessionID); err != nil {
		writeError(c, err)
		return
	}
	identity := identityOf(c)

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// upgrade already wrote response in most cases
		return
	}
	defer conn.Close()

	wc := &wsConn{c: conn}
	log := h.logger.WithFields(logrus.Fields{"session_id": sessionID, "identity": identity})

	ctx, cancel := context.WithCancel(c.Request.Context())
	var pumps sync.WaitGroup
	defer func() {
		cancel()
		pumps.Wait()
	}()

	go func() {
		t := time.NewTicker(wsPingEvery)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if err := wc.ping(); err != nil {
					return
				}
			}
		}
	}()

	conn.SetReadLimit(h.maxRead)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	follow := func(s *realtime.Stream) {
		pumps.Add(1)
		go h.pump(ctx, wc, s, &pumps)
	}
	reject := func(requestID string, err error) {
		_ = wc.writeJSON(realtime.Failure(requestID, err))
	}

	for {
		_, data, rerr := conn.ReadMessage()
		if rerr != nil {
			if websocket.IsUnexpectedCloseError(rerr, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.WithError(rerr).Debug("websocket closed")
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))

		var msg wsClientMsg
		if err := json.Unmarshal(data, &msg); err != nil {
			reject("", utils.E(utils.CodeInvalidArgument, op, "invalid json", err))
			continue
		}

		switch msg.Type {
		case "ping":
			_ = wc.writeJSON(gin.H{"type": "pong"})

		case "turn":
			if msg.RequestID == "" {
				msg.RequestID = uuid.NewString()
			}
			in := services.TurnInput{
				RequestID: msg.RequestID,
				SessionID: sessionID,
				Identity:  identity,
				Text:      msg.Text,
				Format:    msg.Format,
				Voice:     msg.Voice,
			}
			if msg.AudioBase64 != "" {
				audio, err := base64.StdEncoding.DecodeString(msg.AudioBase64)
				if err != nil {
					reject(msg.RequestID, utils.E(utils.CodeInvalidArgument, op, "audio_base64 is not valid base64", err))
					continue
				}
				in.Audio = audio
			}
			s, err := h.orch.Submit(ctx, in)
			if err != nil {
				reject(msg.RequestID, err)
				continue
			}
			follow(s)

		case "resume":
			s, err := h.orch.Resume(ctx, msg.RequestID)
			if err != nil {
				reject(msg.RequestID, err)
				continue
			}
			follow(s)

		default:
			reject(msg.RequestID, utils.E(utils.CodeInvalidArgument, op, "unknown message type", nil))
		}
	}
}

func (h *WSHandler) pump(ctx context.Context, wc *wsConn, s *realtime.Stream, wg *sync.WaitGroup) {
	defer wg.Done()
	defer h.orch.Release(s)
	l := s.Listen()
	defer l.Close()

	for {
		ev, err := l.Next(ctx)
		if err != nil {
			return
		}
		if err := wc.writeJSON(ev); err != nil {
			return
		}
		if ev.Terminal() {
			return
		}
	}
}
