package handlers

import (
	"io"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/spike-crypto/voicebot/internal/services"
	"github.com/spike-crypto/voicebot/internal/utils"
)

type TurnHandler struct {
	orch          services.Orchestrator
	maxAudioBytes int64
}

func NewTurnHandler(orch services.Orchestrator, maxAudioBytes int) *TurnHandler {
	if maxAudioBytes <= 0 {
		maxAudioBytes = 16 << 20
	}
	return &TurnHandler{orch: orch, maxAudioBytes: int64(maxAudioBytes)}
}

type TextTurnRequest struct {
	RequestID string `json:"request_id"`
	Text      string `json:"text" binding:"required"`
	Voice     string `json:"voice"`
}

// Submit runs one turn synchronously. The body is JSON {text} or a
// multipart form with an "audio" file.
func (h *TurnHandler) Submit(c *gin.Context) {
	const op = "TurnHandler.Submit"

	in := services.TurnInput{
		SessionID: c.Param("session_id"),
		Identity:  identityOf(c),
	}

	if strings.HasPrefix(c.ContentType(), "multipart/") {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxAudioBytes+1<<20)
		fh, err := c.FormFile("audio")
		if err != nil {
			writeError(c, utils.E(utils.CodeInvalidArgument, op, "audio file is required", err))
			return
		}
		if fh.Size > h.maxAudioBytes {
			writeError(c, utils.E(utils.CodeInvalidArgument, op, "audio is too large", nil))
			return
		}
		f, err := fh.Open()
		if err != nil {
			writeError(c, utils.E(utils.CodeInvalidArgument, op, "unreadable audio", err))
			return
		}
		defer f.Close()
		if in.Audio, err = io.ReadAll(f); err != nil {
			writeError(c, utils.E(utils.CodeInvalidArgument, op, "unreadable audio", err))
			return
		}

		in.Format = c.PostForm("format")
		if in.Format == "" {
			in.Format = filepath.Ext(fh.Filename)
		}
		in.Voice = c.PostForm("voice")
		in.RequestID = c.PostForm("request_id")
	} else {
		var req TextTurnRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			writeError(c, utils.E(utils.CodeInvalidArgument, op, "invalid request body", err))
			return
		}
		in.Text, in.Voice, in.RequestID = req.Text, req.Voice, req.RequestID
	}
	if in.RequestID == "" {
		in.RequestID = c.GetHeader("Idempotency-Key")
	}

	res, err := h.orch.Run(c.Request.Context(), in)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}
