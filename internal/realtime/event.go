package realtime

import (
	"errors"
	"time"

	"github.com/spike-crypto/voicebot/internal/models"
	"github.com/spike-crypto/voicebot/internal/utils"
)

type EventType string

const (
	EventProgress EventType = "progress"
	EventFinal    EventType = "final"
	EventError    EventType = "error"
)

// ErrorBody is the client-facing shape of a failure. It never carries raw
// provider output.
type ErrorBody struct {
	Kind              string `json:"kind"`
	Message           string `json:"message"`
	RetryAfterSeconds int    `json:"retry_after_seconds,omitempty"`
}

type Event struct {
	Type      EventType            `json:"type"`
	RequestID string               `json:"request_id"`
	State     models.PipelineState `json:"state,omitempty"`
	Result    *models.TurnResult   `json:"result,omitempty"`
	Error     *ErrorBody           `json:"error,omitempty"`
	At        time.Time            `json:"at"`
}

// Terminal reports whether ev ends the stream.
func (ev Event) Terminal() bool { return ev.Type == EventFinal || ev.Type == EventError }

func Progress(requestID string, state models.PipelineState) Event {
	return Event{Type: EventProgress, RequestID: requestID, State: state, At: time.Now().UTC()}
}

func Final(res *models.TurnResult) Event {
	return Event{Type: EventFinal, RequestID: res.RequestID, State: models.StateCompleted, Result: res, At: time.Now().UTC()}
}

// Failure renders err for the client using only its safe message.
func Failure(requestID string, err error) Event {
	body := &ErrorBody{Kind: string(utils.CodeOf(err)), Message: "internal error"}
	var ae *utils.AppError
	if errors.As(err, &ae) {
		if ae.Message != "" {
			body.Message = ae.Message
		}
		body.RetryAfterSeconds = ae.RetryAfterSeconds()
	}
	state := models.StateFailed
	if body.Kind == string(utils.CodeRateLimited) {
		state = models.StateRateLimited
	}
	return Event{Type: EventError, RequestID: requestID, State: state, Error: body, At: time.Now().UTC()}
}

// Err turns an error event back into an error.
func (ev Event) Err() error {
	if ev.Type != EventError || ev.Error == nil {
		return nil
	}
	e := &utils.AppError{Code: utils.Code(ev.Error.Kind), Op: "realtime.Event", Message: ev.Error.Message}
	if ev.Error.RetryAfterSeconds > 0 {
		e.RetryAfter = time.Duration(ev.Error.RetryAfterSeconds) * time.Second
	}
	return e
}
