package services

import (
	"context"
	"errors"

	"github.com/spike-crypto/voicebot/internal/models"
	"github.com/spike-crypto/voicebot/internal/session"
	"github.com/spike-crypto/voicebot/internal/utils"
)

type SessionService interface {
	Create(ctx context.Context) (*models.Session, error)
	History(ctx context.Context, sessionID string) ([]models.Turn, error)
	Clear(ctx context.Context, sessionID string) error
}

type sessionService struct {
	store session.Store
}

func NewSessionService(store session.Store) SessionService {
	return &sessionService{store: store}
}

func (s *sessionService) Create(ctx context.Context) (*models.Session, error) {
	const op = "SessionService.Create"

	out, err := s.store.Create(ctx)
	if err != nil {
		return nil, utils.E(utils.CodeInternal, op, "failed to create session", err)
	}
	return out, nil
}

func (s *sessionService) History(ctx context.Context, sessionID string) ([]models.Turn, error) {
	const op = "SessionService.History"

	if sessionID == "" {
		return nil, utils.E(utils.CodeInvalidArgument, op, "session_id is required", nil)
	}
	out, err := s.store.Get(ctx, sessionID)
	if err != nil {
		return nil, sessionErr(op, err)
	}
	return out.Turns, nil
}

func (s *sessionService) Clear(ctx context.Context, sessionID string) error {
	const op = "SessionService.Clear"

	if sessionID == "" {
		return utils.E(utils.CodeInvalidArgument, op, "session_id is required", nil)
	}
	if err := s.store.Clear(ctx, sessionID); err != nil {
		return sessionErr(op, err)
	}
	return nil
}

// sessionErr maps store errors onto the public taxonomy.
func sessionErr(op string, err error) error {
	if errors.Is(err, utils.ErrNotFound) || utils.IsCode(err, utils.CodeSessionNotFound) {
		return utils.E(utils.CodeSessionNotFound, op, "session not found", err)
	}
	return utils.E(utils.CodeInternal, op, "session store failed", err)
}
