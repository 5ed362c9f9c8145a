package services

import (
	"context"
	"encoding/json"

	"github.com/spike-crypto/voicebot/internal/models"
	pgrepo "github.com/spike-crypto/voicebot/internal/repositories/postgres"
	"github.com/spike-crypto/voicebot/internal/utils"
	"gorm.io/datatypes"
)

// ConversationService archives completed turns beyond the session TTL.
type ConversationService interface {
	Archive(ctx context.Context, res *models.TurnResult, turns []models.Turn) error
	ListBySession(ctx context.Context, sessionID string, limit int) ([]models.ConversationLog, error)
}

type conversationService struct {
	convos pgrepo.ConversationRepo
}

func NewConversationService(convos pgrepo.ConversationRepo) ConversationService {
	return &conversationService{convos: convos}
}

func (s *conversationService) Archive(ctx context.Context, res *models.TurnResult, turns []models.Turn) error {
	const op = "ConversationService.Archive"

	if res == nil || res.SessionID == "" || len(turns) == 0 {
		return utils.E(utils.CodeInvalidArgument, op, "result and turns are required", nil)
	}

	md, _ := json.Marshal(map[string]any{
		"provider":           res.Provider,
		"cache_hit":          res.CacheHit,
		"processing_time_ms": res.ProcessingTimeMS,
	})

	rows := make([]*models.ConversationLog, 0, len(turns))
	for _, t := range turns {
		rows = append(rows, &models.ConversationLog{
			ID:        t.ID, // turn ids make re-archiving a no-op
			SessionID: res.SessionID,
			RequestID: res.RequestID,
			Role:      string(t.Role),
			Content:   t.Text,
			AudioRef:  t.AudioRef,
			Timestamp: t.Timestamp,
			Metadata:  datatypes.JSON(md),
		})
	}

	if err := s.convos.Insert(ctx, rows...); err != nil {
		return utils.E(utils.CodeInternal, op, "failed to archive conversation", err)
	}
	return nil
}

func (s *conversationService) ListBySession(ctx context.Context, sessionID string, limit int) ([]models.ConversationLog, error) {
	const op = "ConversationService.ListBySession"

	if sessionID == "" {
		return nil, utils.E(utils.CodeInvalidArgument, op, "session_id is required", nil)
	}
	rows, err := s.convos.ListBySession(ctx, sessionID, limit)
	if err != nil {
		return nil, utils.E(utils.CodeInternal, op, "failed to list conversations", err)
	}
	return rows, nil
}
