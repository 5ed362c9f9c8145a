package postgres

import (
	"context"

	"github.com/spike-crypto/voicebot/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type ConversationRepo interface {
	Insert(ctx context.Context, logs ...*models.ConversationLog) error
	ListBySession(ctx context.Context, sessionID string, limit int) ([]models.ConversationLog, error)
}

type conversationRepo struct {
	db *gorm.DB
}

func NewConversationRepo(db *gorm.DB) ConversationRepo {
	return &conversationRepo{db: db}
}

// Insert writes all logs in one statement. Rows already archived under
// the same id are left alone, so re-archiving a replayed request is safe.
func (r *conversationRepo) Insert(ctx context.Context, logs ...*models.ConversationLog) error {
	if len(logs) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(logs).Error
}

func (r *conversationRepo) ListBySession(ctx context.Context, sessionID string, limit int) ([]models.ConversationLog, error) {
	if limit <= 0 {
		limit = 50
	}

	var rows []models.ConversationLog
	err := r.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("timestamp ASC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}
