package postgres

import (
	"context"
	"errors"

	"github.com/spike-crypto/voicebot/internal/models"
	"github.com/spike-crypto/voicebot/internal/utils"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type PersonaRepository interface {
	Get(ctx context.Context, id string) (*models.Persona, error)
	Upsert(ctx context.Context, p *models.Persona) error
}

type personaRepo struct {
	db *gorm.DB
}

func NewPersonaRepo(db *gorm.DB) PersonaRepository {
	return &personaRepo{db: db}
}

func (r *personaRepo) Get(ctx context.Context, id string) (*models.Persona, error) {
	var p models.Persona
	err := r.db.WithContext(ctx).
		Where("id = ?", id).
		Take(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, utils.ErrNotFound
	}
	return &p, err
}

func (r *personaRepo) Upsert(ctx context.Context, p *models.Persona) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"full_name", "headline", "summary", "skills", "answers", "rules", "updated_at"}),
		}).
		Create(p).Error
}
