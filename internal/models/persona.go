package models

import (
	"time"

	"github.com/lib/pq"
	"gorm.io/datatypes"
)

// Persona is the interview candidate the assistant speaks as.
type Persona struct {
	ID       string `gorm:"column:id;type:text;primaryKey" json:"id"`
	FullName string `gorm:"column:full_name;type:text" json:"full_name"`
	Headline string `gorm:"column:headline;type:text" json:"headline"`
	Summary  string `gorm:"column:summary;type:text" json:"summary"`

	Skills pq.StringArray `gorm:"column:skills;type:text[]" json:"skills"`

	// JSONB: prepared answers keyed by question topic
	Answers datatypes.JSON `gorm:"column:answers;type:jsonb" json:"answers"`
	// JSONB: free-form style rules, ex: ["keep under 50 words"]
	Rules datatypes.JSON `gorm:"column:rules;type:jsonb" json:"rules"`

	UpdatedAt time.Time `gorm:"column:updated_at;type:timestamptz" json:"updated_at"`
}

func (Persona) TableName() string { return "personas" }
