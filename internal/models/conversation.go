package models

import (
	"time"

	"gorm.io/datatypes"
)

// ConversationLog archives a completed turn.
type ConversationLog struct {
	ID        string         `gorm:"column:id;type:uuid;primaryKey" json:"id"`
	SessionID string         `gorm:"column:session_id;type:uuid;index" json:"session_id"`
	RequestID string         `gorm:"column:request_id;type:text;index" json:"request_id"`
	Role      string         `gorm:"column:role;type:text" json:"role"` // "user" | "assistant"
	Content   string         `gorm:"column:content;type:text" json:"content"`
	AudioRef  string         `gorm:"column:audio_ref;type:text" json:"audio_ref,omitempty"`
	Timestamp time.Time      `gorm:"column:timestamp;type:timestamptz;index" json:"timestamp"`
	Metadata  datatypes.JSON `gorm:"column:metadata;type:jsonb" json:"metadata"`
}

func (ConversationLog) TableName() string { return "conversation_logs" }
