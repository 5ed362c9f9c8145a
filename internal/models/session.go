package models

import (
	"time"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Session is one interview conversation. Turns only ever grow by append.
type Session struct {
	SessionID    string    `bson:"session_id" json:"session_id"` // uuid v4
	CreatedAt    time.Time `bson:"created_at" json:"created_at"`
	LastActiveAt time.Time `bson:"last_active_at" json:"last_active_at"`
	Turns        []Turn    `bson:"turns" json:"turns"`

	TTL       time.Duration `bson:"-" json:"-"`
	ExpiresAt time.Time     `bson:"expires_at" json:"expires_at"` // for TTL index
}

// Turn is a single user or assistant message.
type Turn struct {
	ID        string    `bson:"id" json:"id"`
	RequestID string    `bson:"request_id,omitempty" json:"request_id,omitempty"`
	Role      Role      `bson:"role" json:"role"`
	Text      string    `bson:"text" json:"text"`
	Timestamp time.Time `bson:"timestamp" json:"timestamp"`
	AudioRef  string    `bson:"audio_ref,omitempty" json:"audio_ref,omitempty"`
}
