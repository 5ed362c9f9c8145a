package tts

import (
	"context"
	"errors"
)

// Audio is synthesized speech.
type Audio struct {
	Data   []byte `json:"data"`
	Format string `json:"format"` // "mp3" | "wav" | "ogg"
	Voice  string `json:"voice"`
}

type Provider interface {
	ID() string
	Synthesize(ctx context.Context, text, voice string) (Audio, error)
	Close() error
}

var ErrEmptyText = errors.New("nothing to synthesize")
