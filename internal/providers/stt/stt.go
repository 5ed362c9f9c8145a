package stt

import (
	"context"
	"errors"
	"strings"
)

// Transcript is the best hypothesis for an utterance.
type Transcript struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

type Provider interface {
	// Transcribe fails with ErrUnsupportedFormat or ErrNoSpeech for input
	// problems; any other error is a provider fault.
	Transcribe(ctx context.Context, audio []byte, format string) (Transcript, error)
	Close() error
}

var (
	ErrUnsupportedFormat = errors.New("unsupported audio format")
	ErrNoSpeech          = errors.New("no speech recognized")
	ErrEmptyAudio        = errors.New("empty audio")
)

// NormalizeFormat lowercases a format or file extension, ex: ".WAV" -> "wav".
func NormalizeFormat(format string) string {
	return strings.TrimPrefix(strings.ToLower(strings.TrimSpace(format)), ".")
}
