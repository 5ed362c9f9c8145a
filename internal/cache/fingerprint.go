package cache

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"hash"
	"strconv"
	"strings"
	"unicode"

	"github.com/spike-crypto/voicebot/internal/models"
)

// ModelConfig is the part of the inference configuration that changes the answer.
type ModelConfig struct {
	SystemPrompt string
	Providers    []string // "<id>/<model>" in priority order
	Temperature  float64
	MaxTokens    int
}

// FingerprintInput is everything an LLM response depends on.
type FingerprintInput struct {
	Text    string
	Context []models.Turn // the window actually sent, oldest first
	Model   ModelConfig
}

// NormalizeText lowercases, trims and collapses whitespace.
func NormalizeText(s string) string {
	return strings.Join(strings.FieldsFunc(strings.ToLower(s), unicode.IsSpace), " ")
}

// ContextHash hashes role and text of each turn. Ids and timestamps are
// excluded so two sessions with identical history share entries.
func ContextHash(turns []models.Turn) string {
	h := sha256.New()
	for _, t := range turns {
		writeField(h, string(t.Role))
		writeField(h, t.Text)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Fingerprint derives the cache key for an LLM request.
func Fingerprint(in FingerprintInput) string {
	h := sha256.New()
	writeField(h, NormalizeText(in.Text))
	writeField(h, ContextHash(in.Context))

	writeField(h, in.Model.SystemPrompt)
	for _, p := range in.Model.Providers {
		writeField(h, p)
	}
	writeField(h, strconv.FormatFloat(in.Model.Temperature, 'f', -1, 64))
	writeField(h, strconv.Itoa(in.Model.MaxTokens))

	return "llm:" + hex.EncodeToString(h.Sum(nil))
}

// SpeechFingerprint derives the cache key for synthesized audio.
func SpeechFingerprint(provider, voice, text string) string {
	h := sha256.New()
	writeField(h, provider)
	writeField(h, voice)
	writeField(h, text)
	return "tts:" + hex.EncodeToString(h.Sum(nil))
}

// writeField length-prefixes s so adjacent fields cannot run together.
func writeField(h hash.Hash, s string) {
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], uint64(len(s)))
	h.Write(n[:])
	h.Write([]byte(s))
}
