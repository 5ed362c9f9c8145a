package services

import (
	"context"
	"strings"
	"time"

	"github.com/spike-crypto/voicebot/internal/cache"
	"github.com/spike-crypto/voicebot/internal/providers/tts"
)

var markdownStripper = strings.NewReplacer("**", "", "__", "", "*", "", "`", "")

// CleanForSpeech drops markdown emphasis that a voice would read aloud.
func CleanForSpeech(s string) string {
	return strings.Join(strings.Fields(markdownStripper.Replace(s)), " ")
}

// speaker synthesizes text, memoizing audio per provider, voice and text.
type speaker struct {
	provider tts.Provider
	memo     *cache.Memo // nil disables memoization
	ttl      time.Duration
	timeout  time.Duration
}

func (s *speaker) speak(ctx context.Context, text, voice string) (tts.Audio, bool, error) {
	call := func(c context.Context) (tts.Audio, error) {
		c, cancel := context.WithTimeout(c, s.timeout)
		defer cancel()
		return s.provider.Synthesize(c, text, voice)
	}
	if s.memo == nil {
		a, err := call(ctx)
		return a, false, err
	}
	key := cache.SpeechFingerprint(s.provider.ID(), voice, text)
	return cache.Remember(ctx, s.memo, key, s.ttl, call)
}
