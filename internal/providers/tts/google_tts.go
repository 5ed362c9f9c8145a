package tts

import (
	"context"
	"fmt"
	"strings"

	texttospeech "cloud.google.com/go/texttospeech/apiv1"
	"cloud.google.com/go/texttospeech/apiv1/texttospeechpb"
)

type GoogleTTS struct {
	c            *texttospeech.Client
	language     string
	defaultVoice string
}

func NewGoogleTTS(ctx context.Context, language, defaultVoice string) (*GoogleTTS, error) {
	c, err := texttospeech.NewClient(ctx)
	if err != nil {
		return nil, err
	}
	if language == "" {
		language = "en-US"
	}
	return &GoogleTTS{c: c, language: language, defaultVoice: defaultVoice}, nil
}

func (g *GoogleTTS) ID() string { return "google" }

func (g *GoogleTTS) Close() error { return g.c.Close() }

func (g *GoogleTTS) Synthesize(ctx context.Context, text, voice string) (Audio, error) {
	if strings.TrimSpace(text) == "" {
		return Audio{}, ErrEmptyText
	}
	if voice == "" {
		voice = g.defaultVoice
	}

	resp, err := g.c.SynthesizeSpeech(ctx, &texttospeechpb.SynthesizeSpeechRequest{
		Input: &texttospeechpb.SynthesisInput{
			InputSource: &texttospeechpb.SynthesisInput_Text{Text: text},
		},
		Voice: &texttospeechpb.VoiceSelectionParams{
			LanguageCode: g.language,
			Name:         voice,
		},
		AudioConfig: &texttospeechpb.AudioConfig{
			AudioEncoding: texttospeechpb.AudioEncoding_MP3,
		},
	})
	if err != nil {
		return Audio{}, fmt.Errorf("google tts: synthesize: %w", err)
	}
	if len(resp.AudioContent) == 0 {
		return Audio{}, fmt.Errorf("google tts: empty audio")
	}
	return Audio{Data: resp.AudioContent, Format: "mp3", Voice: voice}, nil
}
