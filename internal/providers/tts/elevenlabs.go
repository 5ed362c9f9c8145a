package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const (
	defaultElevenLabsBaseURL = "https://api.elevenlabs.io"
	defaultElevenLabsModel   = "eleven_multilingual_v2"
	defaultElevenLabsVoice   = "21m00Tcm4TlvDq8ikWAM" // Rachel
)

type ElevenLabs struct {
	apiKey     string
	baseURL    string
	model      string
	voice      string
	httpClient *http.Client
}

type ElevenLabsOption func(*ElevenLabs)

func WithAPIKey(key string) ElevenLabsOption {
	return func(c *ElevenLabs) { c.apiKey = key }
}

func WithBaseURL(url string) ElevenLabsOption {
	return func(c *ElevenLabs) { c.baseURL = strings.TrimSuffix(url, "/") }
}

func WithVoice(voice string) ElevenLabsOption {
	return func(c *ElevenLabs) {
		if voice != "" {
			c.voice = voice
		}
	}
}

func WithHTTPClient(hc *http.Client) ElevenLabsOption {
	return func(c *ElevenLabs) { c.httpClient = hc }
}

func NewElevenLabs(opts ...ElevenLabsOption) *ElevenLabs {
	c := &ElevenLabs{
		baseURL:    defaultElevenLabsBaseURL,
		model:      defaultElevenLabsModel,
		voice:      defaultElevenLabsVoice,
		httpClient: http.DefaultClient,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *ElevenLabs) ID() string { return "elevenlabs" }

func (c *ElevenLabs) Close() error { return nil }

type elevenRequest struct {
	Text    string `json:"text"`
	ModelID string `json:"model_id"`
}

func (c *ElevenLabs) Synthesize(ctx context.Context, text, voice string) (Audio, error) {
	if strings.TrimSpace(text) == "" {
		return Audio{}, ErrEmptyText
	}
	if voice == "" {
		voice = c.voice
	}

	body, err := json.Marshal(elevenRequest{Text: text, ModelID: c.model})
	if err != nil {
		return Audio{}, fmt.Errorf("elevenlabs: marshal request: %w", err)
	}
	url := fmt.Sprintf("%s/v1/text-to-speech/%s?output_format=mp3_44100_128", c.baseURL, voice)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Audio{}, fmt.Errorf("elevenlabs: create request: %w", err)
	}
	req.Header.Set("xi-api-key", c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Audio{}, fmt.Errorf("elevenlabs: request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return Audio{}, fmt.Errorf("elevenlabs: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return Audio{}, fmt.Errorf("elevenlabs: unexpected status %d", resp.StatusCode)
	}
	if len(data) == 0 {
		return Audio{}, fmt.Errorf("elevenlabs: empty audio")
	}
	return Audio{Data: data, Format: "mp3", Voice: voice}, nil
}
