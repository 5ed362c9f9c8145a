package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
)

const (
	defaultWhisperBaseURL = "https://api.groq.com/openai/v1"
	defaultWhisperModel   = "whisper-large-v3"
)

var whisperFormats = map[string]string{
	"wav":  "audio/wav",
	"mp3":  "audio/mpeg",
	"webm": "audio/webm",
	"ogg":  "audio/ogg",
	"m4a":  "audio/mp4",
	"flac": "audio/flac",
}

// Whisper calls an OpenAI-compatible /audio/transcriptions endpoint.
type Whisper struct {
	apiKey     string
	baseURL    string
	model      string
	language   string
	httpClient *http.Client
}

type WhisperOption func(*Whisper)

func WithAPIKey(key string) WhisperOption {
	return func(w *Whisper) { w.apiKey = key }
}

func WithBaseURL(url string) WhisperOption {
	return func(w *Whisper) { w.baseURL = strings.TrimSuffix(url, "/") }
}

func WithModel(model string) WhisperOption {
	return func(w *Whisper) {
		if model != "" {
			w.model = model
		}
	}
}

func WithLanguage(lang string) WhisperOption {
	return func(w *Whisper) { w.language = lang }
}

func WithHTTPClient(hc *http.Client) WhisperOption {
	return func(w *Whisper) { w.httpClient = hc }
}

func NewWhisper(opts ...WhisperOption) *Whisper {
	w := &Whisper{baseURL: defaultWhisperBaseURL, model: defaultWhisperModel, httpClient: http.DefaultClient}
	for _, o := range opts {
		o(w)
	}
	return w
}

func (w *Whisper) Close() error { return nil }

func (w *Whisper) Transcribe(ctx context.Context, audio []byte, format string) (Transcript, error) {
	if len(audio) == 0 {
		return Transcript{}, ErrEmptyAudio
	}
	format = NormalizeFormat(format)
	if _, ok := whisperFormats[format]; !ok {
		return Transcript{}, fmt.Errorf("whisper: %w: %q", ErrUnsupportedFormat, format)
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", "audio."+format)
	if err != nil {
		return Transcript{}, fmt.Errorf("whisper: build form: %w", err)
	}
	if _, err := fw.Write(audio); err != nil {
		return Transcript{}, fmt.Errorf("whisper: build form: %w", err)
	}
	_ = mw.WriteField("model", w.model)
	_ = mw.WriteField("response_format", "json")
	if w.language != "" {
		_ = mw.WriteField("language", w.language)
	}
	if err := mw.Close(); err != nil {
		return Transcript{}, fmt.Errorf("whisper: build form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.baseURL+"/audio/transcriptions", &body)
	if err != nil {
		return Transcript{}, fmt.Errorf("whisper: create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if w.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+w.apiKey)
	}

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return Transcript{}, fmt.Errorf("whisper: request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Transcript{}, fmt.Errorf("whisper: read response: %w", err)
	}
	switch {
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnsupportedMediaType:
		// the service rejected the audio itself
		return Transcript{}, fmt.Errorf("whisper: %w: status %d", ErrUnsupportedFormat, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return Transcript{}, fmt.Errorf("whisper: unexpected status %d", resp.StatusCode)
	}

	var out struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return Transcript{}, fmt.Errorf("whisper: decode response: %w", err)
	}
	text := strings.TrimSpace(out.Text)
	if text == "" {
		return Transcript{}, ErrNoSpeech
	}
	return Transcript{Text: text, Confidence: 1}, nil
}
