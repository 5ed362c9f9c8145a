package stt

import (
	"context"
	"fmt"

	speech "cloud.google.com/go/speech/apiv1"
	speechpb "cloud.google.com/go/speech/apiv1/speechpb"
)

type GoogleSpeech struct {
	c *speech.Client

	SampleRateHz int32
	Language     string
}

func NewGoogleSpeech(ctx context.Context, language string) (*GoogleSpeech, error) {
	c, err := speech.NewClient(ctx)
	if err != nil {
		return nil, err
	}
	if language == "" {
		language = "en-US"
	}
	return &GoogleSpeech{c: c, SampleRateHz: 16000, Language: language}, nil
}

func (g *GoogleSpeech) Close() error { return g.c.Close() }

// encoding maps a container format to the recognizer encoding. Formats the
// v1 recognizer cannot decode are rejected before any network call.
func (g *GoogleSpeech) encoding(format string) (speechpb.RecognitionConfig_AudioEncoding, int32, error) {
	switch NormalizeFormat(format) {
	case "wav":
		// WAV carries its own header; rate comes from it
		return speechpb.RecognitionConfig_LINEAR16, 0, nil
	case "flac":
		return speechpb.RecognitionConfig_FLAC, 0, nil
	case "webm":
		return speechpb.RecognitionConfig_WEBM_OPUS, 48000, nil
	case "ogg":
		return speechpb.RecognitionConfig_OGG_OPUS, 48000, nil
	case "pcm", "raw":
		return speechpb.RecognitionConfig_LINEAR16, g.SampleRateHz, nil
	default:
		return 0, 0, fmt.Errorf("google speech: %w: %q", ErrUnsupportedFormat, format)
	}
}

func (g *GoogleSpeech) Transcribe(ctx context.Context, audio []byte, format string) (Transcript, error) {
	if len(audio) == 0 {
		return Transcript{}, ErrEmptyAudio
	}
	enc, rate, err := g.encoding(format)
	if err != nil {
		return Transcript{}, err
	}

	resp, err := g.c.Recognize(ctx, &speechpb.RecognizeRequest{
		Config: &speechpb.RecognitionConfig{
			Encoding:                   enc,
			SampleRateHertz:            rate,
			LanguageCode:               g.Language,
			EnableAutomaticPunctuation: true,
		},
		Audio: &speechpb.RecognitionAudio{
			AudioSource: &speechpb.RecognitionAudio_Content{Content: audio},
		},
	})
	if err != nil {
		return Transcript{}, fmt.Errorf("google speech: recognize: %w", err)
	}

	// results are consecutive segments; join the top alternative of each
	var out Transcript
	var n int
	for _, r := range resp.Results {
		if len(r.Alternatives) == 0 || r.Alternatives[0].Transcript == "" {
			continue
		}
		alt := r.Alternatives[0]
		if out.Text != "" {
			out.Text += " "
		}
		out.Text += alt.Transcript
		out.Confidence += float64(alt.Confidence)
		n++
	}
	if n == 0 {
		return Transcript{}, ErrNoSpeech
	}
	out.Confidence /= float64(n)
	return out, nil
}
