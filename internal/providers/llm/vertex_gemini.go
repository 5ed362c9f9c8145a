package llm

import (
	"context"
	"errors"
	"strings"

	vertexgenai "cloud.google.com/go/vertexai/genai"
	"google.golang.org/api/iterator"
)

type VertexGemini struct {
	client    *vertexgenai.Client
	modelName string
}

func NewVertexGemini(ctx context.Context, projectID, location, modelName string) (*VertexGemini, error) {
	c, err := vertexgenai.NewClient(ctx, projectID, location)
	if err != nil {
		return nil, err
	}

	if modelName == "" {
		modelName = "gemini-1.5-flash"
	}
	return &VertexGemini{client: c, modelName: modelName}, nil
}

func (v *VertexGemini) ID() string { return "vertex/" + v.modelName }

func (v *VertexGemini) Close() error { return v.client.Close() }

// Complete streams the answer and joins the chunks. A model is built per
// call because temperature and system prompt vary per request.
func (v *VertexGemini) Complete(ctx context.Context, req Request) (Completion, error) {
	m := v.client.GenerativeModel(v.modelName)
	m.SetTemperature(float32(req.Temperature))
	if req.MaxTokens > 0 {
		m.SetMaxOutputTokens(int32(req.MaxTokens))
	}
	if req.System != "" {
		m.SystemInstruction = &vertexgenai.Content{Parts: []vertexgenai.Part{vertexgenai.Text(req.System)}}
	}

	cs := m.StartChat()
	msgs := req.Messages
	if len(msgs) == 0 {
		return Completion{}, &ProviderError{Provider: v.ID(), Kind: KindMalformed, Err: errors.New("no messages")}
	}
	for _, msg := range msgs[:len(msgs)-1] {
		role := "user"
		if msg.Role == "assistant" {
			role = "model"
		}
		cs.History = append(cs.History, &vertexgenai.Content{Role: role, Parts: []vertexgenai.Part{vertexgenai.Text(msg.Content)}})
	}

	var sb strings.Builder
	it := cs.SendMessageStream(ctx, vertexgenai.Text(msgs[len(msgs)-1].Content))
	for {
		resp, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return Completion{}, &ProviderError{Provider: v.ID(), Kind: KindTimeout, Err: err}
			}
			return Completion{}, &ProviderError{Provider: v.ID(), Kind: KindStatus, Err: err}
		}

		for _, cand := range resp.Candidates {
			if cand.Content == nil {
				continue
			}
			for _, part := range cand.Content.Parts {
				if t, ok := part.(vertexgenai.Text); ok {
					sb.WriteString(string(t))
				}
			}
		}
	}

	text := strings.TrimSpace(sb.String())
	if text == "" {
		return Completion{}, &ProviderError{Provider: v.ID(), Kind: KindMalformed, Err: errEmptyCompletion}
	}
	return Completion{Text: text}, nil
}
