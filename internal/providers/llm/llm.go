package llm

import (
	"context"
	"errors"
	"fmt"
)

// Message is one entry of the conversation sent to a model.
type Message struct {
	Role    string `json:"role"` // "user" | "assistant"
	Content string `json:"content"`
}

// Request is provider-neutral; each Provider maps it onto its own API.
type Request struct {
	System      string
	Messages    []Message
	Temperature float64
	MaxTokens   int
}

type Completion struct {
	Text     string `json:"text"`
	Provider string `json:"provider"`
}

type Provider interface {
	// ID is stable across restarts, ex: "mistral/mistral-large-latest".
	ID() string
	Complete(ctx context.Context, req Request) (Completion, error)
}

type FailureKind string

const (
	KindTimeout   FailureKind = "timeout"
	KindStatus    FailureKind = "status"
	KindMalformed FailureKind = "malformed"
)

// ProviderError is a single provider's failure. The Chain absorbs these;
// callers only see them wrapped in an exhausted error.
type ProviderError struct {
	Provider string
	Kind     FailureKind
	Status   int // HTTP status when Kind == KindStatus and known
	Err      error
}

func (e *ProviderError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: %s (%d): %v", e.Provider, e.Kind, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Provider, e.Kind, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// classify turns any error from a provider call into a ProviderError.
func classify(provider string, err error) *ProviderError {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &ProviderError{Provider: provider, Kind: KindTimeout, Err: err}
	}
	return &ProviderError{Provider: provider, Kind: KindStatus, Err: err}
}

var (
	ErrAllProvidersExhausted = errors.New("all providers exhausted")
	errEmptyCompletion       = errors.New("empty completion")
)

// ExhaustedError reports that every provider failed or was skipped.
// It matches both ErrAllProvidersExhausted and the last provider error.
type ExhaustedError struct {
	Last    error // nil when every circuit was open
	Tried   int
	Skipped int
}

func (e *ExhaustedError) Error() string {
	if e.Last == nil {
		return fmt.Sprintf("%v: %d skipped with open circuit", ErrAllProvidersExhausted, e.Skipped)
	}
	return fmt.Sprintf("%v (tried %d, skipped %d): %v", ErrAllProvidersExhausted, e.Tried, e.Skipped, e.Last)
}

func (e *ExhaustedError) Unwrap() []error {
	if e.Last == nil {
		return []error{ErrAllProvidersExhausted}
	}
	return []error{ErrAllProvidersExhausted, e.Last}
}
