package models

import "time"

// PipelineState is a stage of the per-request state machine.
type PipelineState string

const (
	StateReceived     PipelineState = "received"
	StateRateLimited  PipelineState = "rate_limited"
	StateAdmitted     PipelineState = "admitted"
	StateTranscribing PipelineState = "transcribing"
	StateCacheCheck   PipelineState = "cache_check"
	StateCacheHit     PipelineState = "cache_hit"
	StateCacheMiss    PipelineState = "cache_miss"
	StateInferring    PipelineState = "inferring"
	StateCacheStore   PipelineState = "cache_store"
	StateSynthesizing PipelineState = "synthesizing"
	StateDelivering   PipelineState = "delivering"
	StateCompleted    PipelineState = "completed"
	StateFailed       PipelineState = "failed"
)

func (s PipelineState) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateRateLimited
}

// TurnResult is the final payload of a completed request.
type TurnResult struct {
	RequestID     string `bson:"request_id" json:"request_id"`
	SessionID     string `bson:"session_id" json:"session_id"`
	TurnID        string `bson:"turn_id" json:"turn_id"`
	Transcript    string `bson:"transcript" json:"transcript"`
	ResponseText  string `bson:"response_text" json:"response_text"`
	ResponseAudio []byte `bson:"response_audio,omitempty" json:"response_audio,omitempty"`
	AudioFormat   string `bson:"audio_format,omitempty" json:"audio_format,omitempty"`
	AudioRef      string `bson:"audio_ref,omitempty" json:"audio_ref,omitempty"`
	Provider      string `bson:"provider,omitempty" json:"provider,omitempty"`
	CacheHit      bool   `bson:"cache_hit" json:"cache_hit"`
	Replayed      bool   `bson:"-" json:"replayed,omitempty"`

	ProcessingTimeMS int64 `bson:"processing_time_ms" json:"processing_time_ms"`
}

// PipelineRequest is the ledger row for one request id.
type PipelineRequest struct {
	RequestID string        `bson:"request_id" json:"request_id"`
	SessionID string        `bson:"session_id" json:"session_id"`
	State     PipelineState `bson:"state" json:"state"`

	ErrorKind    string `bson:"error_kind,omitempty" json:"error_kind,omitempty"`
	ErrorMessage string `bson:"error_message,omitempty" json:"error_message,omitempty"`

	Result *TurnResult `bson:"result,omitempty" json:"result,omitempty"`

	CreatedAt time.Time `bson:"created_at" json:"created_at"`
	UpdatedAt time.Time `bson:"updated_at" json:"updated_at"`
	ExpiresAt time.Time `bson:"expires_at" json:"expires_at"` // for TTL index
}
