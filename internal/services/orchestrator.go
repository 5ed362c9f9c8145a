package services

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/spike-crypto/voicebot/internal/cache"
	"github.com/spike-crypto/voicebot/internal/models"
	"github.com/spike-crypto/voicebot/internal/providers/llm"
	"github.com/spike-crypto/voicebot/internal/providers/stt"
	"github.com/spike-crypto/voicebot/internal/providers/tts"
	"github.com/spike-crypto/voicebot/internal/ratelimit"
	"github.com/spike-crypto/voicebot/internal/realtime"
	"github.com/spike-crypto/voicebot/internal/session"
	"github.com/spike-crypto/voicebot/internal/storage"
	"github.com/spike-crypto/voicebot/internal/utils"
	"github.com/spike-crypto/voicebot/internal/workers"
)

const maxTextRunes = 2000

// TurnInput is one user turn, spoken (Audio) or typed (Text).
type TurnInput struct {
	RequestID string // generated when empty; reuse it to retry safely
	SessionID string
	Identity  string // rate-limit key; defaults to the session id

	Text   string
	Audio  []byte
	Format string
	Voice  string
}

type OrchestratorConfig struct {
	Temperature float64
	MaxTokens   int
	Window      session.Window

	EnableCaching bool
	CacheTTL      time.Duration

	RequestTimeout time.Duration
	STTTimeout     time.Duration
	TTSTimeout     time.Duration
	UploadTimeout  time.Duration

	MaxAudioBytes  int
	AllowedFormats []string
	Voice          string
}

func (c *OrchestratorConfig) setDefaults() {
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 60 * time.Second
	}
	if c.STTTimeout <= 0 {
		c.STTTimeout = 15 * time.Second
	}
	if c.TTSTimeout <= 0 {
		c.TTSTimeout = 15 * time.Second
	}
	if c.UploadTimeout <= 0 {
		c.UploadTimeout = 10 * time.Second
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = time.Hour
	}
	if c.MaxAudioBytes <= 0 {
		c.MaxAudioBytes = 16 << 20
	}
	if len(c.AllowedFormats) == 0 {
		c.AllowedFormats = []string{"wav", "mp3", "webm", "ogg", "m4a"}
	}
}

// OrchestratorDeps wires the pipeline. STT, TTS, Memo, Uploader and
// Archive are optional.
type OrchestratorDeps struct {
	Limiter   ratelimit.Limiter
	Sessions  session.Store
	Sequencer *session.Sequencer
	Ledger    RequestLedger
	Chain     *llm.Chain
	Persona   PersonaService
	Hub       *realtime.Hub
	Pool      *workers.Pool

	STT      stt.Provider
	TTS      tts.Provider
	Memo     *cache.Memo
	Uploader storage.Uploader
	Archive  ConversationService

	Logger *logrus.Logger
}

// Orchestrator runs the turn pipeline:
// received -> rate_limited | admitted -> transcribing -> cache_check ->
// (cache_hit | cache_miss -> inferring -> cache_store) -> synthesizing ->
// delivering -> completed | failed.
type Orchestrator interface {
	// Submit admits a turn and returns its event stream. Rate limiting,
	// validation and session lookup happen before any work is queued and
	// are returned as errors. Submitting a known request id attaches to
	// or replays it instead of running it again.
	Submit(ctx context.Context, in TurnInput) (*realtime.Stream, error)
	// Run is Submit followed by waiting for the terminal event.
	Run(ctx context.Context, in TurnInput) (*models.TurnResult, error)
	// Resume reattaches to a request by id, live or already finished.
	Resume(ctx context.Context, requestID string) (*realtime.Stream, error)
	// Release detaches a listener from a stream returned by Submit or Resume.
	Release(s *realtime.Stream)
}

type orchestrator struct {
	d       OrchestratorDeps
	cfg     OrchestratorConfig
	speaker *speaker
	allowed map[string]bool
	logger  *logrus.Logger

	// held while a request takes its ticket and enters the queue
	admit *utils.ShardedLocks
}

func NewOrchestrator(d OrchestratorDeps, cfg OrchestratorConfig) Orchestrator {
	cfg.setDefaults()
	if d.Logger == nil {
		d.Logger = logrus.New()
	}
	if d.Sequencer == nil {
		d.Sequencer = session.NewSequencer(64)
	}
	if !cfg.EnableCaching {
		d.Memo = nil
	}

	o := &orchestrator{d: d, cfg: cfg, logger: d.Logger, allowed: map[string]bool{}, admit: utils.NewShardedLocks(64)}
	for _, f := range cfg.AllowedFormats {
		o.allowed[stt.NormalizeFormat(f)] = true
	}
	if d.TTS != nil {
		o.speaker = &speaker{provider: d.TTS, memo: d.Memo, ttl: cfg.CacheTTL, timeout: cfg.TTSTimeout}
	}
	return o
}

// answer is what gets memoized per fingerprint.
type answer struct {
	Text     string `json:"text"`
	Provider string `json:"provider"`
}

func (o *orchestrator) validate(in *TurnInput) error {
	const op = "Orchestrator.validate"

	if in.SessionID == "" {
		return utils.E(utils.CodeInvalidArgument, op, "session_id is required", nil)
	}
	in.Text = strings.TrimSpace(in.Text)
	if in.Text == "" && len(in.Audio) == 0 {
		return utils.E(utils.CodeInvalidArgument, op, "text or audio is required", nil)
	}
	if len([]rune(in.Text)) > maxTextRunes {
		return utils.E(utils.CodeInvalidArgument, op, "text is too long", nil)
	}
	if len(in.Audio) > 0 {
		if o.d.STT == nil {
			return utils.E(utils.CodeInvalidArgument, op, "audio input is not enabled", nil)
		}
		if len(in.Audio) > o.cfg.MaxAudioBytes {
			return utils.E(utils.CodeInvalidArgument, op, "audio is too large", nil)
		}
		in.Format = stt.NormalizeFormat(in.Format)
		if !o.allowed[in.Format] {
			return utils.E(utils.CodeTranscriptionError, op, "unsupported audio format", stt.ErrUnsupportedFormat)
		}
	}
	if in.RequestID == "" {
		in.RequestID = uuid.NewString()
	}
	if in.Identity == "" {
		in.Identity = in.SessionID
	}
	if in.Voice == "" {
		in.Voice = o.cfg.Voice
	}
	return nil
}

func (o *orchestrator) Submit(ctx context.Context, in TurnInput) (*realtime.Stream, error) {
	const op = "Orchestrator.Submit"
	received := time.Now()

	if err := o.validate(&in); err != nil {
		return nil, err
	}
	log := o.logger.WithFields(logrus.Fields{"request_id": in.RequestID, "session_id": in.SessionID})

	d, err := o.d.Limiter.Check(ctx, in.Identity)
	if err != nil {
		return nil, utils.E(utils.CodeUnavailable, op, "rate limiter unavailable", err)
	}
	if !d.Allowed {
		log.WithField("retry_after", d.RetryAfter).Info("turn rate limited")
		return nil, utils.RateLimited(op, d.RetryAfter)
	}

	if _, err := o.d.Sessions.Get(ctx, in.SessionID); err != nil {
		return nil, sessionErr(op, err)
	}

	row, started, err := o.d.Ledger.Begin(ctx, in.RequestID, in.SessionID)
	if err != nil {
		return nil, utils.E(utils.CodeInternal, op, "failed to record request", err)
	}
	if row.SessionID != in.SessionID {
		return nil, utils.E(utils.CodeConflict, op, "request_id belongs to another session", nil)
	}
	if !started {
		return o.rejoin(row, log)
	}

	ctl, cancel := context.WithCancel(context.Background())
	stream, created := o.d.Hub.Open(in.RequestID, cancel)
	if !created {
		cancel()
		return stream, nil
	}

	stream.Publish(realtime.Progress(in.RequestID, models.StateAdmitted))

	// position in the session's append order is fixed at receipt. Queue
	// order must match it, or workers could all block on successors
	// while a predecessor waits in the queue.
	mu := o.admit.Lock(in.SessionID)
	ticket := o.d.Sequencer.Ticket(in.SessionID)
	err = o.d.Pool.Submit(func(poolCtx context.Context) {
		o.run(poolCtx, ctl, cancel, in, stream, ticket, received)
	})
	mu.Unlock()
	if err != nil {
		ticket.Done()
		cancel()
		aerr := utils.E(utils.CodeUnavailable, op, "server is busy, try again", err)
		o.fail(in, stream, aerr, log)
		return nil, aerr
	}
	return stream, nil
}

// rejoin serves a request id that is already completed or running.
func (o *orchestrator) rejoin(row *models.PipelineRequest, log *logrus.Entry) (*realtime.Stream, error) {
	const op = "Orchestrator.rejoin"

	if row.State == models.StateCompleted && row.Result != nil {
		res := *row.Result
		res.Replayed = true
		log.Debug("replaying completed request")
		return realtime.Finished(realtime.Final(&res)), nil
	}
	if s, err := o.d.Hub.Attach(row.RequestID); err == nil {
		log.Debug("attached to in-flight request")
		return s, nil
	}
	return nil, utils.E(utils.CodeConflict, op, "request is already in progress", nil)
}

func (o *orchestrator) run(poolCtx, ctl context.Context, cancel context.CancelFunc, in TurnInput, stream *realtime.Stream, ticket *session.Ticket, received time.Time) {
	const op = "Orchestrator.run"

	ctx, stop := context.WithTimeout(poolCtx, o.cfg.RequestTimeout)
	defer stop()
	unhook := context.AfterFunc(ctl, stop)
	defer unhook()
	defer cancel()
	defer ticket.Done()

	log := o.logger.WithFields(logrus.Fields{"request_id": in.RequestID, "session_id": in.SessionID})
	defer func() {
		if r := recover(); r != nil {
			log.WithField("panic", r).Error("pipeline panicked")
			o.fail(in, stream, utils.E(utils.CodeInternal, op, "internal error", nil), log)
		}
	}()

	res, turns, err := o.execute(ctx, in, stream, ticket, log)
	if err != nil {
		o.fail(in, stream, err, log)
		return
	}
	res.ProcessingTimeMS = time.Since(received).Milliseconds()

	lctx, lcancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer lcancel()
	if err := o.d.Ledger.Complete(lctx, in.RequestID, res); err != nil {
		// turns carry the request id, so a retry still cannot duplicate them
		log.WithError(err).Warn("ledger complete failed")
	}

	o.d.Hub.Finish(stream, realtime.Final(res))
	log.WithFields(logrus.Fields{
		"provider":           res.Provider,
		"cache_hit":          res.CacheHit,
		"processing_time_ms": res.ProcessingTimeMS,
	}).Info("turn completed")
	if n := stream.Dropped(); n > 0 {
		log.WithField("dropped_events", n).Debug("slow subscriber missed progress events")
	}

	if o.d.Archive != nil {
		if err := o.d.Archive.Archive(lctx, res, turns); err != nil {
			log.WithError(err).Warn("archive failed")
		}
	}
}

// execute runs every stage after admission. Nothing observable outside
// the request happens before the final append, except cache writes of
// successful answers.
func (o *orchestrator) execute(ctx context.Context, in TurnInput, stream *realtime.Stream, ticket *session.Ticket, log *logrus.Entry) (*models.TurnResult, []models.Turn, error) {
	const op = "Orchestrator.execute"

	progress := func(s models.PipelineState) {
		log.WithField("state", s).Debug("pipeline transition")
		stream.Publish(realtime.Progress(in.RequestID, s))
	}

	progress(models.StateTranscribing)
	transcript, err := o.transcribe(ctx, in)
	if err != nil {
		return nil, nil, err
	}

	sess, err := o.d.Sessions.Get(ctx, in.SessionID)
	if err != nil {
		return nil, nil, sessionErr(op, err)
	}
	window := o.cfg.Window.Select(sess.Turns, transcript)
	system, err := o.d.Persona.SystemPrompt(ctx)
	if err != nil {
		return nil, nil, err
	}
	req := llm.Request{
		System:      system,
		Messages:    toMessages(window, transcript),
		Temperature: o.cfg.Temperature,
		MaxTokens:   o.cfg.MaxTokens,
	}
	fp := cache.Fingerprint(cache.FingerprintInput{
		Text:    transcript,
		Context: window,
		Model: cache.ModelConfig{
			SystemPrompt: system,
			Providers:    o.d.Chain.IDs(),
			Temperature:  o.cfg.Temperature,
			MaxTokens:    o.cfg.MaxTokens,
		},
	})

	progress(models.StateCacheCheck)
	var ans answer
	hit := o.d.Memo != nil && o.d.Memo.Lookup(ctx, fp, &ans)
	if hit {
		progress(models.StateCacheHit)
	} else {
		progress(models.StateCacheMiss)
		progress(models.StateInferring)
		ans, hit, err = o.infer(ctx, fp, req)
		if err != nil {
			return nil, nil, err
		}
		if !hit {
			progress(models.StateCacheStore)
		}
	}

	progress(models.StateSynthesizing)
	var audio tts.Audio
	if o.speaker != nil {
		a, _, err := o.speaker.speak(ctx, CleanForSpeech(ans.Text), in.Voice)
		if err != nil {
			return nil, nil, stageErr(ctx, utils.CodeSynthesisError, op, "speech synthesis failed", err)
		}
		audio = a
	}
	audioRef := o.upload(ctx, in, audio, log)

	progress(models.StateDelivering)
	if err := ticket.Wait(ctx); err != nil {
		return nil, nil, stageErr(ctx, utils.CodeInternalTimeout, op, "timed out waiting for earlier turns", err)
	}
	turns := []models.Turn{
		{ID: uuid.NewString(), RequestID: in.RequestID, Role: models.RoleUser, Text: transcript},
		{ID: uuid.NewString(), RequestID: in.RequestID, Role: models.RoleAssistant, Text: ans.Text, AudioRef: audioRef},
	}
	hist, err := o.d.Sessions.Append(ctx, in.SessionID, turns...)
	ticket.Done()
	if err != nil {
		return nil, nil, sessionErr(op, err)
	}
	turns = requestTurns(hist, in.RequestID, turns)

	res := &models.TurnResult{
		RequestID:     in.RequestID,
		SessionID:     in.SessionID,
		TurnID:        turns[len(turns)-1].ID,
		Transcript:    transcript,
		ResponseText:  ans.Text,
		ResponseAudio: audio.Data,
		AudioFormat:   audio.Format,
		AudioRef:      audioRef,
		Provider:      ans.Provider,
		CacheHit:      hit,
	}
	return res, turns, nil
}

func (o *orchestrator) transcribe(ctx context.Context, in TurnInput) (string, error) {
	const op = "Orchestrator.transcribe"

	if len(in.Audio) == 0 {
		return in.Text, nil
	}
	sctx, cancel := context.WithTimeout(ctx, o.cfg.STTTimeout)
	defer cancel()

	tr, err := o.d.STT.Transcribe(sctx, in.Audio, in.Format)
	if err != nil {
		return "", stageErr(ctx, utils.CodeTranscriptionError, op, "could not transcribe audio", err)
	}
	text := strings.TrimSpace(tr.Text)
	if text == "" {
		return "", utils.E(utils.CodeTranscriptionError, op, "no speech recognized", stt.ErrNoSpeech)
	}
	return text, nil
}

func (o *orchestrator) infer(ctx context.Context, fp string, req llm.Request) (answer, bool, error) {
	const op = "Orchestrator.infer"

	complete := func(c context.Context) (answer, error) {
		out, err := o.d.Chain.Complete(c, req)
		if err != nil {
			return answer{}, err
		}
		return answer{Text: out.Text, Provider: out.Provider}, nil
	}

	var (
		ans answer
		hit bool
		err error
	)
	if o.d.Memo != nil {
		ans, hit, err = cache.Remember(ctx, o.d.Memo, fp, o.cfg.CacheTTL, complete)
	} else {
		ans, err = complete(ctx)
	}
	if err != nil {
		if errors.Is(err, llm.ErrAllProvidersExhausted) {
			return answer{}, false, utils.E(utils.CodeAllProvidersExhausted, op, "no language model provider could answer", err)
		}
		return answer{}, false, stageErr(ctx, utils.CodeInternal, op, "inference failed", err)
	}
	return ans, hit, nil
}

// upload stores response audio when an uploader is configured. A failed
// upload only costs the reference; the audio still goes out inline.
func (o *orchestrator) upload(ctx context.Context, in TurnInput, audio tts.Audio, log *logrus.Entry) string {
	if o.d.Uploader == nil || len(audio.Data) == 0 {
		return ""
	}
	uctx, cancel := context.WithTimeout(ctx, o.cfg.UploadTimeout)
	defer cancel()

	ref, err := o.d.Uploader.Upload(uctx,
		storage.ObjectName(in.SessionID, in.RequestID, audio.Format),
		storage.ContentType(audio.Format),
		bytes.NewReader(audio.Data),
	)
	if err != nil {
		log.WithError(err).Warn("audio upload failed")
		return ""
	}
	return ref
}

func (o *orchestrator) fail(in TurnInput, stream *realtime.Stream, err error, log *logrus.Entry) {
	kind := utils.CodeOf(err)
	log.WithError(err).WithField("kind", kind).Error("turn failed")

	lctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ev := realtime.Failure(in.RequestID, err)
	if lerr := o.d.Ledger.Fail(lctx, in.RequestID, ev.Error.Kind, ev.Error.Message); lerr != nil {
		log.WithError(lerr).Warn("ledger fail failed")
	}
	o.d.Hub.Finish(stream, ev)
}

func (o *orchestrator) Run(ctx context.Context, in TurnInput) (*models.TurnResult, error) {
	const op = "Orchestrator.Run"

	stream, err := o.Submit(ctx, in)
	if err != nil {
		return nil, err
	}
	defer o.Release(stream)

	select {
	case <-stream.Done():
	case <-ctx.Done():
		return nil, stageErr(ctx, utils.CodeInternalTimeout, op, "request timed out", ctx.Err())
	}
	ev, _ := stream.Final()
	if err := ev.Err(); err != nil {
		return nil, err
	}
	return ev.Result, nil
}

func (o *orchestrator) Resume(ctx context.Context, requestID string) (*realtime.Stream, error) {
	const op = "Orchestrator.Resume"

	if requestID == "" {
		return nil, utils.E(utils.CodeInvalidArgument, op, "request_id is required", nil)
	}
	if s, err := o.d.Hub.Attach(requestID); err == nil {
		return s, nil
	}

	row, err := o.d.Ledger.Get(ctx, requestID)
	if err != nil {
		if errors.Is(err, utils.ErrNotFound) {
			return nil, utils.E(utils.CodeNotFound, op, "unknown request_id", err)
		}
		return nil, utils.E(utils.CodeInternal, op, "failed to load request", err)
	}
	switch {
	case row.State == models.StateCompleted && row.Result != nil:
		res := *row.Result
		res.Replayed = true
		return realtime.Finished(realtime.Final(&res)), nil
	case row.State == models.StateFailed:
		return realtime.Finished(realtime.Failure(requestID, &utils.AppError{
			Code:    utils.Code(row.ErrorKind),
			Op:      op,
			Message: row.ErrorMessage,
		})), nil
	default:
		return nil, utils.E(utils.CodeConflict, op, "request is running on another instance", nil)
	}
}

func (o *orchestrator) Release(s *realtime.Stream) {
	if s != nil {
		o.d.Hub.Detach(s)
	}
}

// stageErr reports the request's own deadline or cancellation in
// preference to whatever the stage returned because of it.
func stageErr(ctx context.Context, code utils.Code, op, msg string, err error) error {
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return utils.E(utils.CodeInternalTimeout, op, "request timed out", err)
	case errors.Is(ctx.Err(), context.Canceled):
		return utils.E(utils.CodeUnavailable, op, "request cancelled", err)
	case errors.Is(err, context.DeadlineExceeded):
		return utils.E(utils.CodeInternalTimeout, op, msg+": timed out", err)
	}
	return utils.E(code, op, msg, err)
}

func toMessages(window []models.Turn, current string) []llm.Message {
	out := make([]llm.Message, 0, len(window)+1)
	for _, t := range window {
		out = append(out, llm.Message{Role: string(t.Role), Content: t.Text})
	}
	return append(out, llm.Message{Role: string(models.RoleUser), Content: current})
}

// requestTurns returns the stored turns for requestID, which differ from
// the submitted ones when an earlier attempt already appended them.
func requestTurns(hist []models.Turn, requestID string, fallback []models.Turn) []models.Turn {
	var out []models.Turn
	for _, t := range hist {
		if t.RequestID == requestID {
			out = append(out, t)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
