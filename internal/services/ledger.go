package services

import (
	"context"
	"sync"
	"time"

	"github.com/spike-crypto/voicebot/internal/models"
	"github.com/spike-crypto/voicebot/internal/utils"
)

// RequestLedger remembers what happened to each request id so a retried
// or replayed submit never runs, or appends, twice.
type RequestLedger interface {
	// Begin claims requestID. started is false, with the existing row,
	// when the request is completed or still running. Failed requests are
	// claimed again.
	Begin(ctx context.Context, requestID, sessionID string) (row *models.PipelineRequest, started bool, err error)
	Get(ctx context.Context, requestID string) (*models.PipelineRequest, error)
	Complete(ctx context.Context, requestID string, res *models.TurnResult) error
	Fail(ctx context.Context, requestID, kind, message string) error
	Reap(ctx context.Context) (int, error)
}

type memoryLedger struct {
	locks *utils.ShardedLocks
	rows  []map[string]*models.PipelineRequest
	ttl   time.Duration
	now   func() time.Time
}

// NewMemoryLedger keeps ledger rows in process for ttl after their last update.
func NewMemoryLedger(ttl time.Duration) RequestLedger {
	locks := utils.NewShardedLocks(32)
	l := &memoryLedger{locks: locks, rows: make([]map[string]*models.PipelineRequest, locks.Len()), ttl: ttl, now: time.Now}
	for i := range l.rows {
		l.rows[i] = map[string]*models.PipelineRequest{}
	}
	return l
}

func (l *memoryLedger) shard(id string) (map[string]*models.PipelineRequest, *sync.Mutex) {
	mu := l.locks.Lock(id)
	return l.rows[l.locks.Index(id)], mu
}

func (l *memoryLedger) Begin(_ context.Context, requestID, sessionID string) (*models.PipelineRequest, bool, error) {
	rows, mu := l.shard(requestID)
	defer mu.Unlock()

	now := l.now().UTC()
	if row, ok := rows[requestID]; ok && now.Before(row.ExpiresAt) && row.State != models.StateFailed {
		out := *row
		return &out, false, nil
	}
	row := &models.PipelineRequest{
		RequestID: requestID,
		SessionID: sessionID,
		State:     models.StateReceived,
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: now.Add(l.ttl),
	}
	rows[requestID] = row
	out := *row
	return &out, true, nil
}

func (l *memoryLedger) Get(_ context.Context, requestID string) (*models.PipelineRequest, error) {
	rows, mu := l.shard(requestID)
	defer mu.Unlock()

	row, ok := rows[requestID]
	if !ok || !l.now().Before(row.ExpiresAt) {
		return nil, utils.ErrNotFound
	}
	out := *row
	return &out, nil
}

func (l *memoryLedger) Complete(_ context.Context, requestID string, res *models.TurnResult) error {
	rows, mu := l.shard(requestID)
	defer mu.Unlock()

	row, ok := rows[requestID]
	if !ok {
		return utils.ErrNotFound
	}
	now := l.now().UTC()
	row.State = models.StateCompleted
	row.Result = res
	row.UpdatedAt = now
	row.ExpiresAt = now.Add(l.ttl)
	return nil
}

func (l *memoryLedger) Fail(_ context.Context, requestID, kind, message string) error {
	rows, mu := l.shard(requestID)
	defer mu.Unlock()

	row, ok := rows[requestID]
	if !ok {
		return utils.ErrNotFound
	}
	if row.State == models.StateCompleted {
		return nil
	}
	now := l.now().UTC()
	row.State = models.StateFailed
	row.ErrorKind = kind
	row.ErrorMessage = message
	row.UpdatedAt = now
	row.ExpiresAt = now.Add(l.ttl)
	return nil
}

func (l *memoryLedger) Reap(_ context.Context) (int, error) {
	now := l.now()
	n := 0
	for i := range l.rows {
		mu := l.locks.Shard(i)
		mu.Lock()
		for id, row := range l.rows[i] {
			if !now.Before(row.ExpiresAt) {
				delete(l.rows[i], id)
				n++
			}
		}
		mu.Unlock()
	}
	return n, nil
}
