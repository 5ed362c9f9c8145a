package mongo

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/spike-crypto/voicebot/internal/models"
	"github.com/spike-crypto/voicebot/internal/utils"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// SessionStore keeps sessions as one document each. Every mutation is a
// single-document update, so appends are atomic per session without any
// process-local lock. The TTL index on expires_at removes idle sessions;
// Reap covers the gap before the TTL monitor runs.
type SessionStore struct {
	col *mongo.Collection
	ttl time.Duration
	now func() time.Time
}

func NewSessionStore(db *mongo.Database, ttl time.Duration) *SessionStore {
	return &SessionStore{col: db.Collection("sessions"), ttl: ttl, now: time.Now}
}

func (r *SessionStore) Create(ctx context.Context) (*models.Session, error) {
	now := r.now().UTC()
	s := &models.Session{
		SessionID:    uuid.NewString(),
		CreatedAt:    now,
		LastActiveAt: now,
		Turns:        []models.Turn{},
		TTL:          r.ttl,
		ExpiresAt:    now.Add(r.ttl),
	}
	if _, err := r.col.InsertOne(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}

func (r *SessionStore) liveFilter(sessionID string) bson.M {
	return bson.M{"session_id": sessionID, "expires_at": bson.M{"$gt": r.now().UTC()}}
}

func (r *SessionStore) Append(ctx context.Context, sessionID string, turns ...models.Turn) ([]models.Turn, error) {
	now := r.now().UTC()
	for i := range turns {
		if turns[i].ID == "" {
			turns[i].ID = uuid.NewString()
		}
		if turns[i].Timestamp.IsZero() {
			turns[i].Timestamp = now
		}
	}

	filter := r.liveFilter(sessionID)
	// request-scoped turns go in at most once
	if len(turns) > 0 && turns[0].RequestID != "" {
		filter["turns.request_id"] = bson.M{"$ne": turns[0].RequestID}
	}

	var out models.Session
	err := r.col.FindOneAndUpdate(ctx, filter,
		bson.M{
			"$push": bson.M{"turns": bson.M{"$each": turns}},
			"$set":  bson.M{"last_active_at": now, "expires_at": now.Add(r.ttl)},
		},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&out)
	if errors.Is(err, mongo.ErrNoDocuments) {
		// either gone or the request was already applied
		s, gerr := r.Get(ctx, sessionID)
		if gerr != nil {
			return nil, gerr
		}
		return s.Turns, nil
	}
	if err != nil {
		return nil, err
	}
	return out.Turns, nil
}

func (r *SessionStore) Get(ctx context.Context, sessionID string) (*models.Session, error) {
	var s models.Session
	err := r.col.FindOne(ctx, r.liveFilter(sessionID)).Decode(&s)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, utils.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	s.TTL = r.ttl
	if s.Turns == nil {
		s.Turns = []models.Turn{}
	}
	return &s, nil
}

func (r *SessionStore) Clear(ctx context.Context, sessionID string) error {
	res, err := r.col.DeleteOne(ctx, r.liveFilter(sessionID))
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return utils.ErrNotFound
	}
	return nil
}

func (r *SessionStore) Reap(ctx context.Context) (int, error) {
	res, err := r.col.DeleteMany(ctx, bson.M{"expires_at": bson.M{"$lte": r.now().UTC()}})
	if err != nil {
		return 0, err
	}
	return int(res.DeletedCount), nil
}
