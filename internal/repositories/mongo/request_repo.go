package mongo

import (
	"context"
	"errors"
	"time"

	"github.com/spike-crypto/voicebot/internal/models"
	"github.com/spike-crypto/voicebot/internal/utils"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// RequestRepo is the request ledger in Mongo. request_id is unique, so
// two instances racing on Begin for the same id cannot both start it.
type RequestRepo struct {
	col *mongo.Collection
	ttl time.Duration
	now func() time.Time
}

func NewRequestRepo(db *mongo.Database, ttl time.Duration) *RequestRepo {
	return &RequestRepo{col: db.Collection("pipeline_requests"), ttl: ttl, now: time.Now}
}

// Begin claims requestID. It returns started=false with the existing row
// when the request is completed or still running; a failed request is
// claimed again so it can be retried.
func (r *RequestRepo) Begin(ctx context.Context, requestID, sessionID string) (*models.PipelineRequest, bool, error) {
	now := r.now().UTC()

	var row models.PipelineRequest
	err := r.col.FindOneAndUpdate(ctx,
		bson.M{"request_id": requestID, "state": models.StateFailed},
		bson.M{"$set": bson.M{
			"state":         models.StateReceived,
			"session_id":    sessionID,
			"error_kind":    "",
			"error_message": "",
			"updated_at":    now,
			"expires_at":    now.Add(r.ttl),
		}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&row)
	if err == nil {
		return &row, true, nil
	}
	if !errors.Is(err, mongo.ErrNoDocuments) {
		return nil, false, err
	}

	row = models.PipelineRequest{
		RequestID: requestID,
		SessionID: sessionID,
		State:     models.StateReceived,
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: now.Add(r.ttl),
	}
	_, err = r.col.InsertOne(ctx, &row)
	if err == nil {
		return &row, true, nil
	}
	if !mongo.IsDuplicateKeyError(err) {
		return nil, false, err
	}

	existing, gerr := r.Get(ctx, requestID)
	if gerr != nil {
		return nil, false, gerr
	}
	return existing, false, nil
}

func (r *RequestRepo) Get(ctx context.Context, requestID string) (*models.PipelineRequest, error) {
	var row models.PipelineRequest
	err := r.col.FindOne(ctx, bson.M{"request_id": requestID}).Decode(&row)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, utils.ErrNotFound
	}
	return &row, err
}

func (r *RequestRepo) Complete(ctx context.Context, requestID string, res *models.TurnResult) error {
	now := r.now().UTC()
	_, err := r.col.UpdateOne(ctx,
		bson.M{"request_id": requestID},
		bson.M{"$set": bson.M{
			"state":      models.StateCompleted,
			"result":     res,
			"updated_at": now,
			"expires_at": now.Add(r.ttl),
		}},
	)
	return err
}

func (r *RequestRepo) Fail(ctx context.Context, requestID, kind, message string) error {
	now := r.now().UTC()
	_, err := r.col.UpdateOne(ctx,
		bson.M{"request_id": requestID, "state": bson.M{"$ne": models.StateCompleted}},
		bson.M{"$set": bson.M{
			"state":         models.StateFailed,
			"error_kind":    kind,
			"error_message": message,
			"updated_at":    now,
			"expires_at":    now.Add(r.ttl),
		}},
	)
	return err
}

func (r *RequestRepo) Reap(ctx context.Context) (int, error) {
	res, err := r.col.DeleteMany(ctx, bson.M{"expires_at": bson.M{"$lte": r.now().UTC()}})
	if err != nil {
		return 0, err
	}
	return int(res.DeletedCount), nil
}
