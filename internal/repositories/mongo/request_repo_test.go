package mongo

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/spike-crypto/voicebot/internal/models"
	"github.com/spike-crypto/voicebot/internal/utils"
	"go.mongodb.org/mongo-driver/mongo/integration/mtest"
)

const requestsNS = "voicebot.pipeline_requests"

func TestRequestRepoBegin(t *testing.T) {
	mt := newMockT(t)
	ctx := context.Background()

	mt.Run("new request is started", func(mt *mtest.T) {
		repo := NewRequestRepo(mt.DB, time.Hour)
		mt.AddMockResponses(noMatch(), mtest.CreateSuccessResponse())

		row, started, err := repo.Begin(ctx, "req-1", "sess-1")
		if err != nil {
			mt.Fatal(err)
		}
		if !started || row.State != models.StateReceived || row.SessionID != "sess-1" {
			mt.Fatalf("expected a fresh row, got started=%v %+v", started, row)
		}
	})

	mt.Run("completed row is not started again", func(mt *mtest.T) {
		repo := NewRequestRepo(mt.DB, time.Hour)
		done := models.PipelineRequest{
			RequestID: "req-1",
			SessionID: "sess-1",
			State:     models.StateCompleted,
			Result:    &models.TurnResult{RequestID: "req-1", ResponseText: "hello there"},
		}
		mt.AddMockResponses(noMatch(), duplicateKey(), cursor(requestsNS, toDoc(mt, done)))

		row, started, err := repo.Begin(ctx, "req-1", "sess-1")
		if err != nil {
			mt.Fatal(err)
		}
		if started {
			mt.Fatal("a completed request must not start again")
		}
		if row.State != models.StateCompleted || row.Result == nil || row.Result.ResponseText != "hello there" {
			mt.Fatalf("expected the stored result, got %+v", row)
		}
	})

	mt.Run("running row is not started again", func(mt *mtest.T) {
		repo := NewRequestRepo(mt.DB, time.Hour)
		running := models.PipelineRequest{RequestID: "req-1", SessionID: "sess-1", State: models.StateInferring}
		mt.AddMockResponses(noMatch(), duplicateKey(), cursor(requestsNS, toDoc(mt, running)))

		row, started, err := repo.Begin(ctx, "req-1", "sess-1")
		if err != nil || started || row.State != models.StateInferring {
			mt.Fatalf("got started=%v %+v %v", started, row, err)
		}
	})

	mt.Run("failed row is claimed again", func(mt *mtest.T) {
		repo := NewRequestRepo(mt.DB, time.Hour)
		claimed := models.PipelineRequest{RequestID: "req-1", SessionID: "sess-2", State: models.StateReceived}
		mt.AddMockResponses(found(mt, claimed))

		row, started, err := repo.Begin(ctx, "req-1", "sess-2")
		if err != nil {
			mt.Fatal(err)
		}
		if !started || row.State != models.StateReceived {
			mt.Fatalf("a failed request should be retried, got started=%v %+v", started, row)
		}

		ev := mt.GetStartedEvent()
		if ev == nil || ev.CommandName != "findAndModify" {
			mt.Fatalf("expected a findAndModify, got %+v", ev)
		}
		if st := ev.Command.Lookup("query", "state").StringValue(); st != string(models.StateFailed) {
			mt.Fatalf("only failed rows may be reclaimed, filter state=%q", st)
		}
		if st := ev.Command.Lookup("update", "$set", "state").StringValue(); st != string(models.StateReceived) {
			mt.Fatalf("reclaimed row should restart at received, got %q", st)
		}
	})

	mt.Run("insert error is returned", func(mt *mtest.T) {
		repo := NewRequestRepo(mt.DB, time.Hour)
		mt.AddMockResponses(noMatch(), mtest.CreateCommandErrorResponse(mtest.CommandError{
			Code: 91, Name: "ShutdownInProgress", Message: "shutting down",
		}))

		if _, started, err := repo.Begin(ctx, "req-1", "sess-1"); err == nil || started {
			mt.Fatalf("expected an error, got started=%v err=%v", started, err)
		}
	})
}

func TestRequestRepoGetMissing(t *testing.T) {
	mt := newMockT(t)
	mt.Run("missing", func(mt *mtest.T) {
		repo := NewRequestRepo(mt.DB, time.Hour)
		mt.AddMockResponses(cursor(requestsNS))

		if _, err := repo.Get(context.Background(), "nope"); !errors.Is(err, utils.ErrNotFound) {
			mt.Fatalf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestRequestRepoFailNeverOverwritesCompleted(t *testing.T) {
	mt := newMockT(t)
	mt.Run("fail", func(mt *mtest.T) {
		repo := NewRequestRepo(mt.DB, time.Hour)
		mt.AddMockResponses(mtest.CreateSuccessResponse())

		if err := repo.Fail(context.Background(), "req-1", "inference", "boom"); err != nil {
			mt.Fatal(err)
		}
		ev := mt.GetStartedEvent()
		if ev == nil {
			mt.Fatal("no command recorded")
		}
		if st := ev.Command.Lookup("updates", "0", "q", "state", "$ne").StringValue(); st != string(models.StateCompleted) {
			mt.Fatalf("fail must skip completed rows, filter $ne=%q", st)
		}
		if kind := ev.Command.Lookup("updates", "0", "u", "$set", "error_kind").StringValue(); kind != "inference" {
			mt.Fatalf("error kind not stored, got %q", kind)
		}
	})
}
