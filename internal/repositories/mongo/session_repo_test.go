package mongo

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/spike-crypto/voicebot/internal/models"
	"github.com/spike-crypto/voicebot/internal/utils"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/integration/mtest"
)

const sessionsNS = "voicebot.sessions"

func storedSession(turns ...models.Turn) models.Session {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	return models.Session{
		SessionID:    "sess-1",
		CreatedAt:    now,
		LastActiveAt: now,
		Turns:        turns,
		ExpiresAt:    now.Add(time.Hour),
	}
}

func requestTurns(requestID string) []models.Turn {
	return []models.Turn{
		{ID: "t1", RequestID: requestID, Role: models.RoleUser, Text: "hi"},
		{ID: "t2", RequestID: requestID, Role: models.RoleAssistant, Text: "hello"},
	}
}

func TestSessionStoreAppend(t *testing.T) {
	mt := newMockT(t)
	ctx := context.Background()

	mt.Run("appends request turns once", func(mt *mtest.T) {
		store := NewSessionStore(mt.DB, time.Hour)
		mt.AddMockResponses(found(mt, storedSession(requestTurns("req-1")...)))

		out, err := store.Append(ctx, "sess-1", requestTurns("req-1")...)
		if err != nil {
			mt.Fatal(err)
		}
		if len(out) != 2 || out[1].Text != "hello" {
			mt.Fatalf("unexpected turns %+v", out)
		}

		ev := mt.GetStartedEvent()
		if ev == nil || ev.CommandName != "findAndModify" {
			mt.Fatalf("expected a findAndModify, got %+v", ev)
		}
		guard := ev.Command.Lookup("query", "turns.request_id", "$ne")
		if guard.StringValue() != "req-1" {
			mt.Fatalf("append must skip sessions that already hold req-1, filter %v", ev.Command.Lookup("query"))
		}
		if _, err := ev.Command.LookupErr("query", "expires_at", "$gt"); err != nil {
			mt.Fatal("append must only touch live sessions")
		}
	})

	mt.Run("duplicate append returns the stored turns", func(mt *mtest.T) {
		store := NewSessionStore(mt.DB, time.Hour)
		stored := storedSession(requestTurns("req-1")...)
		mt.AddMockResponses(noMatch(), cursor(sessionsNS, toDoc(mt, stored)))

		out, err := store.Append(ctx, "sess-1",
			models.Turn{RequestID: "req-1", Role: models.RoleUser, Text: "hi"},
			models.Turn{RequestID: "req-1", Role: models.RoleAssistant, Text: "a different reply"},
		)
		if err != nil {
			mt.Fatal(err)
		}
		if len(out) != 2 || out[0].ID != "t1" || out[1].Text != "hello" {
			mt.Fatalf("a replayed append should return what is stored, got %+v", out)
		}
	})

	mt.Run("append to missing session", func(mt *mtest.T) {
		store := NewSessionStore(mt.DB, time.Hour)
		mt.AddMockResponses(noMatch(), cursor(sessionsNS))

		_, err := store.Append(ctx, "gone", models.Turn{Role: models.RoleUser, Text: "hi"})
		if !errors.Is(err, utils.ErrNotFound) {
			mt.Fatalf("expected ErrNotFound, got %v", err)
		}
	})

	mt.Run("turns without a request id are not guarded", func(mt *mtest.T) {
		store := NewSessionStore(mt.DB, time.Hour)
		mt.AddMockResponses(found(mt, storedSession(models.Turn{ID: "t1", Role: models.RoleUser, Text: "hi"})))

		if _, err := store.Append(ctx, "sess-1", models.Turn{Role: models.RoleUser, Text: "hi"}); err != nil {
			mt.Fatal(err)
		}
		ev := mt.GetStartedEvent()
		if ev == nil {
			mt.Fatal("no command recorded")
		}
		if _, err := ev.Command.LookupErr("query", "turns.request_id"); err == nil {
			mt.Fatal("plain turns should not carry a request guard")
		}
	})
}

func TestSessionStoreGetAndClear(t *testing.T) {
	mt := newMockT(t)
	ctx := context.Background()

	mt.Run("get fills empty turns", func(mt *mtest.T) {
		store := NewSessionStore(mt.DB, time.Hour)
		doc := toDoc(mt, storedSession())
		mt.AddMockResponses(cursor(sessionsNS, doc))

		s, err := store.Get(ctx, "sess-1")
		if err != nil {
			mt.Fatal(err)
		}
		if s.Turns == nil || len(s.Turns) != 0 || s.TTL != time.Hour {
			mt.Fatalf("unexpected session %+v", s)
		}
	})

	mt.Run("get missing", func(mt *mtest.T) {
		store := NewSessionStore(mt.DB, time.Hour)
		mt.AddMockResponses(cursor(sessionsNS))

		if _, err := store.Get(ctx, "gone"); !errors.Is(err, utils.ErrNotFound) {
			mt.Fatalf("expected ErrNotFound, got %v", err)
		}
	})

	mt.Run("clear missing", func(mt *mtest.T) {
		store := NewSessionStore(mt.DB, time.Hour)
		mt.AddMockResponses(mtest.CreateSuccessResponse(bson.E{Key: "n", Value: 0}))

		if err := store.Clear(ctx, "gone"); !errors.Is(err, utils.ErrNotFound) {
			mt.Fatalf("expected ErrNotFound, got %v", err)
		}
	})

	mt.Run("clear live", func(mt *mtest.T) {
		store := NewSessionStore(mt.DB, time.Hour)
		mt.AddMockResponses(mtest.CreateSuccessResponse(bson.E{Key: "n", Value: 1}))

		if err := store.Clear(ctx, "sess-1"); err != nil {
			mt.Fatal(err)
		}
	})

	mt.Run("reap counts deleted", func(mt *mtest.T) {
		store := NewSessionStore(mt.DB, time.Hour)
		mt.AddMockResponses(mtest.CreateSuccessResponse(bson.E{Key: "n", Value: 3}))

		if n, err := store.Reap(ctx); err != nil || n != 3 {
			mt.Fatalf("expected 3 reaped, got %d %v", n, err)
		}
	})
}
