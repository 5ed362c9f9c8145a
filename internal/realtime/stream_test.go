package realtime

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/spike-crypto/voicebot/internal/models"
	"github.com/spike-crypto/voicebot/internal/utils"
)

func TestStreamDropsProgressNeverFinal(t *testing.T) {
	s := newStream("r1", 4, nil)
	l := s.Listen()

	for i := 0; i < 10; i++ {
		s.Publish(Event{Type: EventProgress, State: models.PipelineState(fmt.Sprint(i))})
	}
	s.Finish(Event{Type: EventFinal, Result: &models.TurnResult{ResponseText: "done"}})

	if s.Dropped() != 6 {
		t.Fatalf("expected 6 dropped progress events, got %d", s.Dropped())
	}

	ctx := context.Background()
	for i := 0; i < 4; i++ {
		ev, err := l.Next(ctx)
		if err != nil || ev.Type != EventProgress || ev.State != models.PipelineState(fmt.Sprint(i)) {
			t.Fatalf("event %d: %+v %v", i, ev, err)
		}
	}
	ev, err := l.Next(ctx)
	if err != nil || ev.Type != EventFinal || ev.Result.ResponseText != "done" || ev.RequestID != "r1" {
		t.Fatalf("expected final, got %+v %v", ev, err)
	}

	// reading again still yields the final event
	if ev, _ := l.Next(ctx); ev.Type != EventFinal {
		t.Fatalf("final should be sticky, got %+v", ev)
	}
}

func TestStreamFansOutToEveryListener(t *testing.T) {
	s := newStream("r1", 8, nil)
	old, resumed := s.Listen(), s.Listen()

	s.Publish(Progress("r1", models.StateTranscribing))
	s.Publish(Progress("r1", models.StateInferring))
	s.Finish(Event{Type: EventFinal})

	ctx := context.Background()
	for name, l := range map[string]*Listener{"old": old, "resumed": resumed} {
		for _, want := range []models.PipelineState{models.StateTranscribing, models.StateInferring} {
			ev, err := l.Next(ctx)
			if err != nil || ev.State != want {
				t.Fatalf("%s listener: want %s, got %+v %v", name, want, ev, err)
			}
		}
		if ev, _ := l.Next(ctx); ev.Type != EventFinal {
			t.Fatalf("%s listener should end with the final event, got %+v", name, ev)
		}
	}
	if s.Dropped() != 0 {
		t.Fatalf("nothing should drop, got %d", s.Dropped())
	}
}

func TestLateListenerReplaysRecentProgress(t *testing.T) {
	s := newStream("r1", 3, nil)
	for i := 0; i < 5; i++ {
		s.Publish(Event{Type: EventProgress, State: models.PipelineState(fmt.Sprint(i))})
	}

	l := s.Listen()
	s.Publish(Event{Type: EventProgress, State: "5"})
	s.Finish(Event{Type: EventFinal})

	ctx := context.Background()
	for _, want := range []string{"2", "3", "4", "5"} {
		ev, err := l.Next(ctx)
		if err != nil || string(ev.State) != want {
			t.Fatalf("want state %s, got %+v %v", want, ev, err)
		}
	}
	if ev, _ := l.Next(ctx); ev.Type != EventFinal {
		t.Fatalf("expected final, got %+v", ev)
	}
}

func TestClosedListenerStopsReceiving(t *testing.T) {
	s := newStream("r1", 1, nil)
	l := s.Listen()
	l.Close()
	for i := 0; i < 5; i++ {
		s.Publish(Event{Type: EventProgress})
	}
	if s.Dropped() != 0 {
		t.Fatalf("a closed listener must not count drops, got %d", s.Dropped())
	}
}

func TestFinishedStreamYieldsFinal(t *testing.T) {
	s := Finished(Event{Type: EventFinal, RequestID: "r9"})
	ev, err := s.Listen().Next(context.Background())
	if err != nil || ev.Type != EventFinal || ev.RequestID != "r9" {
		t.Fatalf("expected final, got %+v %v", ev, err)
	}
}

func TestStreamPublishNeverBlocks(t *testing.T) {
	s := newStream("r1", 1, nil)
	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			s.Publish(Event{Type: EventProgress})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a slow consumer")
	}
}

func TestStreamFinishOnce(t *testing.T) {
	s := newStream("r1", 1, nil)
	s.Finish(Event{Type: EventError, Error: &ErrorBody{Kind: "SYNTHESIS_ERROR"}})
	s.Finish(Event{Type: EventFinal})
	ev, ok := s.Final()
	if !ok || ev.Type != EventError {
		t.Fatalf("first finish should win, got %+v", ev)
	}
	if s.Publish(Event{Type: EventProgress}) {
		t.Fatal("publish after finish should be refused")
	}
}

func TestStreamNextHonorsContext(t *testing.T) {
	s := newStream("r1", 1, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := s.Listen().Next(ctx); err == nil {
		t.Fatal("expected context error")
	}
}

func TestFailureEventHidesCause(t *testing.T) {
	err := utils.E(utils.CodeAllProvidersExhausted, "op", "no provider could answer", errors.New("upstream said: secret"))
	ev := Failure("r1", err)
	if ev.Error.Kind != "ALL_PROVIDERS_EXHAUSTED" || ev.Error.Message != "no provider could answer" {
		t.Fatalf("unexpected body %+v", ev.Error)
	}
	if back := ev.Err(); !utils.IsCode(back, utils.CodeAllProvidersExhausted) {
		t.Fatalf("round trip lost the kind: %v", back)
	}

	rl := Failure("r2", utils.RateLimited("op", 1500*time.Millisecond))
	if rl.State != models.StateRateLimited || rl.Error.RetryAfterSeconds != 2 {
		t.Fatalf("unexpected rate limit event %+v %+v", rl, rl.Error)
	}

	plain := Failure("r3", errors.New("raw driver error"))
	if plain.Error.Kind != "INTERNAL" || plain.Error.Message != "internal error" {
		t.Fatalf("raw errors must not leak: %+v", plain.Error)
	}
}
