package session

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/conduit-ai/conduit/internal/events"
	"github.com/conduit-ai/conduit/internal/observability"
	"github.com/conduit-ai/conduit/internal/storage"
	"github.com/conduit-ai/conduit/pkg/models"
)

func testOrchestrator(t *testing.T) (*Orchestrator, *storage.StoreSet, *events.Bus) {
	t.Helper()
	stores := storage.NewMemoryStores()
	logger := observability.NewLogger(observability.LogConfig{Output: &bytes.Buffer{}})
	bus := events.NewBus(stores.Events, logger)
	o := NewOrchestrator(Options{Stores: stores, Bus: bus, Logger: logger})
	return o, stores, bus
}

func activeSession(t *testing.T, o *Orchestrator) *models.Session {
	t.Helper()
	s, err := o.Create(context.Background(), "conversation", map[string]any{"topic": "planning"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	s, err = o.Start(context.Background(), s.ID)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	return s
}

func TestLifecycleTransitions(t *testing.T) {
	o, _, _ := testOrchestrator(t)
	ctx := context.Background()

	s, err := o.Create(ctx, "conversation", nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if s.Status != models.SessionPending {
		t.Fatalf("new session status = %s, want pending", s.Status)
	}

	s, err = o.Start(ctx, s.ID)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if s.Status != models.SessionActive || s.StartedAt == nil {
		t.Errorf("started session = %+v", s)
	}

	s, err = o.Pause(ctx, s.ID)
	if err != nil {
		t.Fatalf("pause: %v", err)
	}
	if s.Status != models.SessionPaused {
		t.Errorf("status = %s, want paused", s.Status)
	}

	s, err = o.Resume(ctx, s.ID)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if s.Status != models.SessionActive {
		t.Errorf("status = %s, want active", s.Status)
	}

	s, err = o.End(ctx, s.ID)
	if err != nil {
		t.Fatalf("end: %v", err)
	}
	if s.Status != models.SessionEnded || s.EndedAt == nil {
		t.Errorf("ended session = %+v", s)
	}
}

func TestInvalidTransitions(t *testing.T) {
	o, _, _ := testOrchestrator(t)
	ctx := context.Background()

	tests := []struct {
		name string
		run  func(id string) error
	}{
		{"pause pending", func(id string) error { _, err := o.Pause(ctx, id); return err }},
		{"resume pending", func(id string) error { _, err := o.Resume(ctx, id); return err }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := o.Create(ctx, "conversation", nil)
			if err != nil {
				t.Fatalf("create: %v", err)
			}
			if err := tt.run(s.ID); !errors.Is(err, ErrInvalidTransition) {
				t.Errorf("err = %v, want ErrInvalidTransition", err)
			}
		})
	}

	t.Run("end pending abandons the session", func(t *testing.T) {
		s, err := o.Create(ctx, "conversation", nil)
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		ended, err := o.End(ctx, s.ID)
		if err != nil {
			t.Fatalf("end: %v", err)
		}
		if ended.Status != models.SessionEnded {
			t.Errorf("status = %s, want ended", ended.Status)
		}
		if ended.EndedAt == nil {
			t.Error("EndedAt not set")
		}
	})

	t.Run("ended is terminal", func(t *testing.T) {
		s := activeSession(t, o)
		if _, err := o.End(ctx, s.ID); err != nil {
			t.Fatalf("end: %v", err)
		}
		if _, err := o.Start(ctx, s.ID); !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("start after end: err = %v, want ErrInvalidTransition", err)
		}
		if _, err := o.Resume(ctx, s.ID); !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("resume after end: err = %v, want ErrInvalidTransition", err)
		}
	})
}

func TestTransitionEventPairs(t *testing.T) {
	o, stores, bus := testOrchestrator(t)
	ctx := context.Background()

	var seen []models.EventType
	bus.Subscribe(events.HandlerFunc(func(ctx context.Context, e *models.Event) {
		seen = append(seen, e.Type)
	}))

	s, _ := o.Create(ctx, "conversation", nil)
	o.Start(ctx, s.ID)
	o.Pause(ctx, s.ID)
	o.Resume(ctx, s.ID)
	o.End(ctx, s.ID)

	want := []models.EventType{
		models.EventSessionCreating, models.EventSessionCreated,
		models.EventSessionStarting, models.EventSessionStarted,
		models.EventSessionPausing, models.EventSessionPaused,
		models.EventSessionResuming, models.EventSessionResumed,
		models.EventSessionEnding, models.EventSessionEnded,
	}
	if len(seen) != len(want) {
		t.Fatalf("saw %d events, want %d: %v", len(seen), len(want), seen)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("event[%d] = %s, want %s", i, seen[i], want[i])
		}
	}

	// The audit trail holds the same sequence.
	history, err := stores.Events.ListBySubject(ctx, models.SubjectSession, s.ID, 0)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(history) != len(want) {
		t.Errorf("audit trail has %d events, want %d", len(history), len(want))
	}
}

func TestParticipants(t *testing.T) {
	o, _, _ := testOrchestrator(t)
	ctx := context.Background()
	s := activeSession(t, o)

	if _, err := o.AddParticipant(ctx, s.ID, "agent-1", models.ParticipantAgent, "assistant"); err != nil {
		t.Fatalf("add agent: %v", err)
	}
	if _, err := o.AddParticipant(ctx, s.ID, "user-1", models.ParticipantUser, "owner"); err != nil {
		t.Fatalf("add user: %v", err)
	}

	// Same participant, same role: rejected.
	if _, err := o.AddParticipant(ctx, s.ID, "agent-1", models.ParticipantAgent, "assistant"); !errors.Is(err, storage.ErrAlreadyExists) {
		t.Errorf("duplicate join err = %v, want ErrAlreadyExists", err)
	}
	// Same participant, different role: allowed.
	if _, err := o.AddParticipant(ctx, s.ID, "agent-1", models.ParticipantAgent, "reviewer"); err != nil {
		t.Errorf("second role: %v", err)
	}

	if err := o.RemoveParticipant(ctx, s.ID, "user-1"); err != nil {
		t.Fatalf("remove: %v", err)
	}

	export, err := o.Export(ctx, s.ID)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if export.ParticipantCount != 3 {
		t.Errorf("participant records = %d, want 3 (history preserved)", export.ParticipantCount)
	}
	for _, p := range export.Participants {
		if p.ParticipantID == "user-1" && p.LeftAt == nil {
			t.Error("removed participant missing LeftAt")
		}
	}
}

func TestAddParticipantToEndedSession(t *testing.T) {
	o, _, _ := testOrchestrator(t)
	ctx := context.Background()
	s := activeSession(t, o)
	o.End(ctx, s.ID)

	if _, err := o.AddParticipant(ctx, s.ID, "agent-1", models.ParticipantAgent, "assistant"); !errors.Is(err, ErrSessionEnded) {
		t.Errorf("err = %v, want ErrSessionEnded", err)
	}
}

func TestAddMessage(t *testing.T) {
	o, _, _ := testOrchestrator(t)
	ctx := context.Background()
	s := activeSession(t, o)

	msg, err := o.AddMessage(ctx, s.ID, "agent-1", models.MessageText, "hello")
	if err != nil {
		t.Fatalf("add message: %v", err)
	}
	if msg.ID == "" || msg.SessionID != s.ID {
		t.Errorf("message = %+v", msg)
	}

	got, err := o.Get(ctx, s.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if _, ok := got.Metadata["last_activity_at"]; !ok {
		t.Error("last_activity_at not set after message")
	}

	if _, err := o.AddMessage(ctx, s.ID, "agent-1", models.MessageType("video"), "x"); err == nil {
		t.Error("invalid message type accepted")
	}

	o.Pause(ctx, s.ID)
	if _, err := o.AddMessage(ctx, s.ID, "agent-1", models.MessageText, "while paused"); err == nil {
		t.Error("paused session accepted a message")
	}
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	o, _, _ := testOrchestrator(t)
	ctx := context.Background()
	s := activeSession(t, o)

	// Establish a known state, snapshot it, then diverge.
	s.State["step"] = "draft"
	if err := o.sessions.Update(ctx, s); err != nil {
		t.Fatalf("seed state: %v", err)
	}
	snap, err := o.Snapshot(ctx, s.ID)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}

	s, _ = o.Get(ctx, s.ID)
	s.State["step"] = "review"
	s.State["extra"] = true
	if err := o.sessions.Update(ctx, s); err != nil {
		t.Fatalf("diverge: %v", err)
	}
	o.Pause(ctx, s.ID)

	restored, err := o.Restore(ctx, s.ID, snap)
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if restored.Status != models.SessionActive {
		t.Errorf("restored status = %s, want active", restored.Status)
	}
	if restored.State["step"] != "draft" {
		t.Errorf("restored step = %v, want draft", restored.State["step"])
	}
	if _, ok := restored.State["extra"]; ok {
		t.Error("restore must overwrite, not merge: divergent key survived")
	}
}

func TestSnapshotIsolation(t *testing.T) {
	o, _, _ := testOrchestrator(t)
	ctx := context.Background()
	s := activeSession(t, o)

	snap, err := o.Snapshot(ctx, s.ID)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	snap.State["mutated"] = true

	got, _ := o.Get(ctx, s.ID)
	if _, ok := got.State["mutated"]; ok {
		t.Error("mutating a snapshot leaked into the stored session")
	}
}

func TestOptimisticVersioning(t *testing.T) {
	o, _, _ := testOrchestrator(t)
	ctx := context.Background()
	s := activeSession(t, o)

	stale, _ := o.Get(ctx, s.ID)
	if _, err := o.Pause(ctx, s.ID); err != nil {
		t.Fatalf("pause: %v", err)
	}

	stale.Metadata = map[string]any{"writer": "stale"}
	if err := o.sessions.Update(ctx, stale); !errors.Is(err, storage.ErrVersionConflict) {
		t.Errorf("stale write err = %v, want ErrVersionConflict", err)
	}
}

func TestRetire(t *testing.T) {
	o, _, _ := testOrchestrator(t)
	ctx := context.Background()
	s := activeSession(t, o)

	if err := o.Retire(ctx, s.ID); err == nil {
		t.Error("retiring a live session should fail")
	}

	o.End(ctx, s.ID)
	if err := o.Retire(ctx, s.ID); err != nil {
		t.Fatalf("retire: %v", err)
	}
	// Idempotent.
	if err := o.Retire(ctx, s.ID); err != nil {
		t.Errorf("second retire: %v", err)
	}

	listed, err := o.List(ctx, storage.SessionListOptions{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	for _, got := range listed {
		if got.ID == s.ID {
			t.Error("retired session returned by default listing")
		}
	}

	all, err := o.List(ctx, storage.SessionListOptions{IncludeRetired: true})
	if err != nil {
		t.Fatalf("list retired: %v", err)
	}
	found := false
	for _, got := range all {
		if got.ID == s.ID {
			found = true
		}
	}
	if !found {
		t.Error("retired session missing from IncludeRetired listing")
	}
}

func TestErrorsEmitErrorEvent(t *testing.T) {
	o, _, bus := testOrchestrator(t)
	ctx := context.Background()

	var errorEvents int
	bus.Subscribe(events.HandlerFunc(func(ctx context.Context, e *models.Event) {
		errorEvents++
	}), models.EventSessionError)

	s, _ := o.Create(ctx, "conversation", nil)
	if _, err := o.Pause(ctx, s.ID); err == nil {
		t.Fatal("expected invalid transition")
	}
	if errorEvents != 1 {
		t.Errorf("error events = %d, want 1", errorEvents)
	}
}

func TestFullScenario(t *testing.T) {
	o, _, _ := testOrchestrator(t)
	ctx := context.Background()

	s, err := o.Create(ctx, "pairing", map[string]any{"goal": "refactor"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := o.Start(ctx, s.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := o.AddParticipant(ctx, s.ID, "agent-1", models.ParticipantAgent, "assistant"); err != nil {
		t.Fatalf("join agent: %v", err)
	}
	if _, err := o.AddParticipant(ctx, s.ID, "user-1", models.ParticipantUser, "driver"); err != nil {
		t.Fatalf("join user: %v", err)
	}
	for _, content := range []string{"first", "second", "third"} {
		if _, err := o.AddMessage(ctx, s.ID, "user-1", models.MessageText, content); err != nil {
			t.Fatalf("message %q: %v", content, err)
		}
	}
	if _, err := o.Pause(ctx, s.ID); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if _, err := o.Resume(ctx, s.ID); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if _, err := o.End(ctx, s.ID); err != nil {
		t.Fatalf("end: %v", err)
	}

	export, err := o.Export(ctx, s.ID)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if export.MessageCount != 3 {
		t.Errorf("messages = %d, want 3", export.MessageCount)
	}
	if export.ParticipantCount != 2 {
		t.Errorf("participants = %d, want 2", export.ParticipantCount)
	}
	if export.Session.Status != models.SessionEnded {
		t.Errorf("status = %s, want ended", export.Session.Status)
	}
	if len(export.Events) == 0 {
		t.Error("export missing event history")
	}
}
