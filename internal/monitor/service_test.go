package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"strategy-arena/internal/config"
	"strategy-arena/internal/events"
	"strategy-arena/internal/store"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	st, err := store.Open(config.DatabaseConfig{Driver: store.DriverSQLite, InMemory: true})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	svc, err := NewService(st, nil)
	if err != nil {
		t.Fatalf("NewService returned error: %v", err)
	}
	return svc
}

func TestNewService_RequiresStore(t *testing.T) {
	if _, err := NewService(nil, nil); err == nil {
		t.Fatalf("expected error for nil store")
	}
}

func TestPublish_ListNewestFirstWithFilters(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	svc.Record(ctx, events.TypeTaskQueued, "task-1", "alice", map[string]string{"ticker": "2330"})
	svc.Record(ctx, events.TypeTaskStarted, "task-1", "alice", nil)
	svc.Record(ctx, events.TypeTaskQueued, "task-2", "bob", nil)

	all, err := svc.ListEvents(ctx, Filter{})
	if err != nil {
		t.Fatalf("ListEvents returned error: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 events, got %d", len(all))
	}
	if all[0].Subject != "task-2" || all[2].Type != events.TypeTaskQueued {
		t.Errorf("expected newest first, got %+v", all)
	}

	var payload map[string]string
	if err := json.Unmarshal(all[2].Payload, &payload); err != nil || payload["ticker"] != "2330" {
		t.Errorf("expected payload to round-trip, got %s (%v)", all[2].Payload, err)
	}
	if all[1].Payload != nil {
		t.Errorf("expected empty payload to stay nil, got %s", all[1].Payload)
	}

	queued, err := svc.ListEvents(ctx, Filter{Type: events.TypeTaskQueued})
	if err != nil {
		t.Fatalf("ListEvents returned error: %v", err)
	}
	if len(queued) != 2 {
		t.Errorf("expected 2 queued events, got %d", len(queued))
	}

	alice, err := svc.ListEvents(ctx, Filter{Owner: "alice", Subject: "task-1", Limit: 1})
	if err != nil {
		t.Fatalf("ListEvents returned error: %v", err)
	}
	if len(alice) != 1 || alice[0].Type != events.TypeTaskStarted {
		t.Errorf("expected latest alice event, got %+v", alice)
	}
}

func TestPublish_RejectsIncompleteEvent(t *testing.T) {
	svc := newTestService(t)
	if err := svc.Publish(context.Background(), events.Event{Type: events.TypeError}); err == nil {
		t.Fatalf("expected error for event without id")
	}
}

func TestPublish_DuplicateIDFails(t *testing.T) {
	svc := newTestService(t)
	event, err := events.New(events.TypeDecision, "2330", "", nil)
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	if err := svc.Publish(context.Background(), event); err != nil {
		t.Fatalf("Publish returned error: %v", err)
	}
	if err := svc.Publish(context.Background(), event); err == nil {
		t.Errorf("expected duplicate event id to be rejected")
	}
}

func TestRecordError_StoresMessage(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	svc.RecordError(ctx, "task-9", "worker panic", errors.New("boom"), map[string]interface{}{"attempt": 1})

	list, err := svc.ListEvents(ctx, Filter{Type: events.TypeError})
	if err != nil {
		t.Fatalf("ListEvents returned error: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("expected 1 error event, got %d", len(list))
	}
	var payload ErrorPayload
	if err := json.Unmarshal(list[0].Payload, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.Error != "boom" || payload.Message != "worker panic" {
		t.Errorf("unexpected payload %+v", payload)
	}
}
