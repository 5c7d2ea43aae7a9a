package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"nexa-erp.dev/internal/obs"
)

// syncBuffer guards the captured log output; Dispatch writes from another goroutine.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func captureLog(t *testing.T) *syncBuffer {
	t.Helper()
	logger := obs.Logger()
	original := logger.Writer()
	logger.SetFlags(0)
	buf := &syncBuffer{}
	logger.SetOutput(buf)
	t.Cleanup(func() { logger.SetOutput(original) })
	return buf
}

func TestLogPublisher(t *testing.T) {
	buf := captureLog(t)

	ctx := WithRequestID(context.Background(), "req-123")
	err := LogPublisher{}.Publish(ctx, Event{
		Type:      EventUserLoggedIn,
		UserID:    "user-42",
		CompanyID: "company-1",
		Fields:    map[string]any{"ip": "10.0.0.1"},
	})
	if err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	var entry map[string]any
	if err := json.Unmarshal([]byte(buf.String()), &entry); err != nil {
		t.Fatalf("log not valid JSON: %v", err)
	}
	if entry["type"] != "audit" {
		t.Fatalf("unexpected type: %v", entry["type"])
	}
	if entry["event"] != EventUserLoggedIn {
		t.Fatalf("unexpected event: %v", entry["event"])
	}
	if entry["request_id"] != "req-123" {
		t.Fatalf("unexpected request id: %v", entry["request_id"])
	}
	if entry["user_id"] != "user-42" || entry["company_id"] != "company-1" {
		t.Fatalf("unexpected subject: %v", entry)
	}
	if entry["event_id"] == "" {
		t.Fatal("expected generated event id")
	}
	fields, ok := entry["fields"].(map[string]any)
	if !ok || fields["ip"] != "10.0.0.1" {
		t.Fatalf("fields missing or incorrect: %v", entry["fields"])
	}
}

func TestLogPublisherRequiresType(t *testing.T) {
	if err := (LogPublisher{}).Publish(context.Background(), Event{}); err == nil {
		t.Fatal("expected error for empty event type")
	}
}

func TestDispatchSwallowsFailures(t *testing.T) {
	buf := captureLog(t)

	done := make(chan struct{}, 2)
	failing := PublisherFunc(func(ctx context.Context, evt Event) error {
		defer func() { done <- struct{}{} }()
		return errors.New("sink down")
	})
	panicking := PublisherFunc(func(ctx context.Context, evt Event) error {
		defer func() { done <- struct{}{} }()
		panic("boom")
	})

	ctx, cancel := context.WithCancel(context.Background())
	Dispatch(ctx, failing, Event{Type: EventUserLoggedIn})
	Dispatch(ctx, panicking, Event{Type: EventMFAReset})
	cancel()

	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("publisher was not invoked")
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		out := buf.String()
		if strings.Contains(out, "event publish failed") && strings.Contains(out, "event publisher panicked") {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected both failures logged, got %q", buf.String())
}

func TestDispatchNilPublisher(t *testing.T) {
	Dispatch(context.Background(), nil, Event{Type: EventUserLoggedIn})
}
