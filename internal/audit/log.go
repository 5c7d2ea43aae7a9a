package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"nexa-erp.dev/internal/ids"
	"nexa-erp.dev/internal/obs"
)

// Event types emitted by the auth subsystem.
const (
	EventUserLoggedIn      = "user.logged_in"
	EventUserLoggedOut     = "user.logged_out"
	EventUserDeactivated   = "user.deactivated"
	EventMFASetupInitiated = "mfa.setup_initiated"
	EventMFAEnabled        = "mfa.enabled"
	EventMFAReset          = "mfa.reset"
	EventAccessGroupChange = "access_group.changed"
)

type ctxKey string

const requestIDKey ctxKey = "audit_request_id"

// Event is a domain notification. Delivery is best effort.
type Event struct {
	ID         string
	Type       string
	OccurredAt time.Time
	UserID     string
	CompanyID  string
	Fields     map[string]any
}

// Publisher delivers events to a sink (log, queue, webhook).
type Publisher interface {
	Publish(ctx context.Context, evt Event) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, evt Event) error

func (f PublisherFunc) Publish(ctx context.Context, evt Event) error { return f(ctx, evt) }

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext extracts the request id if present.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// LogPublisher writes events as JSON lines through the shared logger.
type LogPublisher struct{}

func (LogPublisher) Publish(ctx context.Context, evt Event) error {
	evt.Type = strings.TrimSpace(evt.Type)
	if evt.Type == "" {
		return errors.New("event type is required")
	}
	if evt.ID == "" {
		evt.ID = ids.New()
	}
	if evt.OccurredAt.IsZero() {
		evt.OccurredAt = time.Now()
	}
	entry := map[string]any{
		"ts":       evt.OccurredAt.UTC().Format(time.RFC3339Nano),
		"type":     "audit",
		"event":    evt.Type,
		"event_id": evt.ID,
	}
	if rid := RequestIDFromContext(ctx); rid != "" {
		entry["request_id"] = rid
	}
	if evt.UserID != "" {
		entry["user_id"] = evt.UserID
	}
	if evt.CompanyID != "" {
		entry["company_id"] = evt.CompanyID
	}
	fields := make(map[string]any, len(evt.Fields))
	for k, v := range evt.Fields {
		fields[k] = v
	}
	entry["fields"] = fields

	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	obs.Logger().Println(string(data))
	return nil
}

// Dispatch publishes evt without blocking the caller. Errors and panics in
// the publisher are logged and never propagate.
func Dispatch(ctx context.Context, p Publisher, evt Event) {
	if p == nil {
		return
	}
	if evt.ID == "" {
		evt.ID = ids.New()
	}
	if evt.OccurredAt.IsZero() {
		evt.OccurredAt = time.Now()
	}
	ctx = context.WithoutCancel(ctx)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				obs.Error("event publisher panicked", fmt.Errorf("%v", rec), map[string]any{"event": evt.Type})
			}
		}()
		if err := p.Publish(ctx, evt); err != nil {
			obs.Error("event publish failed", err, map[string]any{"event": evt.Type, "event_id": evt.ID})
		}
	}()
}
