// Package events emits the structured records spec §4.4 ("emit a structured
// failure event") and §4.6 ("Emits structured records") call for. The
// teacher's events.Writer appended rows to a SQL events table inside the
// caller's transaction; Ops-Core has no SQL store, so Recorder keeps the same
// call shape (type, entity kind/id, actor, payload) but writes through
// structured logging instead, the transport spec.md leaves pluggable.
package events

import (
	"context"
	"log/slog"
	"time"
)

// Payload is a free-form structured-logging attribute bag.
type Payload map[string]any

// Recorder appends structured event records to a *slog.Logger.
type Recorder struct {
	Logger *slog.Logger
	Now    func() time.Time
}

// NewRecorder returns a Recorder logging through logger.
func NewRecorder(logger *slog.Logger) Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return Recorder{Logger: logger, Now: time.Now}
}

// Append records one structured event. It never returns an error: logging is
// best-effort and must not be able to fail the caller's operation.
func (r Recorder) Append(ctx context.Context, evtType, entityKind, entityID, actorID string, payload Payload) {
	now := r.Now
	if now == nil {
		now = time.Now
	}
	attrs := []any{
		slog.String("event", evtType),
		slog.String("entity_kind", entityKind),
		slog.String("entity_id", entityID),
		slog.Time("ts", now().UTC()),
	}
	if actorID != "" {
		attrs = append(attrs, slog.String("actor_id", actorID))
	}
	if len(payload) > 0 {
		attrs = append(attrs, slog.Any("payload", payload))
	}
	r.Logger.LogAttrs(ctx, slog.LevelInfo, "event", slogAttrs(attrs)...)
}

func slogAttrs(vs []any) []slog.Attr {
	out := make([]slog.Attr, 0, len(vs))
	for _, v := range vs {
		if a, ok := v.(slog.Attr); ok {
			out = append(out, a)
		}
	}
	return out
}
