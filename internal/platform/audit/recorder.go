package audit

import (
	"context"
	"errors"
	"log/slog"
)

// Recorder is the entry point for business code. A failed audit write never
// fails the caller's operation, but it is always logged at error level and
// counted so operators see it.
type Recorder struct {
	Writer   *Writer
	Logger   *slog.Logger
	Observer Observer

	// OnRecorded runs after every committed entry.
	OnRecorded func(ctx context.Context, e Entry)
}

func NewRecorder(w *Writer, logger *slog.Logger) *Recorder {
	return &Recorder{Writer: w, Logger: logger, Observer: w.Observer}
}

func (r *Recorder) logger() *slog.Logger {
	if r.Logger == nil {
		return slog.Default()
	}
	return r.Logger
}

// Record appends the event and swallows the error after reporting it.
func (r *Recorder) Record(ctx context.Context, action Action, subjectTable, subjectRecordID, actorID string, metadata map[string]any) {
	_, _ = r.RecordErr(ctx, EventInput{
		Action:          action,
		SubjectTable:    subjectTable,
		SubjectRecordID: subjectRecordID,
		ActorID:         actorID,
		Metadata:        metadata,
	})
}

// RecordErr is Record for callers that decide themselves whether a failed
// audit write blocks their operation.
func (r *Recorder) RecordErr(ctx context.Context, in EventInput) (Entry, error) {
	if r == nil || r.Writer == nil {
		return Entry{}, ErrStoreUnavailable
	}
	e, err := r.Writer.Append(ctx, in)
	if err == nil {
		if r.OnRecorded != nil {
			r.OnRecorded(ctx, e)
		}
		return e, nil
	}
	reason := "unavailable"
	if errors.Is(err, ErrInvalidEvent) {
		reason = "invalid"
	}
	if r.Observer != nil {
		r.Observer.ObserveRecordFailure(in.Action, reason)
	}
	r.logger().ErrorContext(ctx, "audit write failed",
		"action", string(in.Action),
		"subject_table", in.SubjectTable,
		"subject_record_id", in.SubjectRecordID,
		"actor_id", in.ActorID,
		"reason", reason,
		"error", err,
	)
	return Entry{}, err
}
