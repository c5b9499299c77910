package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/wizardbeardstudio/open-lab-audit/internal/platform/clock"
)

const (
	DefaultAppendAttempts  = 3
	DefaultAppendTimeout   = 2 * time.Second
	DefaultConflictRetries = 16
	DefaultConflictBudget  = 30 * time.Second
	DefaultSkewTolerance   = 5 * time.Second
)

type WriterConfig struct {
	MaxAttempts    int
	AttemptTimeout time.Duration
	// ConflictRetries is the number of back-to-back conflict retries before
	// the writer pauses for one RetryBackoff.
	ConflictRetries int
	// ConflictBudget bounds the total time spent losing sequence races. The
	// caller's deadline applies as well.
	ConflictBudget time.Duration
	RetryBackoff   time.Duration
	SkewTolerance  time.Duration
}

// Writer extends the chain. Hashing and sequence assignment happen here; the
// store only supplies the atomic tail-read plus insert.
type Writer struct {
	Store    Appender
	Clock    clock.Clock
	Logger   *slog.Logger
	Observer Observer
	Config   WriterConfig

	// NewID generates log ids; uuid v4 when nil.
	NewID func() string
}

func NewWriter(store Appender, clk clock.Clock, cfg WriterConfig) *Writer {
	return &Writer{Store: store, Clock: clk, Config: cfg}
}

func (w *Writer) now() time.Time {
	if w.Clock == nil {
		return time.Now().UTC()
	}
	return w.Clock.Now().UTC()
}

func (w *Writer) logger() *slog.Logger {
	if w.Logger == nil {
		return slog.Default()
	}
	return w.Logger
}

func (w *Writer) observer() Observer {
	if w.Observer == nil {
		return NoopObserver{}
	}
	return w.Observer
}

func (w *Writer) newID() string {
	if w.NewID != nil {
		return w.NewID()
	}
	return uuid.NewString()
}

func (w *Writer) maxAttempts() int {
	if w.Config.MaxAttempts <= 0 {
		return DefaultAppendAttempts
	}
	return w.Config.MaxAttempts
}

func (w *Writer) attemptTimeout() time.Duration {
	if w.Config.AttemptTimeout <= 0 {
		return DefaultAppendTimeout
	}
	return w.Config.AttemptTimeout
}

func (w *Writer) conflictRetries() int {
	if w.Config.ConflictRetries <= 0 {
		return DefaultConflictRetries
	}
	return w.Config.ConflictRetries
}

func (w *Writer) conflictBudget() time.Duration {
	if w.Config.ConflictBudget <= 0 {
		return DefaultConflictBudget
	}
	return w.Config.ConflictBudget
}

func (w *Writer) skewTolerance() time.Duration {
	if w.Config.SkewTolerance <= 0 {
		return DefaultSkewTolerance
	}
	return w.Config.SkewTolerance
}

func (w *Writer) backoff(attempt int) time.Duration {
	base := w.Config.RetryBackoff
	if base <= 0 {
		base = 50 * time.Millisecond
	}
	return time.Duration(attempt) * base
}

// Validate checks an input without writing it and returns the normalized
// entry template (no sequence, id, timestamp or hashes yet).
func Validate(in EventInput) (Entry, error) {
	action := Action(strings.ToUpper(strings.TrimSpace(string(in.Action))))
	if action == "" {
		return Entry{}, fmt.Errorf("%w: action is required", ErrInvalidEvent)
	}
	if !KnownAction(action) {
		return Entry{}, fmt.Errorf("%w: unknown action %q", ErrInvalidEvent, action)
	}
	table := strings.TrimSpace(in.SubjectTable)
	if table == "" {
		return Entry{}, fmt.Errorf("%w: subject_table is required", ErrInvalidEvent)
	}
	recordID := strings.TrimSpace(in.SubjectRecordID)
	if recordID == "" {
		return Entry{}, fmt.Errorf("%w: subject_record_id is required", ErrInvalidEvent)
	}
	actor := strings.TrimSpace(in.ActorID)
	if actor == "" {
		actor = SystemActor
	}
	meta, err := CanonicalMetadata(in.Metadata)
	if err != nil {
		return Entry{}, fmt.Errorf("%w: metadata: %v", ErrInvalidEvent, err)
	}
	return Entry{
		Action:          action,
		SubjectTable:    table,
		SubjectRecordID: recordID,
		ActorID:         actor,
		Metadata:        meta,
		CanonVersion:    CurrentCanonVersion,
	}, nil
}

// Append commits in as the next link. It either commits one valid entry or
// has no effect. Conflicts with concurrent writers are retried until
// ConflictBudget or the context runs out, with a short pause after every
// ConflictRetries consecutive losses. Store failures surface as
// ErrStoreUnavailable after MaxAttempts.
func (w *Writer) Append(ctx context.Context, in EventInput) (Entry, error) {
	started := time.Now()
	template, err := Validate(in)
	if err != nil {
		w.observer().ObserveAppend("invalid", 0, time.Since(started))
		return Entry{}, err
	}

	var (
		failures  int
		conflicts int
		lastErr   error
	)
	for failures < w.maxAttempts() {
		if err := ctx.Err(); err != nil {
			lastErr = err
			break
		}
		e, skewed, err := w.appendOnce(ctx, template)
		if err == nil {
			if skewed {
				w.observer().ObserveClockSkew()
				w.logger().Warn("audit clock skew beyond tolerance",
					"sequence", e.Sequence, "timestamp", FormatTimestamp(e.Timestamp))
			}
			w.observer().ObserveAppend("ok", failures+conflicts+1, time.Since(started))
			return e, nil
		}
		switch {
		case errors.Is(err, ErrInvalidEvent):
			w.observer().ObserveAppend("invalid", failures+conflicts+1, time.Since(started))
			return Entry{}, err
		case errors.Is(err, ErrSequenceConflict):
			conflicts++
			w.observer().ObserveAppendRetry("conflict")
			if conflicts%w.conflictRetries() != 0 {
				continue
			}
			if time.Since(started) >= w.conflictBudget() {
				lastErr = err
				failures = w.maxAttempts()
				continue
			}
			if err := sleepCtx(ctx, w.backoff(1)); err != nil {
				lastErr = err
				failures = w.maxAttempts()
			}
		default:
			failures++
			lastErr = err
			w.observer().ObserveAppendRetry("unavailable")
			if failures < w.maxAttempts() {
				if err := sleepCtx(ctx, w.backoff(failures)); err != nil {
					lastErr = err
					failures = w.maxAttempts()
				}
			}
		}
	}
	w.observer().ObserveAppend("unavailable", failures+conflicts, time.Since(started))
	return Entry{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, lastErr)
}

func (w *Writer) appendOnce(ctx context.Context, template Entry) (Entry, bool, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, w.attemptTimeout())
	defer cancel()

	skewed := false
	e, err := w.Store.AppendNext(attemptCtx, func(tail Tail) (Entry, error) {
		e := template
		e.LogID = w.newID()
		e.Timestamp = w.now().Truncate(time.Microsecond)
		if tail.Empty {
			e.Sequence = 1
			e.PreviousHash = GenesisHash
		} else {
			e.Sequence = tail.Sequence + 1
			e.PreviousHash = tail.Hash
			skewed = e.Timestamp.Before(tail.Timestamp.Add(-w.skewTolerance()))
		}
		h, err := ComputeHash(e)
		if err != nil {
			return Entry{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
		}
		e.CurrentHash = h
		return e, nil
	})
	return e, skewed, err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
