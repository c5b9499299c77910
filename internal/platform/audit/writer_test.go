package audit

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"
)

func TestWriterRejectsInvalidEvents(t *testing.T) {
	cases := []struct {
		name string
		in   EventInput
	}{
		{name: "missing action", in: EventInput{SubjectTable: "orders", SubjectRecordID: "1"}},
		{name: "unknown action", in: EventInput{Action: "SHRED", SubjectTable: "orders", SubjectRecordID: "1"}},
		{name: "missing table", in: EventInput{Action: ActionCreate, SubjectRecordID: "1"}},
		{name: "missing record", in: EventInput{Action: ActionCreate, SubjectTable: "orders", SubjectRecordID: "  "}},
		{name: "unserializable metadata", in: EventInput{Action: ActionCreate, SubjectTable: "orders", SubjectRecordID: "1", Metadata: map[string]any{"f": func() {}}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := NewInMemoryStore()
			w := newTestWriter(s)
			_, err := w.Append(context.Background(), tc.in)
			if !errors.Is(err, ErrInvalidEvent) {
				t.Fatalf("expected ErrInvalidEvent, got %v", err)
			}
			if st, _ := s.Stats(context.Background()); st.Count != 0 {
				t.Fatalf("rejected event must not be written, count=%d", st.Count)
			}
		})
	}
}

func TestWriterDefaultsActorToSystem(t *testing.T) {
	w := newTestWriter(NewInMemoryStore())
	e, err := w.Append(context.Background(), EventInput{Action: "login_failed", SubjectTable: "users", SubjectRecordID: "alice"})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if e.ActorID != SystemActor || e.Action != ActionLoginFailed {
		t.Fatalf("unexpected actor/action: %q %q", e.ActorID, e.Action)
	}
	if string(e.Metadata) != `{}` {
		t.Fatalf("expected empty metadata object, got %s", e.Metadata)
	}
}

func TestWriterStampsTimestampAndIDs(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 0, 0, 123456789, time.UTC)
	w := NewWriter(NewInMemoryStore(), stepClock(now, 0), WriterConfig{})
	e, err := w.Append(context.Background(), EventInput{Action: ActionView, SubjectTable: "patients", SubjectRecordID: "p-1", ActorID: "u1"})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if !e.Timestamp.Equal(now.Truncate(time.Microsecond)) {
		t.Fatalf("timestamp not truncated to microseconds: %s", e.Timestamp)
	}
	if len(e.LogID) != 36 {
		t.Fatalf("expected uuid log id, got %q", e.LogID)
	}
	if e.CanonVersion != CurrentCanonVersion {
		t.Fatalf("unexpected canon version %d", e.CanonVersion)
	}
}

func TestRegisterActionExtendsVocabulary(t *testing.T) {
	RegisterAction("SIGN_OFF")
	w := newTestWriter(NewInMemoryStore())
	if _, err := w.Append(context.Background(), EventInput{Action: "SIGN_OFF", SubjectTable: "reports", SubjectRecordID: "r1"}); err != nil {
		t.Fatalf("append registered action: %v", err)
	}
}

// flakyStore fails the first n appends with err before delegating.
type flakyStore struct {
	*InMemoryStore
	err   error
	fails int32
	calls int32
}

func (f *flakyStore) AppendNext(ctx context.Context, build BuildFunc) (Entry, error) {
	atomic.AddInt32(&f.calls, 1)
	if atomic.AddInt32(&f.fails, -1) >= 0 {
		return Entry{}, f.err
	}
	return f.InMemoryStore.AppendNext(ctx, build)
}

func TestWriterRetriesSequenceConflictTransparently(t *testing.T) {
	fs := &flakyStore{InMemoryStore: NewInMemoryStore(), err: fmt.Errorf("%w: taken", ErrSequenceConflict), fails: 5}
	w := newTestWriter(fs)
	obs := newCountingObserver()
	w.Observer = obs

	e, err := w.Append(context.Background(), EventInput{Action: ActionCreate, SubjectTable: "orders", SubjectRecordID: "o1"})
	if err != nil {
		t.Fatalf("conflicts must be retried, got %v", err)
	}
	if e.Sequence != 1 {
		t.Fatalf("unexpected sequence %d", e.Sequence)
	}
	if obs.retries["conflict"] != 5 {
		t.Fatalf("expected 5 conflict retries, got %d", obs.retries["conflict"])
	}
}

func TestWriterOutlastsLongConflictStreaks(t *testing.T) {
	// the last writer of a 49-way race loses 48 rounds before it commits
	const losses = 3 * DefaultConflictRetries
	fs := &flakyStore{InMemoryStore: NewInMemoryStore(), err: fmt.Errorf("%w: taken", ErrSequenceConflict), fails: losses}
	w := newTestWriter(fs)
	obs := newCountingObserver()
	w.Observer = obs

	e, err := w.Append(context.Background(), EventInput{Action: ActionCreate, SubjectTable: "orders", SubjectRecordID: "o1"})
	if err != nil {
		t.Fatalf("conflict streak must not surface, got %v", err)
	}
	if e.Sequence != 1 {
		t.Fatalf("unexpected sequence %d", e.Sequence)
	}
	if obs.retries["conflict"] != losses {
		t.Fatalf("expected %d conflict retries, got %d", losses, obs.retries["conflict"])
	}
}

func TestWriterGivesUpOnConflictsAfterBudget(t *testing.T) {
	fs := &flakyStore{InMemoryStore: NewInMemoryStore(), err: fmt.Errorf("%w: taken", ErrSequenceConflict), fails: 1 << 30}
	w := NewWriter(fs, nil, WriterConfig{ConflictRetries: 4, ConflictBudget: 20 * time.Millisecond, RetryBackoff: time.Millisecond})

	_, err := w.Append(context.Background(), EventInput{Action: ActionCreate, SubjectTable: "orders", SubjectRecordID: "o1"})
	if !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable once the budget is spent, got %v", err)
	}
}

func TestWriterConflictRetriesStopAtCallerDeadline(t *testing.T) {
	fs := &flakyStore{InMemoryStore: NewInMemoryStore(), err: fmt.Errorf("%w: taken", ErrSequenceConflict), fails: 1 << 30}
	w := NewWriter(fs, nil, WriterConfig{RetryBackoff: time.Millisecond})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := w.Append(ctx, EventInput{Action: ActionCreate, SubjectTable: "orders", SubjectRecordID: "o1"})
	if !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable at the deadline, got %v", err)
	}
}

func TestWriterSurfacesStoreUnavailableAfterMaxAttempts(t *testing.T) {
	fs := &flakyStore{InMemoryStore: NewInMemoryStore(), err: errors.New("connection refused"), fails: 100}
	w := newTestWriter(fs)

	_, err := w.Append(context.Background(), EventInput{Action: ActionCreate, SubjectTable: "orders", SubjectRecordID: "o1"})
	if !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}
	if got := atomic.LoadInt32(&fs.calls); got != DefaultAppendAttempts {
		t.Fatalf("expected %d attempts, got %d", DefaultAppendAttempts, got)
	}
}

func TestWriterRecoversFromTransientFailure(t *testing.T) {
	fs := &flakyStore{InMemoryStore: NewInMemoryStore(), err: errors.New("connection reset"), fails: 2}
	w := newTestWriter(fs)
	if _, err := w.Append(context.Background(), EventInput{Action: ActionCreate, SubjectTable: "orders", SubjectRecordID: "o1"}); err != nil {
		t.Fatalf("expected success on third attempt, got %v", err)
	}
}

// blockingStore never returns until ctx is done.
type blockingStore struct{ *InMemoryStore }

func (blockingStore) AppendNext(ctx context.Context, _ BuildFunc) (Entry, error) {
	<-ctx.Done()
	return Entry{}, ctx.Err()
}

func TestWriterAttemptTimeoutBoundsAppend(t *testing.T) {
	w := NewWriter(blockingStore{NewInMemoryStore()}, nil, WriterConfig{AttemptTimeout: 10 * time.Millisecond, RetryBackoff: time.Millisecond})
	started := time.Now()
	_, err := w.Append(context.Background(), EventInput{Action: ActionCreate, SubjectTable: "orders", SubjectRecordID: "o1"})
	if !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}
	if elapsed := time.Since(started); elapsed > 2*time.Second {
		t.Fatalf("append blocked too long: %s", elapsed)
	}
}

func TestWriterFlagsClockSkewWithoutRejecting(t *testing.T) {
	s := NewInMemoryStore()
	times := []time.Time{
		time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
		time.Date(2026, 3, 2, 8, 59, 0, 0, time.UTC),
	}
	i := 0
	w := NewWriter(s, stepClockFrom(times, &i), WriterConfig{})
	obs := newCountingObserver()
	w.Observer = obs
	for n := 0; n < 2; n++ {
		if _, err := w.Append(context.Background(), EventInput{Action: ActionView, SubjectTable: "patients", SubjectRecordID: "p1"}); err != nil {
			t.Fatalf("append %d: %v", n, err)
		}
	}
	if obs.skews != 1 {
		t.Fatalf("expected one clock skew observation, got %d", obs.skews)
	}
	results, err := NewVerifier(s).Verify(context.Background(), nil, nil)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !results[1].IsValid || !results[1].ClockSkew {
		t.Fatalf("skewed entry must stay valid but flagged: %+v", results[1])
	}
}

func TestConcurrentAppendsProduceContiguousSequence(t *testing.T) {
	const writers = 64
	s := NewInMemoryStore()
	w := NewWriter(s, nil, WriterConfig{})

	var g errgroup.Group
	for i := 0; i < writers; i++ {
		i := i
		g.Go(func() error {
			_, err := w.Append(context.Background(), EventInput{
				Action:          ActionCreate,
				SubjectTable:    "orders",
				SubjectRecordID: fmt.Sprintf("ord-%d", i),
				ActorID:         "u1",
			})
			return err
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("concurrent append: %v", err)
	}

	var seqs []int64
	_ = s.Scan(context.Background(), 1, writers*2, func(e Entry) error {
		seqs = append(seqs, e.Sequence)
		return nil
	})
	if len(seqs) != writers {
		t.Fatalf("expected %d entries, got %d", writers, len(seqs))
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	for i, seq := range seqs {
		if seq != int64(i+1) {
			t.Fatalf("sequence not contiguous at %d: %d", i, seq)
		}
	}
	results, err := NewVerifier(s).Verify(context.Background(), nil, nil)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if bad := Invalid(results); len(bad) != 0 {
		t.Fatalf("concurrent chain has invalid entries: %+v", bad)
	}
}
