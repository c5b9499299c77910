package audit

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/wizardbeardstudio/open-lab-audit/internal/platform/clock"
)

// stepClock advances by step on every read.
func stepClock(start time.Time, step time.Duration) clock.Clock {
	var mu sync.Mutex
	now := start
	return clock.Func(func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t := now
		now = now.Add(step)
		return t
	})
}

// stepClockFrom replays times in order and then repeats the last one.
func stepClockFrom(times []time.Time, i *int) clock.Clock {
	var mu sync.Mutex
	return clock.Func(func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t := times[*i]
		if *i < len(times)-1 {
			*i++
		}
		return t
	})
}

func sequentialIDs() func() string {
	var mu sync.Mutex
	n := 0
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("log-%04d", n)
	}
}

func newTestWriter(s Appender) *Writer {
	w := NewWriter(s, stepClock(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC), time.Second), WriterConfig{RetryBackoff: time.Millisecond})
	w.NewID = sequentialIDs()
	return w
}

// seedChain appends the five-step session used across tests.
func seedChain(t *testing.T, s *InMemoryStore) []Entry {
	t.Helper()
	w := newTestWriter(s)
	steps := []EventInput{
		{Action: ActionLogin, SubjectTable: "users", SubjectRecordID: "u1", ActorID: "u1"},
		{Action: ActionCreate, SubjectTable: "orders", SubjectRecordID: "ord-100", ActorID: "u1", Metadata: map[string]any{"panel": "CBC", "priority": "routine"}},
		{Action: ActionUpdate, SubjectTable: "results", SubjectRecordID: "res-7", ActorID: "u1", Metadata: map[string]any{"field": "hemoglobin", "value": 13.2}},
		{Action: ActionDownload, SubjectTable: "reports", SubjectRecordID: "rep-3", ActorID: "u1"},
		{Action: ActionLogout, SubjectTable: "users", SubjectRecordID: "u1", ActorID: "u1"},
	}
	out := make([]Entry, 0, len(steps))
	for _, in := range steps {
		e, err := w.Append(context.Background(), in)
		if err != nil {
			t.Fatalf("append %s: %v", in.Action, err)
		}
		out = append(out, e)
	}
	return out
}

// tamper rewrites a committed row in place, bypassing the append-only API the
// way a direct storage-level edit would.
func tamper(t *testing.T, s *InMemoryStore, seq int64, mutate func(*Entry)) {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.entries {
		if s.entries[i].Sequence == seq {
			mutate(&s.entries[i])
			return
		}
	}
	t.Fatalf("sequence %d not found", seq)
}

func removeEntry(t *testing.T, s *InMemoryStore, seq int64) {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.entries {
		if s.entries[i].Sequence == seq {
			s.entries = append(s.entries[:i], s.entries[i+1:]...)
			s.byLogID = make(map[string]int, len(s.entries))
			for j, e := range s.entries {
				s.byLogID[e.LogID] = j
			}
			return
		}
	}
	t.Fatalf("sequence %d not found", seq)
}

func ptr(v int64) *int64 { return &v }

type countingObserver struct {
	NoopObserver
	mu       sync.Mutex
	appends  map[string]int
	retries  map[string]int
	failures map[Action]int
	skews    int
}

func newCountingObserver() *countingObserver {
	return &countingObserver{appends: map[string]int{}, retries: map[string]int{}, failures: map[Action]int{}}
}

func (o *countingObserver) ObserveAppend(result string, _ int, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.appends[result]++
}

func (o *countingObserver) ObserveAppendRetry(reason string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.retries[reason]++
}

func (o *countingObserver) ObserveClockSkew() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.skews++
}

func (o *countingObserver) ObserveRecordFailure(a Action, _ string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.failures[a]++
}
