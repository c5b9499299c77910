package server

import (
	"io"
	"log/slog"
	"time"

	"github.com/wizardbeardstudio/open-lab-audit/internal/platform/audit"
	"github.com/wizardbeardstudio/open-lab-audit/internal/platform/clock"
)

var testNow = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func fixedClock() clock.Clock {
	return clock.Func(func() time.Time { return testNow })
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRecorder() (*audit.Recorder, *audit.InMemoryStore) {
	store := audit.NewInMemoryStore()
	w := audit.NewWriter(store, fixedClock(), audit.WriterConfig{RetryBackoff: time.Millisecond})
	w.Logger = discardLogger()
	return audit.NewRecorder(w, discardLogger()), store
}
