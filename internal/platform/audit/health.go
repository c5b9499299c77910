package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/wizardbeardstudio/open-lab-audit/internal/platform/clock"
)

const (
	IntegrityVerified = "VERIFIED"
	MinHealthWindow   = 1000
	hashPrefixLen     = 16
)

// Reporter builds the cheap liveness summary plus a verdict over a recent
// verification window.
type Reporter struct {
	Store    Reader
	Verifier *Verifier
	Clock    clock.Clock
	Observer Observer
	// Window is the number of newest entries verified by Health. Values below
	// MinHealthWindow are raised to it.
	Window int64
}

func NewReporter(store Reader, verifier *Verifier, clk clock.Clock, window int64) *Reporter {
	return &Reporter{Store: store, Verifier: verifier, Clock: clk, Window: window}
}

func (r *Reporter) now() time.Time {
	if r.Clock == nil {
		return time.Now().UTC()
	}
	return r.Clock.Now().UTC()
}

func (r *Reporter) verifier() *Verifier {
	if r.Verifier == nil {
		return NewVerifier(r.Store)
	}
	return r.Verifier
}

func (r *Reporter) window(requested int64) int64 {
	w := r.Window
	if requested > w {
		w = requested
	}
	if w < MinHealthWindow {
		w = MinHealthWindow
	}
	return w
}

func (r *Reporter) Health(ctx context.Context) (HealthSummary, error) {
	return r.HealthWindow(ctx, 0)
}

// HealthWindow verifies at least requested newest entries.
func (r *Reporter) HealthWindow(ctx context.Context, requested int64) (HealthSummary, error) {
	sum := HealthSummary{IntegrityStatus: IntegrityVerified, CheckedAt: r.now()}
	st, err := r.Store.Stats(ctx)
	if err != nil {
		return HealthSummary{}, fmt.Errorf("%w: stats: %v", ErrStoreUnavailable, err)
	}
	sum.TotalLogs = st.Count
	if st.Count == 0 {
		r.observe(sum)
		return sum, nil
	}

	genesis, hasGenesis, err := r.Store.Get(ctx, 1)
	if err != nil {
		return HealthSummary{}, fmt.Errorf("%w: read genesis: %v", ErrStoreUnavailable, err)
	}
	first := genesis
	if !hasGenesis {
		if first, _, err = r.Store.Get(ctx, st.MinSequence); err != nil {
			return HealthSummary{}, fmt.Errorf("%w: read first: %v", ErrStoreUnavailable, err)
		}
	} else {
		sum.GenesisHash = genesis.CurrentHash
	}
	latest, _, err := r.Store.Get(ctx, st.MaxSequence)
	if err != nil {
		return HealthSummary{}, fmt.Errorf("%w: read latest: %v", ErrStoreUnavailable, err)
	}
	sum.ChainStartTimestamp = first.Timestamp
	sum.ChainEndTimestamp = latest.Timestamp
	sum.LatestHash = latest.CurrentHash

	from := st.MaxSequence - r.window(requested) + 1
	if from < 1 {
		from = 1
	}
	to := st.MaxSequence
	sum.WindowStart, sum.WindowEnd = from, to
	results, err := r.verifier().Verify(ctx, &from, &to)
	if err != nil {
		return HealthSummary{}, err
	}
	sum.InvalidEntries = Invalid(results)
	sum.IntegrityStatus = verdict(sum.InvalidEntries, st, hasGenesis)
	r.observe(sum)
	return sum, nil
}

func (r *Reporter) observe(sum HealthSummary) {
	if r.Observer != nil {
		r.Observer.ObserveHealth(sum)
	}
}

func verdict(invalid []VerificationResult, st Stats, hasGenesis bool) string {
	if len(invalid) > 0 {
		return fmt.Sprintf("COMPROMISED: %d invalid entries found", len(invalid))
	}
	if !hasGenesis || st.Count != st.MaxSequence {
		return fmt.Sprintf("COMPROMISED: sequence count mismatch (count=%d, max=%d)", st.Count, st.MaxSequence)
	}
	return IntegrityVerified
}

// RecentStatus returns the newest limit entries with their chain status,
// newest first.
func (r *Reporter) RecentStatus(ctx context.Context, limit int) ([]ChainStatusRow, error) {
	if limit <= 0 {
		limit = 50
	}
	entries, err := r.Store.Recent(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: recent: %v", ErrStoreUnavailable, err)
	}
	if len(entries) == 0 {
		return []ChainStatusRow{}, nil
	}
	from, to := entries[len(entries)-1].Sequence, entries[0].Sequence
	results, err := r.verifier().Verify(ctx, &from, &to)
	if err != nil {
		return nil, err
	}
	bySeq := make(map[int64]VerificationResult, len(results))
	for _, res := range results {
		bySeq[res.Sequence] = res
	}

	out := make([]ChainStatusRow, 0, len(entries))
	for _, e := range entries {
		out = append(out, ChainStatusRow{
			Sequence:          e.Sequence,
			Timestamp:         e.Timestamp,
			Action:            e.Action,
			SubjectTable:      e.SubjectTable,
			ChainStatus:       chainStatus(bySeq[e.Sequence]),
			CurrentHashPrefix: hashPrefix(e.CurrentHash),
		})
	}
	return out, nil
}

func chainStatus(r VerificationResult) string {
	if r.IsValid {
		return string(r.Status)
	}
	if r.Status == "" {
		return "INVALID: UNVERIFIED"
	}
	return "INVALID: " + string(r.Status)
}

func hashPrefix(h string) string {
	if len(h) <= hashPrefixLen {
		return h
	}
	return h[:hashPrefixLen]
}
