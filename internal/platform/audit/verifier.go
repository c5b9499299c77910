package audit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Verifier recomputes the chain from stored rows. It only reads committed
// entries and never blocks writers.
type Verifier struct {
	Store         Reader
	Observer      Observer
	SkewTolerance time.Duration
}

func NewVerifier(store Reader) *Verifier {
	return &Verifier{Store: store}
}

func (v *Verifier) observer() Observer {
	if v.Observer == nil {
		return NoopObserver{}
	}
	return v.Observer
}

func (v *Verifier) skewTolerance() time.Duration {
	if v.SkewTolerance <= 0 {
		return DefaultSkewTolerance
	}
	return v.SkewTolerance
}

// Verify checks [start, end]; nil bounds default to the whole chain.
func (v *Verifier) Verify(ctx context.Context, start, end *int64) ([]VerificationResult, error) {
	out := make([]VerificationResult, 0)
	err := v.Stream(ctx, start, end, func(r VerificationResult) error {
		out = append(out, r)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

type emitError struct{ err error }

func (e emitError) Error() string { return e.err.Error() }
func (e emitError) Unwrap() error { return e.err }

// Stream verifies [start, end] in one ascending pass and hands each result to
// emit as soon as it is known. Cancelling ctx stops the pass.
func (v *Verifier) Stream(ctx context.Context, start, end *int64, emit func(VerificationResult) error) error {
	from, to, err := v.bounds(ctx, start, end)
	if err != nil {
		return err
	}
	if to < from {
		return nil
	}

	p := pass{prevSeq: from - 1, expectedPrev: GenesisHash, tolerance: v.skewTolerance()}
	if from > 1 {
		anchor, ok, err := v.Store.Get(ctx, from-1)
		if err != nil {
			return fmt.Errorf("%w: read anchor %d: %v", ErrStoreUnavailable, from-1, err)
		}
		if ok {
			p.expectedPrev = anchor.CurrentHash
			p.prevTime = anchor.Timestamp
		} else {
			p.anchorMissing = true
		}
	}

	counts := make(map[Status]int)
	err = v.Store.Scan(ctx, from, to, func(e Entry) error {
		r := p.check(e)
		counts[r.Status]++
		if err := emit(r); err != nil {
			return emitError{err}
		}
		return nil
	})
	v.observer().ObserveVerification(counts)
	if err != nil {
		var ee emitError
		switch {
		case errors.As(err, &ee):
			return ee.err
		case ctx.Err() != nil:
			return ctx.Err()
		default:
			return fmt.Errorf("%w: scan: %v", ErrStoreUnavailable, err)
		}
	}
	return nil
}

func (v *Verifier) bounds(ctx context.Context, start, end *int64) (int64, int64, error) {
	from := int64(1)
	if start != nil && *start > 1 {
		from = *start
	}
	if end != nil {
		return from, *end, nil
	}
	st, err := v.Store.Stats(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: stats: %v", ErrStoreUnavailable, err)
	}
	return from, st.MaxSequence, nil
}

// pass is the running state of one verification scan. Each entry is checked
// against its stored predecessor, so one altered row is reported once.
type pass struct {
	prevSeq       int64
	expectedPrev  string
	prevTime      time.Time
	anchorMissing bool
	tolerance     time.Duration
}

func (p *pass) check(e Entry) VerificationResult {
	r := VerificationResult{Sequence: e.Sequence, LogID: e.LogID, ActualHash: e.CurrentHash}
	var msgs []string

	gap := e.Sequence != p.prevSeq+1
	if gap {
		r.Findings = append(r.Findings, StatusSequenceGap)
		msgs = append(msgs, gapMessage(p.prevSeq, e.Sequence))
	}

	broken := false
	switch {
	case p.anchorMissing:
		broken = true
		msgs = append(msgs, fmt.Sprintf("predecessor %d missing", e.Sequence-1))
	case e.PreviousHash != p.expectedPrev:
		broken = true
		msgs = append(msgs, fmt.Sprintf("previous_hash does not match current_hash of sequence %d", p.prevSeq))
	}
	if broken {
		r.Findings = append(r.Findings, StatusBrokenLink)
	}

	recomputed, err := ComputeHash(e)
	mismatch := err != nil || recomputed != e.CurrentHash
	if err != nil {
		msgs = append(msgs, err.Error())
	} else if mismatch {
		msgs = append(msgs, "stored current_hash does not match recomputed hash")
	}
	if mismatch {
		r.Findings = append(r.Findings, StatusContentMismatch)
	}
	r.ExpectedHash = recomputed

	switch {
	case mismatch:
		r.Status = StatusContentMismatch
	case gap:
		r.Status = StatusSequenceGap
	case broken:
		r.Status = StatusBrokenLink
		r.ExpectedHash = p.expectedPrev
		r.ActualHash = e.PreviousHash
	case e.Sequence == 1 && e.PreviousHash == GenesisHash:
		r.Status = StatusGenesis
		r.IsValid = true
	default:
		r.Status = StatusValid
		r.IsValid = true
	}
	if !r.IsValid {
		r.ErrorMessage = strings.Join(msgs, "; ")
	}

	if !p.prevTime.IsZero() && e.Timestamp.Before(p.prevTime.Add(-p.tolerance)) {
		r.ClockSkew = true
	}

	p.prevSeq = e.Sequence
	p.expectedPrev = e.CurrentHash
	p.prevTime = e.Timestamp
	p.anchorMissing = false
	return r
}

func gapMessage(prev, got int64) string {
	switch {
	case got <= prev:
		return fmt.Sprintf("sequence %d does not follow %d", got, prev)
	case got == prev+2:
		return fmt.Sprintf("missing sequence %d", prev+1)
	default:
		return fmt.Sprintf("missing sequences %d-%d", prev+1, got-1)
	}
}

// Invalid filters results down to the entries that failed verification.
func Invalid(results []VerificationResult) []VerificationResult {
	out := make([]VerificationResult, 0)
	for _, r := range results {
		if !r.IsValid {
			out = append(out, r)
		}
	}
	return out
}
