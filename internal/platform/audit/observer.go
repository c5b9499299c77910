package audit

import "time"

// Observer receives chain activity for metrics. Implementations must be safe
// for concurrent use.
type Observer interface {
	ObserveAppend(result string, attempts int, elapsed time.Duration)
	ObserveAppendRetry(reason string)
	ObserveClockSkew()
	ObserveVerification(results map[Status]int)
	ObserveHealth(summary HealthSummary)
	ObserveRecordFailure(action Action, reason string)
}

type NoopObserver struct{}

func (NoopObserver) ObserveAppend(string, int, time.Duration) {}
func (NoopObserver) ObserveAppendRetry(string)                {}
func (NoopObserver) ObserveClockSkew()                        {}
func (NoopObserver) ObserveVerification(map[Status]int)       {}
func (NoopObserver) ObserveHealth(HealthSummary)              {}
func (NoopObserver) ObserveRecordFailure(Action, string)      {}
