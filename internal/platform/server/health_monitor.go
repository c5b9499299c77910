package server

import (
	"context"
	"log/slog"
	"time"

	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/wizardbeardstudio/open-lab-audit/internal/platform/audit"
)

const ChainHealthService = "labaudit.v1.AuditChain"

// HealthMonitor re-checks the chain on an interval and publishes the result
// through the grpc health service. A compromised chain is NOT_SERVING.
type HealthMonitor struct {
	Source   HealthSource
	Health   *health.Server
	Service  string
	Interval time.Duration
	Logger   *slog.Logger
	// Refresh, when set, runs instead of Source so a cache is repopulated.
	Refresh func(ctx context.Context) (audit.HealthSummary, error)
}

func (m *HealthMonitor) logger() *slog.Logger {
	if m.Logger == nil {
		return slog.Default()
	}
	return m.Logger
}

func (m *HealthMonitor) service() string {
	if m.Service == "" {
		return ChainHealthService
	}
	return m.Service
}

func (m *HealthMonitor) setStatus(s healthpb.HealthCheckResponse_ServingStatus) {
	if m.Health != nil {
		m.Health.SetServingStatus(m.service(), s)
	}
}

// Check runs one health pass.
func (m *HealthMonitor) Check(ctx context.Context) (audit.HealthSummary, error) {
	var (
		sum audit.HealthSummary
		err error
	)
	if m.Refresh != nil {
		sum, err = m.Refresh(ctx)
	} else {
		sum, err = m.Source.HealthWindow(ctx, 0)
	}
	if err != nil {
		m.setStatus(healthpb.HealthCheckResponse_NOT_SERVING)
		m.logger().ErrorContext(ctx, "chain health check failed", "error", err)
		return audit.HealthSummary{}, err
	}
	if !sum.Verified() {
		m.setStatus(healthpb.HealthCheckResponse_NOT_SERVING)
		first := int64(0)
		if len(sum.InvalidEntries) > 0 {
			first = sum.InvalidEntries[0].Sequence
		}
		m.logger().ErrorContext(ctx, "audit chain compromised",
			"integrity_status", sum.IntegrityStatus,
			"invalid_entries", len(sum.InvalidEntries),
			"first_invalid_sequence", first,
			"window_start", sum.WindowStart,
			"window_end", sum.WindowEnd,
		)
		return sum, nil
	}
	m.setStatus(healthpb.HealthCheckResponse_SERVING)
	m.logger().DebugContext(ctx, "chain health verified", "total_logs", sum.TotalLogs, "latest_hash", sum.LatestHash)
	return sum, nil
}

// Run checks immediately and then every Interval until ctx is done.
func (m *HealthMonitor) Run(ctx context.Context) error {
	interval := m.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	_, _ = m.Check(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			_, _ = m.Check(ctx)
		}
	}
}
