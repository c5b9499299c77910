package server

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"golang.org/x/time/rate"
	"google.golang.org/genproto/googleapis/api/httpbody"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"

	"github.com/wizardbeardstudio/open-lab-audit/internal/platform/audit"
	"github.com/wizardbeardstudio/open-lab-audit/internal/platform/auth"
)

const (
	defaultRecentLimit = 50
	maxRecentLimit     = 1000
	maxEventBodyBytes  = 1 << 20
)

var exportHeader = []string{
	"sequence_number", "log_id", "timestamp", "action", "subject_table",
	"subject_record_id", "actor_id", "metadata", "canon_version",
	"previous_hash", "current_hash",
}

// HealthSource produces a chain health summary. *audit.Reporter and the
// redis backed healthcache.CachedReporter both satisfy it.
type HealthSource interface {
	HealthWindow(ctx context.Context, requested int64) (audit.HealthSummary, error)
}

// AuditGateway serves the chain over HTTP/JSON through the grpc-gateway mux.
type AuditGateway struct {
	Store    audit.Reader
	Recorder *audit.Recorder
	Verifier *audit.Verifier
	Reporter *audit.Reporter
	Health   HealthSource
	Guard    *RemoteAccessGuard
	// Limiter throttles verify and export, which scan the chain.
	Limiter *rate.Limiter
}

func (g *AuditGateway) Register(mux *runtime.ServeMux) error {
	routes := []struct {
		method  string
		pattern string
		fn      gatewayFunc
	}{
		{http.MethodGet, "/v1/audit/health", g.health},
		{http.MethodGet, "/v1/audit/verify", g.verify},
		{http.MethodGet, "/v1/audit/recent", g.recent},
		{http.MethodGet, "/v1/audit/entries/{log_id}", g.entry},
		{http.MethodGet, "/v1/audit/export", g.export},
		{http.MethodGet, "/v1/audit/remote-access", g.remoteAccess},
		{http.MethodGet, "/v1/audit/actions", g.actions},
		{http.MethodPost, "/v1/audit/events", g.recordEvent},
	}
	for _, rt := range routes {
		if err := route(mux, rt.method, rt.pattern, rt.fn); err != nil {
			return err
		}
	}
	return nil
}

func (g *AuditGateway) healthSource() HealthSource {
	if g.Health != nil {
		return g.Health
	}
	return g.Reporter
}

func (g *AuditGateway) verifier() *audit.Verifier {
	if g.Verifier != nil {
		return g.Verifier
	}
	return audit.NewVerifier(g.Store)
}

func (g *AuditGateway) allow() error {
	if g.Limiter != nil && !g.Limiter.Allow() {
		return status.Error(codes.ResourceExhausted, "chain scan rate limit exceeded")
	}
	return nil
}

func (g *AuditGateway) health(ctx context.Context, _ http.ResponseWriter, r *http.Request, _ map[string]string) (proto.Message, error) {
	window, err := queryInt64(r, "window")
	if err != nil {
		return nil, err
	}
	var requested int64
	if window != nil {
		requested = *window
	}
	src := g.healthSource()
	if src == nil {
		return nil, status.Error(codes.Unavailable, "health reporter not configured")
	}
	sum, err := src.HealthWindow(ctx, requested)
	if err != nil {
		return nil, err
	}
	return toMessage(sum)
}

type verifyResponse struct {
	Checked int                        `json:"checked"`
	Invalid int                        `json:"invalid"`
	Results []audit.VerificationResult `json:"results"`
}

func (g *AuditGateway) verify(ctx context.Context, _ http.ResponseWriter, r *http.Request, _ map[string]string) (proto.Message, error) {
	start, end, err := rangeParams(r)
	if err != nil {
		return nil, err
	}
	if err := g.allow(); err != nil {
		return nil, err
	}
	results, err := g.verifier().Verify(ctx, start, end)
	if err != nil {
		return nil, err
	}
	return toMessage(verifyResponse{
		Checked: len(results),
		Invalid: len(audit.Invalid(results)),
		Results: results,
	})
}

func (g *AuditGateway) recent(ctx context.Context, _ http.ResponseWriter, r *http.Request, _ map[string]string) (proto.Message, error) {
	limit, err := queryInt64(r, "limit")
	if err != nil {
		return nil, err
	}
	n := defaultRecentLimit
	if limit != nil && *limit > 0 {
		n = int(min(*limit, maxRecentLimit))
	}
	if g.Reporter == nil {
		return nil, status.Error(codes.Unavailable, "health reporter not configured")
	}
	rows, err := g.Reporter.RecentStatus(ctx, n)
	if err != nil {
		return nil, err
	}
	return toMessage(map[string]any{"entries": rows})
}

func (g *AuditGateway) entry(ctx context.Context, _ http.ResponseWriter, _ *http.Request, params map[string]string) (proto.Message, error) {
	logID := strings.TrimSpace(params["log_id"])
	if logID == "" {
		return nil, status.Error(codes.InvalidArgument, "log_id is required")
	}
	e, ok, err := g.Store.GetByLogID(ctx, logID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", audit.ErrStoreUnavailable, err)
	}
	if !ok {
		return nil, status.Errorf(codes.NotFound, "log entry %s not found", logID)
	}
	return toMessage(e)
}

// export streams the requested range as CSV and records the download
// against the caller.
func (g *AuditGateway) export(ctx context.Context, w http.ResponseWriter, r *http.Request, _ map[string]string) (proto.Message, error) {
	start, end, err := rangeParams(r)
	if err != nil {
		return nil, err
	}
	if err := g.allow(); err != nil {
		return nil, err
	}
	st, err := g.Store.Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: stats: %v", audit.ErrStoreUnavailable, err)
	}
	from, to := int64(1), st.MaxSequence
	if start != nil {
		from = *start
	}
	if end != nil && *end < to {
		to = *end
	}

	var buf bytes.Buffer
	cw := csv.NewWriter(&buf)
	if err := cw.Write(exportHeader); err != nil {
		return nil, err
	}
	rows := 0
	if from <= to {
		err = g.Store.Scan(ctx, from, to, func(e audit.Entry) error {
			rows++
			return cw.Write([]string{
				strconv.FormatInt(e.Sequence, 10),
				e.LogID,
				audit.FormatTimestamp(e.Timestamp),
				string(e.Action),
				e.SubjectTable,
				e.SubjectRecordID,
				e.ActorID,
				string(e.Metadata),
				strconv.Itoa(e.CanonVersion),
				e.PreviousHash,
				e.CurrentHash,
			})
		})
		if err != nil {
			return nil, fmt.Errorf("%w: export: %v", audit.ErrStoreUnavailable, err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return nil, err
	}

	g.Recorder.Record(ctx, audit.ActionDownload, "audit_log_chain", fmt.Sprintf("%d-%d", from, to), actorID(ctx), map[string]any{
		"format": "csv",
		"rows":   rows,
	})
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="audit_log_chain_%d_%d.csv"`, from, to))
	return &httpbody.HttpBody{ContentType: "text/csv", Data: buf.Bytes()}, nil
}

func (g *AuditGateway) remoteAccess(_ context.Context, _ http.ResponseWriter, _ *http.Request, _ map[string]string) (proto.Message, error) {
	activities := []RemoteAccessActivity{}
	if g.Guard != nil {
		activities = g.Guard.Activities()
	}
	return toMessage(map[string]any{"activities": activities})
}

func (g *AuditGateway) actions(_ context.Context, _ http.ResponseWriter, _ *http.Request, _ map[string]string) (proto.Message, error) {
	return toMessage(map[string]any{"actions": audit.Actions()})
}

type eventRequest struct {
	Action          string         `json:"action"`
	SubjectTable    string         `json:"subject_table"`
	SubjectRecordID string         `json:"subject_record_id"`
	ActorID         string         `json:"actor_id"`
	Metadata        map[string]any `json:"metadata"`
}

// recordEvent appends a producer event. The authenticated actor always wins
// over actor_id in the body.
func (g *AuditGateway) recordEvent(ctx context.Context, w http.ResponseWriter, r *http.Request, _ map[string]string) (proto.Message, error) {
	var req eventRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxEventBodyBytes))
	dec.UseNumber()
	if err := dec.Decode(&req); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "decode event: %v", err)
	}
	actor := req.ActorID
	if a, ok := auth.ActorFromContext(ctx); ok {
		actor = a.ID
	}
	e, err := g.Recorder.RecordErr(ctx, audit.EventInput{
		Action:          audit.Action(req.Action),
		SubjectTable:    req.SubjectTable,
		SubjectRecordID: req.SubjectRecordID,
		ActorID:         actor,
		Metadata:        req.Metadata,
	})
	if err != nil {
		return nil, err
	}
	return toMessage(e)
}

func rangeParams(r *http.Request) (*int64, *int64, error) {
	start, err := queryInt64(r, "start")
	if err != nil {
		return nil, nil, err
	}
	end, err := queryInt64(r, "end")
	if err != nil {
		return nil, nil, err
	}
	if start != nil && *start < 1 {
		return nil, nil, status.Error(codes.InvalidArgument, "start must be at least 1")
	}
	return start, end, nil
}

func actorID(ctx context.Context) string {
	if a, ok := auth.ActorFromContext(ctx); ok {
		return a.ID
	}
	return audit.SystemActor
}
