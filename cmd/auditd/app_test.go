package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/wizardbeardstudio/open-lab-audit/internal/platform/config"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte("pa55"), bcrypt.MinCost)
	require.NoError(t, err)
	v := config.New()
	v.Set("operators", "alice:"+string(hash))
	v.Set("jwt_secret", "app-test-secret")
	v.Set("grpc_addr", "127.0.0.1:0")
	v.Set("http_addr", "127.0.0.1:0")
	cfg, err := config.Load(v, "")
	require.NoError(t, err)
	return cfg
}

// syncBuffer lets the test read logs written by serving goroutines.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func call(t *testing.T, srv *httptest.Server, method, path, token, body string) (int, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	out := map[string]any{}
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(raw, &out), string(raw))
	}
	return resp.StatusCode, out
}

func TestAppEndToEnd(t *testing.T) {
	a, err := newApp(context.Background(), testConfig(t), quietLogger())
	require.NoError(t, err)
	defer a.Close()
	srv := httptest.NewServer(a.handler)
	defer srv.Close()

	code, _ := call(t, srv, http.MethodGet, "/v1/audit/health", "", "")
	require.Equal(t, http.StatusUnauthorized, code)

	code, _ = call(t, srv, http.MethodPost, "/v1/auth/login", "", `{"username":"alice","password":"nope"}`)
	require.Equal(t, http.StatusUnauthorized, code)
	code, login := call(t, srv, http.MethodPost, "/v1/auth/login", "", `{"username":"alice","password":"pa55"}`)
	require.Equal(t, http.StatusOK, code)
	token, _ := login["access_token"].(string)
	require.NotEmpty(t, token)

	code, _ = call(t, srv, http.MethodPost, "/v1/audit/events", token, `{"action":"CREATE","subject_table":"orders","subject_record_id":"ord-1","metadata":{"panel":"CBC"}}`)
	require.Equal(t, http.StatusOK, code)

	code, sum := call(t, srv, http.MethodGet, "/v1/audit/health", token, "")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "VERIFIED", sum["integrity_status"])
	// LOGIN_FAILED, LOGIN, CREATE
	require.EqualValues(t, 3, sum["total_logs"])

	code, verify := call(t, srv, http.MethodGet, "/v1/audit/verify", token, "")
	require.Equal(t, http.StatusOK, code)
	require.EqualValues(t, 0, verify["invalid"])

	code, _ = call(t, srv, http.MethodGet, "/healthz", "", "")
	require.Equal(t, http.StatusOK, code)
	code, _ = call(t, srv, http.MethodGet, "/readyz", "", "")
	require.Equal(t, http.StatusOK, code)

	resp, err := srv.Client().Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	require.Contains(t, string(body), `open_lab_audit_chain_appends_total{result="ok"} 3`)
}

func TestAppUsesRedisHealthCache(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig(t)
	cfg.RedisAddr = mr.Addr()
	a, err := newApp(context.Background(), cfg, quietLogger())
	require.NoError(t, err)
	defer a.Close()
	require.NotNil(t, a.redis)

	_, err = a.monitor.Check(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, mr.Keys())

	a.recorder.Record(context.Background(), "VIEW", "patients", "p-1", "tech-1", nil)
	require.Empty(t, mr.Keys(), "a committed entry must drop cached summaries")

	sum, err := a.monitor.Refresh(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 1, sum.TotalLogs)
}

func TestAppWithSQLiteStore(t *testing.T) {
	cfg := testConfig(t)
	cfg.DatabaseDriver = config.DriverSQLite
	cfg.DatabaseURL = filepath.Join(t.TempDir(), "audit.db")
	a, err := newApp(context.Background(), cfg, quietLogger())
	require.NoError(t, err)
	defer a.Close()

	a.recorder.Record(context.Background(), "VIEW", "patients", "p-1", "tech-1", nil)
	st, err := a.chain.Stats(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 1, st.Count)
}

func TestAppServeStopsOnCancel(t *testing.T) {
	logs := &syncBuffer{}
	a, err := newApp(context.Background(), testConfig(t), slog.New(slog.NewJSONHandler(logs, nil)))
	require.NoError(t, err)
	defer a.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Serve(ctx) }()
	require.Eventually(t, func() bool {
		return strings.Contains(logs.String(), "http listening")
	}, 2*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not return after cancel")
	}
}

func TestNewAppRejectsBadOperators(t *testing.T) {
	cfg := testConfig(t)
	cfg.Operators = []string{"alice"}
	_, err := newApp(context.Background(), cfg, quietLogger())
	require.Error(t, err)
}
