package server

import (
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/wizardbeardstudio/open-lab-audit/internal/platform/audit"
	"github.com/wizardbeardstudio/open-lab-audit/internal/platform/clock"
)

const DefaultActivityLogCap = 1000

const (
	outcomeAllowed = "allowed"
	outcomeDenied  = "denied"
)

type RemoteAccessActivity struct {
	Timestamp       string `json:"timestamp"`
	SourceIP        string `json:"source_ip"`
	SourcePort      string `json:"source_port,omitempty"`
	Destination     string `json:"destination"`
	DestinationPort string `json:"destination_port,omitempty"`
	Path            string `json:"path"`
	Method          string `json:"method"`
	Allowed         bool   `json:"allowed"`
	Reason          string `json:"reason,omitempty"`
}

// RemoteAccessGuard restricts admin paths to trusted networks. Denials are
// recorded in the chain as ACCESS_DENIED.
type RemoteAccessGuard struct {
	Clock    clock.Clock
	Recorder *audit.Recorder

	trusted        []*net.IPNet
	adminPrefixes  []string
	mu             sync.Mutex
	logs           []RemoteAccessActivity
	next           int
	logCap         int
	decisionObs    func(outcome string)
	logStateObs    func(entries, capacity int)
	trustForwarded bool
}

func NewRemoteAccessGuard(clk clock.Clock, recorder *audit.Recorder, cidrs []string) (*RemoteAccessGuard, error) {
	trusted := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		_, ipnet, err := net.ParseCIDR(c)
		if err != nil {
			return nil, fmt.Errorf("invalid trusted cidr %q: %w", c, err)
		}
		trusted = append(trusted, ipnet)
	}
	if len(trusted) == 0 {
		for _, c := range []string{"127.0.0.1/32", "::1/128"} {
			_, ipnet, _ := net.ParseCIDR(c)
			trusted = append(trusted, ipnet)
		}
	}
	return &RemoteAccessGuard{
		Clock:         clk,
		Recorder:      recorder,
		trusted:       trusted,
		adminPrefixes: []string{"/v1/audit"},
		logCap:        DefaultActivityLogCap,
	}, nil
}

func (g *RemoteAccessGuard) SetInMemoryActivityLogCap(n int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if n <= 0 {
		n = DefaultActivityLogCap
	}
	ordered := g.orderedLocked()
	if len(ordered) > n {
		ordered = ordered[len(ordered)-n:]
	}
	g.logCap = n
	g.logs = ordered
	g.next = 0
	g.emitLogStateLocked()
}

func (g *RemoteAccessGuard) SetDecisionObserver(fn func(outcome string)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.decisionObs = fn
}

func (g *RemoteAccessGuard) SetLogStateObserver(fn func(entries, capacity int)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.logStateObs = fn
	g.emitLogStateLocked()
}

// SetTrustForwardedFor makes the guard use X-Forwarded-For. Enable it only
// behind a proxy that overwrites the header.
func (g *RemoteAccessGuard) SetTrustForwardedFor(v bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.trustForwarded = v
}

func (g *RemoteAccessGuard) now() time.Time {
	if g.Clock == nil {
		return time.Now().UTC()
	}
	return g.Clock.Now().UTC()
}

func (g *RemoteAccessGuard) isAdminPath(path string) bool {
	for _, p := range g.adminPrefixes {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

func (g *RemoteAccessGuard) extractSourceIP(r *http.Request) (string, string) {
	g.mu.Lock()
	forwarded := g.trustForwarded
	g.mu.Unlock()
	if forwarded {
		if xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); xff != "" {
			parts := strings.Split(xff, ",")
			return strings.TrimSpace(parts[0]), ""
		}
	}
	host, port, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err == nil {
		return host, port
	}
	return strings.TrimSpace(r.RemoteAddr), ""
}

func (g *RemoteAccessGuard) isTrusted(ipStr string) bool {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}
	for _, n := range g.trusted {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

func (g *RemoteAccessGuard) recordDenied(r *http.Request, sourceIP, reason string) {
	if g.Recorder == nil {
		return
	}
	g.Recorder.Record(r.Context(), audit.ActionAccessDenied, "remote_access", r.URL.Path, audit.SystemActor, map[string]any{
		"source_ip": sourceIP,
		"method":    r.Method,
		"reason":    reason,
	})
}

func (g *RemoteAccessGuard) logActivity(r *http.Request, sourceIP, sourcePort string, allowed bool, reason string) {
	host, port, err := net.SplitHostPort(r.Host)
	if err != nil {
		host = r.Host
		port = ""
	}
	entry := RemoteAccessActivity{
		Timestamp:       g.now().Format(time.RFC3339Nano),
		SourceIP:        sourceIP,
		SourcePort:      sourcePort,
		Destination:     host,
		DestinationPort: port,
		Path:            r.URL.Path,
		Method:          r.Method,
		Allowed:         allowed,
		Reason:          reason,
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.logs) < g.logCap {
		g.logs = append(g.logs, entry)
	} else {
		g.logs[g.next] = entry
		g.next = (g.next + 1) % g.logCap
	}
	g.emitLogStateLocked()
}

func (g *RemoteAccessGuard) emitLogStateLocked() {
	if g.logStateObs != nil {
		g.logStateObs(len(g.logs), g.logCap)
	}
}

func (g *RemoteAccessGuard) orderedLocked() []RemoteAccessActivity {
	out := make([]RemoteAccessActivity, 0, len(g.logs))
	out = append(out, g.logs[g.next:]...)
	out = append(out, g.logs[:g.next]...)
	return out
}

func (g *RemoteAccessGuard) observe(outcome string) {
	g.mu.Lock()
	fn := g.decisionObs
	g.mu.Unlock()
	if fn != nil {
		fn(outcome)
	}
}

// Activities returns buffered activity, oldest first.
func (g *RemoteAccessGuard) Activities() []RemoteAccessActivity {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.orderedLocked()
}

func (g *RemoteAccessGuard) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !g.isAdminPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		sourceIP, sourcePort := g.extractSourceIP(r)
		if !g.isTrusted(sourceIP) {
			const reason = "source ip outside trusted network"
			g.logActivity(r, sourceIP, sourcePort, false, reason)
			g.recordDenied(r, sourceIP, reason)
			g.observe(outcomeDenied)
			http.Error(w, "remote access denied", http.StatusForbidden)
			return
		}

		g.logActivity(r, sourceIP, sourcePort, true, "")
		g.observe(outcomeAllowed)
		next.ServeHTTP(w, r)
	})
}
