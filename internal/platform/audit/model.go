package audit

import (
	"encoding/json"
	"sort"
	"sync"
	"time"
)

type Action string

const (
	ActionCreate       Action = "CREATE"
	ActionUpdate       Action = "UPDATE"
	ActionDelete       Action = "DELETE"
	ActionLogin        Action = "LOGIN"
	ActionLoginFailed  Action = "LOGIN_FAILED"
	ActionLogout       Action = "LOGOUT"
	ActionDownload     Action = "DOWNLOAD"
	ActionApprove      Action = "APPROVE"
	ActionView         Action = "VIEW"
	ActionExport       Action = "EXPORT"
	ActionAccessDenied Action = "ACCESS_DENIED"
)

// SystemActor is recorded for events that have no authenticated principal,
// such as failed logins.
const SystemActor = "system"

var (
	actionsMu sync.RWMutex
	actions   = map[Action]struct{}{
		ActionCreate:       {},
		ActionUpdate:       {},
		ActionDelete:       {},
		ActionLogin:        {},
		ActionLoginFailed:  {},
		ActionLogout:       {},
		ActionDownload:     {},
		ActionApprove:      {},
		ActionView:         {},
		ActionExport:       {},
		ActionAccessDenied: {},
	}
)

// RegisterAction extends the action vocabulary. Actions are plain payload, so
// adding one never affects hashes of existing entries.
func RegisterAction(a Action) {
	if a == "" {
		return
	}
	actionsMu.Lock()
	defer actionsMu.Unlock()
	actions[a] = struct{}{}
}

func KnownAction(a Action) bool {
	actionsMu.RLock()
	defer actionsMu.RUnlock()
	_, ok := actions[a]
	return ok
}

func Actions() []Action {
	actionsMu.RLock()
	out := make([]Action, 0, len(actions))
	for a := range actions {
		out = append(out, a)
	}
	actionsMu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// EventInput is what producers hand to the Writer. Sequence, log id,
// timestamp and hashes are always assigned by the Writer.
type EventInput struct {
	Action          Action
	SubjectTable    string
	SubjectRecordID string
	ActorID         string
	Metadata        map[string]any
}

// Entry is one committed link of the chain. It is never mutated after commit.
type Entry struct {
	Sequence        int64           `json:"sequence_number"`
	LogID           string          `json:"log_id"`
	Timestamp       time.Time       `json:"timestamp"`
	Action          Action          `json:"action"`
	SubjectTable    string          `json:"subject_table"`
	SubjectRecordID string          `json:"subject_record_id"`
	ActorID         string          `json:"actor_id"`
	Metadata        json.RawMessage `json:"metadata"`
	CanonVersion    int             `json:"canon_version"`
	PreviousHash    string          `json:"previous_hash"`
	CurrentHash     string          `json:"current_hash"`
}

// Tail is the newest committed entry as seen inside an append transaction.
type Tail struct {
	Empty     bool
	Sequence  int64
	Hash      string
	Timestamp time.Time
}

type Stats struct {
	Count       int64
	MinSequence int64
	MaxSequence int64
}

type Status string

const (
	StatusGenesis         Status = "GENESIS"
	StatusValid           Status = "VALID"
	StatusBrokenLink      Status = "BROKEN_LINK"
	StatusContentMismatch Status = "CONTENT_MISMATCH"
	StatusSequenceGap     Status = "SEQUENCE_GAP"
)

// VerificationResult is one verifier finding. Invalid entries are data, not
// errors.
type VerificationResult struct {
	Sequence     int64    `json:"sequence_number"`
	LogID        string   `json:"log_id"`
	IsValid      bool     `json:"is_valid"`
	Status       Status   `json:"status"`
	Findings     []Status `json:"findings,omitempty"`
	ExpectedHash string   `json:"expected_hash"`
	ActualHash   string   `json:"actual_hash"`
	ErrorMessage string   `json:"error_message,omitempty"`
	ClockSkew    bool     `json:"clock_skew,omitempty"`
}

type HealthSummary struct {
	TotalLogs           int64                `json:"total_logs"`
	ChainStartTimestamp time.Time            `json:"chain_start_timestamp"`
	ChainEndTimestamp   time.Time            `json:"chain_end_timestamp"`
	GenesisHash         string               `json:"genesis_hash"`
	LatestHash          string               `json:"latest_hash"`
	IntegrityStatus     string               `json:"integrity_status"`
	WindowStart         int64                `json:"window_start"`
	WindowEnd           int64                `json:"window_end"`
	InvalidEntries      []VerificationResult `json:"invalid_entries,omitempty"`
	CheckedAt           time.Time            `json:"checked_at"`
}

func (h HealthSummary) Verified() bool {
	return h.IntegrityStatus == IntegrityVerified
}

// ChainStatusRow is the browsing view of one recent entry.
type ChainStatusRow struct {
	Sequence          int64     `json:"sequence_number"`
	Timestamp         time.Time `json:"timestamp"`
	Action            Action    `json:"action"`
	SubjectTable      string    `json:"subject_table"`
	ChainStatus       string    `json:"chain_status"`
	CurrentHashPrefix string    `json:"current_hash_prefix"`
}
