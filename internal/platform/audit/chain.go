package audit

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// GenesisHash is the previous_hash of entry 1.
var GenesisHash = strings.Repeat("0", sha256.Size*2)

const (
	CanonVersion1       = 1
	CurrentCanonVersion = CanonVersion1

	// TimestampLayout is the fixed timestamp rendering hashed by canon v1.
	TimestampLayout = "2006-01-02T15:04:05.000000Z"
)

// Canonicalizer renders every hashed field of an entry except previous_hash
// and current_hash. A released version must keep producing identical bytes.
type Canonicalizer interface {
	Version() int
	Canonicalize(e Entry) ([]byte, error)
}

var canonicalizers = map[int]Canonicalizer{
	CanonVersion1: canonV1{},
}

func CanonicalizerFor(version int) (Canonicalizer, bool) {
	c, ok := canonicalizers[version]
	return c, ok
}

type canonV1 struct{}

func (canonV1) Version() int { return CanonVersion1 }

func (canonV1) Canonicalize(e Entry) ([]byte, error) {
	meta := e.Metadata
	if len(meta) == 0 {
		meta = json.RawMessage(`{}`)
	}
	var b bytes.Buffer
	b.WriteString("labaudit/v1;")
	for _, f := range []string{
		strconv.FormatInt(e.Sequence, 10),
		e.LogID,
		FormatTimestamp(e.Timestamp),
		string(e.Action),
		e.SubjectTable,
		e.SubjectRecordID,
		e.ActorID,
		string(meta),
	} {
		b.WriteString(strconv.Itoa(len(f)))
		b.WriteByte(':')
		b.WriteString(f)
		b.WriteByte(';')
	}
	return b.Bytes(), nil
}

func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// ComputeHash returns hex(SHA-256(canonicalize(e) || e.PreviousHash)) using
// the canonicalizer recorded on the entry.
func ComputeHash(e Entry) (string, error) {
	c, ok := CanonicalizerFor(e.CanonVersion)
	if !ok {
		return "", fmt.Errorf("unknown canonical version %d", e.CanonVersion)
	}
	canon, err := c.Canonicalize(e)
	if err != nil {
		return "", err
	}
	h := sha256.New()
	_, _ = h.Write(canon)
	_, _ = h.Write([]byte(e.PreviousHash))
	return hex.EncodeToString(h.Sum(nil)), nil
}

// CanonicalMetadata normalizes an arbitrary payload into compact JSON with
// sorted keys. Numbers keep their literal text.
func CanonicalMetadata(m map[string]any) (json.RawMessage, error) {
	if len(m) == 0 {
		return json.RawMessage(`{}`), nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var normalized any
	if err := dec.Decode(&normalized); err != nil {
		return nil, err
	}
	var out bytes.Buffer
	enc := json.NewEncoder(&out)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(normalized); err != nil {
		return nil, err
	}
	return json.RawMessage(bytes.TrimRight(out.Bytes(), "\n")), nil
}
