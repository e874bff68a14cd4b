// Package audit implements the append-only hash-chained event log shared by
// the control-plane services. Every state-changing decision lands here; the
// chain links each event to its predecessor so tampering is detectable by a
// forward walk.
package audit

import (
	"fmt"
	"time"

	"github.com/videowall-io/controlplane/pkg/canonical"
)

// GenesisPrevHash is the prev_hash of the first event in a chain.
const GenesisPrevHash = "0000000000000000000000000000000000000000000000000000000000000000"

// tsLayout is a fixed-width UTC timestamp encoding. Fixed width keeps the
// stored text lexicographically ordered and guarantees the hashed string
// round-trips bit-exactly when re-read from storage.
const tsLayout = "2006-01-02T15:04:05.000000000Z"

// FormatTS encodes a timestamp the way events store and hash it.
func FormatTS(t time.Time) string {
	return t.UTC().Format(tsLayout)
}

// ParseTS decodes a timestamp in the event encoding (or plain RFC 3339).
func ParseTS(s string) (time.Time, error) {
	if t, err := time.Parse(tsLayout, s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}

// Event is one committed entry of a chain.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	ChainID    string         `json:"chain_id"`
	Action     string         `json:"action"`
	Actor      string         `json:"actor"`
	ObjectType string         `json:"object_type"`
	ObjectID   string         `json:"object_id"`
	Details    map[string]any `json:"details"`
	PrevHash   string         `json:"prev_hash"`
	Hash       string         `json:"hash"`
}

// eventCore is the hashed part of an event: everything except id,
// prev_hash and hash.
type eventCore struct {
	TS         string         `json:"ts"`
	ChainID    string         `json:"chain_id"`
	Action     string         `json:"action"`
	Actor      string         `json:"actor"`
	ObjectType string         `json:"object_type"`
	ObjectID   string         `json:"object_id"`
	Details    map[string]any `json:"details"`
}

// ComputeHash returns SHA-256(prev_hash || "|" || canonical(core)).
func ComputeHash(prevHash string, ev Event) (string, error) {
	core := eventCore{
		TS:         ev.TS,
		ChainID:    ev.ChainID,
		Action:     ev.Action,
		Actor:      ev.Actor,
		ObjectType: ev.ObjectType,
		ObjectID:   ev.ObjectID,
		Details:    ev.Details,
	}
	if core.Details == nil {
		core.Details = map[string]any{}
	}
	b, err := canonical.Marshal(core)
	if err != nil {
		return "", fmt.Errorf("audit: canonicalize core: %w", err)
	}
	return canonical.HashBytes(append([]byte(prevHash+"|"), b...)), nil
}

// Breakage reports one broken link found during verification.
type Breakage struct {
	ID           int64  `json:"id"`
	Reason       string `json:"reason"` // prev_hash_mismatch | hash_mismatch
	Expected     string `json:"expected,omitempty"`
	Found        string `json:"found,omitempty"`
	ExpectedPrev string `json:"expected_prev,omitempty"`
	FoundPrev    string `json:"found_prev,omitempty"`
}

// VerifyResult is the outcome of a forward chain walk.
type VerifyResult struct {
	ChainID  string     `json:"chain_id"`
	Checked  int        `json:"checked"`
	Verified int        `json:"verified"`
	Broken   []Breakage `json:"broken"`
}

// VerifyForward walks events in forward order, checking both the prev_hash
// linkage and each recomputed hash. Breakage is reported per event without
// aborting the walk.
func VerifyForward(chainID string, events []Event) VerifyResult {
	res := VerifyResult{ChainID: chainID, Checked: len(events), Broken: []Breakage{}}
	expectedPrev := GenesisPrevHash

	for _, ev := range events {
		if ev.PrevHash != expectedPrev {
			res.Broken = append(res.Broken, Breakage{
				ID:           ev.ID,
				Reason:       "prev_hash_mismatch",
				ExpectedPrev: expectedPrev,
				FoundPrev:    ev.PrevHash,
			})
			expectedPrev = ev.Hash
			continue
		}
		calc, err := ComputeHash(expectedPrev, ev)
		if err != nil || calc != ev.Hash {
			res.Broken = append(res.Broken, Breakage{
				ID:       ev.ID,
				Reason:   "hash_mismatch",
				Expected: calc,
				Found:    ev.Hash,
			})
		} else {
			res.Verified++
		}
		expectedPrev = ev.Hash
	}
	return res
}
