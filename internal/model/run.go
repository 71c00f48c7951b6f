package model

import (
	"encoding/json"
	"time"
)

// RunStatus is the terminal outcome of a processing attempt.
type RunStatus string

const (
	RunStatusSuccess RunStatus = "success"
	RunStatusFailed  RunStatus = "failed"
)

// Run is one immutable audit entry in the ledger. A fingerprint may
// accumulate several runs over time (failed attempts followed by a
// success); the most recent successful run is authoritative for cache
// lookups.
type Run struct {
	ID          string            `json:"id"`
	Fingerprint string            `json:"fingerprint,omitempty"`
	Source      string            `json:"source"`
	Payload     json.RawMessage   `json:"payload"`
	Status      RunStatus         `json:"status"`
	Result      *EnrichmentResult `json:"result,omitempty"`
	Error       string            `json:"error,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
}

// Claim marks a fingerprint as owned or already settled. Its existence in
// the claim store is the only concurrency gate in the system.
type Claim struct {
	Fingerprint string    `json:"fingerprint"`
	ClaimedAt   time.Time `json:"claimed_at"`
}
