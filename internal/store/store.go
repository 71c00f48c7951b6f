package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/leadops/internal/model"
)

// ErrRunNotFound is returned by run mutations when no ledger entry matches
// the given ID.
var ErrRunNotFound = eris.New("run not found")

// ErrRunImmutable is returned when an update targets a successful run. A
// success entry is a settled cache source and is never rewritten.
var ErrRunImmutable = eris.New("successful run is immutable")

// RunFilter specifies criteria for listing ledger entries.
type RunFilter struct {
	Status       model.RunStatus `json:"status,omitempty"`
	Source       string          `json:"source,omitempty"`
	Fingerprint  string          `json:"fingerprint,omitempty"`
	Qualified    *bool           `json:"qualified,omitempty"`
	// Search matches partially against run ID, source, and error text.
	Search       string    `json:"search,omitempty"`
	CreatedAfter time.Time `json:"created_after,omitempty"`
	Limit        int       `json:"limit,omitempty"`
	Offset       int       `json:"offset,omitempty"`
}

// RunUpdate carries the mutable fields for UpdateRun. Nil fields are left
// unchanged.
type RunUpdate struct {
	Status *model.RunStatus        `json:"status,omitempty"`
	Result *model.EnrichmentResult `json:"result,omitempty"`
	Error  *string                 `json:"error,omitempty"`
}

// IsEmpty reports whether the update carries no fields.
func (u RunUpdate) IsEmpty() bool {
	return u.Status == nil && u.Result == nil && u.Error == nil
}

// ClaimStore is the persistent set of in-flight or settled fingerprints.
// Correctness of the whole coordinator rests on TryClaim being atomic at
// the storage layer: there must be no application-level check-then-insert
// window.
type ClaimStore interface {
	// TryClaim atomically inserts a claim for the fingerprint if none
	// exists. Returns true iff this call created it.
	TryClaim(ctx context.Context, fingerprint string) (bool, error)

	// Release deletes the claim if present. Releasing an absent claim is a
	// no-op, not an error.
	Release(ctx context.Context, fingerprint string) error
}

// RunLedger is the append-oriented audit record of processing attempts.
type RunLedger interface {
	// RecordRun appends one audit entry and returns it with its assigned
	// ID and creation time. Prior entries are never overwritten.
	RecordRun(ctx context.Context, run model.Run) (*model.Run, error)

	// MostRecentSuccess returns the latest successful run for the
	// fingerprint, or nil when none exists.
	MostRecentSuccess(ctx context.Context, fingerprint string) (*model.Run, error)

	// Operational surface; not part of the idempotency protocol.
	GetRun(ctx context.Context, runID string) (*model.Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error)
	CountRuns(ctx context.Context, filter RunFilter) (int, error)

	// UpdateRun applies the non-nil fields of upd and returns the updated
	// run. Returns ErrRunNotFound when no run matches and ErrRunImmutable
	// when the target is a successful run.
	UpdateRun(ctx context.Context, runID string, upd RunUpdate) (*model.Run, error)

	// DeleteRun removes a ledger entry. Returns ErrRunNotFound when no run
	// matches.
	DeleteRun(ctx context.Context, runID string) error
}

// Store is the persistence interface for the enrichment coordinator.
type Store interface {
	ClaimStore
	RunLedger

	// ReleaseStaleClaims deletes claims older than the cutoff that have no
	// successful run, returning the number released. This is the sweeper
	// primitive for claims orphaned by a crash between claim and ledger
	// write.
	ReleaseStaleClaims(ctx context.Context, olderThan time.Time) (int, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}
