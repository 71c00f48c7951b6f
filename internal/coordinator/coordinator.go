// Package coordinator implements the idempotent request protocol around
// lead enrichment: dedup against the ledger, atomic claim, gateway call
// with no storage transaction held open, audit write, and claim release
// on failure only.
package coordinator

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/leadops/internal/classify"
	"github.com/sells-group/leadops/internal/fingerprint"
	"github.com/sells-group/leadops/internal/model"
	"github.com/sells-group/leadops/internal/store"
)

// DefaultRetryAfter is the suggested backoff handed to callers that lose
// a claim race.
const DefaultRetryAfter = 5 * time.Second

// Request is one enrichment submission.
type Request struct {
	// Source overrides the source extracted from the payload when set.
	Source string

	// Payload is the decoded submission, used for fingerprinting and
	// classification.
	Payload map[string]any

	// Raw is the submission as received, stored verbatim in the ledger.
	// When nil the coordinator re-marshals Payload.
	Raw json.RawMessage
}

// Outcome is the result of a handled request.
type Outcome struct {
	Result *model.EnrichmentResult
	Run    *model.Run

	// Cached is true when the result was served from a prior successful
	// run without calling the gateway.
	Cached bool
}

// Coordinator serializes enrichment per fingerprint and keeps the ledger
// and claim store consistent across every outcome.
type Coordinator struct {
	store      store.Store
	classifier classify.Classifier
	retryAfter time.Duration
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithRetryAfter overrides the conflict backoff hint.
func WithRetryAfter(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.retryAfter = d
		}
	}
}

// New creates a Coordinator.
func New(st store.Store, cl classify.Classifier, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:      st,
		classifier: cl,
		retryAfter: DefaultRetryAfter,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Handle processes one submission. Identical submissions (same normalized
// email+phone) return the same stored result: at most one gateway call
// ever succeeds per fingerprint, no matter how many concurrent or repeated
// requests arrive.
//
// Payloads with neither an email nor a phone cannot be fingerprinted;
// they skip the dedup and claim steps entirely and every submission is
// classified fresh.
func (c *Coordinator) Handle(ctx context.Context, req Request) (*Outcome, error) {
	fp := fingerprint.Derive(req.Payload)

	source := req.Source
	if source == "" {
		source = fingerprint.ExtractSource(req.Payload)
	}

	raw := req.Raw
	if raw == nil {
		b, err := json.Marshal(req.Payload)
		if err != nil {
			return nil, eris.Wrap(err, "coordinator: marshal payload")
		}
		raw = b
	}

	log := zap.L().With(zap.String("fingerprint", fp), zap.String("source", source))

	if fp != "" {
		// Fast path: an earlier success settles the request for good.
		if cached, err := c.store.MostRecentSuccess(ctx, fp); err != nil {
			return nil, &StorageError{Op: "cache lookup", Err: err}
		} else if cached != nil {
			log.Debug("coordinator: served cached result", zap.String("run_id", cached.ID))
			return &Outcome{Result: cached.Result, Run: cached, Cached: true}, nil
		}

		claimed, err := c.store.TryClaim(ctx, fp)
		if err != nil {
			return nil, &StorageError{Op: "claim", Err: err}
		}
		if !claimed {
			// Lost the race. The winner may have finished between our
			// cache check and the claim attempt.
			if cached, err := c.store.MostRecentSuccess(ctx, fp); err != nil {
				return nil, &StorageError{Op: "cache re-check", Err: err}
			} else if cached != nil {
				log.Debug("coordinator: lost race, winner already settled", zap.String("run_id", cached.ID))
				return &Outcome{Result: cached.Result, Run: cached, Cached: true}, nil
			}
			return nil, &ConflictError{Fingerprint: fp, RetryAfter: c.retryAfter}
		}
	}

	// The claim is held but no storage transaction stays open across the
	// gateway call.
	result, classifyErr := c.classifier.Classify(ctx, req.Payload)

	// Terminal writes must survive caller disconnect: an abandoned request
	// that already claimed the fingerprint would otherwise leave the claim
	// orphaned with no ledger entry.
	terminal := context.WithoutCancel(ctx)

	if classifyErr != nil {
		c.recordFailure(terminal, log, fp, source, raw, classifyErr)
		return nil, &UpstreamError{Err: classifyErr}
	}

	run, err := c.store.RecordRun(terminal, model.Run{
		Fingerprint: fp,
		Source:      source,
		Payload:     raw,
		Status:      model.RunStatusSuccess,
		Result:      result,
	})
	if err != nil {
		// Without a success entry the claim must not persist, or the
		// fingerprint would be locked out forever with nothing cached.
		c.release(terminal, log, fp)
		return nil, &StorageError{Op: "record success", Err: err}
	}

	log.Info("coordinator: enrichment settled",
		zap.String("run_id", run.ID),
		zap.Bool("qualified", result.Qualified),
		zap.Int("score", result.Score),
	)
	return &Outcome{Result: result, Run: run}, nil
}

// recordFailure appends a failed run and releases the claim so the
// fingerprint can be retried. Storage errors here are logged, not
// returned: the gateway failure is the primary error and masking it would
// hide the reason the request failed.
func (c *Coordinator) recordFailure(ctx context.Context, log *zap.Logger, fp, source string, raw json.RawMessage, cause error) {
	if _, err := c.store.RecordRun(ctx, model.Run{
		Fingerprint: fp,
		Source:      source,
		Payload:     raw,
		Status:      model.RunStatusFailed,
		Error:       cause.Error(),
	}); err != nil {
		log.Error("coordinator: failed to record failed run", zap.Error(err))
	}
	c.release(ctx, log, fp)
}

func (c *Coordinator) release(ctx context.Context, log *zap.Logger, fp string) {
	if fp == "" {
		return
	}
	if err := c.store.Release(ctx, fp); err != nil {
		// The sweeper reclaims claims we fail to release here.
		log.Error("coordinator: failed to release claim", zap.Error(err))
	}
}
