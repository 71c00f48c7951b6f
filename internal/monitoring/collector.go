// Package monitoring derives operational statistics from the run ledger.
package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/leadops/internal/model"
	"github.com/sells-group/leadops/internal/store"
)

// Snapshot is a point-in-time view of ledger activity.
type Snapshot struct {
	TotalRuns     int       `json:"total_runs"`
	SuccessRuns   int       `json:"success_runs"`
	FailedRuns    int       `json:"failed_runs"`
	QualifiedRuns int       `json:"qualified_runs"`
	FailureRate   float64   `json:"failure_rate"`
	QualifiedRate float64   `json:"qualified_rate"`
	AvgScore      float64   `json:"avg_score"`
	GeneratedAt   time.Time `json:"generated_at"`
}

// Collector computes snapshots from the ledger.
type Collector struct {
	ledger store.RunLedger

	// scoreSample caps how many recent successes feed the average score.
	scoreSample int
}

// NewCollector creates a Collector.
func NewCollector(ledger store.RunLedger) *Collector {
	return &Collector{ledger: ledger, scoreSample: 500}
}

// Snapshot computes current statistics. Counts come straight from the
// store; the average score is taken over a bounded sample of the most
// recent successful runs.
func (c *Collector) Snapshot(ctx context.Context) (*Snapshot, error) {
	total, err := c.ledger.CountRuns(ctx, store.RunFilter{})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: count total")
	}

	success, err := c.ledger.CountRuns(ctx, store.RunFilter{Status: model.RunStatusSuccess})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: count success")
	}

	qualified := true
	qualifiedCount, err := c.ledger.CountRuns(ctx, store.RunFilter{
		Status:    model.RunStatusSuccess,
		Qualified: &qualified,
	})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: count qualified")
	}

	snap := &Snapshot{
		TotalRuns:     total,
		SuccessRuns:   success,
		FailedRuns:    total - success,
		QualifiedRuns: qualifiedCount,
		GeneratedAt:   time.Now().UTC(),
	}
	if total > 0 {
		snap.FailureRate = float64(snap.FailedRuns) / float64(total)
	}
	if success > 0 {
		snap.QualifiedRate = float64(qualifiedCount) / float64(success)
	}

	recent, err := c.ledger.ListRuns(ctx, store.RunFilter{
		Status: model.RunStatusSuccess,
		Limit:  c.scoreSample,
	})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list recent successes")
	}
	var sum, n int
	for _, run := range recent {
		if run.Result != nil {
			sum += run.Result.Score
			n++
		}
	}
	if n > 0 {
		snap.AvgScore = float64(sum) / float64(n)
	}

	return snap, nil
}
