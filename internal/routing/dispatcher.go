package routing

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/leadops/internal/model"
	"github.com/sells-group/leadops/pkg/salesforce"
)

// dispatchTimeout bounds one background Salesforce round trip.
const dispatchTimeout = 30 * time.Second

// Dispatcher sends qualified leads to Salesforce in the background.
// Delivery is best effort: failures are logged, never surfaced to the
// enrichment caller, and the ledger stays the source of truth.
type Dispatcher struct {
	client salesforce.Client
	rules  *Rules
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(client salesforce.Client, rules *Rules) *Dispatcher {
	return &Dispatcher{client: client, rules: rules}
}

// Dispatch routes the run's lead asynchronously. It returns immediately.
func (d *Dispatcher) Dispatch(ctx context.Context, run *model.Run) {
	if run == nil || run.Result == nil || !run.Result.Qualified {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(ctx, dispatchTimeout)
		defer cancel()

		if err := d.dispatch(ctx, run); err != nil {
			zap.L().Error("routing: dispatch failed",
				zap.String("run_id", run.ID),
				zap.Error(err),
			)
		}
	}()
}

func (d *Dispatcher) dispatch(ctx context.Context, run *model.Run) error {
	result := run.Result
	owner, ok := d.rules.OwnerFor(result)
	if !ok {
		zap.L().Debug("routing: no rule or default owner matched, skipping",
			zap.String("run_id", run.ID))
		return nil
	}

	fields := leadFields(run, owner)

	if email, ok := fields["Email"].(string); ok && email != "" {
		existing, err := salesforce.FindLeadByEmail(ctx, d.client, email)
		if err != nil {
			return err
		}
		if existing != nil {
			zap.L().Info("routing: lead exists, updating",
				zap.String("run_id", run.ID),
				zap.String("lead_id", existing.ID),
			)
			delete(fields, "LastName")
			delete(fields, "Company")
			return salesforce.UpdateLead(ctx, d.client, existing.ID, fields)
		}
	}

	id, err := salesforce.CreateLead(ctx, d.client, fields)
	if err != nil {
		return err
	}
	zap.L().Info("routing: lead created",
		zap.String("run_id", run.ID),
		zap.String("lead_id", id),
		zap.String("owner_id", owner),
	)
	return nil
}

// leadFields maps an enrichment result onto Salesforce Lead fields.
func leadFields(run *model.Run, owner string) map[string]any {
	result := run.Result
	fields := map[string]any{
		"LastName": "Unknown",
		"Company":  "Unknown",
		"OwnerId":  owner,
		"Rating":   rating(result.Score),
	}

	if result.Lead.Name != nil && *result.Lead.Name != "" {
		fields["LastName"] = *result.Lead.Name
	}
	if result.Lead.Email != nil {
		fields["Email"] = *result.Lead.Email
	}
	if result.Lead.Phone != nil {
		fields["Phone"] = *result.Lead.Phone
	}
	if result.Lead.Industry != nil {
		fields["Industry"] = *result.Lead.Industry
	}
	if run.Source != "" {
		fields["LeadSource"] = run.Source
	}

	// Prefer a company name from the raw submission when present.
	var payload struct {
		Company string `json:"company"`
	}
	if err := json.Unmarshal(run.Payload, &payload); err == nil && payload.Company != "" {
		fields["Company"] = payload.Company
	}

	return fields
}

func rating(score int) string {
	switch {
	case score >= 80:
		return "Hot"
	case score >= 50:
		return "Warm"
	default:
		return "Cold"
	}
}
