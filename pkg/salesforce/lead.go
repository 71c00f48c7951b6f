package salesforce

import (
	"context"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
)

// Lead represents a Salesforce Lead record.
type Lead struct {
	ID       string `json:"Id" salesforce:"Id"`
	LastName string `json:"LastName" salesforce:"LastName"`
	Company  string `json:"Company" salesforce:"Company"`
	Email    string `json:"Email" salesforce:"Email"`
	Phone    string `json:"Phone" salesforce:"Phone"`
	OwnerID  string `json:"OwnerId" salesforce:"OwnerId"`
	Status   string `json:"Status" salesforce:"Status"`
	Rating   string `json:"Rating" salesforce:"Rating"`
}

// leadFields are the SOQL fields selected for Lead queries.
var leadFields = []string{
	"Id", "LastName", "Company", "Email", "Phone", "OwnerId", "Status", "Rating",
}

// FindLeadByEmail queries Salesforce for a Lead matching the given email.
// Returns nil if no lead is found.
func FindLeadByEmail(ctx context.Context, c Client, email string) (*Lead, error) {
	soql := fmt.Sprintf(
		"SELECT %s FROM Lead WHERE Email = '%s' LIMIT 1",
		strings.Join(leadFields, ", "),
		escapeSoql(email),
	)

	var leads []Lead
	if err := c.Query(ctx, soql, &leads); err != nil {
		return nil, eris.Wrap(err, fmt.Sprintf("sf: find lead by email %s", email))
	}
	if len(leads) == 0 {
		return nil, nil
	}
	return &leads[0], nil
}

// CreateLead creates a new Lead record and returns the new Salesforce ID.
// Salesforce requires LastName and Company on every Lead.
func CreateLead(ctx context.Context, c Client, fields map[string]any) (string, error) {
	if fields["LastName"] == nil || fields["LastName"] == "" {
		return "", eris.New("sf: lead LastName is required")
	}
	if fields["Company"] == nil || fields["Company"] == "" {
		return "", eris.New("sf: lead Company is required")
	}
	id, err := c.InsertOne(ctx, "Lead", fields)
	if err != nil {
		return "", eris.Wrap(err, "sf: create lead")
	}
	return id, nil
}

// UpdateLead updates a Lead record with the given fields.
func UpdateLead(ctx context.Context, c Client, leadID string, fields map[string]any) error {
	if leadID == "" {
		return eris.New("sf: lead id is required")
	}
	if len(fields) == 0 {
		return eris.New("sf: no fields to update")
	}
	if err := c.UpdateOne(ctx, "Lead", leadID, fields); err != nil {
		return eris.Wrap(err, fmt.Sprintf("sf: update lead %s", leadID))
	}
	return nil
}

// escapeSoql escapes single quotes in SOQL string literals to prevent injection.
func escapeSoql(s string) string {
	return strings.ReplaceAll(s, "'", "\\'")
}
