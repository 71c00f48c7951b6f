package model

import (
	"github.com/rotisserie/eris"
)

// Urgency is the extracted urgency level of a lead.
type Urgency string

const (
	UrgencyLow    Urgency = "low"
	UrgencyMedium Urgency = "medium"
	UrgencyHigh   Urgency = "high"
)

// AllUrgencies returns the valid urgency values.
func AllUrgencies() []Urgency {
	return []Urgency{UrgencyLow, UrgencyMedium, UrgencyHigh}
}

// Valid reports whether u is a known urgency level.
func (u Urgency) Valid() bool {
	switch u {
	case UrgencyLow, UrgencyMedium, UrgencyHigh:
		return true
	}
	return false
}

// Lead holds the structured fields extracted from a raw lead payload.
// Fields the classifier could not extract stay nil and are omitted from
// JSON output, so consumers never see sentinel values.
type Lead struct {
	Name     *string  `json:"name,omitempty"`
	Email    *string  `json:"email,omitempty"`
	Phone    *string  `json:"phone,omitempty"`
	Budget   *float64 `json:"budget,omitempty"`
	Intent   *string  `json:"intent,omitempty"`
	Urgency  *Urgency `json:"urgency,omitempty"`
	Industry *string  `json:"industry,omitempty"`
}

// MaxReasons caps the number of qualification reasons in a result.
const MaxReasons = 5

// EnrichmentResult is the classifier's structured output for one lead.
type EnrichmentResult struct {
	Qualified bool     `json:"qualified"`
	Score     int      `json:"score"`
	Reasons   []string `json:"reasons"`
	Lead      Lead     `json:"lead"`
}

// Validate checks the result against the response schema: score in 0..100,
// at most MaxReasons reasons, urgency (when present) a known level.
func (r *EnrichmentResult) Validate() error {
	if r.Score < 0 || r.Score > 100 {
		return eris.Errorf("model: score %d outside 0..100", r.Score)
	}
	if len(r.Reasons) > MaxReasons {
		return eris.Errorf("model: %d reasons exceeds maximum of %d", len(r.Reasons), MaxReasons)
	}
	if r.Lead.Urgency != nil && !r.Lead.Urgency.Valid() {
		return eris.Errorf("model: unknown urgency %q", *r.Lead.Urgency)
	}
	return nil
}
