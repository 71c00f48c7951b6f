// Package routing forwards qualified leads to Salesforce, picking an owner
// from a YAML rules file.
package routing

import (
	"os"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/leadops/internal/model"
)

// Rules is the top-level routing configuration.
type Rules struct {
	// DefaultOwner receives leads no rule matches.
	DefaultOwner string `yaml:"default_owner"`

	// Rules are evaluated in order; the first match wins.
	Rules []Rule `yaml:"rules"`
}

// Rule assigns leads meeting its conditions to an owner. Zero-value
// conditions match everything.
type Rule struct {
	Name     string `yaml:"name"`
	MinScore int    `yaml:"min_score"`
	Urgency  string `yaml:"urgency"`
	Industry string `yaml:"industry"`
	OwnerID  string `yaml:"owner_id"`
}

// LoadRules reads routing rules from a YAML file.
func LoadRules(path string) (*Rules, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "routing: read rules %s", path)
	}

	// The YAML has a top-level "routing" key
	var wrapper struct {
		Routing Rules `yaml:"routing"`
	}
	if err := yaml.Unmarshal(data, &wrapper); err != nil {
		return nil, eris.Wrap(err, "routing: parse rules")
	}

	rules := &wrapper.Routing
	for i, r := range rules.Rules {
		if r.OwnerID == "" {
			return nil, eris.Errorf("routing: rule %d (%s) has no owner_id", i, r.Name)
		}
		if r.MinScore < 0 || r.MinScore > 100 {
			return nil, eris.Errorf("routing: rule %d (%s) min_score out of range", i, r.Name)
		}
	}
	return rules, nil
}

// OwnerFor returns the owner assignment for an enrichment result, or the
// default owner when no rule matches. The second return is false when
// neither a rule nor a default applies.
func (r *Rules) OwnerFor(result *model.EnrichmentResult) (string, bool) {
	for _, rule := range r.Rules {
		if rule.matches(result) {
			return rule.OwnerID, true
		}
	}
	if r.DefaultOwner != "" {
		return r.DefaultOwner, true
	}
	return "", false
}

func (rule Rule) matches(result *model.EnrichmentResult) bool {
	if result.Score < rule.MinScore {
		return false
	}
	if rule.Urgency != "" {
		if result.Lead.Urgency == nil || string(*result.Lead.Urgency) != rule.Urgency {
			return false
		}
	}
	if rule.Industry != "" {
		if result.Lead.Industry == nil || *result.Lead.Industry != rule.Industry {
			return false
		}
	}
	return true
}
