// Package policy is the Policy Engine: it decides whether an operator may
// view a source on a wall by matching ordered rules over tag sets, with a
// default-deny posture when nothing matches.
package policy

// Rule is one ordered rule. Its when clause is a conjunction of named
// conditions; the rule matches only when every condition holds.
type Rule struct {
	ID          string           `json:"id" yaml:"id"`
	Effect      string           `json:"effect" yaml:"effect"`
	Description string           `json:"description,omitempty" yaml:"description"`
	When        []map[string]any `json:"when" yaml:"when"`
}

// AllowEntry is one explicit grant: a full operator/wall/source triple.
type AllowEntry struct {
	OperatorID string `json:"operator_id" yaml:"operator_id"`
	WallID     string `json:"wall_id" yaml:"wall_id"`
	SourceID   string `json:"source_id" yaml:"source_id"`
}

// Document is the policy the engine evaluates against. It mirrors the
// policy section the Configuration Authority publishes.
type Document struct {
	Taxonomy  map[string][]string `json:"taxonomy" yaml:"taxonomy"`
	Rules     []Rule              `json:"rules" yaml:"rules"`
	AllowList []AllowEntry        `json:"allow_list" yaml:"allow_list"`
	Defaults  map[string]string   `json:"defaults,omitempty" yaml:"defaults"`
}

// DefaultDeny is the policy of last resort when no source can be loaded:
// a single deny-everything rule.
func DefaultDeny() *Document {
	return &Document{
		Rules: []Rule{{
			ID:     "default-deny",
			Effect: "deny",
			When:   []map[string]any{{"always": true}},
		}},
	}
}

// DenyReason is the reason reported when no rule matches.
func (d *Document) DenyReason() string {
	if r, ok := d.Defaults["deny_reason"]; ok && r != "" {
		return r
	}
	return "default_deny"
}
