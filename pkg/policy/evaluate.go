package policy

import "strings"

// Input is a fully enriched evaluation request: identifiers plus the tag
// sets looked up before evaluation.
type Input struct {
	WallID        string
	SourceID      string
	OperatorID    string
	OperatorRoles []string
	OperatorTags  []string
	WallTags      []string
	SourceTags    []string
}

// MatchedRule names one rule that produced the decision.
type MatchedRule struct {
	ID string `json:"id"`
}

// Decision is the evaluation outcome.
type Decision struct {
	Allowed      bool          `json:"allowed"`
	Reason       string        `json:"reason"`
	MatchedRules []MatchedRule `json:"matched_rules"`
}

// Evaluate runs the decision algorithm: admin bypass, then ordered
// first-match over the rules, then default deny. It is pure; enrichment
// happens before the call.
func Evaluate(doc *Document, in Input) Decision {
	for _, role := range in.OperatorRoles {
		if strings.EqualFold(role, "admin") {
			return Decision{
				Allowed:      true,
				Reason:       "admin_bypass",
				MatchedRules: []MatchedRule{{ID: "admin-bypass"}},
			}
		}
	}

	for _, rule := range doc.Rules {
		if !ruleMatches(doc, rule, in) {
			continue
		}
		if rule.Effect == "allow" {
			return Decision{
				Allowed:      true,
				Reason:       "allowed_by:" + rule.ID,
				MatchedRules: []MatchedRule{{ID: rule.ID}},
			}
		}
		return Decision{
			Allowed:      false,
			Reason:       "denied_by:" + rule.ID,
			MatchedRules: []MatchedRule{{ID: rule.ID}},
		}
	}

	return Decision{
		Allowed:      false,
		Reason:       doc.DenyReason(),
		MatchedRules: []MatchedRule{},
	}
}

// ruleMatches checks the conjunction of the rule's conditions. An unknown
// condition name fails the whole rule.
func ruleMatches(doc *Document, rule Rule, in Input) bool {
	for _, clause := range rule.When {
		for name := range clause {
			if !conditionHolds(doc, name, in) {
				return false
			}
		}
	}
	return true
}

func conditionHolds(doc *Document, name string, in Input) bool {
	switch name {
	case "always":
		return true
	case "source_tags_subset_of_operator_tags":
		return subset(in.SourceTags, in.OperatorTags)
	case "source_tags_intersect_wall_tags":
		return intersects(in.SourceTags, in.WallTags)
	case "in_explicit_allow_list":
		for _, e := range doc.AllowList {
			if e.OperatorID == in.OperatorID && e.WallID == in.WallID && e.SourceID == in.SourceID {
				return true
			}
		}
		return false
	default:
		return false
	}
}

func subset(inner, outer []string) bool {
	set := make(map[string]struct{}, len(outer))
	for _, t := range outer {
		set[t] = struct{}{}
	}
	for _, t := range inner {
		if _, ok := set[t]; !ok {
			return false
		}
	}
	return true
}

func intersects(a, b []string) bool {
	set := make(map[string]struct{}, len(a))
	for _, t := range a {
		set[t] = struct{}{}
	}
	for _, t := range b {
		if _, ok := set[t]; ok {
			return true
		}
	}
	return false
}
