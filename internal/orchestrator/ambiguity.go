package orchestrator

import "strings"

// Ambiguity is one unresolved aspect of an initial request. Each ambiguity
// becomes a question, and the backlog items it touches stay blocked until
// the answer arrives.
type Ambiguity struct {
	Topic              string
	QuestionText       string
	ExpectedAnswerType string
}

// Rule inspects the raw request text and reports zero or more ambiguities.
type Rule interface {
	Detect(requestText string) []Ambiguity
}

// RuleFunc adapts a function to the Rule interface.
type RuleFunc func(requestText string) []Ambiguity

// Detect implements Rule.
func (f RuleFunc) Detect(requestText string) []Ambiguity { return f(requestText) }

// DefaultRules returns the built-in detection set: requests too short to
// define scope, and KPI mentions with no actual KPI list given.
func DefaultRules() []Rule {
	return []Rule{
		RuleFunc(detectVagueScope),
		RuleFunc(detectMissingKPIs),
	}
}

func detectVagueScope(requestText string) []Ambiguity {
	if len(strings.TrimSpace(requestText)) >= 12 {
		return nil
	}
	return []Ambiguity{{
		Topic:              "scope",
		QuestionText:       "The request is too short to scope. What should the project deliver?",
		ExpectedAnswerType: "text",
	}}
}

func detectMissingKPIs(requestText string) []Ambiguity {
	lower := strings.ToLower(requestText)
	if !strings.Contains(lower, "kpi") || strings.Contains(requestText, "?") {
		return nil
	}
	return []Ambiguity{{
		Topic:              "kpi_list",
		QuestionText:       "Which KPIs should be tracked? Please list them.",
		ExpectedAnswerType: "text",
	}}
}

// DetectAll runs every rule and concatenates the findings in rule order.
func DetectAll(rules []Rule, requestText string) []Ambiguity {
	var out []Ambiguity
	for _, r := range rules {
		out = append(out, r.Detect(requestText)...)
	}
	return out
}
