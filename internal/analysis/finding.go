// Package analysis defines the Finding model, the analyzer registry, and the
// orchestrator that fans analyzers out over a working copy and normalizes
// their combined output.
package analysis

import "time"

// Severity levels, highest first.
const (
	SeverityCritical = "critical"
	SeverityHigh     = "high"
	SeverityMedium   = "medium"
	SeverityLow      = "low"
)

// Field caps applied by Finding.Clamp.
const (
	maxRuleLen        = 120
	maxMessageLen     = 500
	maxSuggestionLen  = 500
	maxExampleLen     = 1000
	maxCodeSnippetLen = 300
)

// severityWeights orders severities for ranking and de-duplication.
var severityWeights = map[string]int{
	SeverityCritical: 4,
	SeverityHigh:     3,
	SeverityMedium:   2,
	SeverityLow:      1,
}

// Severities lists all severities from highest to lowest weight.
var Severities = []string{SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow}

// SeverityWeight returns the numeric weight of a severity, zero for unknown.
func SeverityWeight(severity string) int {
	return severityWeights[severity]
}

// Finding is a single issue produced by one analyzer.
type Finding struct {
	// ID is stable within a run, assigned by the orchestrator after ranking.
	ID string `json:"id"`

	// File is the repo-relative path.
	File string `json:"file"`

	// Line is the 1-based line number.
	Line int `json:"line"`

	// Column is the 1-based column, defaulting to 1.
	Column int `json:"column"`

	// Rule is the analyzer-defined rule identifier.
	Rule string `json:"rule"`

	// Analyzer names the producing analyzer.
	Analyzer string `json:"analyzer"`

	// Source is the producer subtype for provenance, e.g. "tool:eslint"
	// or "ai:gpt-4o-mini".
	Source string `json:"source"`

	// Severity is one of critical, high, medium, low.
	Severity string `json:"severity"`

	// SeverityWeight is the numeric severity, 4 down to 1.
	SeverityWeight int `json:"severityWeight"`

	Message     string `json:"message"`
	Suggestion  string `json:"suggestion,omitempty"`
	Example     string `json:"example,omitempty"`
	CodeSnippet string `json:"codeSnippet,omitempty"`

	Reason   string   `json:"reason,omitempty"`
	CWE      []string `json:"cwe,omitempty"`
	OWASP    []string `json:"owasp,omitempty"`
	Category string   `json:"category,omitempty"`
	Language string   `json:"language,omitempty"`

	// Fixed lifecycle flags, flipped by the autofix worker on merge.
	Fixed                 bool       `json:"fixed"`
	FixedAt               *time.Time `json:"fixedAt,omitempty"`
	FixedByPatchRequestID string     `json:"fixedByPatchRequestId,omitempty"`
}

// Clamp normalizes a finding in place: defaults Line and Column to 1,
// derives SeverityWeight, and truncates over-long text fields.
func (f *Finding) Clamp() {
	if f.Line < 1 {
		f.Line = 1
	}

	if f.Column < 1 {
		f.Column = 1
	}

	if f.SeverityWeight == 0 {
		f.SeverityWeight = SeverityWeight(f.Severity)
	}

	f.Rule = truncate(f.Rule, maxRuleLen)
	f.Message = truncate(f.Message, maxMessageLen)
	f.Suggestion = truncate(f.Suggestion, maxSuggestionLen)
	f.Example = truncate(f.Example, maxExampleLen)
	f.CodeSnippet = truncate(f.CodeSnippet, maxCodeSnippetLen)
}

// Summary holds per-severity finding counts.
type Summary struct {
	Critical int `json:"critical"`
	High     int `json:"high"`
	Medium   int `json:"medium"`
	Low      int `json:"low"`
}

// Total returns the sum of all severity counts.
func (s Summary) Total() int {
	return s.Critical + s.High + s.Medium + s.Low
}

// Add increments the counter for the given severity.
func (s *Summary) Add(severity string) {
	switch severity {
	case SeverityCritical:
		s.Critical++
	case SeverityHigh:
		s.High++
	case SeverityMedium:
		s.Medium++
	case SeverityLow:
		s.Low++
	}
}

// Count returns the counter for the given severity.
func (s Summary) Count(severity string) int {
	switch severity {
	case SeverityCritical:
		return s.Critical
	case SeverityHigh:
		return s.High
	case SeverityMedium:
		return s.Medium
	case SeverityLow:
		return s.Low
	default:
		return 0
	}
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}

	return s[:limit]
}
