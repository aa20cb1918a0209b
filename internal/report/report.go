// Package report renders a run's findings as JSON, Markdown, or an HTML
// dashboard.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/Sumatoshi-tech/peer/internal/analysis"
	"github.com/Sumatoshi-tech/peer/internal/store"
)

// Report is the serializable view of one run.
type Report struct {
	Repo        string             `json:"repo"`
	PRNumber    int                `json:"prNumber,omitempty"`
	SHA         string             `json:"sha,omitempty"`
	Status      string             `json:"status,omitempty"`
	GeneratedAt time.Time          `json:"generatedAt"`
	Summary     analysis.Summary   `json:"summary"`
	Findings    []analysis.Finding `json:"findings"`
}

// FromRun builds the report for a persisted run.
func FromRun(run store.PRRun) Report {
	return Report{
		Repo:        run.Repo,
		PRNumber:    run.PRNumber,
		SHA:         run.SHA,
		Status:      run.Status,
		GeneratedAt: time.Now().UTC(),
		Summary:     run.Summary,
		Findings:    run.Findings,
	}
}

// FromFindings builds a report for an ad-hoc analysis, as run by the CLI.
func FromFindings(target string, findings []analysis.Finding) Report {
	return Report{
		Repo:        target,
		GeneratedAt: time.Now().UTC(),
		Summary:     analysis.Summarize(findings),
		Findings:    findings,
	}
}

// WriteJSON renders the report as indented JSON.
func (r Report) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")

	if err := enc.Encode(r); err != nil {
		return fmt.Errorf("report: encode json: %w", err)
	}

	return nil
}

// WriteMarkdown renders the report as a Markdown summary with one table row
// per finding.
func (r Report) WriteMarkdown(w io.Writer) error {
	var sb strings.Builder

	fmt.Fprintf(&sb, "# Peer analysis: %s\n\n", r.Repo)

	if r.PRNumber != 0 {
		fmt.Fprintf(&sb, "PR #%d at `%s`\n\n", r.PRNumber, r.SHA)
	}

	fmt.Fprintf(&sb, "**%d findings** (critical %d, high %d, medium %d, low %d)\n\n",
		r.Summary.Total(), r.Summary.Critical, r.Summary.High, r.Summary.Medium, r.Summary.Low)

	if len(r.Findings) == 0 {
		sb.WriteString("No findings.\n")

		_, err := io.WriteString(w, sb.String())

		return err
	}

	sb.WriteString("| Severity | File | Line | Rule | Message |\n")
	sb.WriteString("|----------|------|------|------|---------|\n")

	for _, f := range r.Findings {
		fmt.Fprintf(&sb, "| %s | %s | %d | %s | %s |\n",
			f.Severity, f.File, f.Line, f.Rule, escapeCell(f.Message))
	}

	if _, err := io.WriteString(w, sb.String()); err != nil {
		return fmt.Errorf("report: write markdown: %w", err)
	}

	return nil
}

// escapeCell keeps finding messages from breaking the Markdown table.
func escapeCell(s string) string {
	s = strings.ReplaceAll(s, "|", "\\|")
	s = strings.ReplaceAll(s, "\n", " ")

	return s
}

// bySeverity counts findings per severity, ordered critical first.
func (r Report) bySeverity() []severityCount {
	out := make([]severityCount, 0, len(analysis.Severities))

	for _, sev := range analysis.Severities {
		count := 0

		for _, f := range r.Findings {
			if f.Severity == sev {
				count++
			}
		}

		if count > 0 {
			out = append(out, severityCount{Severity: sev, Count: count})
		}
	}

	return out
}

type severityCount struct {
	Severity string
	Count    int
}

// byAnalyzer counts findings per producing analyzer, descending.
func (r Report) byAnalyzer() []analyzerCount {
	counts := make(map[string]int)

	for _, f := range r.Findings {
		counts[f.Analyzer]++
	}

	out := make([]analyzerCount, 0, len(counts))
	for name, count := range counts {
		out = append(out, analyzerCount{Analyzer: name, Count: count})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}

		return out[i].Analyzer < out[j].Analyzer
	})

	return out
}

type analyzerCount struct {
	Analyzer string
	Count    int
}
