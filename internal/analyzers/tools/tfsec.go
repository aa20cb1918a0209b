package tools

import (
	"encoding/json"

	"github.com/Sumatoshi-tech/peer/internal/analysis"
)

// tfsecReport is the tfsec --format json document.
type tfsecReport struct {
	Results []tfsecResult `json:"results"`
}

type tfsecResult struct {
	RuleID      string `json:"rule_id"`
	Description string `json:"description"`
	Severity    string `json:"severity"`
	Resolution  string `json:"resolution"`
	Location    struct {
		Filename  string `json:"filename"`
		StartLine int    `json:"start_line"`
	} `json:"location"`
}

// NewTfsec adapts the tfsec IaC scanner for Terraform files.
func NewTfsec() *Tool {
	return &Tool{
		name:   "tfsec",
		binary: "tfsec",
		selectFiles: func(files []string) []string {
			return selectByExt(files, ".tf")
		},
		buildArgs: func(_ string, _ []string) []string {
			return []string{"--format", "json", "--soft-fail", "."}
		},
		parse: parseTfsec,
	}
}

func parseTfsec(workdir string, _ []string, out []byte) []analysis.Finding {
	var report tfsecReport

	if err := json.Unmarshal(out, &report); err != nil {
		return nil
	}

	var findings []analysis.Finding

	for _, result := range report.Results {
		findings = append(findings, analysis.Finding{
			File:       relativePath(workdir, result.Location.Filename),
			Line:       result.Location.StartLine,
			Rule:       result.RuleID,
			Severity:   severityFromTool(result.Severity),
			Message:    result.Description,
			Suggestion: result.Resolution,
			Category:   "iac",
		})
	}

	return findings
}
