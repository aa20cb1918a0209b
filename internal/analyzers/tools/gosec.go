package tools

import (
	"encoding/json"
	"strconv"

	"github.com/Sumatoshi-tech/peer/internal/analysis"
)

// gosecReport is the top-level gosec -fmt=json document.
type gosecReport struct {
	Issues []gosecIssue `json:"Issues"`
}

type gosecIssue struct {
	Severity string `json:"severity"`
	RuleID   string `json:"rule_id"`
	Details  string `json:"details"`
	File     string `json:"file"`
	Line     string `json:"line"`
	Column   string `json:"column"`
	CWE      struct {
		ID string `json:"id"`
	} `json:"cwe"`
}

// NewGosec adapts the gosec security scanner for Go files.
func NewGosec() *Tool {
	return &Tool{
		name:   "gosec",
		binary: "gosec",
		selectFiles: func(files []string) []string {
			return selectByExt(files, ".go")
		},
		buildArgs: func(_ string, _ []string) []string {
			// gosec scans packages, not files; ./... covers the changed set.
			return []string{"-quiet", "-fmt=json", "./..."}
		},
		parse: parseGosec,
	}
}

func parseGosec(workdir string, files []string, out []byte) []analysis.Finding {
	var report gosecReport

	if err := json.Unmarshal(out, &report); err != nil {
		return nil
	}

	changed := make(map[string]struct{}, len(files))
	for _, f := range files {
		changed[f] = struct{}{}
	}

	var findings []analysis.Finding

	for _, issue := range report.Issues {
		file := relativePath(workdir, issue.File)

		// Package-wide scan; keep only issues on the changed files.
		if _, ok := changed[file]; !ok {
			continue
		}

		line, _ := strconv.Atoi(issue.Line)
		column, _ := strconv.Atoi(issue.Column)

		f := analysis.Finding{
			File:     file,
			Line:     line,
			Column:   column,
			Rule:     issue.RuleID,
			Severity: severityFromTool(issue.Severity),
			Message:  issue.Details,
			Category: "security",
		}

		if issue.CWE.ID != "" {
			f.CWE = []string{"CWE-" + issue.CWE.ID}
		}

		findings = append(findings, f)
	}

	return findings
}
