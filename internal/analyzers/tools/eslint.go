package tools

import (
	"encoding/json"
	"path/filepath"
	"strings"

	"github.com/Sumatoshi-tech/peer/internal/analysis"
)

// eslintResult is one file entry in eslint -f json output.
type eslintResult struct {
	FilePath string          `json:"filePath"`
	Messages []eslintMessage `json:"messages"`
}

type eslintMessage struct {
	RuleID   string `json:"ruleId"`
	Severity int    `json:"severity"`
	Message  string `json:"message"`
	Line     int    `json:"line"`
	Column   int    `json:"column"`
}

// NewESLint adapts the eslint linter for JS/TS files.
func NewESLint() *Tool {
	return &Tool{
		name:   "eslint",
		binary: "eslint",
		selectFiles: func(files []string) []string {
			return selectByExt(files, ".js", ".jsx", ".ts", ".tsx", ".mjs", ".cjs")
		},
		buildArgs: func(_ string, files []string) []string {
			return append([]string{"-f", "json", "--no-error-on-unmatched-pattern"}, files...)
		},
		parse: parseESLint,
	}
}

func parseESLint(workdir string, _ []string, out []byte) []analysis.Finding {
	var results []eslintResult

	if err := json.Unmarshal(out, &results); err != nil {
		return nil
	}

	var findings []analysis.Finding

	for _, result := range results {
		for _, msg := range result.Messages {
			rule := msg.RuleID
			if rule == "" {
				rule = "eslint-parse-error"
			}

			severity := analysis.SeverityMedium
			if msg.Severity < 2 {
				severity = analysis.SeverityLow
			}

			findings = append(findings, analysis.Finding{
				File:     relativePath(workdir, result.FilePath),
				Line:     msg.Line,
				Column:   msg.Column,
				Rule:     rule,
				Severity: severity,
				Message:  msg.Message,
				Category: "lint",
			})
		}
	}

	return findings
}

// relativePath strips the workdir prefix a tool echoes back, keeping the
// repo-relative tail.
func relativePath(workdir, path string) string {
	if !filepath.IsAbs(path) {
		return filepath.ToSlash(path)
	}

	rel, err := filepath.Rel(workdir, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return filepath.ToSlash(filepath.Base(path))
	}

	return filepath.ToSlash(rel)
}

func selectByExt(files []string, exts ...string) []string {
	allowed := make(map[string]struct{}, len(exts))
	for _, e := range exts {
		allowed[e] = struct{}{}
	}

	var out []string

	for _, f := range files {
		if _, ok := allowed[strings.ToLower(filepath.Ext(f))]; ok {
			out = append(out, f)
		}
	}

	return out
}
