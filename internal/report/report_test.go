package report_test

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sumatoshi-tech/peer/internal/analysis"
	"github.com/Sumatoshi-tech/peer/internal/report"
	"github.com/Sumatoshi-tech/peer/internal/store"
)

func sampleFindings() []analysis.Finding {
	return []analysis.Finding{
		{ID: "f-0001", File: "app.js", Line: 3, Rule: "no-var", Analyzer: "javascript", Severity: analysis.SeverityMedium, Message: "use let | const"},
		{ID: "f-0002", File: "db.py", Line: 10, Rule: "sql-injection", Analyzer: "security", Severity: analysis.SeverityCritical, Message: "string-built query"},
		{ID: "f-0003", File: "app.js", Line: 9, Rule: "console-log-remove", Analyzer: "javascript", Severity: analysis.SeverityLow, Message: "leftover log"},
	}
}

func TestWriteJSONRoundTrips(t *testing.T) {
	t.Parallel()

	findings := sampleFindings()
	rep := report.FromFindings("org/app", findings)

	var buf bytes.Buffer
	require.NoError(t, rep.WriteJSON(&buf))

	var decoded report.Report
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))

	assert.Equal(t, "org/app", decoded.Repo)
	assert.Len(t, decoded.Findings, 3)
	assert.Equal(t, 1, decoded.Summary.Critical)
	assert.Equal(t, 1, decoded.Summary.Medium)
}

func TestWriteMarkdownTable(t *testing.T) {
	t.Parallel()

	rep := report.FromFindings("org/app", sampleFindings())

	var buf bytes.Buffer
	require.NoError(t, rep.WriteMarkdown(&buf))

	out := buf.String()
	assert.Contains(t, out, "# Peer analysis: org/app")
	assert.Contains(t, out, "**3 findings**")
	assert.Contains(t, out, "| critical | db.py | 10 | sql-injection |")
	assert.Contains(t, out, "use let \\| const", "pipes inside messages are escaped")
}

func TestWriteMarkdownEmpty(t *testing.T) {
	t.Parallel()

	rep := report.FromFindings("org/app", nil)

	var buf bytes.Buffer
	require.NoError(t, rep.WriteMarkdown(&buf))

	assert.Contains(t, buf.String(), "No findings.")
}

func TestWriteHTMLEmitsCharts(t *testing.T) {
	t.Parallel()

	rep := report.FromFindings("org/app", sampleFindings())

	var buf bytes.Buffer
	require.NoError(t, rep.WriteHTML(&buf))

	out := buf.String()
	assert.Contains(t, out, "echarts")
	assert.Contains(t, out, "Findings by severity")
	assert.Contains(t, out, "Findings by analyzer")
}

func TestFromRunCarriesRunContext(t *testing.T) {
	t.Parallel()

	run := store.PRRun{
		Repo:     "org/app",
		PRNumber: 7,
		SHA:      "abc",
		Status:   store.RunCompleted,
		Findings: sampleFindings(),
		Summary:  analysis.Summarize(sampleFindings()),
	}

	rep := report.FromRun(run)

	assert.Equal(t, 7, rep.PRNumber)
	assert.Equal(t, "abc", rep.SHA)
	assert.Equal(t, store.RunCompleted, rep.Status)
	assert.Equal(t, run.Summary, rep.Summary)
}
