package tools

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sumatoshi-tech/peer/internal/analysis"
)

func TestAbsentBinaryYieldsEmptyResult(t *testing.T) {
	t.Parallel()

	tool := &Tool{
		name:   "ghost",
		binary: "peer-test-no-such-binary",
		selectFiles: func(files []string) []string {
			return files
		},
	}

	findings, err := tool.Analyze(context.Background(), t.TempDir(), []string{"a.js"})
	require.NoError(t, err, "a missing optional tool must never fail the run")
	assert.Empty(t, findings)
}

func TestParseESLint(t *testing.T) {
	t.Parallel()

	out := []byte(`[
		{
			"filePath": "src/app.js",
			"messages": [
				{"ruleId": "no-unused-vars", "severity": 2, "message": "x is unused", "line": 3, "column": 7},
				{"ruleId": "semi", "severity": 1, "message": "missing semicolon", "line": 9, "column": 1}
			]
		}
	]`)

	findings := parseESLint("/tmp/ws", nil, out)
	require.Len(t, findings, 2)

	assert.Equal(t, "src/app.js", findings[0].File)
	assert.Equal(t, "no-unused-vars", findings[0].Rule)
	assert.Equal(t, analysis.SeverityMedium, findings[0].Severity)
	assert.Equal(t, 3, findings[0].Line)

	assert.Equal(t, analysis.SeverityLow, findings[1].Severity)
}

func TestParseESLintGarbage(t *testing.T) {
	t.Parallel()

	assert.Nil(t, parseESLint("/tmp/ws", nil, []byte("not json")))
}

func TestParseGosecFiltersToChangedFiles(t *testing.T) {
	t.Parallel()

	out := []byte(`{
		"Issues": [
			{"severity": "HIGH", "rule_id": "G401", "details": "weak crypto", "file": "/ws/crypto.go", "line": "12", "column": "4", "cwe": {"id": "328"}},
			{"severity": "LOW", "rule_id": "G104", "details": "unhandled error", "file": "/ws/other.go", "line": "1", "column": "1", "cwe": {"id": ""}}
		]
	}`)

	findings := parseGosec("/ws", []string{"crypto.go"}, out)
	require.Len(t, findings, 1)

	assert.Equal(t, "crypto.go", findings[0].File)
	assert.Equal(t, "G401", findings[0].Rule)
	assert.Equal(t, analysis.SeverityHigh, findings[0].Severity)
	assert.Equal(t, 12, findings[0].Line)
	assert.Equal(t, []string{"CWE-328"}, findings[0].CWE)
}

func TestParseTrivy(t *testing.T) {
	t.Parallel()

	out := []byte(`{
		"Results": [
			{
				"Target": "package-lock.json",
				"Vulnerabilities": [
					{"VulnerabilityID": "CVE-2024-1234", "PkgName": "lodash", "InstalledVersion": "4.17.20", "FixedVersion": "4.17.21", "Severity": "CRITICAL", "Title": "prototype pollution"}
				]
			}
		]
	}`)

	findings := parseTrivy("/ws", nil, out)
	require.Len(t, findings, 1)

	assert.Equal(t, "package-lock.json", findings[0].File)
	assert.Equal(t, "vuln:CVE-2024-1234", findings[0].Rule)
	assert.Equal(t, analysis.SeverityCritical, findings[0].Severity)
	assert.Contains(t, findings[0].Suggestion, "4.17.21")
}

func TestParseTfsec(t *testing.T) {
	t.Parallel()

	out := []byte(`{
		"results": [
			{
				"rule_id": "aws-vpc-no-public-ingress",
				"description": "security group allows public ingress",
				"severity": "HIGH",
				"resolution": "restrict the CIDR",
				"location": {"filename": "/ws/main.tf", "start_line": 14}
			}
		]
	}`)

	findings := parseTfsec("/ws", nil, out)
	require.Len(t, findings, 1)

	assert.Equal(t, "main.tf", findings[0].File)
	assert.Equal(t, 14, findings[0].Line)
	assert.Equal(t, analysis.SeverityHigh, findings[0].Severity)
}

func TestTrivySelectsLockfilesOnly(t *testing.T) {
	t.Parallel()

	tool := NewTrivy()

	selected := tool.selectFiles([]string{"src/app.js", "package-lock.json", "go.sum"})
	assert.Equal(t, []string{"package-lock.json", "go.sum"}, selected)
}
