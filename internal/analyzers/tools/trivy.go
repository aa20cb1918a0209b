package tools

import (
	"encoding/json"
	"path/filepath"
	"strings"

	"github.com/Sumatoshi-tech/peer/internal/analysis"
)

// trivyReport is the trivy fs --format json document, reduced to the
// fields consumed.
type trivyReport struct {
	Results []trivyResult `json:"Results"`
}

type trivyResult struct {
	Target          string               `json:"Target"`
	Vulnerabilities []trivyVulnerability `json:"Vulnerabilities"`
}

type trivyVulnerability struct {
	VulnerabilityID  string `json:"VulnerabilityID"`
	PkgName          string `json:"PkgName"`
	InstalledVersion string `json:"InstalledVersion"`
	FixedVersion     string `json:"FixedVersion"`
	Severity         string `json:"Severity"`
	Title            string `json:"Title"`
}

// trivyTargets are the dependency manifests trivy understands.
var trivyTargets = map[string]struct{}{
	"package-lock.json": {},
	"yarn.lock":         {},
	"pnpm-lock.yaml":    {},
	"go.sum":            {},
	"requirements.txt":  {},
	"poetry.lock":       {},
	"gemfile.lock":      {},
	"cargo.lock":        {},
}

// NewTrivy adapts the trivy SCA scanner for dependency manifests.
func NewTrivy() *Tool {
	return &Tool{
		name:   "trivy",
		binary: "trivy",
		selectFiles: func(files []string) []string {
			var out []string

			for _, f := range files {
				if _, ok := trivyTargets[strings.ToLower(filepath.Base(f))]; ok {
					out = append(out, f)
				}
			}

			return out
		},
		buildArgs: func(_ string, _ []string) []string {
			return []string{"fs", "--format", "json", "--quiet", "--scanners", "vuln", "."}
		},
		parse: parseTrivy,
	}
}

func parseTrivy(_ string, _ []string, out []byte) []analysis.Finding {
	var report trivyReport

	if err := json.Unmarshal(out, &report); err != nil {
		return nil
	}

	var findings []analysis.Finding

	for _, result := range report.Results {
		for _, vuln := range result.Vulnerabilities {
			message := vuln.VulnerabilityID + " in " + vuln.PkgName + "@" + vuln.InstalledVersion
			if vuln.Title != "" {
				message += ": " + vuln.Title
			}

			f := analysis.Finding{
				File:     filepath.ToSlash(result.Target),
				Line:     1,
				Rule:     "vuln:" + vuln.VulnerabilityID,
				Severity: severityFromTool(vuln.Severity),
				Message:  message,
				Category: "dependency",
			}

			if vuln.FixedVersion != "" {
				f.Suggestion = "Upgrade " + vuln.PkgName + " to " + vuln.FixedVersion
			}

			findings = append(findings, f)
		}
	}

	return findings
}
