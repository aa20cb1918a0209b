package analyzers

import (
	"context"
	"regexp"
	"strings"

	"github.com/Sumatoshi-tech/peer/internal/analysis"
)

// securityName is the registry name of the security analyzer.
const securityName = "security"

// securityExts are the file types the security heuristics understand.
var securityExts = []string{
	".js", ".jsx", ".ts", ".tsx", ".mjs", ".cjs",
	".py", ".go", ".rb", ".php", ".java", ".cs",
	".yaml", ".yml", ".json", ".env", ".sh",
}

var (
	reHardcodedCredential = regexp.MustCompile(`(?i)\b(password|passwd|pwd|api[_-]?key|secret|token)\b\s*[:=]\s*["'][^"']{4,}["']`)
	reHTTPURL             = regexp.MustCompile(`["']http://[^"']+["']`)
	reLocalURL            = regexp.MustCompile(`http://(localhost|127\.0\.0\.1|0\.0\.0\.0|\[::1\])`)
	reEval                = regexp.MustCompile(`\beval\s*\(`)
	reWeakHash            = regexp.MustCompile(`(?i)(createHash\s*\(\s*["'](md5|sha1)["']|hashlib\.(md5|sha1)\s*\(|\bmd5\.New\(\)|\bsha1\.New\(\))`)
	reTLSDisabled         = regexp.MustCompile(`(rejectUnauthorized\s*:\s*false|InsecureSkipVerify\s*:\s*true|verify\s*=\s*False|CURLOPT_SSL_VERIFYPEER,\s*(false|0))`)
)

// Security flags hardcoded credentials, cleartext URLs, eval, weak hashes,
// and disabled TLS verification.
type Security struct{}

// NewSecurity creates the security analyzer.
func NewSecurity() *Security { return &Security{} }

// Name implements analysis.Analyzer.
func (s *Security) Name() string { return securityName }

// Analyze implements analysis.Analyzer.
func (s *Security) Analyze(ctx context.Context, workdir string, files []string) ([]analysis.Finding, error) {
	var findings []analysis.Finding

	for _, file := range filterExt(files, securityExts...) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		lines, ok := readLines(workdir, file)
		if !ok {
			continue
		}

		findings = append(findings, s.scanFile(file, lines)...)
	}

	return findings, nil
}

func (s *Security) scanFile(file string, lines []string) []analysis.Finding {
	var findings []analysis.Finding

	// One finding per (rule, file, line); the first match on a line wins
	// so the per-analyzer triple uniqueness contract holds.
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || isComment(trimmed) {
			continue
		}

		lineNo := i + 1

		if f, ok := s.checkLine(file, lineNo, line); ok {
			f.CodeSnippet = snippet(line)
			f.Language = detectLanguage(file, line)
			findings = append(findings, f)
		}
	}

	return findings
}

func (s *Security) checkLine(file string, lineNo int, line string) (analysis.Finding, bool) {
	switch {
	case reHardcodedCredential.MatchString(line):
		f := newFinding(securityName, file, lineNo, "hardcoded-credentials", analysis.SeverityCritical,
			"Hardcoded credential in source")
		f.Suggestion = "Load secrets from the environment or a secret manager"
		f.CWE = []string{"CWE-798"}
		f.OWASP = []string{"A07:2021"}
		f.Category = "security"

		return f, true

	case reHTTPURL.MatchString(line) && !reLocalURL.MatchString(line):
		f := newFinding(securityName, file, lineNo, "http-not-https", analysis.SeverityMedium,
			"Cleartext http:// URL; use https://")
		f.Suggestion = "Switch the URL scheme to https"
		f.CWE = []string{"CWE-319"}
		f.OWASP = []string{"A02:2021"}
		f.Category = "security"

		return f, true

	case reEval.MatchString(line):
		f := newFinding(securityName, file, lineNo, "eval-usage", analysis.SeverityHigh,
			"eval() executes arbitrary code")
		f.Suggestion = "Replace eval with explicit parsing or dispatch"
		f.CWE = []string{"CWE-95"}
		f.OWASP = []string{"A03:2021"}
		f.Category = "security"

		return f, true

	case reWeakHash.MatchString(line):
		f := newFinding(securityName, file, lineNo, "weak-hash", analysis.SeverityHigh,
			"MD5/SHA-1 are broken for security purposes")
		f.Suggestion = "Use SHA-256 or stronger"
		f.CWE = []string{"CWE-328"}
		f.OWASP = []string{"A02:2021"}
		f.Category = "security"

		return f, true

	case reTLSDisabled.MatchString(line):
		f := newFinding(securityName, file, lineNo, "tls-verify-disabled", analysis.SeverityCritical,
			"TLS certificate verification is disabled")
		f.Suggestion = "Enable certificate verification; pin a CA bundle if needed"
		f.CWE = []string{"CWE-295"}
		f.OWASP = []string{"A02:2021"}
		f.Category = "security"

		return f, true
	}

	return analysis.Finding{}, false
}
