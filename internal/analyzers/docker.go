package analyzers

import (
	"context"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/Sumatoshi-tech/peer/internal/analysis"
)

// dockerName is the registry name of the Dockerfile analyzer.
const dockerName = "docker"

var (
	reFromLatest = regexp.MustCompile(`(?i)^FROM\s+\S+:latest\b`)
	reFromNoTag  = regexp.MustCompile(`(?i)^FROM\s+[^\s:@]+\s*(AS\s+\w+)?\s*$`)
	reAddLocal   = regexp.MustCompile(`(?i)^ADD\s+[^-\s]\S*`)
	reUserRoot   = regexp.MustCompile(`(?i)^USER\s+root\b`)
	reHealth     = regexp.MustCompile(`(?i)^HEALTHCHECK\b`)
)

// Docker flags unpinned base images, ADD where COPY suffices, running as
// root, and a missing HEALTHCHECK in Dockerfiles. HEALTHCHECK presence is a
// file-level property and is evaluated once per file at line 1.
type Docker struct{}

// NewDocker creates the Dockerfile analyzer.
func NewDocker() *Docker { return &Docker{} }

// Name implements analysis.Analyzer.
func (d *Docker) Name() string { return dockerName }

// Analyze implements analysis.Analyzer.
func (d *Docker) Analyze(ctx context.Context, workdir string, files []string) ([]analysis.Finding, error) {
	var findings []analysis.Finding

	for _, file := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if !isDockerfile(file) {
			continue
		}

		lines, ok := readLines(workdir, file)
		if !ok {
			continue
		}

		findings = append(findings, d.scanFile(file, lines)...)
	}

	return findings, nil
}

// isDockerfile matches Dockerfile, Dockerfile.<stage>, and *.dockerfile.
func isDockerfile(file string) bool {
	base := strings.ToLower(filepath.Base(file))

	return base == "dockerfile" ||
		strings.HasPrefix(base, "dockerfile.") ||
		strings.HasSuffix(base, ".dockerfile")
}

func (d *Docker) scanFile(file string, lines []string) []analysis.Finding {
	var findings []analysis.Finding

	sawHealthcheck := false

	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}

		lineNo := i + 1

		if reHealth.MatchString(trimmed) {
			sawHealthcheck = true
		}

		if reFromLatest.MatchString(trimmed) || reFromNoTag.MatchString(trimmed) {
			f := newFinding(dockerName, file, lineNo, "unpinned-base-image", analysis.SeverityMedium,
				"Base image is not pinned to a version")
			f.Suggestion = "Pin the base image to a specific tag or digest"
			f.CodeSnippet = snippet(line)
			f.Category = "docker"
			findings = append(findings, f)
		}

		if reAddLocal.MatchString(trimmed) && !strings.Contains(trimmed, "http") && !isArchive(trimmed) {
			f := newFinding(dockerName, file, lineNo, "add-instead-of-copy", analysis.SeverityLow,
				"ADD used where COPY suffices")
			f.Suggestion = "Use COPY for plain files; ADD only for archives and URLs"
			f.CodeSnippet = snippet(line)
			f.Category = "docker"
			findings = append(findings, f)
		}

		if reUserRoot.MatchString(trimmed) {
			f := newFinding(dockerName, file, lineNo, "container-root-user", analysis.SeverityHigh,
				"Container runs as root")
			f.Suggestion = "Create and switch to an unprivileged user"
			f.CodeSnippet = snippet(line)
			f.CWE = []string{"CWE-250"}
			f.Category = "docker"
			findings = append(findings, f)
		}
	}

	if !sawHealthcheck {
		f := newFinding(dockerName, file, 1, "missing-healthcheck", analysis.SeverityLow,
			"Dockerfile has no HEALTHCHECK instruction")
		f.Suggestion = "Add a HEALTHCHECK so orchestrators can detect a wedged container"
		f.Category = "docker"
		findings = append(findings, f)
	}

	return findings
}

// isArchive reports whether an ADD source is an archive, where ADD's
// auto-extraction is intended.
func isArchive(line string) bool {
	for _, ext := range []string{".tar", ".tar.gz", ".tgz", ".tar.bz2", ".tar.xz", ".zip"} {
		if strings.Contains(line, ext) {
			return true
		}
	}

	return false
}
