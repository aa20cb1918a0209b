package autofix

import (
	"crypto/sha1" //nolint:gosec // line checksums, not security
	"encoding/hex"
	"path/filepath"
	"strings"

	"github.com/src-d/enry/v2"
)

// skippedBasenames are files never fixed regardless of content.
var skippedBasenames = map[string]string{
	"readme.md":         "documentation",
	"readme":            "documentation",
	"license":           "license file",
	"license.md":        "license file",
	"license.txt":       "license file",
	"changelog.md":      "documentation",
	"package-lock.json": "lockfile",
	"yarn.lock":         "lockfile",
	"pnpm-lock.yaml":    "lockfile",
	"go.sum":            "lockfile",
	"cargo.lock":        "lockfile",
	"poetry.lock":       "lockfile",
	"gemfile.lock":      "lockfile",
}

// skippedExtensions are binary and media formats.
var skippedExtensions = map[string]string{
	".png":    "binary media",
	".jpg":    "binary media",
	".jpeg":   "binary media",
	".gif":    "binary media",
	".ico":    "binary media",
	".svg":    "binary media",
	".webp":   "binary media",
	".pdf":    "binary media",
	".zip":    "binary archive",
	".gz":     "binary archive",
	".tar":    "binary archive",
	".woff":   "binary font",
	".woff2":  "binary font",
	".ttf":    "binary font",
	".eot":    "binary font",
	".mp4":    "binary media",
	".mp3":    "binary media",
	".min.js": "minified bundle",
}

// SkipReason reports whether a file is excluded from fixing and why.
// Content may be nil when only the name is known.
func SkipReason(path string, content []byte) (string, bool) {
	base := strings.ToLower(filepath.Base(path))

	if reason, ok := skippedBasenames[base]; ok {
		return reason, true
	}

	if strings.HasPrefix(base, ".") {
		return "dotfile", true
	}

	for suffix, reason := range skippedExtensions {
		if strings.HasSuffix(base, suffix) {
			return reason, true
		}
	}

	if content != nil && enry.IsBinary(content) {
		return "binary content", true
	}

	return "", false
}

// DetectEOL reports the dominant line ending of text, defaulting to "\n".
func DetectEOL(text string) string {
	if strings.Contains(text, "\r\n") {
		return "\r\n"
	}

	return "\n"
}

// NormalizeEOL converts text from \n line endings to the recorded eol.
func NormalizeEOL(text, eol string) string {
	if eol == "\r\n" {
		return strings.ReplaceAll(strings.ReplaceAll(text, "\r\n", "\n"), "\n", "\r\n")
	}

	return strings.ReplaceAll(text, "\r\n", "\n")
}

// LineChecksum is the sha1 hex digest of a source line, used to verify the
// file has not drifted between preview and apply.
func LineChecksum(line string) string {
	sum := sha1.Sum([]byte(line)) //nolint:gosec // drift detection only

	return hex.EncodeToString(sum[:])
}
