package autofix_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sumatoshi-tech/peer/internal/autofix"
)

func TestTransformHTTPS(t *testing.T) {
	t.Parallel()

	tr, ok := autofix.TransformerFor("http-not-https")
	require.True(t, ok)

	fixed := tr(`const url = "http://api.example.com"`)
	require.NotNil(t, fixed)
	assert.Equal(t, `const url = "https://api.example.com"`, fixed.InsertedLine)

	assert.Nil(t, tr(`const url = "https://api.example.com"`), "already https")
}

func TestTransformAwait(t *testing.T) {
	t.Parallel()

	tr, ok := autofix.TransformerFor("missing-await-async-call")
	require.True(t, ok)

	fixed := tr("  const data = fetch(url)")
	require.NotNil(t, fixed)
	assert.Equal(t, "  const data = await fetch(url)", fixed.InsertedLine)
	assert.True(t, fixed.RequiresAsync)

	assert.Nil(t, tr("  const data = await fetch(url)"), "already awaited")
}

func TestTransformNoVar(t *testing.T) {
	t.Parallel()

	tr, ok := autofix.TransformerFor("no-var")
	require.True(t, ok)

	fixed := tr("  var count = 0")
	require.NotNil(t, fixed)
	assert.Equal(t, "  let count = 0", fixed.InsertedLine)

	assert.Nil(t, tr("  let count = 0"))
	assert.Nil(t, tr("  const variable = 0"), "var inside an identifier does not match")
}

func TestTransformLooseEquality(t *testing.T) {
	t.Parallel()

	tr, ok := autofix.TransformerFor("loose-equality")
	require.True(t, ok)

	fixed := tr("if (a == b) {")
	require.NotNil(t, fixed)
	assert.Equal(t, "if (a === b) {", fixed.InsertedLine)

	fixed = tr("if (a != b) {")
	require.NotNil(t, fixed)
	assert.Equal(t, "if (a !== b) {", fixed.InsertedLine)

	assert.Nil(t, tr("if (a === b) {"), "strict equality untouched")
	assert.Nil(t, tr("if (a !== b) {"))
}

func TestTransformConsoleLog(t *testing.T) {
	t.Parallel()

	tr, ok := autofix.TransformerFor("console-log-remove")
	require.True(t, ok)

	fixed := tr(`  console.log("debug")`)
	require.NotNil(t, fixed)
	assert.Empty(t, fixed.InsertedLine, "the line is only commented out")
}

func TestFrameFixMarkers(t *testing.T) {
	t.Parallel()

	tr, _ := autofix.TransformerFor("no-var")
	original := "  var x = 1"

	lines := autofix.FrameFix("app.js", original, "no-var", tr(original))
	require.Len(t, lines, 4)

	assert.Contains(t, lines[0], "peer:fix begin no-var")
	assert.Contains(t, lines[1], "var x = 1")
	assert.Equal(t, "  let x = 1", lines[2])
	assert.Contains(t, lines[3], "peer:fix end")

	for _, line := range []string{lines[0], lines[1], lines[3]} {
		assert.Contains(t, line, "//", "js files use line comments")
	}
}

func TestFrameFixPythonComments(t *testing.T) {
	t.Parallel()

	tr, _ := autofix.TransformerFor("http-not-https")
	original := `url = "http://x.test"`

	lines := autofix.FrameFix("app.py", original, "http-not-https", tr(original))
	require.Len(t, lines, 4)
	assert.Contains(t, lines[0], "# ")
}

func TestSkipReason(t *testing.T) {
	t.Parallel()

	cases := []struct {
		path string
		skip bool
	}{
		{"README.md", true},
		{"LICENSE", true},
		{"package-lock.json", true},
		{".env", true},
		{"logo.png", true},
		{"bundle.min.js", true},
		{"src/app.js", false},
		{"main.py", false},
	}

	for _, tc := range cases {
		_, skipped := autofix.SkipReason(tc.path, nil)
		assert.Equal(t, tc.skip, skipped, tc.path)
	}

	reason, skipped := autofix.SkipReason("blob.dat", []byte{0x00, 0x01, 0xff})
	assert.True(t, skipped)
	assert.Equal(t, "binary content", reason)
}

func TestEOLHelpers(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "\r\n", autofix.DetectEOL("a\r\nb\r\n"))
	assert.Equal(t, "\n", autofix.DetectEOL("a\nb\n"))
	assert.Equal(t, "\n", autofix.DetectEOL(""))

	assert.Equal(t, "a\r\nb", autofix.NormalizeEOL("a\nb", "\r\n"))
	assert.Equal(t, "a\nb", autofix.NormalizeEOL("a\r\nb", "\n"))
}

func TestBranchNameRoundTrip(t *testing.T) {
	t.Parallel()

	branch := autofix.BranchName("run-abc", testTime())
	assert.Contains(t, branch, "peer/autofix/run-abc-")

	runID, ok := autofix.RunIDFromBranch(branch)
	require.True(t, ok)
	assert.Equal(t, "run-abc", runID, "hyphenated run ids survive the timestamp suffix")
}

func testTime() time.Time {
	return time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
}

func TestRunIDFromBranchRejectsOtherHeads(t *testing.T) {
	t.Parallel()

	_, ok := autofix.RunIDFromBranch("feature/cool-stuff")
	assert.False(t, ok)
}
