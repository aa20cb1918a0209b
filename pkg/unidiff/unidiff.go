// Package unidiff computes line-based unified diffs between two versions of
// a file. It produces the minimal hunk set with standard @@ headers used in
// patch previews and PR bodies.
package unidiff

import (
	"fmt"
	"strings"
	"time"

	"github.com/sergi/go-diff/diffmatchpatch"
)

const (
	// contextLines is the number of unchanged lines shown around each change.
	contextLines = 3

	// diffTimeout bounds the diff computation for pathological inputs.
	diffTimeout = time.Second
)

// Hunk is one contiguous change region in a unified diff.
type Hunk struct {
	// OldStart is the 1-based first line of the hunk in the old file.
	// Zero when the hunk is a pure insertion into an empty region.
	OldStart int

	// OldCount is the number of old-file lines the hunk spans.
	OldCount int

	// NewStart is the 1-based first line of the hunk in the new file.
	NewStart int

	// NewCount is the number of new-file lines the hunk spans.
	NewCount int

	// Lines are the hunk body lines, each prefixed with ' ', '-', or '+'.
	Lines []string
}

type lineOp struct {
	kind byte // ' ', '-', '+'
	text string
}

// Compute returns the hunks describing how oldText becomes newText.
// Identical inputs yield no hunks.
func Compute(oldText, newText string) []Hunk {
	if oldText == newText {
		return nil
	}

	ops := diffOps(oldText, newText)

	return assembleHunks(ops)
}

// Format renders hunks as a unified diff with ---/+++ file headers.
// An empty hunk set renders as an empty string.
func Format(path string, hunks []Hunk) string {
	if len(hunks) == 0 {
		return ""
	}

	var sb strings.Builder

	fmt.Fprintf(&sb, "--- a/%s\n", path)
	fmt.Fprintf(&sb, "+++ b/%s\n", path)

	for _, h := range hunks {
		fmt.Fprintf(&sb, "@@ -%d,%d +%d,%d @@\n", h.OldStart, h.OldCount, h.NewStart, h.NewCount)

		for _, line := range h.Lines {
			sb.WriteString(line)
			sb.WriteByte('\n')
		}
	}

	return sb.String()
}

// Unified computes and renders the unified diff of a single file.
func Unified(path, oldText, newText string) string {
	return Format(path, Compute(oldText, newText))
}

// diffOps runs a line-mode diff and flattens it into per-line operations.
func diffOps(oldText, newText string) []lineOp {
	dmp := diffmatchpatch.New()
	dmp.DiffTimeout = diffTimeout

	src, dst, lineArray := dmp.DiffLinesToRunes(oldText, newText)
	diffs := dmp.DiffMainRunes(src, dst, false)
	diffs = dmp.DiffCharsToLines(diffs, lineArray)

	var ops []lineOp

	for _, d := range diffs {
		kind := byte(' ')

		switch d.Type {
		case diffmatchpatch.DiffDelete:
			kind = '-'
		case diffmatchpatch.DiffInsert:
			kind = '+'
		case diffmatchpatch.DiffEqual:
		}

		for _, line := range splitLines(d.Text) {
			ops = append(ops, lineOp{kind: kind, text: line})
		}
	}

	return ops
}

// assembleHunks groups change ops into hunks with surrounding context,
// merging changes whose context regions would overlap.
func assembleHunks(ops []lineOp) []Hunk {
	changed := changedIndices(ops)
	if len(changed) == 0 {
		return nil
	}

	groups := groupIndices(changed, 2*contextLines)
	oldLines, newLines := lineNumbers(ops)

	hunks := make([]Hunk, 0, len(groups))

	for _, g := range groups {
		start := max(g[0]-contextLines, 0)
		end := min(g[1]+contextLines, len(ops)-1)

		hunk := Hunk{
			OldStart: oldLines[start],
			NewStart: newLines[start],
		}

		for i := start; i <= end; i++ {
			op := ops[i]
			hunk.Lines = append(hunk.Lines, string(op.kind)+op.text)

			if op.kind != '+' {
				hunk.OldCount++
			}

			if op.kind != '-' {
				hunk.NewCount++
			}
		}

		// Pure insertions and deletions anchor to the preceding line.
		if hunk.OldCount == 0 {
			hunk.OldStart--
		}

		if hunk.NewCount == 0 {
			hunk.NewStart--
		}

		hunks = append(hunks, hunk)
	}

	return hunks
}

// changedIndices returns the op indices holding '-' or '+' operations.
func changedIndices(ops []lineOp) []int {
	var idx []int

	for i, op := range ops {
		if op.kind != ' ' {
			idx = append(idx, i)
		}
	}

	return idx
}

// groupIndices merges sorted indices whose gaps are within maxGap into
// [first,last] ranges.
func groupIndices(indices []int, maxGap int) [][2]int {
	var groups [][2]int

	start, prev := indices[0], indices[0]

	for _, i := range indices[1:] {
		if i-prev > maxGap {
			groups = append(groups, [2]int{start, prev})
			start = i
		}

		prev = i
	}

	return append(groups, [2]int{start, prev})
}

// lineNumbers computes the 1-based old and new line number at each op index.
func lineNumbers(ops []lineOp) (oldLines, newLines []int) {
	oldLines = make([]int, len(ops))
	newLines = make([]int, len(ops))

	oldN, newN := 1, 1

	for i, op := range ops {
		oldLines[i] = oldN
		newLines[i] = newN

		if op.kind != '+' {
			oldN++
		}

		if op.kind != '-' {
			newN++
		}
	}

	return oldLines, newLines
}

// splitLines splits text into lines without trailing newlines. A trailing
// newline does not produce an empty final line.
func splitLines(text string) []string {
	if text == "" {
		return nil
	}

	lines := strings.Split(text, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}

	return lines
}
