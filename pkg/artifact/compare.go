package artifact

import (
	"fmt"
	"strings"

	"github.com/pmezard/go-difflib/difflib"
)

// Comparison guards. Configs past these sizes are not worth diffing
// interactively.
const (
	maxCompareBytes = 1024 * 1024 // per file
	maxCompareLines = 10000       // per input
	maxDiffLines    = 5000        // emitted
)

// CompareOptions control line normalization before diffing. Emitted diff
// lines always carry the original content.
type CompareOptions struct {
	IgnoreWhitespace bool
	IgnoreCase       bool
}

// DefaultCompareOptions returns the documented defaults
func DefaultCompareOptions() CompareOptions {
	return CompareOptions{IgnoreWhitespace: true, IgnoreCase: false}
}

// Change is one line of a diff hunk
type Change struct {
	Type    string `json:"type"` // added, removed, context
	Content string `json:"content"`
}

// Hunk is a contiguous block of changes introduced by an @@ header
type Hunk struct {
	Header  string   `json:"header"`
	Changes []Change `json:"changes"`
}

// Summary aggregates a comparison
type Summary struct {
	TotalChanges  int    `json:"total_changes"`
	AddedLines    int    `json:"added_lines"`
	RemovedLines  int    `json:"removed_lines"`
	ModifiedLines int    `json:"modified_lines"`
	HasChanges    bool   `json:"has_changes"`
	Error         string `json:"error,omitempty"`
}

// DiffReport is the full result of comparing two captures
type DiffReport struct {
	Summary Summary `json:"summary"`
	Hunks   []Hunk  `json:"diff_blocks"`
	RawDiff string  `json:"raw_diff"`
}

// QuickResult is the cheap line-count-only comparison
type QuickResult struct {
	Report   *DiffReport
	OldLines int
	NewLines int
}

// Compare reads both artifacts and returns their unified diff report
func (s *Store) Compare(pathA, pathB string, opts CompareOptions) (*DiffReport, error) {
	contentA, err := ReadArtifact(pathA)
	if err != nil {
		return nil, err
	}
	contentB, err := ReadArtifact(pathB)
	if err != nil {
		return nil, err
	}
	return CompareContent(contentA, contentB, opts), nil
}

// QuickCompare reads at most 1 MiB of each artifact and reports only the
// line-count delta
func (s *Store) QuickCompare(oldPath, newPath string) (*QuickResult, error) {
	contentA, err := ReadArtifactLimited(oldPath, maxCompareBytes)
	if err != nil {
		return nil, err
	}
	contentB, err := ReadArtifactLimited(newPath, maxCompareBytes)
	if err != nil {
		return nil, err
	}

	linesA := len(splitPlain(contentA))
	linesB := len(splitPlain(contentB))

	added, removed := linesB-linesA, 0
	if added < 0 {
		removed, added = -added, 0
	}

	return &QuickResult{
		Report: &DiffReport{
			Summary: Summary{
				TotalChanges: added + removed,
				AddedLines:   added,
				RemovedLines: removed,
				HasChanges:   linesA != linesB,
			},
			RawDiff: fmt.Sprintf("配置文件行数变化: %d -> %d", linesA, linesB),
		},
		OldLines: linesA,
		NewLines: linesB,
	}, nil
}

// CompareContent diffs two texts per the options and size guards
func CompareContent(contentA, contentB string, opts CompareOptions) *DiffReport {
	if len(contentA) > maxCompareBytes || len(contentB) > maxCompareBytes {
		return &DiffReport{Summary: Summary{Error: "too large"}}
	}

	linesA := splitPlain(contentA)
	linesB := splitPlain(contentB)
	if len(linesA) > maxCompareLines {
		linesA = linesA[:maxCompareLines]
	}
	if len(linesB) > maxCompareLines {
		linesB = linesB[:maxCompareLines]
	}

	// The matcher sees normalized lines; the emitted diff carries the
	// original content
	matchA, matchB := linesA, linesB
	if opts.IgnoreWhitespace || opts.IgnoreCase {
		matchA = normalizeLines(linesA, opts)
		matchB = normalizeLines(linesB, opts)
	}

	matcher := difflib.NewMatcher(matchA, matchB)
	groups := matcher.GetGroupedOpCodes(3)

	report := &DiffReport{}
	var raw []string
	emit := func(line string) bool {
		if len(raw) >= maxDiffLines {
			return false
		}
		raw = append(raw, line)
		return true
	}

	for gi, group := range groups {
		if gi == 0 {
			emit("--- 旧配置")
			emit("+++ 新配置")
		}

		first, last := group[0], group[len(group)-1]
		header := fmt.Sprintf("@@ -%s +%s @@",
			formatRange(first.I1, last.I2), formatRange(first.J1, last.J2))
		if !emit(header) {
			break
		}
		hunk := Hunk{Header: header}

		for _, op := range group {
			switch op.Tag {
			case 'e':
				for _, line := range linesA[op.I1:op.I2] {
					if emit(" " + line) {
						hunk.Changes = append(hunk.Changes, Change{Type: "context", Content: line})
					}
				}
			case 'r', 'd':
				for _, line := range linesA[op.I1:op.I2] {
					if emit("-" + line) {
						hunk.Changes = append(hunk.Changes, Change{Type: "removed", Content: line})
						report.Summary.RemovedLines++
					}
				}
				if op.Tag == 'd' {
					continue
				}
				fallthrough
			case 'i':
				for _, line := range linesB[op.J1:op.J2] {
					if emit("+" + line) {
						hunk.Changes = append(hunk.Changes, Change{Type: "added", Content: line})
						report.Summary.AddedLines++
					}
				}
			}
		}
		report.Hunks = append(report.Hunks, hunk)
	}

	// Paired add/remove lines count as modifications
	report.Summary.ModifiedLines = min(report.Summary.AddedLines, report.Summary.RemovedLines)
	report.Summary.AddedLines -= report.Summary.ModifiedLines
	report.Summary.RemovedLines -= report.Summary.ModifiedLines
	report.Summary.TotalChanges = len(raw)
	report.Summary.HasChanges = len(raw) > 0
	report.RawDiff = strings.Join(raw, "\n")
	return report
}

// formatRange renders a hunk range the way unified diff headers do
func formatRange(start, stop int) string {
	beginning := start + 1
	length := stop - start
	if length == 1 {
		return fmt.Sprintf("%d", beginning)
	}
	if length == 0 {
		beginning--
	}
	return fmt.Sprintf("%d,%d", beginning, length)
}

func splitPlain(content string) []string {
	content = strings.ReplaceAll(content, "\r\n", "\n")
	content = strings.TrimSuffix(content, "\n")
	if content == "" {
		return nil
	}
	return strings.Split(content, "\n")
}

func normalizeLines(lines []string, opts CompareOptions) []string {
	out := make([]string, len(lines))
	for i, line := range lines {
		if opts.IgnoreWhitespace {
			line = strings.TrimRight(line, " \t")
			indent := line[:len(line)-len(strings.TrimLeft(line, " \t"))]
			line = indent + strings.Join(strings.Fields(line), " ")
		}
		if opts.IgnoreCase {
			line = strings.ToLower(line)
		}
		out[i] = line
	}
	return out
}
