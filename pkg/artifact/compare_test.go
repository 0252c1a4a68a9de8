package artifact

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func lines(n int, prefix string) string {
	var b strings.Builder
	for i := 0; i < n; i++ {
		fmt.Fprintf(&b, "%s line %d\n", prefix, i)
	}
	return b.String()
}

func TestCompareContentIdentical(t *testing.T) {
	content := "hostname R1\ninterface Gi0/0\n ip address 10.0.0.1 255.255.255.0\n"
	report := CompareContent(content, content, DefaultCompareOptions())

	if report.Summary.HasChanges {
		t.Error("identical content reported changes")
	}
	if report.Summary.TotalChanges != 0 {
		t.Errorf("total_changes = %d, want 0", report.Summary.TotalChanges)
	}
	if len(report.Hunks) != 0 {
		t.Errorf("hunks = %d, want 0", len(report.Hunks))
	}
	if report.RawDiff != "" {
		t.Errorf("raw_diff = %q, want empty", report.RawDiff)
	}
}

func TestCompareContentAddedOnly(t *testing.T) {
	a := "hostname R1\n"
	b := "hostname R1\nntp server 10.0.0.5\n"
	report := CompareContent(a, b, DefaultCompareOptions())

	s := report.Summary
	if !s.HasChanges {
		t.Fatal("expected changes")
	}
	if s.AddedLines != 1 || s.RemovedLines != 0 || s.ModifiedLines != 0 {
		t.Errorf("summary = +%d -%d ~%d, want +1 -0 ~0", s.AddedLines, s.RemovedLines, s.ModifiedLines)
	}
	if !strings.Contains(report.RawDiff, "--- 旧配置") || !strings.Contains(report.RawDiff, "+++ 新配置") {
		t.Errorf("raw_diff missing file headers: %q", report.RawDiff)
	}
	if !strings.Contains(report.RawDiff, "+ntp server 10.0.0.5") {
		t.Errorf("raw_diff missing added line: %q", report.RawDiff)
	}
}

func TestCompareContentModifiedCounting(t *testing.T) {
	// one replaced line pairs one + with one -, a second + stays added
	a := "hostname R1\nsnmp-server community public\n"
	b := "hostname R2\nsnmp-server community public\nntp server 10.0.0.5\n"
	report := CompareContent(a, b, DefaultCompareOptions())

	s := report.Summary
	if s.ModifiedLines != 1 {
		t.Errorf("modified_lines = %d, want 1", s.ModifiedLines)
	}
	if s.AddedLines != 1 {
		t.Errorf("added_lines = %d, want 1", s.AddedLines)
	}
	if s.RemovedLines != 0 {
		t.Errorf("removed_lines = %d, want 0", s.RemovedLines)
	}
}

func TestCompareContentHunks(t *testing.T) {
	a := lines(20, "ctx") + "old tail\n"
	b := lines(20, "ctx") + "new tail\n"
	report := CompareContent(a, b, DefaultCompareOptions())

	if len(report.Hunks) != 1 {
		t.Fatalf("hunks = %d, want 1", len(report.Hunks))
	}
	hunk := report.Hunks[0]
	if !strings.HasPrefix(hunk.Header, "@@ -") {
		t.Errorf("hunk header = %q", hunk.Header)
	}

	var tags []string
	for _, ch := range hunk.Changes {
		tags = append(tags, ch.Type)
	}
	// three context lines either side of the replacement
	want := []string{"context", "context", "context", "removed", "added"}
	if len(tags) != len(want) {
		t.Fatalf("changes = %v", tags)
	}
	for i := range want {
		if tags[i] != want[i] {
			t.Errorf("change[%d] = %s, want %s", i, tags[i], want[i])
		}
	}
}

func TestCompareContentSizeGuard(t *testing.T) {
	big := strings.Repeat("x", maxCompareBytes+1)
	report := CompareContent(big, "small\n", DefaultCompareOptions())

	if report.Summary.Error == "" {
		t.Fatal("expected guard error")
	}
	if report.Summary.HasChanges {
		t.Error("guarded compare reported changes")
	}
}

func TestCompareContentInputLineGuard(t *testing.T) {
	// identical beyond the 10,000 line cap: the tail difference is invisible
	a := lines(maxCompareLines, "same") + "only in a\n"
	b := lines(maxCompareLines, "same") + "only in b\n"
	report := CompareContent(a, b, DefaultCompareOptions())

	if report.Summary.HasChanges {
		t.Errorf("difference past the line cap leaked into the report: %+v", report.Summary)
	}
}

func TestCompareContentOutputTruncation(t *testing.T) {
	a := ""
	b := lines(maxDiffLines+500, "new")
	report := CompareContent(a, b, DefaultCompareOptions())

	if got := len(strings.Split(report.RawDiff, "\n")); got > maxDiffLines {
		t.Errorf("raw diff lines = %d, want <= %d", got, maxDiffLines)
	}
	if report.Summary.AddedLines > maxDiffLines {
		t.Errorf("added_lines = %d past the output cap", report.Summary.AddedLines)
	}
}

func TestCompareContentIgnoreWhitespace(t *testing.T) {
	a := "interface Gi0/0\n description  uplink\t\n"
	b := "interface Gi0/0\n description uplink\n"

	if r := CompareContent(a, b, CompareOptions{IgnoreWhitespace: true}); r.Summary.HasChanges {
		t.Errorf("whitespace-only delta reported: %q", r.RawDiff)
	}
	if r := CompareContent(a, b, CompareOptions{}); !r.Summary.HasChanges {
		t.Error("exact compare missed the whitespace delta")
	}

	// leading indentation is significant either way
	c := "interface Gi0/0\ndescription uplink\n"
	if r := CompareContent(b, c, CompareOptions{IgnoreWhitespace: true}); !r.Summary.HasChanges {
		t.Error("indentation change not detected")
	}
}

func TestCompareContentIgnoreCase(t *testing.T) {
	a := "Hostname R1\n"
	b := "hostname r1\n"

	if r := CompareContent(a, b, CompareOptions{IgnoreCase: true}); r.Summary.HasChanges {
		t.Error("case-only delta reported with IgnoreCase")
	}
	if r := CompareContent(a, b, CompareOptions{}); !r.Summary.HasChanges {
		t.Error("case delta missed without IgnoreCase")
	}
}

func TestCompareReadsArtifacts(t *testing.T) {
	dir := t.TempDir()
	pa := filepath.Join(dir, "a.txt")
	pb := filepath.Join(dir, "b.txt")
	os.WriteFile(pa, []byte("hostname R1\n"), 0644)
	os.WriteFile(pb, []byte("hostname R2\n"), 0644)

	s := NewStore(dir, false, staticPrior{})
	report, err := s.Compare(pa, pb, DefaultCompareOptions())
	if err != nil {
		t.Fatalf("Compare() error = %v", err)
	}
	if report.Summary.ModifiedLines != 1 {
		t.Errorf("modified_lines = %d, want 1", report.Summary.ModifiedLines)
	}

	if _, err := s.Compare(pa, filepath.Join(dir, "missing.txt"), DefaultCompareOptions()); err == nil {
		t.Error("Compare() with missing artifact did not fail")
	}
}

func TestQuickCompare(t *testing.T) {
	dir := t.TempDir()
	oldPath := filepath.Join(dir, "old.txt")
	newPath := filepath.Join(dir, "new.txt")
	os.WriteFile(oldPath, []byte(lines(100, "cfg")), 0644)
	os.WriteFile(newPath, []byte(lines(120, "cfg")), 0644)

	s := NewStore(dir, false, staticPrior{})
	res, err := s.QuickCompare(oldPath, newPath)
	if err != nil {
		t.Fatalf("QuickCompare() error = %v", err)
	}

	if res.OldLines != 100 || res.NewLines != 120 {
		t.Errorf("line counts = %d -> %d, want 100 -> 120", res.OldLines, res.NewLines)
	}
	sum := res.Report.Summary
	if sum.AddedLines != 20 || sum.RemovedLines != 0 || sum.ModifiedLines != 0 {
		t.Errorf("summary = +%d -%d ~%d, want +20 -0 ~0", sum.AddedLines, sum.RemovedLines, sum.ModifiedLines)
	}
	if !sum.HasChanges {
		t.Error("has_changes = false")
	}
	if res.Report.RawDiff != "配置文件行数变化: 100 -> 120" {
		t.Errorf("raw_diff = %q", res.Report.RawDiff)
	}
}

func TestQuickCompareShrink(t *testing.T) {
	dir := t.TempDir()
	oldPath := filepath.Join(dir, "old.txt")
	newPath := filepath.Join(dir, "new.txt")
	os.WriteFile(oldPath, []byte(lines(50, "cfg")), 0644)
	os.WriteFile(newPath, []byte(lines(30, "cfg")), 0644)

	s := NewStore(dir, false, staticPrior{})
	res, err := s.QuickCompare(oldPath, newPath)
	if err != nil {
		t.Fatalf("QuickCompare() error = %v", err)
	}
	sum := res.Report.Summary
	if sum.AddedLines != 0 || sum.RemovedLines != 20 {
		t.Errorf("summary = +%d -%d, want +0 -20", sum.AddedLines, sum.RemovedLines)
	}
}
