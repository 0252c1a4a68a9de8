package artifact

import (
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/netsnap/netsnap/pkg/log"
	"github.com/netsnap/netsnap/pkg/types"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel})
}

// staticPrior serves a fixed prior task, or not-found
type staticPrior struct {
	task *types.BackupTask
}

func (p staticPrior) PriorSuccessfulTask(deviceID, excludeTaskID int64) (*types.BackupTask, error) {
	if p.task == nil {
		return nil, types.ErrNotFound
	}
	return p.task, nil
}

func testStore(t *testing.T, compress bool, prior PriorTaskSource) *Store {
	t.Helper()
	if prior == nil {
		prior = staticPrior{}
	}
	return NewStore(t.TempDir(), compress, prior)
}

func TestPathDeterminism(t *testing.T) {
	s := NewStore("backups", false, staticPrior{})
	ts := time.Date(2025, 10, 22, 14, 30, 5, 0, time.UTC)

	tests := []struct {
		dev  *types.Device
		cmd  string
		want string
	}{
		{
			dev:  &types.Device{Alias: "R1", IPAddress: "10.0.0.2"},
			cmd:  "show running-config",
			want: filepath.Join("backups", "R1", "20251022_143005_show_running_config.txt"),
		},
		{
			dev:  &types.Device{IPAddress: "10.0.0.3"},
			cmd:  "show version",
			want: filepath.Join("backups", "10.0.0.3", "20251022_143005_show_version.txt"),
		},
		{
			dev:  &types.Device{IPAddress: "2001:db8::1"},
			cmd:  "show startup-config",
			want: filepath.Join("backups", "2001_db8__1", "20251022_143005_show_startup_config.txt"),
		},
	}

	for _, tt := range tests {
		if got := s.Path(tt.dev, ts, tt.cmd); got != tt.want {
			t.Errorf("Path() = %q, want %q", got, tt.want)
		}
		// pure function of its inputs
		if again := s.Path(tt.dev, ts, tt.cmd); again != tt.want {
			t.Errorf("Path() not deterministic: %q", again)
		}
	}
}

func TestPersist(t *testing.T) {
	s := testStore(t, false, nil)
	dev := &types.Device{ID: 1, Alias: "R1", IPAddress: "10.0.0.2"}
	task := &types.BackupTask{ID: 7, Command: "show version", StartedAt: time.Now()}
	content := "Cisco IOS Software, Version 15.1\n"

	path, size, sum, err := s.Persist(dev, task, content)
	if err != nil {
		t.Fatalf("Persist() error = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile(%s) error = %v", path, err)
	}
	if string(data) != content {
		t.Errorf("artifact content = %q, want %q", data, content)
	}
	if size != int64(len(content)) {
		t.Errorf("size = %d, want %d", size, len(content))
	}

	want := sha256.Sum256([]byte(content))
	if sum != hex.EncodeToString(want[:]) {
		t.Errorf("sha256 = %s, want %s", sum, hex.EncodeToString(want[:]))
	}
}

func TestPersistSameSecondKeepsBothArtifacts(t *testing.T) {
	s := testStore(t, false, nil)
	dev := &types.Device{ID: 1, Alias: "R1", IPAddress: "10.0.0.2"}
	ts := time.Date(2025, 10, 22, 14, 30, 5, 0, time.UTC)

	first := &types.BackupTask{ID: 7, Command: "show running-config", StartedAt: ts}
	second := &types.BackupTask{ID: 8, Command: "show running-config", StartedAt: ts}

	firstPath, _, firstSum, err := s.Persist(dev, first, "hostname R1\nntp server 10.0.0.1\n")
	if err != nil {
		t.Fatalf("Persist() first error = %v", err)
	}
	secondPath, _, _, err := s.Persist(dev, second, "hostname R1\nntp server 10.0.0.2\n")
	if err != nil {
		t.Fatalf("Persist() second error = %v", err)
	}

	if secondPath == firstPath {
		t.Fatalf("same-second captures share path %q", firstPath)
	}
	if !strings.HasSuffix(secondPath, "_2.txt") {
		t.Errorf("second path = %q, want _2.txt suffix", secondPath)
	}

	// the first capture is untouched and still matches its recorded hash
	data, err := os.ReadFile(firstPath)
	if err != nil {
		t.Fatalf("ReadFile(%s) error = %v", firstPath, err)
	}
	got := sha256.Sum256(data)
	if hex.EncodeToString(got[:]) != firstSum {
		t.Errorf("first artifact rewritten: sha %s, recorded %s", hex.EncodeToString(got[:]), firstSum)
	}
	if string(data) != "hostname R1\nntp server 10.0.0.1\n" {
		t.Errorf("first artifact content = %q", data)
	}

	third := &types.BackupTask{ID: 9, Command: "show running-config", StartedAt: ts}
	thirdPath, _, _, err := s.Persist(dev, third, "hostname R1\n")
	if err != nil {
		t.Fatalf("Persist() third error = %v", err)
	}
	if !strings.HasSuffix(thirdPath, "_3.txt") {
		t.Errorf("third path = %q, want _3.txt suffix", thirdPath)
	}
}

func TestPersistSameSecondCompressed(t *testing.T) {
	s := testStore(t, true, nil)
	dev := &types.Device{ID: 1, Alias: "R1", IPAddress: "10.0.0.2"}
	ts := time.Date(2025, 10, 22, 14, 30, 5, 0, time.UTC)

	firstPath, _, _, err := s.Persist(dev, &types.BackupTask{ID: 7, Command: "show version", StartedAt: ts}, "v1\n")
	if err != nil {
		t.Fatalf("Persist() first error = %v", err)
	}
	secondPath, _, _, err := s.Persist(dev, &types.BackupTask{ID: 8, Command: "show version", StartedAt: ts}, "v2\n")
	if err != nil {
		t.Fatalf("Persist() second error = %v", err)
	}

	// the occupied path is detected through the .gz suffix
	if secondPath == firstPath {
		t.Fatalf("same-second compressed captures share path %q", firstPath)
	}
	if !strings.HasSuffix(secondPath, "_2.txt.gz") {
		t.Errorf("second path = %q, want _2.txt.gz suffix", secondPath)
	}
	if got, err := ReadArtifact(firstPath); err != nil || got != "v1\n" {
		t.Errorf("first artifact = %q, %v; want v1", got, err)
	}
}

func TestPersistCompressed(t *testing.T) {
	s := testStore(t, true, nil)
	dev := &types.Device{ID: 1, Alias: "R1", IPAddress: "10.0.0.2"}
	task := &types.BackupTask{ID: 7, Command: "show running-config", StartedAt: time.Now()}
	content := strings.Repeat("interface GigabitEthernet0/0\n no shutdown\n", 100)

	path, _, sum, err := s.Persist(dev, task, content)
	if err != nil {
		t.Fatalf("Persist() error = %v", err)
	}
	if !strings.HasSuffix(path, ".txt.gz") {
		t.Errorf("path = %q, want .txt.gz suffix", path)
	}

	// the plain file must be gone
	if _, err := os.Stat(strings.TrimSuffix(path, ".gz")); !os.IsNotExist(err) {
		t.Error("uncompressed file still present")
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer f.Close()
	gr, err := gzip.NewReader(f)
	if err != nil {
		t.Fatalf("gzip.NewReader() error = %v", err)
	}
	round, err := io.ReadAll(gr)
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	if string(round) != content {
		t.Error("gzip round-trip mismatch")
	}

	// hash covers the uncompressed content
	want := sha256.Sum256([]byte(content))
	if sum != hex.EncodeToString(want[:]) {
		t.Errorf("sha256 = %s, want hash of plain content", sum)
	}

	got, err := ReadArtifact(path)
	if err != nil {
		t.Fatalf("ReadArtifact() error = %v", err)
	}
	if got != content {
		t.Error("ReadArtifact() did not decompress transparently")
	}
}

func TestDiffAgainstPrior(t *testing.T) {
	dir := t.TempDir()
	prevPath := filepath.Join(dir, "prev.txt")
	currPath := filepath.Join(dir, "curr.txt")
	os.WriteFile(prevPath, []byte("hostname R1\nip domain lookup\n"), 0644)
	os.WriteFile(currPath, []byte("hostname R1\nno ip domain lookup\n"), 0644)

	prior := staticPrior{task: &types.BackupTask{ID: 1, Status: types.TaskStatusSuccess, ArtifactPath: prevPath}}
	s := NewStore(dir, false, prior)

	dev := &types.Device{ID: 1}
	task := &types.BackupTask{ID: 2, ArtifactPath: currPath}
	if err := s.Diff(dev, task); err != nil {
		t.Fatalf("Diff() error = %v", err)
	}

	diffPath := filepath.Join(dir, "curr.diff")
	data, err := os.ReadFile(diffPath)
	if err != nil {
		t.Fatalf("expected diff file at %s: %v", diffPath, err)
	}
	text := string(data)
	if !strings.Contains(text, "previous_prev.txt") || !strings.Contains(text, "current_curr.txt") {
		t.Errorf("diff labels missing: %q", text)
	}
	if !strings.Contains(text, "-ip domain lookup") || !strings.Contains(text, "+no ip domain lookup") {
		t.Errorf("diff body missing changes: %q", text)
	}
}

func TestDiffNoPriorIsNoop(t *testing.T) {
	dir := t.TempDir()
	currPath := filepath.Join(dir, "curr.txt")
	os.WriteFile(currPath, []byte("hostname R1\n"), 0644)

	s := NewStore(dir, false, staticPrior{})
	if err := s.Diff(&types.Device{ID: 1}, &types.BackupTask{ID: 2, ArtifactPath: currPath}); err != nil {
		t.Fatalf("Diff() error = %v", err)
	}

	entries, _ := filepath.Glob(filepath.Join(dir, "*.diff"))
	if len(entries) != 0 {
		t.Errorf("diff files written with no prior: %v", entries)
	}
}

func TestDiffIdenticalWritesNothing(t *testing.T) {
	dir := t.TempDir()
	prevPath := filepath.Join(dir, "prev.txt")
	currPath := filepath.Join(dir, "curr.txt")
	os.WriteFile(prevPath, []byte("hostname R1\n"), 0644)
	os.WriteFile(currPath, []byte("hostname R1\n"), 0644)

	prior := staticPrior{task: &types.BackupTask{ID: 1, ArtifactPath: prevPath}}
	s := NewStore(dir, false, prior)

	if err := s.Diff(&types.Device{ID: 1}, &types.BackupTask{ID: 2, ArtifactPath: currPath}); err != nil {
		t.Fatalf("Diff() error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "curr.diff")); !os.IsNotExist(err) {
		t.Error("diff file written for identical captures")
	}
}

func TestDelete(t *testing.T) {
	s := testStore(t, false, nil)
	dev := &types.Device{ID: 1, Alias: "R1", IPAddress: "10.0.0.2"}
	task := &types.BackupTask{ID: 7, Command: "show version", StartedAt: time.Now()}

	path, _, _, err := s.Persist(dev, task, "output\n")
	if err != nil {
		t.Fatalf("Persist() error = %v", err)
	}
	task.ArtifactPath = path

	if err := s.Delete(task); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("artifact still present after Delete")
	}

	// deleting again tolerates the missing file
	if err := s.Delete(task); err != nil {
		t.Errorf("second Delete() error = %v", err)
	}
}

func TestDecodeTextFallback(t *testing.T) {
	if got := decodeText([]byte("plain ascii")); got != "plain ascii" {
		t.Errorf("utf-8 passthrough = %q", got)
	}

	// GBK for 配置 (bytes c5 e4 d6 c3)
	gbk := []byte{0xc5, 0xe4, 0xd6, 0xc3}
	if got := decodeText(gbk); got != "配置" {
		t.Errorf("gbk decode = %q, want 配置", got)
	}

	// arbitrary bytes never fail
	junk := []byte{0xff, 0xfe, 0x81}
	if got := decodeText(junk); got == "" {
		t.Error("latin-1 fallback returned empty")
	}
}
