package artifact

import (
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pmezard/go-difflib/difflib"

	"github.com/netsnap/netsnap/pkg/log"
	"github.com/netsnap/netsnap/pkg/types"
)

// PriorTaskSource resolves the most recent prior successful backup of a
// device, excluding the task being finalized. Returns types.ErrNotFound
// when the device has no prior successful capture.
type PriorTaskSource interface {
	PriorSuccessfulTask(deviceID, excludeTaskID int64) (*types.BackupTask, error)
}

// Store persists capture outputs under a deterministic path scheme and
// produces unified diffs against the prior successful capture
type Store struct {
	root     string
	compress bool
	prior    PriorTaskSource
}

// NewStore creates an artifact store rooted at dir
func NewStore(dir string, compress bool, prior PriorTaskSource) *Store {
	return &Store{root: dir, compress: compress, prior: prior}
}

// Path computes the artifact location for a capture:
// <root>/<device_slug>/<yyyymmdd_HHMMSS>_<command_slug>.txt
// The path is a pure function of (device, timestamp, command).
func (s *Store) Path(dev *types.Device, ts time.Time, command string) string {
	name := fmt.Sprintf("%s_%s.txt", ts.Format("20060102_150405"), commandSlug(command))
	return filepath.Join(s.root, dev.Slug(), name)
}

func commandSlug(command string) string {
	return strings.NewReplacer(" ", "_", "-", "_").Replace(command)
}

// Persist writes the capture content as an immutable artifact. The write
// goes to a temp sibling, is fsynced, and renamed into place; when
// compression is on the canonical file becomes <path>.gz. The returned
// hash is the SHA-256 of the uncompressed content.
func (s *Store) Persist(dev *types.Device, task *types.BackupTask, content string) (string, int64, string, error) {
	ts := task.StartedAt
	if ts.IsZero() {
		ts = time.Now()
	}
	path := s.Path(dev, ts, task.Command)

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", 0, "", fmt.Errorf("%w: mkdir: %v", types.ErrStorage, err)
	}
	path = uniquePath(path)

	if err := atomicWrite(path, []byte(content)); err != nil {
		return "", 0, "", err
	}

	if s.compress {
		gzPath, err := compressFile(path)
		if err != nil {
			os.Remove(path)
			return "", 0, "", err
		}
		path = gzPath
	}

	info, err := os.Stat(path)
	if err != nil {
		return "", 0, "", fmt.Errorf("%w: stat: %v", types.ErrStorage, err)
	}

	sum := sha256.Sum256([]byte(content))
	return path, info.Size(), hex.EncodeToString(sum[:]), nil
}

// uniquePath keeps stored artifacts immutable: the rename in atomicWrite
// would silently replace an existing capture when two backups of one
// device+command land within the same second, so an occupied path (plain
// or compressed) pushes the new capture onto a _N suffix. Same-device
// persists are serialized by the worker gate, so the check-then-write is
// not racy.
func uniquePath(path string) string {
	if !occupied(path) {
		return path
	}
	stem := strings.TrimSuffix(path, ".txt")
	for n := 2; ; n++ {
		candidate := fmt.Sprintf("%s_%d.txt", stem, n)
		if !occupied(candidate) {
			return candidate
		}
	}
}

func occupied(path string) bool {
	if _, err := os.Lstat(path); err == nil {
		return true
	}
	_, err := os.Lstat(path + ".gz")
	return err == nil
}

// atomicWrite lands data at path via a fsynced temp sibling and rename
func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("%w: temp file: %v", types.ErrStorage, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("%w: write: %v", types.ErrStorage, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("%w: fsync: %v", types.ErrStorage, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("%w: close: %v", types.ErrStorage, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("%w: rename: %v", types.ErrStorage, err)
	}
	return nil
}

func compressFile(path string) (string, error) {
	in, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("%w: %v", types.ErrStorage, err)
	}
	defer in.Close()

	gzPath := path + ".gz"
	out, err := os.Create(gzPath)
	if err != nil {
		return "", fmt.Errorf("%w: %v", types.ErrStorage, err)
	}

	gw := gzip.NewWriter(out)
	if _, err := io.Copy(gw, in); err != nil {
		gw.Close()
		out.Close()
		os.Remove(gzPath)
		return "", fmt.Errorf("%w: gzip: %v", types.ErrStorage, err)
	}
	if err := gw.Close(); err != nil {
		out.Close()
		os.Remove(gzPath)
		return "", fmt.Errorf("%w: gzip: %v", types.ErrStorage, err)
	}
	if err := out.Close(); err != nil {
		os.Remove(gzPath)
		return "", fmt.Errorf("%w: %v", types.ErrStorage, err)
	}

	if err := os.Remove(path); err != nil {
		return "", fmt.Errorf("%w: unlink plain file: %v", types.ErrStorage, err)
	}
	return gzPath, nil
}

// Diff compares the task's artifact against the device's most recent prior
// successful capture and, when they differ, writes a sibling .diff file
// next to the current artifact. No prior capture is a no-op.
func (s *Store) Diff(dev *types.Device, task *types.BackupTask) error {
	prev, err := s.prior.PriorSuccessfulTask(dev.ID, task.ID)
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			return nil
		}
		return err
	}
	if prev.ArtifactPath == "" {
		return nil
	}

	prevContent, err := ReadArtifact(prev.ArtifactPath)
	if err != nil {
		// A reaped or missing prior artifact is tolerated
		if os.IsNotExist(errors.Unwrap(err)) || errors.Is(err, types.ErrNotFound) {
			return nil
		}
		return err
	}
	currContent, err := ReadArtifact(task.ArtifactPath)
	if err != nil {
		return err
	}

	text, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(prevContent),
		B:        difflib.SplitLines(currContent),
		FromFile: "previous_" + filepath.Base(prev.ArtifactPath),
		ToFile:   "current_" + filepath.Base(task.ArtifactPath),
		Context:  3,
	})
	if err != nil {
		return fmt.Errorf("diff: %w", err)
	}
	if text == "" {
		return nil
	}

	diffPath := strings.TrimSuffix(strings.TrimSuffix(task.ArtifactPath, ".gz"), ".txt") + ".diff"
	if err := atomicWrite(diffPath, []byte(text)); err != nil {
		return err
	}
	log.WithComponent("artifact").Info().Str("path", diffPath).Msg("wrote diff report")
	return nil
}

// Delete removes a task's artifact file and its .diff sibling if present
func (s *Store) Delete(task *types.BackupTask) error {
	if task.ArtifactPath == "" {
		return nil
	}
	if err := os.Remove(task.ArtifactPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: %v", types.ErrStorage, err)
	}
	diffPath := strings.TrimSuffix(strings.TrimSuffix(task.ArtifactPath, ".gz"), ".txt") + ".diff"
	if err := os.Remove(diffPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: %v", types.ErrStorage, err)
	}
	return nil
}
