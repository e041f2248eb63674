// Package output owns the run output directory and copies photos into their tier directories.
package output

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/omriariav/FaceFindr/internal/constants"
	"github.com/omriariav/FaceFindr/internal/match"
)

// ErrDestinationUnwritable means the output directory cannot be used. Runs cannot start without it.
var ErrDestinationUnwritable = errors.New("destination is not writable")

// Layout is a prepared run output directory.
type Layout struct {
	Root string
	lock *flock.Flock
}

// RunDirName returns the timestamped directory for base, e.g. matched_photos_20240102_150405.
func RunDirName(base string, now time.Time) string {
	base = filepath.Clean(base)
	return filepath.Join(filepath.Dir(base), filepath.Base(base)+"_"+now.Format(constants.OutputTimestampLayout))
}

// Prepare creates the timestamped run directory next to base with one subdirectory per tier,
// locks it against concurrent runs and verifies it accepts files.
func Prepare(base string, now time.Time) (*Layout, error) {
	return PrepareDir(RunDirName(base, now))
}

// PrepareDir is Prepare for an exact directory.
func PrepareDir(root string) (*Layout, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create %s: %v", ErrDestinationUnwritable, root, err)
	}

	lock := flock.New(filepath.Join(root, constants.LockFileName))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("%w: lock %s: %v", ErrDestinationUnwritable, root, err)
	}
	if !locked {
		return nil, fmt.Errorf("%w: %s is in use by another run", ErrDestinationUnwritable, root)
	}

	l := &Layout{Root: root, lock: lock}
	for _, tier := range match.Tiers {
		if err := os.MkdirAll(l.TierDir(tier), 0o755); err != nil {
			_ = l.Close()
			return nil, fmt.Errorf("%w: create %s: %v", ErrDestinationUnwritable, l.TierDir(tier), err)
		}
	}

	probe, err := os.CreateTemp(root, ".probe-*")
	if err != nil {
		_ = l.Close()
		return nil, fmt.Errorf("%w: write to %s: %v", ErrDestinationUnwritable, root, err)
	}
	probe.Close()
	os.Remove(probe.Name())

	return l, nil
}

// TierDir returns the directory photos of tier are copied into.
func (l *Layout) TierDir(tier match.Tier) string {
	return filepath.Join(l.Root, string(tier))
}

// RunLogPath returns the path of the run log file.
func (l *Layout) RunLogPath() string {
	return filepath.Join(l.Root, constants.RunLogName)
}

// ResultsDBPath returns the default sqlite results database path.
func (l *Layout) ResultsDBPath() string {
	return filepath.Join(l.Root, constants.ResultsDBName)
}

// Close releases the directory lock. The lock file stays so every run locks the same inode.
func (l *Layout) Close() error {
	if l.lock == nil {
		return nil
	}
	if err := l.lock.Unlock(); err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	return nil
}

// Mover copies candidate photos into tier directories. Sources are only read.
type Mover struct {
	layout *Layout
	dryRun bool

	mu       sync.Mutex
	reserved map[string]bool
}

// NewMover creates a mover for layout. With dryRun it only computes destinations.
func NewMover(layout *Layout, dryRun bool) *Mover {
	return &Mover{layout: layout, dryRun: dryRun, reserved: make(map[string]bool)}
}

// Place copies the result's photo into its tier directory and returns the destination path.
func (m *Mover) Place(res match.Result) (string, error) {
	dst := m.reserve(m.layout.TierDir(res.Tier), filepath.Base(res.CandidatePath))
	if m.dryRun {
		return dst, nil
	}
	if err := copyFile(res.CandidatePath, dst); err != nil {
		return "", err
	}
	return dst, nil
}

// reserve picks a destination name not used by an existing file or an earlier reservation,
// appending _1, _2, ... before the extension on collisions.
func (m *Mover) reserve(dir, name string) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	candidate := filepath.Join(dir, name)
	for i := 1; ; i++ {
		if !m.reserved[candidate] {
			if _, err := os.Lstat(candidate); errors.Is(err, os.ErrNotExist) {
				m.reserved[candidate] = true
				return candidate
			}
		}
		candidate = filepath.Join(dir, stem+"_"+strconv.Itoa(i)+ext)
	}
}

// copyFile copies src to a new file dst, keeping the permission bits and modification time.
func copyFile(src, dst string) (err error) {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", src, err)
	}

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, info.Mode().Perm())
	if err != nil {
		return fmt.Errorf("create %s: %w", dst, err)
	}
	defer func() {
		if cerr := out.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close %s: %w", dst, cerr)
		}
		if err != nil {
			os.Remove(dst)
		}
	}()

	if _, err := io.Copy(out, in); err != nil {
		return fmt.Errorf("copy %s: %w", src, err)
	}
	if err := out.Sync(); err != nil {
		return fmt.Errorf("sync %s: %w", dst, err)
	}
	if err := os.Chtimes(dst, time.Now(), info.ModTime()); err != nil {
		return fmt.Errorf("set times on %s: %w", dst, err)
	}
	return nil
}
