// Package photos enumerates photo files and normalizes their paths.
package photos

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/omriariav/FaceFindr/internal/constants"
	"golang.org/x/text/unicode/norm"
)

// ErrUnsupportedFile is returned for an explicitly named file without a recognized extension.
var ErrUnsupportedFile = errors.New("unsupported photo file")

// IsImage reports whether path has a recognized photo extension (case-insensitive).
func IsImage(path string) bool {
	return slices.Contains(constants.ImageExtensions, strings.ToLower(filepath.Ext(path)))
}

// ListDir returns the photo files directly inside dir, sorted by name.
func ListDir(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read directory %s: %w", dir, err)
	}

	var files []string
	for _, e := range entries {
		if e.IsDir() || !IsImage(e.Name()) {
			continue
		}
		if !e.Type().IsRegular() {
			info, err := os.Stat(filepath.Join(dir, e.Name()))
			if err != nil || !info.Mode().IsRegular() {
				continue
			}
		}
		files = append(files, filepath.Join(dir, e.Name()))
	}
	slices.Sort(files)
	return files, nil
}

// Resolve expands a sequence of files and directories into photo paths.
// Directories contribute their photos sorted by name; files are kept in the given order.
func Resolve(paths []string) ([]string, error) {
	var out []string
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, fmt.Errorf("stat %s: %w", p, err)
		}
		if info.IsDir() {
			files, err := ListDir(p)
			if err != nil {
				return nil, err
			}
			out = append(out, files...)
			continue
		}
		if !IsImage(p) {
			return nil, fmt.Errorf("%w: %s (expected %s)", ErrUnsupportedFile, p, strings.Join(constants.ImageExtensions, ", "))
		}
		out = append(out, p)
	}
	return out, nil
}

// Key returns the identity of a photo path: absolute, cleaned and NFC-normalized,
// so the same file reached through different spellings compares equal.
func Key(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	return norm.NFC.String(filepath.Clean(path))
}

// Dedupe drops repeated paths (by Key), keeping the first occurrence.
// Returns the unique paths and the number of duplicates removed.
func Dedupe(paths []string) ([]string, int) {
	seen := make(map[string]bool, len(paths))
	unique := make([]string, 0, len(paths))
	for _, p := range paths {
		k := Key(p)
		if seen[k] {
			continue
		}
		seen[k] = true
		unique = append(unique, p)
	}
	return unique, len(paths) - len(unique)
}
