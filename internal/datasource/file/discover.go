// Package file provides the local filesystem side of an import: discovering the
// files of a batch and opening them (repeatedly) for reading.
package file

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"csvload/internal/domain"
)

// Discover lists the regular files directly under dir whose base name matches
// the glob pattern, as absolute paths in lexicographic order.
//
// Edge cases:
//   - An empty pattern matches every file.
//   - Subdirectories are never descended into, even when their name matches.
//   - No match is not an error; the result is an empty slice.
//
// Errors:
//   - *domain.DiscoveryError wrapping *domain.NotFoundError if dir does not exist.
//   - *domain.DiscoveryError if dir is not a directory, cannot be read, or the
//     pattern is malformed.
func Discover(dir, pattern string) ([]string, error) {
	if pattern == "" {
		pattern = "*"
	}
	if _, err := filepath.Match(pattern, ""); err != nil {
		return nil, &domain.DiscoveryError{Dir: dir, Err: fmt.Errorf("pattern %q: %w", pattern, err)}
	}

	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, &domain.DiscoveryError{Dir: dir, Err: err}
	}

	info, err := os.Stat(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, &domain.DiscoveryError{
				Dir: dir,
				Err: &domain.NotFoundError{Message: fmt.Sprintf("directory %s does not exist", abs)},
			}
		}
		return nil, &domain.DiscoveryError{Dir: dir, Err: err}
	}
	if !info.IsDir() {
		return nil, &domain.DiscoveryError{Dir: dir, Err: fmt.Errorf("%s is not a directory", abs)}
	}

	entries, err := os.ReadDir(abs)
	if err != nil {
		return nil, &domain.DiscoveryError{Dir: dir, Err: fmt.Errorf("read dir: %w", err)}
	}

	out := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		ok, _ := filepath.Match(pattern, e.Name())
		if !ok {
			continue
		}
		out = append(out, filepath.Join(abs, e.Name()))
	}

	sort.Strings(out)
	return out, nil
}
