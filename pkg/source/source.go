// Package source lists and reads the files of a project.
package source

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
)

var (
	// ErrNotFound means the repository or file does not exist.
	ErrNotFound = errors.New("not found")
	// ErrRateLimited means the host refused the request for now.
	ErrRateLimited = errors.New("rate limited")
)

// Host gives access to the files of a repository.
type Host interface {
	// ListFiles returns slash-separated paths relative to the repository root.
	ListFiles(ctx context.Context, repo string) ([]string, error)
	GetFileContent(ctx context.Context, repo, path string) ([]byte, error)
}

// DefaultMaxFileSize is the largest file Dir will read.
const DefaultMaxFileSize = 4 << 20

var skippedDirs = map[string]bool{
	".git":         true,
	"node_modules": true,
	"vendor":       true,
	".venv":        true,
	"venv":         true,
	"__pycache__":  true,
	".terraform":   true,
}

// Dir is a Host backed by the local filesystem; repo is a directory path.
type Dir struct {
	// Exclude holds glob patterns matched against the relative path and the
	// base name of every file and directory.
	Exclude     []string
	MaxFileSize int64
}

// ListFiles walks repo and returns every regular file that is not excluded.
func (d Dir) ListFiles(ctx context.Context, repo string) ([]string, error) {
	info, err := os.Stat(repo)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%s: %w", repo, ErrNotFound)
		}
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", repo)
	}

	var files []string
	err = filepath.WalkDir(repo, func(p string, entry fs.DirEntry, err error) error {
		if err != nil {
			// Unreadable entries are skipped, not fatal.
			if entry != nil && entry.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(repo, p)
		if err != nil || rel == "." {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if entry.IsDir() {
			if skippedDirs[entry.Name()] || d.excluded(rel) {
				return filepath.SkipDir
			}
			return nil
		}
		if entry.Type().IsRegular() && !d.excluded(rel) {
			files = append(files, rel)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}

// GetFileContent reads one file below repo.
func (d Dir) GetFileContent(_ context.Context, repo, p string) ([]byte, error) {
	full := filepath.Join(repo, filepath.FromSlash(path.Clean("/" + p)))
	info, err := os.Stat(full)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%s: %w", p, ErrNotFound)
		}
		return nil, err
	}
	limit := d.MaxFileSize
	if limit <= 0 {
		limit = DefaultMaxFileSize
	}
	if info.Size() > limit {
		return nil, fmt.Errorf("%s: %d bytes exceeds the %d byte limit", p, info.Size(), limit)
	}
	return os.ReadFile(full)
}

func (d Dir) excluded(rel string) bool {
	base := path.Base(rel)
	for _, pattern := range d.Exclude {
		if ok, _ := path.Match(pattern, rel); ok {
			return true
		}
		if ok, _ := path.Match(pattern, base); ok {
			return true
		}
	}
	return false
}
