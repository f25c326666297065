// Package discovery finds candidate worker files on disk.
//
// A candidate is a regular file in the discovery directory whose base name
// matches the glob pattern. With Recursive set, subdirectories are searched
// too. Paths are returned absolute and sorted so that every tick processes
// new workers in the same order.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/charmbracelet/log"
	"github.com/fsnotify/fsnotify"
)

// DefaultPattern matches Python worker scripts.
const DefaultPattern = "*.py"

// Scanner lists candidate worker files.
type Scanner struct {
	Dir       string
	Pattern   string
	Recursive bool

	logger *log.Logger
}

// New creates a Scanner. An empty pattern means DefaultPattern.
func New(dir, pattern string, recursive bool, logger *log.Logger) (*Scanner, error) {
	if pattern == "" {
		pattern = DefaultPattern
	}
	if _, err := filepath.Match(pattern, ""); err != nil {
		return nil, fmt.Errorf("invalid discovery pattern %q: %w", pattern, err)
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve discovery dir: %w", err)
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Scanner{Dir: abs, Pattern: pattern, Recursive: recursive, logger: logger}, nil
}

// Match reports whether path's base name matches the pattern.
func (s *Scanner) Match(path string) bool {
	ok, _ := filepath.Match(s.Pattern, filepath.Base(path))
	return ok
}

// Scan returns every candidate path. A missing discovery directory yields
// no candidates and no error.
func (s *Scanner) Scan(ctx context.Context) ([]string, error) {
	var paths []string

	err := filepath.WalkDir(s.Dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == s.Dir {
				return err
			}
			// Unreadable subdirectory: skip it, keep the rest.
			s.logger.Debug("discovery skipped path", "path", path, "error", err)
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			if path != s.Dir && !s.Recursive {
				return fs.SkipDir
			}
			return nil
		}
		if !s.Match(path) || !isRegular(path, d) {
			return nil
		}
		paths = append(paths, path)
		return nil
	})
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan %s: %w", s.Dir, err)
	}

	sort.Strings(paths)
	return paths, nil
}

// isRegular accepts regular files and symlinks to regular files.
func isRegular(path string, d fs.DirEntry) bool {
	if d.Type().IsRegular() {
		return true
	}
	if d.Type()&fs.ModeSymlink == 0 {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// Exists reports whether the worker file at path is still present.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Watch signals on the returned channel whenever a file matching the
// pattern is created in (or moved into) a watched directory. Signals are
// coalesced: the channel has capacity one and a pending signal absorbs
// further events. The watcher stops when ctx is done.
func (s *Scanner) Watch(ctx context.Context) (<-chan struct{}, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("fsnotify init: %w", err)
	}

	dirs := []string{s.Dir}
	if s.Recursive {
		dirs, err = s.subdirs()
		if err != nil {
			_ = watcher.Close()
			return nil, err
		}
	}
	for _, dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			_ = watcher.Close()
			return nil, fmt.Errorf("watch %s: %w", dir, err)
		}
	}

	wake := make(chan struct{}, 1)
	go func() {
		defer func() { _ = watcher.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Create|fsnotify.Rename) == 0 || !s.Match(event.Name) {
					continue
				}
				s.logger.Debug("new worker file", "path", event.Name)
				select {
				case wake <- struct{}{}:
				default:
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.logger.Warn("discovery watch error", "error", err)
			}
		}
	}()
	return wake, nil
}

func (s *Scanner) subdirs() ([]string, error) {
	var dirs []string
	err := filepath.WalkDir(s.Dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == s.Dir {
				return err
			}
			return nil
		}
		if d.IsDir() {
			dirs = append(dirs, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", s.Dir, err)
	}
	return dirs, nil
}
