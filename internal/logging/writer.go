// Package logging builds the manager's slog output, including a
// size-rotating file writer for deployments that log to disk rather than
// to the container runtime.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// RotatingWriter is an io.WriteCloser that starts a fresh log file once
// the current one would exceed the size limit. Rotated files are renamed
// to <base>-<timestamp><ext>; old ones are pruned by count and by age.
type RotatingWriter struct {
	mu       sync.Mutex
	out      *os.File
	path     string
	written  int64
	limit    int64
	backups  int
	maxAgeDy int
}

// NewRotatingWriter opens (or creates) the log file at path and returns a
// writer rotating at maxSizeMB, keeping at most maxBackups rotated files
// and none older than maxAgeDays.
func NewRotatingWriter(path string, maxSizeMB, maxBackups, maxAgeDays int) (*RotatingWriter, error) {
	rw := &RotatingWriter{
		path:     path,
		limit:    int64(maxSizeMB) * 1024 * 1024,
		backups:  maxBackups,
		maxAgeDy: maxAgeDays,
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating log directory: %w", err)
	}
	if err := rw.open(); err != nil {
		return nil, err
	}
	return rw, nil
}

func (rw *RotatingWriter) open() error {
	f, err := os.OpenFile(rw.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening log file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat log file: %w", err)
	}
	rw.out = f
	rw.written = info.Size()
	return nil
}

func (rw *RotatingWriter) Write(p []byte) (int, error) {
	rw.mu.Lock()
	defer rw.mu.Unlock()

	if rw.written+int64(len(p)) > rw.limit {
		if err := rw.rotate(); err != nil {
			return 0, err
		}
	}

	n, err := rw.out.Write(p)
	rw.written += int64(n)
	return n, err
}

func (rw *RotatingWriter) Close() error {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	if rw.out == nil {
		return nil
	}
	return rw.out.Close()
}

func (rw *RotatingWriter) rotate() error {
	if rw.out != nil {
		rw.out.Close()
	}

	ext := filepath.Ext(rw.path)
	base := strings.TrimSuffix(rw.path, ext)
	if ext == "" {
		ext = ".log"
	}
	rotated := fmt.Sprintf("%s-%s%s", base, time.Now().Format("20060102-150405"), ext)
	os.Rename(rw.path, rotated) //nolint:errcheck

	if err := rw.open(); err != nil {
		return err
	}

	// Pruning touches the filesystem only; it never blocks log writes.
	go rw.prune()
	return nil
}

func (rw *RotatingWriter) prune() {
	ext := filepath.Ext(rw.path)
	base := strings.TrimSuffix(filepath.Base(rw.path), ext)
	if ext == "" {
		ext = ".log"
	}
	dir := filepath.Dir(rw.path)

	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}

	prefix := base + "-"
	var rotated []string
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, prefix) && strings.HasSuffix(name, ext) && name != filepath.Base(rw.path) {
			rotated = append(rotated, name)
		}
	}

	// Timestamped names sort chronologically, oldest first.
	sort.Strings(rotated)

	for len(rotated) > rw.backups {
		os.Remove(filepath.Join(dir, rotated[0])) //nolint:errcheck
		rotated = rotated[1:]
	}

	cutoff := time.Now().AddDate(0, 0, -rw.maxAgeDy)
	for _, name := range rotated {
		full := filepath.Join(dir, name)
		info, err := os.Stat(full)
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			os.Remove(full) //nolint:errcheck
		}
	}
}
