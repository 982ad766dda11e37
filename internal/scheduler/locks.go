package scheduler

import (
	"path/filepath"
	"sort"
	"sync"
)

// FileLocks provides per-path mutual exclusion for the shared workspace files
// (context chain, status snapshot) that concurrent task executions update.
// Each cleaned path gets its own mutex, so writers of different files never
// contend.
type FileLocks struct {
	mu    sync.Mutex             // Guards the locks map itself
	locks map[string]*sync.Mutex // Per-path mutexes
}

// NewFileLocks creates an empty lock set.
func NewFileLocks() *FileLocks {
	return &FileLocks{
		locks: make(map[string]*sync.Mutex),
	}
}

func (l *FileLocks) get(path string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()

	m, ok := l.locks[path]
	if !ok {
		m = &sync.Mutex{}
		l.locks[path] = m
	}
	return m
}

// Lock acquires the mutex for path, creating it on first access.
func (l *FileLocks) Lock(path string) {
	l.get(filepath.Clean(path)).Lock()
}

// Unlock releases the mutex for path.
func (l *FileLocks) Unlock(path string) {
	l.get(filepath.Clean(path)).Unlock()
}

// WithFiles runs fn while holding the locks for every path.
// Paths are deduplicated and acquired in sorted order to prevent deadlocks.
func (l *FileLocks) WithFiles(paths []string, fn func() error) error {
	seen := make(map[string]bool, len(paths))
	sorted := make([]string, 0, len(paths))
	for _, p := range paths {
		p = filepath.Clean(p)
		if !seen[p] {
			seen[p] = true
			sorted = append(sorted, p)
		}
	}
	sort.Strings(sorted)

	for _, p := range sorted {
		l.get(p).Lock()
	}
	defer func() {
		for i := len(sorted) - 1; i >= 0; i-- {
			l.get(sorted[i]).Unlock()
		}
	}()

	return fn()
}
