package pattern

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"tapestry/internal/logging"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Loader loads pattern definitions from a directory (<id>.yaml, <id>.yml or
// <id>.json) and caches them by id. Cached patterns are immutable; an edit
// on disk only marks the cached entry stale - callers must invalidate
// explicitly to pick up the new definition.
type Loader struct {
	dir string

	mu    sync.RWMutex
	cache map[string]*Pattern
	stale map[string]bool

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewLoader creates a loader for the given pattern directory.
func NewLoader(dir string) *Loader {
	return &Loader{
		dir:   dir,
		cache: make(map[string]*Pattern),
		stale: make(map[string]bool),
	}
}

// GetPattern returns the cached pattern for id, loading and validating it
// from disk on first use. A validation failure is fatal to the load and
// nothing is cached.
func (l *Loader) GetPattern(id string) (*Pattern, error) {
	l.mu.RLock()
	if p, ok := l.cache[id]; ok {
		l.mu.RUnlock()
		return p, nil
	}
	l.mu.RUnlock()

	timer := logging.StartTimer(logging.CategoryPatterns, "GetPattern:"+id)
	defer timer.Stop()

	p, err := l.loadFromDisk(id)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	// Another goroutine may have loaded it meanwhile; keep the first copy
	// so all callers share one immutable definition.
	if cached, ok := l.cache[id]; ok {
		return cached, nil
	}
	l.cache[id] = p
	delete(l.stale, id)
	logging.Patterns("GetPattern: loaded and cached pattern %s (version=%s, steps=%d)", id, p.Version, len(p.Steps))
	return p, nil
}

func (l *Loader) loadFromDisk(id string) (*Pattern, error) {
	var data []byte
	var err error
	var path string
	for _, ext := range []string{".yaml", ".yml", ".json"} {
		path = filepath.Join(l.dir, id+ext)
		data, err = os.ReadFile(path)
		if err == nil {
			break
		}
	}
	if err != nil {
		logging.Get(logging.CategoryPatterns).Warn("loadFromDisk: pattern not found: %s", id)
		return nil, fmt.Errorf("pattern not found: %s", id)
	}

	var p Pattern
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse pattern %s: %w", path, err)
	}
	if p.ID == "" {
		p.ID = id
	}
	if p.ID != id {
		return nil, &ValidationError{PatternID: id, Issues: []string{
			fmt.Sprintf("file %s declares id %q", filepath.Base(path), p.ID),
		}}
	}
	if err := p.Validate(); err != nil {
		logging.Get(logging.CategoryPatterns).Error("loadFromDisk: %v", err)
		return nil, err
	}
	return &p, nil
}

// Put validates and caches a pattern built programmatically. Fails if the
// id is already cached (cached definitions are immutable).
func (l *Loader) Put(p *Pattern) error {
	if err := p.Validate(); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.cache[p.ID]; exists {
		return fmt.Errorf("pattern already cached: %s", p.ID)
	}
	l.cache[p.ID] = p
	return nil
}

// Invalidate drops the cached entry for id so the next GetPattern reloads
// from disk.
func (l *Loader) Invalidate(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.cache, id)
	delete(l.stale, id)
	logging.Patterns("Invalidate: dropped cached pattern %s", id)
}

// InvalidateAll drops every cached entry.
func (l *Loader) InvalidateAll() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cache = make(map[string]*Pattern)
	l.stale = make(map[string]bool)
	logging.Patterns("InvalidateAll: pattern cache cleared")
}

// IsStale reports whether the definition file for a cached pattern changed
// since it was loaded.
func (l *Loader) IsStale(id string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.stale[id]
}

// MarkStale flags a cached pattern as out of date with its file.
func (l *Loader) MarkStale(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, cached := l.cache[id]; cached {
		l.stale[id] = true
		logging.Get(logging.CategoryWatcher).Warn("MarkStale: cached pattern %s changed on disk; invalidate to reload", id)
	}
}

// CachedIDs returns the ids of all cached patterns.
func (l *Loader) CachedIDs() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	ids := make([]string, 0, len(l.cache))
	for id := range l.cache {
		ids = append(ids, id)
	}
	return ids
}

// Watch starts marking cached patterns stale when their files change.
// It never reloads automatically. Close stops the watcher.
func (l *Loader) Watch() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.watcher != nil {
		return fmt.Errorf("watcher already running")
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := w.Add(l.dir); err != nil {
		w.Close()
		return fmt.Errorf("failed to watch %s: %w", l.dir, err)
	}

	l.watcher = w
	l.done = make(chan struct{})
	go l.watchLoop(w, l.done)

	logging.Watcher("Watch: watching pattern directory %s", l.dir)
	return nil
}

func (l *Loader) watchLoop(w *fsnotify.Watcher, done chan struct{}) {
	for {
		select {
		case <-done:
			return
		case event, ok := <-w.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			base := filepath.Base(event.Name)
			ext := filepath.Ext(base)
			if ext != ".yaml" && ext != ".yml" && ext != ".json" {
				continue
			}
			id := strings.TrimSuffix(base, ext)
			logging.WatcherDebug("watchLoop: %s on %s", event.Op, event.Name)
			l.MarkStale(id)
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			logging.Get(logging.CategoryWatcher).Warn("watchLoop: %v", err)
		}
	}
}

// Close stops the file watcher if one is running.
func (l *Loader) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.watcher == nil {
		return nil
	}
	close(l.done)
	err := l.watcher.Close()
	l.watcher = nil
	l.done = nil
	return err
}
