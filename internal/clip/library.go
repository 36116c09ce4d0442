package clip

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Ext is the animation file extension served by a Library
const Ext = ".vrma"

// Library caches the .vrma files of one directory by base name. With Watch
// running, edited or removed files are dropped from the cache and reloaded
// on next use.
type Library struct {
	dir    string
	logger zerolog.Logger

	mu    sync.RWMutex
	cache map[string]*Animation

	watcher  *fsnotify.Watcher
	done     chan struct{}
	onChange func(name string)
}

// NewLibrary creates a library over dir
func NewLibrary(dir string, logger zerolog.Logger) *Library {
	return &Library{
		dir:    dir,
		logger: logger.With().Str("component", "clip-library").Logger(),
		cache:  make(map[string]*Animation),
	}
}

// Dir returns the watched directory
func (l *Library) Dir() string {
	return l.dir
}

// Names lists the clips in the directory, sorted
func (l *Library) Names() ([]string, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, fmt.Errorf("list clips: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), Ext) {
			continue
		}
		names = append(names, strings.TrimSuffix(e.Name(), filepath.Ext(e.Name())))
	}
	sort.Strings(names)
	return names, nil
}

// Path returns the file path of a clip name
func (l *Library) Path(name string) string {
	return filepath.Join(l.dir, filepath.Base(name)+Ext)
}

// Get returns the named animation, loading it on first use
func (l *Library) Get(name string) (*Animation, error) {
	l.mu.RLock()
	anim, ok := l.cache[name]
	l.mu.RUnlock()
	if ok {
		return anim, nil
	}

	anim, err := LoadVRMA(l.Path(name))
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	l.cache[name] = anim
	l.mu.Unlock()
	return anim, nil
}

// Cached reports whether name is loaded
func (l *Library) Cached(name string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.cache[name]
	return ok
}

// Invalidate drops name from the cache
func (l *Library) Invalidate(name string) {
	l.mu.Lock()
	delete(l.cache, name)
	l.mu.Unlock()
}

// Watch starts watching the directory. onChange, which may be nil, runs on
// the watcher goroutine with the base name of every changed clip.
func (l *Library) Watch(onChange func(name string)) error {
	if l.watcher != nil {
		return nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := w.Add(l.dir); err != nil {
		w.Close()
		return fmt.Errorf("watch %s: %w", l.dir, err)
	}
	l.watcher = w
	l.done = make(chan struct{})
	l.onChange = onChange

	go l.watchLoop(w, l.done)
	return nil
}

func (l *Library) watchLoop(w *fsnotify.Watcher, done chan struct{}) {
	for {
		select {
		case <-done:
			return
		case event, ok := <-w.Events:
			if !ok {
				return
			}
			if !strings.EqualFold(filepath.Ext(event.Name), Ext) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) &&
				!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
				continue
			}
			name := strings.TrimSuffix(filepath.Base(event.Name), filepath.Ext(event.Name))
			l.Invalidate(name)
			l.logger.Debug().Str("clip", name).Str("op", event.Op.String()).Msg("clip changed")
			if l.onChange != nil {
				l.onChange(name)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			l.logger.Warn().Err(err).Msg("clip watcher error")
		}
	}
}

// Close stops watching
func (l *Library) Close() error {
	if l.watcher == nil {
		return nil
	}
	close(l.done)
	err := l.watcher.Close()
	l.watcher = nil
	return err
}
