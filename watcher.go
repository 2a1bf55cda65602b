package main

import (
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"flurry-plugin/plugin"

	"github.com/fsnotify/fsnotify"
)

const relaunchDebounce = 500 * time.Millisecond

// ProjectWatcher reports changes to a project's Lua sources and build
// settings. Bursts of events are collapsed into one notification.
type ProjectWatcher struct {
	watcher *fsnotify.Watcher
	delay   time.Duration
	changes chan struct{}

	mu      sync.Mutex
	timer   *time.Timer
	stopped bool
}

// NewProjectWatcher watches dir and its subdirectories
func NewProjectWatcher(dir string, delay time.Duration) (*ProjectWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &ProjectWatcher{
		watcher: watcher,
		delay:   delay,
		changes: make(chan struct{}, 1),
	}

	if err := w.addTree(dir); err != nil {
		watcher.Close()
		return nil, err
	}

	go w.handleEvents()
	return w, nil
}

// Changes receives a value after project files change
func (w *ProjectWatcher) Changes() <-chan struct{} {
	return w.changes
}

// Close stops watching
func (w *ProjectWatcher) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.stopped {
		return
	}
	w.stopped = true

	if w.timer != nil {
		w.timer.Stop()
	}
	w.watcher.Close()
}

// addTree watches root and every non-hidden directory below it
func (w *ProjectWatcher) addTree(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && isHidden(path) {
			return filepath.SkipDir
		}
		if err := w.watcher.Add(path); err != nil {
			return err
		}
		return nil
	})
}

// handleEvents processes fsnotify events
func (w *ProjectWatcher) handleEvents() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}

			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}

			// New directories are watched too
			if event.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if !isHidden(event.Name) {
						if err := w.addTree(event.Name); err != nil {
							log.Printf("Failed to watch %s: %v", event.Name, err)
						}
					}
					continue
				}
			}

			if !isProjectFile(event.Name) {
				continue
			}

			w.debounce()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("Watcher error: %v", err)
		}
	}
}

// debounce delays the notification until the project is stable
func (w *ProjectWatcher) debounce() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.stopped {
		return
	}

	// Cancel existing timer if any
	if w.timer != nil {
		w.timer.Stop()
	}

	w.timer = time.AfterFunc(w.delay, func() {
		select {
		case w.changes <- struct{}{}:
		default:
			// a notification is already pending
		}
	})
}

// isProjectFile reports whether a change to path affects the running project
func isProjectFile(path string) bool {
	base := filepath.Base(path)
	if isHidden(path) {
		return false
	}
	return base == plugin.BuildSettingsFile || strings.EqualFold(filepath.Ext(base), ".lua")
}

func isHidden(path string) bool {
	return strings.HasPrefix(filepath.Base(path), ".")
}
