package registry

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"routenerd/internal/logging"
)

// PackWatcher watches the card and script directories and hot-reloads
// affected groups when files settle. Rapid saves are debounced so an
// editor writing a file in several chunks triggers one reload, not five.
type PackWatcher struct {
	mu          sync.RWMutex
	watcher     *fsnotify.Watcher
	registry    *Registry
	pack        *ScriptPack
	dirs        []string
	debounceMap map[string]time.Time
	debounceDur time.Duration
	stopCh      chan struct{}
	doneCh      chan struct{}
	running     bool

	stats PackWatcherStats
}

// PackWatcherStats tracks watcher activity for debugging.
type PackWatcherStats struct {
	FilesCreated     int
	FilesModified    int
	FilesDeleted     int
	ReloadsTriggered int
	Errors           int
	LastEventTime    time.Time
	LastEventPath    string
	LastEventType    string
}

// NewPackWatcher creates a watcher over the pack's card and script
// directories.
func NewPackWatcher(reg *Registry, pack *ScriptPack) (*PackWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	dirs := []string{pack.cardDir, pack.scriptDir}
	if pack.overridesPath != "" {
		dirs = append(dirs, filepath.Dir(pack.overridesPath))
	}

	return &PackWatcher{
		watcher:     watcher,
		registry:    reg,
		pack:        pack,
		dirs:        dirs,
		debounceMap: make(map[string]time.Time),
		debounceDur: 500 * time.Millisecond,
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}, nil
}

// Start begins watching. Non-blocking; the event loop runs in a goroutine.
func (pw *PackWatcher) Start(ctx context.Context) error {
	pw.mu.Lock()
	if pw.running {
		pw.mu.Unlock()
		return nil
	}
	pw.running = true
	pw.mu.Unlock()

	for _, dir := range pw.dirs {
		if err := pw.watcher.Add(dir); err != nil {
			logging.PacksWarn("Watch failed for %s (dir may not exist): %v", dir, err)
		} else {
			logging.Packs("Watching directory: %s", dir)
		}
	}

	go pw.run(ctx)
	return nil
}

// Stop stops the watcher and waits for the event loop to drain.
func (pw *PackWatcher) Stop() {
	pw.mu.Lock()
	if !pw.running {
		pw.mu.Unlock()
		return
	}
	pw.running = false
	pw.mu.Unlock()

	close(pw.stopCh)
	<-pw.doneCh

	if err := pw.watcher.Close(); err != nil {
		logging.PacksError("Error closing watcher: %v", err)
	}
	logging.Packs("Pack watcher stopped")
}

// IsWatching reports whether the watcher is running.
func (pw *PackWatcher) IsWatching() bool {
	pw.mu.RLock()
	defer pw.mu.RUnlock()
	return pw.running
}

// GetStats returns the current watcher statistics.
func (pw *PackWatcher) GetStats() PackWatcherStats {
	pw.mu.RLock()
	defer pw.mu.RUnlock()
	return pw.stats
}

func (pw *PackWatcher) run(ctx context.Context) {
	defer close(pw.doneCh)

	debounceTicker := time.NewTicker(100 * time.Millisecond)
	defer debounceTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			logging.Packs("Pack watcher: context cancelled")
			return

		case <-pw.stopCh:
			return

		case event, ok := <-pw.watcher.Events:
			if !ok {
				return
			}
			pw.handleEvent(event)

		case err, ok := <-pw.watcher.Errors:
			if !ok {
				return
			}
			logging.PacksError("Watcher error: %v", err)
			pw.mu.Lock()
			pw.stats.Errors++
			pw.mu.Unlock()

		case <-debounceTicker.C:
			pw.processDebouncedEvents(ctx)
		}
	}
}

// handleEvent records a relevant filesystem event for debounced processing.
func (pw *PackWatcher) handleEvent(event fsnotify.Event) {
	if !relevantPackFile(event.Name) {
		return
	}

	var eventType string
	switch {
	case event.Op&fsnotify.Create != 0:
		eventType = "create"
	case event.Op&fsnotify.Write != 0:
		eventType = "modify"
	case event.Op&fsnotify.Remove != 0:
		eventType = "delete"
	case event.Op&fsnotify.Rename != 0:
		eventType = "rename"
	default:
		return
	}

	logging.PacksDebug("%s event for %s", eventType, event.Name)

	pw.mu.Lock()
	pw.stats.LastEventTime = time.Now()
	pw.stats.LastEventPath = event.Name
	pw.stats.LastEventType = eventType
	switch eventType {
	case "create":
		pw.stats.FilesCreated++
	case "modify":
		pw.stats.FilesModified++
	case "delete", "rename":
		pw.stats.FilesDeleted++
	}
	pw.debounceMap[event.Name] = time.Now()
	pw.mu.Unlock()
}

// processDebouncedEvents reconciles once per settled batch of changes.
func (pw *PackWatcher) processDebouncedEvents(ctx context.Context) {
	pw.mu.Lock()
	now := time.Now()
	settled := 0
	for path, eventTime := range pw.debounceMap {
		if now.Sub(eventTime) >= pw.debounceDur {
			delete(pw.debounceMap, path)
			settled++
		}
	}
	pw.mu.Unlock()

	if settled == 0 {
		return
	}
	pw.reconcile(ctx)
}

// reconcile aligns registered script groups with the card files on disk:
// known groups reload, new groups register. Groups whose card file vanished
// stay live until removed through the management surface.
func (pw *PackWatcher) reconcile(ctx context.Context) {
	diskGroups, err := pw.pack.Groups()
	if err != nil {
		logging.PacksError("Reconcile failed to read card dir: %v", err)
		pw.mu.Lock()
		pw.stats.Errors++
		pw.mu.Unlock()
		return
	}

	registered := make(map[string]bool)
	for _, g := range pw.registry.Groups() {
		registered[g] = true
	}

	for _, group := range diskGroups {
		var err error
		if registered[group] {
			err = pw.registry.ReloadGroup(ctx, group)
		} else {
			err = pw.registry.RegisterGroup(ctx, group, pw.pack.LoaderFor(group))
		}
		if err != nil {
			logging.PacksError("Reconcile of group %s failed: %v", group, err)
			pw.mu.Lock()
			pw.stats.Errors++
			pw.mu.Unlock()
			continue
		}
		pw.mu.Lock()
		pw.stats.ReloadsTriggered++
		pw.mu.Unlock()
	}
}

// relevantPackFile reports whether a change to the path can affect packs.
func relevantPackFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml", ".go":
		return true
	}
	return false
}
