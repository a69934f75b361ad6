package cache

import (
	"github.com/cyverse/irodsfs-filecache/storage"
	"github.com/cyverse/irodsfs-filecache/utils"
	log "github.com/sirupsen/logrus"
	"golang.org/x/xerrors"
)

// DirectoryTracker holds the watch of a directory and the cached ids read from it.
// A tracker exists only while it tracks at least one id.
type DirectoryTracker struct {
	dirPath string
	watch   storage.WatchHandle
	ids     map[EntryID]bool
}

// GetDirPath returns the tracked directory
func (tracker *DirectoryTracker) GetDirPath() string {
	return tracker.dirPath
}

// GetCount returns the number of tracked ids
func (tracker *DirectoryTracker) GetCount() int {
	return len(tracker.ids)
}

// DirectoryEventHandler receives watch events of a tracked directory
type DirectoryEventHandler func(dirPath string, event storage.WatchEvent)

// DirectoryRegistry keeps one DirectoryTracker per directory that has cached entries.
// DirectoryRegistry is not thread-safe, FileCache serializes access.
type DirectoryRegistry struct {
	enabled  bool
	watcher  storage.Watcher
	handler  DirectoryEventHandler
	trackers map[string]*DirectoryTracker
}

// NewDirectoryRegistry creates a new DirectoryRegistry.
// If enabled is false, all operations are no-ops.
func NewDirectoryRegistry(enabled bool, watcher storage.Watcher, handler DirectoryEventHandler) *DirectoryRegistry {
	return &DirectoryRegistry{
		enabled:  enabled,
		watcher:  watcher,
		handler:  handler,
		trackers: map[string]*DirectoryTracker{},
	}
}

// IsEnabled returns true if directories are watched
func (registry *DirectoryRegistry) IsEnabled() bool {
	return registry.enabled
}

// Attach tracks the id under its directory, watching the directory if it is not yet tracked
func (registry *DirectoryRegistry) Attach(id EntryID) error {
	if !registry.enabled {
		return nil
	}

	logger := log.WithFields(log.Fields{
		"package":  "cache",
		"struct":   "DirectoryRegistry",
		"function": "Attach",
	})

	dirPath := id.GetDirPath()
	tracker, ok := registry.trackers[dirPath]
	if !ok {
		handler := registry.handler
		watch, err := registry.watcher.Watch(dirPath, func(event storage.WatchEvent) {
			if handler != nil {
				handler(dirPath, event)
			}
		})
		if err != nil {
			return xerrors.Errorf("failed to watch directory %s: %w", dirPath, err)
		}

		logger.Debugf("Tracking directory %s (watch %s)", dirPath, watch.GetID())

		tracker = &DirectoryTracker{
			dirPath: dirPath,
			watch:   watch,
			ids:     map[EntryID]bool{},
		}
		registry.trackers[dirPath] = tracker
	}

	tracker.ids[id] = true
	return nil
}

// Detach stops tracking the id, the directory watch is closed when no ids remain
func (registry *DirectoryRegistry) Detach(id EntryID) {
	if !registry.enabled {
		return
	}

	logger := log.WithFields(log.Fields{
		"package":  "cache",
		"struct":   "DirectoryRegistry",
		"function": "Detach",
	})

	dirPath := id.GetDirPath()
	tracker, ok := registry.trackers[dirPath]
	if !ok {
		logger.Warnf("Directory %s is not tracked, cannot detach %s", dirPath, id.String())
		return
	}

	if _, ok := tracker.ids[id]; !ok {
		logger.Warnf("Directory %s does not track %s", dirPath, id.String())
		return
	}

	delete(tracker.ids, id)
	if len(tracker.ids) > 0 {
		return
	}

	delete(registry.trackers, dirPath)
	registry.closeWatch(tracker)
}

// GetEntryIDsForEvent returns ids to evict for a watch event of the directory.
// A named event selects entries of that file only, an unnamed event selects the whole directory.
func (registry *DirectoryRegistry) GetEntryIDsForEvent(dirPath string, event storage.WatchEvent) []EntryID {
	tracker, ok := registry.trackers[dirPath]
	if !ok {
		return nil
	}

	ids := []EntryID{}
	if !event.HasName() {
		for id := range tracker.ids {
			ids = append(ids, id)
		}
		return ids
	}

	changedPath := utils.JoinPath(dirPath, event.Name)
	for id := range tracker.ids {
		if id.GetPath() == changedPath {
			ids = append(ids, id)
		}
	}
	return ids
}

// GetTracker returns the tracker of the directory, nil if not tracked
func (registry *DirectoryRegistry) GetTracker(dirPath string) *DirectoryTracker {
	return registry.trackers[dirPath]
}

// GetTrackerCount returns the number of tracked directories
func (registry *DirectoryRegistry) GetTrackerCount() int {
	return len(registry.trackers)
}

// TeardownAll closes every watch and forgets all trackers
func (registry *DirectoryRegistry) TeardownAll() {
	trackers := registry.trackers
	registry.trackers = map[string]*DirectoryTracker{}

	for _, tracker := range trackers {
		registry.closeWatch(tracker)
	}
}

func (registry *DirectoryRegistry) closeWatch(tracker *DirectoryTracker) {
	logger := log.WithFields(log.Fields{
		"package":  "cache",
		"struct":   "DirectoryRegistry",
		"function": "closeWatch",
	})

	logger.Debugf("Untracking directory %s (watch %s)", tracker.dirPath, tracker.watch.GetID())

	err := tracker.watch.Close()
	if err != nil {
		logger.WithError(err).Errorf("failed to close watch for directory %s", tracker.dirPath)
	}
}
