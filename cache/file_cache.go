package cache

import (
	"sync"

	"github.com/cyverse/irodsfs-filecache/storage"
	"github.com/cyverse/irodsfs-filecache/utils"
	"github.com/dustin/go-humanize"
	log "github.com/sirupsen/logrus"
	"golang.org/x/xerrors"
)

// CacheInfo is returned by FileCache.Info
type CacheInfo struct {
	CacheSize         int64
	NumTrackedFolders int
}

// FileCache caches file contents read through a storage and drops them
// when the storage reports a change in the containing directory.
// Returned content is shared with the cache and must not be modified.
type FileCache struct {
	config   Config
	storage  storage.Storage
	store    *LRUStore
	registry *DirectoryRegistry
	mutex    sync.Mutex
}

// NewFileCache creates a new FileCache, config can be nil for defaults
func NewFileCache(config *Config, fileStorage storage.Storage) (*FileCache, error) {
	if config == nil {
		config = NewDefaultConfig()
	}

	err := config.Validate()
	if err != nil {
		return nil, err
	}

	if fileStorage == nil {
		return nil, xerrors.Errorf("storage is nil: %w", ErrInvalidConfig)
	}

	fileCache := &FileCache{
		config:  *config,
		storage: fileStorage,
	}

	fileCache.registry = NewDirectoryRegistry(config.CheckForFileChanges, fileStorage, fileCache.handleDirectoryEvent)

	store, err := NewLRUStore(config.CacheSizeLimit, fileCache.registry.Detach)
	if err != nil {
		return nil, err
	}
	fileCache.store = store

	return fileCache, nil
}

// Release drops all cached contents and closes all directory watches.
// The storage is not released.
func (cache *FileCache) Release() {
	cache.Clear()
}

// Read reads a file through the cache and calls back with the result.
// The callback is always called from another goroutine, also on a cache hit.
// options may be nil.
func (cache *FileCache) Read(path string, options interface{}, callback storage.ReadCallback) {
	logger := log.WithFields(log.Fields{
		"package":  "cache",
		"struct":   "FileCache",
		"function": "Read",
	})

	defer utils.StackTraceFromPanic(logger)

	id := MakeEntryID(path, options)

	cache.mutex.Lock()
	content, ok := cache.store.Get(id)
	cache.mutex.Unlock()

	if ok {
		logger.Debugf("Cache hit for %s", id.String())
		go callback(content, nil)
		return
	}

	logger.Debugf("Cache miss for %s", id.String())
	cache.storage.ReadFileAsync(path, options, func(data []byte, err error) {
		if err != nil {
			callback(nil, err)
			return
		}

		cache.mutex.Lock()
		cache.insertLocked(id, data)
		cache.mutex.Unlock()

		callback(data, nil)
	})
}

// ReadBlocking reads a file through the cache.
// Errors from the storage are returned as they are and nothing is cached.
func (cache *FileCache) ReadBlocking(path string, options interface{}) ([]byte, error) {
	logger := log.WithFields(log.Fields{
		"package":  "cache",
		"struct":   "FileCache",
		"function": "ReadBlocking",
	})

	defer utils.StackTraceFromPanic(logger)

	id := MakeEntryID(path, options)

	cache.mutex.Lock()
	content, ok := cache.store.Get(id)
	cache.mutex.Unlock()

	if ok {
		logger.Debugf("Cache hit for %s", id.String())
		return content, nil
	}

	logger.Debugf("Cache miss for %s", id.String())
	data, err := cache.storage.ReadFile(path, options)
	if err != nil {
		return nil, err
	}

	cache.mutex.Lock()
	cache.insertLocked(id, data)
	cache.mutex.Unlock()

	return data, nil
}

// Clear drops all cached contents and closes all directory watches
func (cache *FileCache) Clear() {
	logger := log.WithFields(log.Fields{
		"package":  "cache",
		"struct":   "FileCache",
		"function": "Clear",
	})

	cache.mutex.Lock()
	defer cache.mutex.Unlock()

	snapshot := cache.store.Snapshot()
	logger.Debugf("Clearing %d entries (%s) in %d directories", snapshot.EntryCount, humanize.IBytes(uint64(snapshot.TotalSize)), cache.registry.GetTrackerCount())

	cache.registry.TeardownAll()
	cache.store.Clear()
}

// SetCacheSizeLimit changes the byte size cap, lowering it evicts immediately.
// A negative limit is treated as 0.
func (cache *FileCache) SetCacheSizeLimit(limit int64) {
	if limit < 0 {
		limit = 0
	}

	cache.mutex.Lock()
	defer cache.mutex.Unlock()

	cache.config.CacheSizeLimit = limit
	cache.store.SetSizeCap(limit)
}

// GetConfig returns a copy of the current config
func (cache *FileCache) GetConfig() Config {
	cache.mutex.Lock()
	defer cache.mutex.Unlock()

	return cache.config
}

// Info returns total cached bytes and the number of watched directories
func (cache *FileCache) Info() CacheInfo {
	cache.mutex.Lock()
	defer cache.mutex.Unlock()

	return CacheInfo{
		CacheSize:         cache.store.GetTotalSize(),
		NumTrackedFolders: cache.registry.GetTrackerCount(),
	}
}

// insertLocked stores content and tracks its directory, must be called with lock held
func (cache *FileCache) insertLocked(id EntryID, data []byte) {
	logger := log.WithFields(log.Fields{
		"package":  "cache",
		"struct":   "FileCache",
		"function": "insertLocked",
	})

	if !cache.store.Put(id, data) {
		return
	}

	err := cache.registry.Attach(id)
	if err != nil {
		// an entry that cannot be invalidated is not kept
		logger.WithError(err).Errorf("failed to track %s, not caching", id.String())
		cache.store.discard(id)
	}
}

func (cache *FileCache) handleDirectoryEvent(dirPath string, event storage.WatchEvent) {
	logger := log.WithFields(log.Fields{
		"package":  "cache",
		"struct":   "FileCache",
		"function": "handleDirectoryEvent",
	})

	defer utils.StackTraceFromPanic(logger)

	cache.mutex.Lock()
	defer cache.mutex.Unlock()

	ids := cache.registry.GetEntryIDsForEvent(dirPath, event)
	if len(ids) == 0 {
		return
	}

	if event.HasName() {
		logger.Debugf("Invalidating %d entries for %s in %s (%s)", len(ids), event.Name, dirPath, event.Kind)
	} else {
		logger.Debugf("Invalidating %d entries in %s (%s)", len(ids), dirPath, event.Kind)
	}

	cache.store.Evict(ids)
}
