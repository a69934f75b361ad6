package storage

import (
	"errors"
	"io"
	"os"
	"sync"

	"github.com/cyverse/irodsfs-filecache/utils"
	"github.com/fsnotify/fsnotify"
	"github.com/rs/xid"
	log "github.com/sirupsen/logrus"
	"golang.org/x/xerrors"
)

// LocalWatchHandle implements WatchHandle for LocalStorage
type LocalWatchHandle struct {
	id      string
	dirPath string
	handler WatchHandler
	storage *LocalStorage
	closed  bool
}

// GetID returns the id of the watch
func (handle *LocalWatchHandle) GetID() string {
	return handle.id
}

// GetDirPath returns the watched directory
func (handle *LocalWatchHandle) GetDirPath() string {
	return handle.dirPath
}

// Close releases the watch
func (handle *LocalWatchHandle) Close() error {
	return handle.storage.unwatch(handle)
}

// LocalStorage reads files from the local filesystem and watches directories with fsnotify.
// A single fsnotify watcher is shared by all directory watches.
type LocalStorage struct {
	watcher    *fsnotify.Watcher
	watches    map[string]map[string]*LocalWatchHandle // key = dir path, value = handles by id
	terminated bool
	waiter     sync.WaitGroup
	mutex      sync.Mutex
}

// NewLocalStorage creates a new LocalStorage
func NewLocalStorage() (*LocalStorage, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, xerrors.Errorf("failed to create fsnotify watcher: %w", err)
	}

	storage := &LocalStorage{
		watcher: watcher,
		watches: map[string]map[string]*LocalWatchHandle{},
	}

	storage.waiter.Add(1)
	go storage.watchLoop()

	return storage, nil
}

// Release closes the fsnotify watcher and waits for the event loop to exit
func (storage *LocalStorage) Release() {
	logger := log.WithFields(log.Fields{
		"package":  "storage",
		"struct":   "LocalStorage",
		"function": "Release",
	})

	storage.mutex.Lock()
	if storage.terminated {
		storage.mutex.Unlock()
		return
	}

	storage.terminated = true
	for _, handles := range storage.watches {
		for _, handle := range handles {
			handle.closed = true
		}
	}
	storage.watches = map[string]map[string]*LocalWatchHandle{}
	storage.mutex.Unlock()

	err := storage.watcher.Close()
	if err != nil {
		logger.WithError(err).Error("failed to close fsnotify watcher")
	}

	storage.waiter.Wait()
}

// ReadFile reads a file, or a range of it
func (storage *LocalStorage) ReadFile(path string, options interface{}) ([]byte, error) {
	readOptions, err := GetReadOptions(options)
	if err != nil {
		return nil, err
	}

	if readOptions.Offset < 0 {
		return nil, xerrors.Errorf("invalid offset %d for file %s", readOptions.Offset, path)
	}

	if readOptions.Offset == 0 && readOptions.Length <= 0 {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, xerrors.Errorf("failed to read file %s: %w", path, err)
		}
		return data, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, xerrors.Errorf("failed to open file %s: %w", path, err)
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		return nil, xerrors.Errorf("failed to stat file %s: %w", path, err)
	}

	// never allocate past the end of the file
	length := stat.Size() - readOptions.Offset
	if readOptions.Length > 0 && readOptions.Length < length {
		length = readOptions.Length
	}

	if length <= 0 {
		return []byte{}, nil
	}

	buffer := make([]byte, length)
	readLen, err := f.ReadAt(buffer, readOptions.Offset)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, xerrors.Errorf("failed to read file %s at offset %d: %w", path, readOptions.Offset, err)
	}

	return buffer[:readLen], nil
}

// ReadFileAsync reads a file in a new goroutine and calls back with the result
func (storage *LocalStorage) ReadFileAsync(path string, options interface{}, callback ReadCallback) {
	go func() {
		data, err := storage.ReadFile(path, options)
		callback(data, err)
	}()
}

// Watch starts watching the given directory
func (storage *LocalStorage) Watch(dirPath string, handler WatchHandler) (WatchHandle, error) {
	logger := log.WithFields(log.Fields{
		"package":  "storage",
		"struct":   "LocalStorage",
		"function": "Watch",
	})

	storage.mutex.Lock()
	defer storage.mutex.Unlock()

	if storage.terminated {
		return nil, ErrStorageReleased
	}

	handles, ok := storage.watches[dirPath]
	if !ok {
		err := storage.watcher.Add(dirPath)
		if err != nil {
			return nil, xerrors.Errorf("failed to watch directory %s: %w", dirPath, err)
		}

		handles = map[string]*LocalWatchHandle{}
		storage.watches[dirPath] = handles
		logger.Debugf("Started watching directory %s", dirPath)
	}

	handle := &LocalWatchHandle{
		id:      xid.New().String(),
		dirPath: dirPath,
		handler: handler,
		storage: storage,
	}

	handles[handle.id] = handle
	return handle, nil
}

// GetWatchedDirs returns directories currently watched
func (storage *LocalStorage) GetWatchedDirs() []string {
	storage.mutex.Lock()
	defer storage.mutex.Unlock()

	dirs := []string{}
	for dirPath := range storage.watches {
		dirs = append(dirs, dirPath)
	}
	return dirs
}

func (storage *LocalStorage) unwatch(handle *LocalWatchHandle) error {
	logger := log.WithFields(log.Fields{
		"package":  "storage",
		"struct":   "LocalStorage",
		"function": "unwatch",
	})

	storage.mutex.Lock()
	defer storage.mutex.Unlock()

	if handle.closed {
		return nil
	}
	handle.closed = true

	handles, ok := storage.watches[handle.dirPath]
	if !ok {
		return nil
	}

	delete(handles, handle.id)
	if len(handles) > 0 {
		return nil
	}

	delete(storage.watches, handle.dirPath)
	logger.Debugf("Stopped watching directory %s", handle.dirPath)

	err := storage.watcher.Remove(handle.dirPath)
	if err != nil && !errors.Is(err, fsnotify.ErrNonExistentWatch) {
		// the directory may be gone already
		return xerrors.Errorf("failed to unwatch directory %s: %w", handle.dirPath, err)
	}
	return nil
}

// getHandlers returns handlers registered for the directory
func (storage *LocalStorage) getHandlers(dirPath string) []WatchHandler {
	storage.mutex.Lock()
	defer storage.mutex.Unlock()

	handlers := []WatchHandler{}
	for _, handle := range storage.watches[dirPath] {
		handlers = append(handlers, handle.handler)
	}
	return handlers
}

func (storage *LocalStorage) getAllHandlers() map[string][]WatchHandler {
	storage.mutex.Lock()
	defer storage.mutex.Unlock()

	handlers := map[string][]WatchHandler{}
	for dirPath, handles := range storage.watches {
		for _, handle := range handles {
			handlers[dirPath] = append(handlers[dirPath], handle.handler)
		}
	}
	return handlers
}

func (storage *LocalStorage) watchLoop() {
	logger := log.WithFields(log.Fields{
		"package":  "storage",
		"struct":   "LocalStorage",
		"function": "watchLoop",
	})

	defer storage.waiter.Done()
	defer utils.StackTraceFromPanic(logger)

	for {
		select {
		case event, ok := <-storage.watcher.Events:
			if !ok {
				return
			}
			storage.dispatch(event)
		case err, ok := <-storage.watcher.Errors:
			if !ok {
				return
			}

			if errors.Is(err, fsnotify.ErrEventOverflow) {
				// events were dropped, we cannot tell what changed
				logger.Warn("fsnotify event queue overflowed, invalidating all watched directories")
				for _, handlers := range storage.getAllHandlers() {
					for _, handler := range handlers {
						handler(WatchEvent{Kind: EventKindRename})
					}
				}
				continue
			}

			logger.WithError(err).Error("received an error from fsnotify")
		}
	}
}

func (storage *LocalStorage) dispatch(event fsnotify.Event) {
	logger := log.WithFields(log.Fields{
		"package":  "storage",
		"struct":   "LocalStorage",
		"function": "dispatch",
	})

	kind := EventKindChange
	if event.Has(fsnotify.Create) || event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
		kind = EventKindRename
	}

	logger.Debugf("Received fsnotify event %s", event.String())

	// the watched directory itself was removed or renamed
	if selfHandlers := storage.getHandlers(event.Name); len(selfHandlers) > 0 {
		for _, handler := range selfHandlers {
			handler(WatchEvent{Kind: kind})
		}
	}

	dirPath := utils.GetDirName(event.Name)
	name := utils.GetFileName(event.Name)
	for _, handler := range storage.getHandlers(dirPath) {
		handler(WatchEvent{
			Kind: kind,
			Name: name,
		})
	}
}
