package storage

import (
	"errors"
	"io"
	"sync"

	irodsclient_fs "github.com/cyverse/go-irodsclient/fs"
	irodsclient_types "github.com/cyverse/go-irodsclient/irods/types"
	"github.com/cyverse/irodsfs-filecache/irods"
	"github.com/cyverse/irodsfs-filecache/utils"
	"github.com/rs/xid"
	log "github.com/sirupsen/logrus"
	"golang.org/x/xerrors"
)

const (
	iRODSReadSize int = 128 * 1024 // 128KB
)

// IRODSWatchHandle implements WatchHandle for IRODSStorage
type IRODSWatchHandle struct {
	id      string
	dirPath string
	handler WatchHandler
	storage *IRODSStorage
	closed  bool
}

// GetID returns the id of the watch
func (handle *IRODSWatchHandle) GetID() string {
	return handle.id
}

// GetDirPath returns the watched collection
func (handle *IRODSWatchHandle) GetDirPath() string {
	return handle.dirPath
}

// Close releases the watch
func (handle *IRODSWatchHandle) Close() error {
	return handle.storage.unwatch(handle)
}

// IRODSStorage reads data objects from iRODS.
// Collections are watched through the client's cache event handlers, so only
// changes made through the same client are noticed. A single handler is registered
// on the first watch and kept until Release.
type IRODSStorage struct {
	client     irods.IRODSFSClient
	resource   string
	handlerID  string
	watches    map[string]map[string]*IRODSWatchHandle // key = collection path, value = handles by id
	terminated bool
	mutex      sync.Mutex
}

// NewIRODSStorage creates a new IRODSStorage, resource can be empty
func NewIRODSStorage(client irods.IRODSFSClient, resource string) *IRODSStorage {
	return &IRODSStorage{
		client:   client,
		resource: resource,
		watches:  map[string]map[string]*IRODSWatchHandle{},
	}
}

// Release unregisters the cache event handler; the client is not released
func (storage *IRODSStorage) Release() {
	logger := log.WithFields(log.Fields{
		"package":  "storage",
		"struct":   "IRODSStorage",
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
	storage.watches = map[string]map[string]*IRODSWatchHandle{}

	handlerID := storage.handlerID
	storage.handlerID = ""
	storage.mutex.Unlock()

	if len(handlerID) > 0 {
		err := storage.client.RemoveCacheEventHandler(handlerID)
		if err != nil {
			logger.WithError(err).Errorf("failed to remove cache event handler %s", handlerID)
		}
	}
}

// ReadFile reads a data object, or a range of it
func (storage *IRODSStorage) ReadFile(path string, options interface{}) ([]byte, error) {
	logger := log.WithFields(log.Fields{
		"package":  "storage",
		"struct":   "IRODSStorage",
		"function": "ReadFile",
	})

	defer utils.StackTraceFromPanic(logger)

	readOptions, err := GetReadOptions(options)
	if err != nil {
		return nil, err
	}

	if readOptions.Offset < 0 {
		return nil, xerrors.Errorf("invalid offset %d for file %s", readOptions.Offset, path)
	}

	entry, err := storage.client.Stat(path)
	if err != nil {
		return nil, xerrors.Errorf("failed to stat file %s: %w", path, err)
	}

	if entry.Type != irodsclient_fs.FileEntry {
		return nil, xerrors.Errorf("failed to read %s: %w", path, ErrNotFile)
	}

	handle, err := storage.client.OpenFile(path, storage.resource, string(irodsclient_types.FileOpenModeReadOnly))
	if err != nil {
		return nil, xerrors.Errorf("failed to open file %s: %w", path, err)
	}
	defer handle.Close()

	size := handle.GetEntry().Size
	length := size - readOptions.Offset
	if readOptions.Length > 0 && readOptions.Length < length {
		length = readOptions.Length
	}

	if length <= 0 {
		return []byte{}, nil
	}

	logger.Debugf("Reading %s, offset %d, length %d", path, readOptions.Offset, length)

	data := make([]byte, length)
	totalReadLen := 0
	for int64(totalReadLen) < length {
		end := totalReadLen + iRODSReadSize
		if int64(end) > length {
			end = int(length)
		}

		readLen, err := handle.ReadAt(data[totalReadLen:end], readOptions.Offset+int64(totalReadLen))
		totalReadLen += readLen

		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, xerrors.Errorf("failed to read file %s: %w", path, err)
		}

		if readLen == 0 {
			break
		}
	}

	return data[:totalReadLen], nil
}

// ReadFileAsync reads a data object in a new goroutine and calls back with the result
func (storage *IRODSStorage) ReadFileAsync(path string, options interface{}, callback ReadCallback) {
	go func() {
		data, err := storage.ReadFile(path, options)
		callback(data, err)
	}()
}

// Watch starts watching the given collection
func (storage *IRODSStorage) Watch(dirPath string, handler WatchHandler) (WatchHandle, error) {
	logger := log.WithFields(log.Fields{
		"package":  "storage",
		"struct":   "IRODSStorage",
		"function": "Watch",
	})

	storage.mutex.Lock()
	defer storage.mutex.Unlock()

	if storage.terminated {
		return nil, ErrStorageReleased
	}

	if len(storage.handlerID) == 0 {
		handlerID, err := storage.client.AddCacheEventHandler(storage.handleCacheEvent)
		if err != nil {
			return nil, xerrors.Errorf("failed to add cache event handler: %w", err)
		}
		storage.handlerID = handlerID
		logger.Debugf("Registered cache event handler %s", handlerID)
	}

	dirPath = utils.MakeIRODSCleanPath(dirPath)

	handles, ok := storage.watches[dirPath]
	if !ok {
		handles = map[string]*IRODSWatchHandle{}
		storage.watches[dirPath] = handles
	}

	handle := &IRODSWatchHandle{
		id:      xid.New().String(),
		dirPath: dirPath,
		handler: handler,
		storage: storage,
	}

	handles[handle.id] = handle
	return handle, nil
}

func (storage *IRODSStorage) unwatch(handle *IRODSWatchHandle) error {
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
	if len(handles) == 0 {
		delete(storage.watches, handle.dirPath)
	}
	return nil
}

func (storage *IRODSStorage) getHandlers(dirPath string) []WatchHandler {
	storage.mutex.Lock()
	defer storage.mutex.Unlock()

	handlers := []WatchHandler{}
	for _, handle := range storage.watches[dirPath] {
		handlers = append(handlers, handle.handler)
	}
	return handlers
}

func (storage *IRODSStorage) handleCacheEvent(path string, eventType irodsclient_fs.FilesystemCacheEventType) {
	logger := log.WithFields(log.Fields{
		"package":  "storage",
		"struct":   "IRODSStorage",
		"function": "handleCacheEvent",
	})

	defer utils.StackTraceFromPanic(logger)

	path = utils.MakeIRODSCleanPath(path)
	logger.Debugf("Received cache event %s for %s", eventType, path)

	kind := EventKindChange
	switch eventType {
	case irodsclient_fs.FilesystemCacheFileCreateEvent, irodsclient_fs.FilesystemCacheFileRemoveEvent,
		irodsclient_fs.FilesystemCacheDirCreateEvent, irodsclient_fs.FilesystemCacheDirRemoveEvent:
		kind = EventKindRename
	}

	// the watched collection itself changed
	for _, handler := range storage.getHandlers(path) {
		handler(WatchEvent{Kind: kind})
	}

	for _, handler := range storage.getHandlers(utils.GetIRODSDirName(path)) {
		handler(WatchEvent{
			Kind: kind,
			Name: utils.GetIRODSFileName(path),
		})
	}
}
