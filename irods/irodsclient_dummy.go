package irods

import (
	"io"
	"strings"
	"sync"
	"time"

	irodsclient_fs "github.com/cyverse/go-irodsclient/fs"
	irodsclient_types "github.com/cyverse/go-irodsclient/irods/types"
	"github.com/cyverse/irodsfs-filecache/utils"
	"github.com/rs/xid"
	"golang.org/x/xerrors"
)

const (
	dummyIDStart int64 = 90000000
)

// IRODSFSClientDummy implements IRODSFSClient with in-memory data objects.
// Changes made with AddFile, UpdateFile and RemoveFile are reported to cache event handlers
// the same way go-irodsclient reports changes made through a FileSystem.
type IRODSFSClientDummy struct {
	dummyIDCount     int64
	dummyEntry       map[string]*irodsclient_fs.Entry
	dummyFileContent map[string][]byte
	handlers         map[string]irodsclient_fs.FilesystemCacheEventHandler
	mutex            sync.Mutex
}

// NewIRODSFSClientDummy creates IRODSFSClient with dummy data
func NewIRODSFSClientDummy() *IRODSFSClientDummy {
	return &IRODSFSClientDummy{
		dummyIDCount:     0,
		dummyEntry:       map[string]*irodsclient_fs.Entry{},
		dummyFileContent: map[string][]byte{},
		handlers:         map[string]irodsclient_fs.FilesystemCacheEventHandler{},
	}
}

// Release releases resources
func (client *IRODSFSClientDummy) Release() {
}

func (client *IRODSFSClientDummy) makeDummyFile(path string, size int64) *irodsclient_fs.Entry {
	client.dummyIDCount++

	return &irodsclient_fs.Entry{
		ID:         dummyIDStart + client.dummyIDCount,
		Type:       irodsclient_fs.FileEntry,
		Name:       utils.GetIRODSFileName(path),
		Path:       path,
		Size:       size,
		CreateTime: time.Now(),
		ModifyTime: time.Now(),
	}
}

// AddFile adds a dummy data object
func (client *IRODSFSClientDummy) AddFile(path string, content []byte) {
	path = utils.MakeIRODSCleanPath(path)

	client.mutex.Lock()
	client.dummyEntry[path] = client.makeDummyFile(path, int64(len(content)))
	client.dummyFileContent[path] = content
	handlers := client.getHandlersLocked()
	client.mutex.Unlock()

	for _, handler := range handlers {
		handler(path, irodsclient_fs.FilesystemCacheFileCreateEvent)
	}
}

// UpdateFile replaces content of a dummy data object
func (client *IRODSFSClientDummy) UpdateFile(path string, content []byte) error {
	path = utils.MakeIRODSCleanPath(path)

	client.mutex.Lock()
	entry, ok := client.dummyEntry[path]
	if !ok {
		client.mutex.Unlock()
		return xerrors.Errorf("failed to find the file for path %s: %w", path, irodsclient_types.NewFileNotFoundError(path))
	}

	entry.Size = int64(len(content))
	entry.ModifyTime = time.Now()
	client.dummyFileContent[path] = content
	handlers := client.getHandlersLocked()
	client.mutex.Unlock()

	for _, handler := range handlers {
		handler(path, irodsclient_fs.FilesystemCacheFileUpdateEvent)
	}
	return nil
}

// RemoveFile removes a dummy data object
func (client *IRODSFSClientDummy) RemoveFile(path string) error {
	path = utils.MakeIRODSCleanPath(path)

	client.mutex.Lock()
	if _, ok := client.dummyEntry[path]; !ok {
		client.mutex.Unlock()
		return xerrors.Errorf("failed to find the file for path %s: %w", path, irodsclient_types.NewFileNotFoundError(path))
	}

	delete(client.dummyEntry, path)
	delete(client.dummyFileContent, path)
	handlers := client.getHandlersLocked()
	client.mutex.Unlock()

	for _, handler := range handlers {
		handler(path, irodsclient_fs.FilesystemCacheFileRemoveEvent)
	}
	return nil
}

// Stat stats fs entry, collections exist implicitly for every added data object
func (client *IRODSFSClientDummy) Stat(path string) (*irodsclient_fs.Entry, error) {
	path = utils.MakeIRODSCleanPath(path)

	client.mutex.Lock()
	defer client.mutex.Unlock()

	if entry, ok := client.dummyEntry[path]; ok {
		entryCopy := *entry
		return &entryCopy, nil
	}

	prefix := path + "/"
	if path == "/" {
		prefix = path
	}

	for filePath := range client.dummyEntry {
		if strings.HasPrefix(filePath, prefix) {
			return &irodsclient_fs.Entry{
				ID:   0,
				Type: irodsclient_fs.DirectoryEntry,
				Name: utils.GetIRODSFileName(path),
				Path: path,
			}, nil
		}
	}

	return nil, xerrors.Errorf("failed to find the file or directory for path %s: %w", path, irodsclient_types.NewFileNotFoundError(path))
}

// OpenFile opens a file, only read-only mode is supported
func (client *IRODSFSClientDummy) OpenFile(path string, resource string, mode string) (IRODSFSFileHandle, error) {
	if mode != string(irodsclient_types.FileOpenModeReadOnly) {
		return nil, xerrors.Errorf("failed to open file %s with mode %s", path, mode)
	}

	path = utils.MakeIRODSCleanPath(path)

	client.mutex.Lock()
	defer client.mutex.Unlock()

	if entry, ok := client.dummyEntry[path]; ok {
		entryCopy := *entry
		return &IRODSFSClientDummyFileHandle{
			id:      xid.New().String(),
			entry:   &entryCopy,
			content: client.dummyFileContent[path],
		}, nil
	}

	return nil, xerrors.Errorf("failed to open the file for path %s: %w", path, irodsclient_types.NewFileNotFoundError(path))
}

// AddCacheEventHandler registers a cache event handler
func (client *IRODSFSClientDummy) AddCacheEventHandler(handler irodsclient_fs.FilesystemCacheEventHandler) (string, error) {
	client.mutex.Lock()
	defer client.mutex.Unlock()

	handlerID := xid.New().String()
	client.handlers[handlerID] = handler
	return handlerID, nil
}

// RemoveCacheEventHandler unregisters a cache event handler
func (client *IRODSFSClientDummy) RemoveCacheEventHandler(handlerID string) error {
	client.mutex.Lock()
	defer client.mutex.Unlock()

	delete(client.handlers, handlerID)
	return nil
}

// GetCacheEventHandlerCount returns the number of registered handlers
func (client *IRODSFSClientDummy) GetCacheEventHandlerCount() int {
	client.mutex.Lock()
	defer client.mutex.Unlock()

	return len(client.handlers)
}

func (client *IRODSFSClientDummy) getHandlersLocked() []irodsclient_fs.FilesystemCacheEventHandler {
	handlers := []irodsclient_fs.FilesystemCacheEventHandler{}
	for _, handler := range client.handlers {
		handlers = append(handlers, handler)
	}
	return handlers
}

// IRODSFSClientDummyFileHandle implements IRODSFSFileHandle
type IRODSFSClientDummyFileHandle struct {
	id      string
	entry   *irodsclient_fs.Entry
	content []byte
}

func (handle *IRODSFSClientDummyFileHandle) GetID() string {
	return handle.id
}

func (handle *IRODSFSClientDummyFileHandle) GetEntry() *irodsclient_fs.Entry {
	return handle.entry
}

func (handle *IRODSFSClientDummyFileHandle) ReadAt(buffer []byte, offset int64) (int, error) {
	if offset >= int64(len(handle.content)) {
		return 0, io.EOF
	}

	copied := copy(buffer, handle.content[offset:])
	if offset+int64(copied) == int64(len(handle.content)) {
		return copied, io.EOF
	}
	return copied, nil
}

func (handle *IRODSFSClientDummyFileHandle) Close() error {
	return nil
}
