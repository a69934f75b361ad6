package cache

import (
	"sync"

	"github.com/cyverse/irodsfs-filecache/storage"
	"github.com/rs/xid"
	"golang.org/x/xerrors"
)

var errFakeNotFound = xerrors.New("fake file not found")

type fakeWatchHandle struct {
	id         string
	dirPath    string
	handler    storage.WatchHandler
	storage    *fakeStorage
	closeCount int
}

func (handle *fakeWatchHandle) GetID() string {
	return handle.id
}

func (handle *fakeWatchHandle) GetDirPath() string {
	return handle.dirPath
}

func (handle *fakeWatchHandle) Close() error {
	handle.storage.mutex.Lock()
	defer handle.storage.mutex.Unlock()

	handle.closeCount++
	return nil
}

// fakeStorage is an in-memory storage that counts reads and records watches
type fakeStorage struct {
	files     map[string][]byte
	readCount map[string]int
	watches   []*fakeWatchHandle
	watchErr  error
	readGate  chan struct{} // async reads wait until closed, if set
	mutex     sync.Mutex
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{
		files:     map[string][]byte{},
		readCount: map[string]int{},
		watches:   []*fakeWatchHandle{},
	}
}

func (fake *fakeStorage) setFile(path string, content string) {
	fake.mutex.Lock()
	defer fake.mutex.Unlock()

	fake.files[path] = []byte(content)
}

func (fake *fakeStorage) getReadCount(path string) int {
	fake.mutex.Lock()
	defer fake.mutex.Unlock()

	return fake.readCount[path]
}

func (fake *fakeStorage) ReadFile(path string, options interface{}) ([]byte, error) {
	fake.mutex.Lock()
	defer fake.mutex.Unlock()

	fake.readCount[path]++

	content, ok := fake.files[path]
	if !ok {
		return nil, xerrors.Errorf("failed to read %s: %w", path, errFakeNotFound)
	}

	readOptions, err := storage.GetReadOptions(options)
	if err != nil {
		return nil, err
	}

	if readOptions.Offset > 0 || readOptions.Length > 0 {
		end := int64(len(content))
		if readOptions.Length > 0 && readOptions.Offset+readOptions.Length < end {
			end = readOptions.Offset + readOptions.Length
		}
		content = content[readOptions.Offset:end]
	}

	copied := make([]byte, len(content))
	copy(copied, content)
	return copied, nil
}

func (fake *fakeStorage) ReadFileAsync(path string, options interface{}, callback storage.ReadCallback) {
	fake.mutex.Lock()
	gate := fake.readGate
	fake.mutex.Unlock()

	go func() {
		if gate != nil {
			<-gate
		}

		data, err := fake.ReadFile(path, options)
		callback(data, err)
	}()
}

func (fake *fakeStorage) Watch(dirPath string, handler storage.WatchHandler) (storage.WatchHandle, error) {
	fake.mutex.Lock()
	defer fake.mutex.Unlock()

	if fake.watchErr != nil {
		return nil, fake.watchErr
	}

	handle := &fakeWatchHandle{
		id:      xid.New().String(),
		dirPath: dirPath,
		handler: handler,
		storage: fake,
	}
	fake.watches = append(fake.watches, handle)
	return handle, nil
}

func (fake *fakeStorage) Release() {
}

// fire delivers an event to every open watch of the directory
func (fake *fakeStorage) fire(dirPath string, event storage.WatchEvent) {
	fake.mutex.Lock()
	handlers := []storage.WatchHandler{}
	for _, handle := range fake.watches {
		if handle.dirPath == dirPath && handle.closeCount == 0 {
			handlers = append(handlers, handle.handler)
		}
	}
	fake.mutex.Unlock()

	for _, handler := range handlers {
		handler(event)
	}
}

func (fake *fakeStorage) getWatches() []*fakeWatchHandle {
	fake.mutex.Lock()
	defer fake.mutex.Unlock()

	watches := make([]*fakeWatchHandle, len(fake.watches))
	copy(watches, fake.watches)
	return watches
}

func (fake *fakeStorage) getCloseCount(handle *fakeWatchHandle) int {
	fake.mutex.Lock()
	defer fake.mutex.Unlock()

	return handle.closeCount
}
