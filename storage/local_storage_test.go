package storage

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/xid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	watchTimeout = 10 * time.Second
	watchTick    = 20 * time.Millisecond
)

func TestLocalStorage(t *testing.T) {
	t.Run("test ReadFile", testLocalReadFile)
	t.Run("test ReadFileRange", testLocalReadFileRange)
	t.Run("test ReadFileHugeLength", testLocalReadFileHugeLength)
	t.Run("test ReadFileFailure", testLocalReadFileFailure)
	t.Run("test ReadFileAsync", testLocalReadFileAsync)
	t.Run("test WatchNamedEvent", testLocalWatchNamedEvent)
	t.Run("test WatchDirRemoved", testLocalWatchDirRemoved)
	t.Run("test WatchHandleClose", testLocalWatchHandleClose)
	t.Run("test Release", testLocalRelease)
}

type eventRecorder struct {
	events []WatchEvent
	mutex  sync.Mutex
}

func (recorder *eventRecorder) handle(event WatchEvent) {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()

	recorder.events = append(recorder.events, event)
}

func (recorder *eventRecorder) count() int {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()

	return len(recorder.events)
}

func (recorder *eventRecorder) hasEvent(pred func(event WatchEvent) bool) bool {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()

	for _, event := range recorder.events {
		if pred(event) {
			return true
		}
	}
	return false
}

func newTestLocalStorage(t *testing.T) *LocalStorage {
	localStorage, err := NewLocalStorage()
	require.NoError(t, err)
	t.Cleanup(localStorage.Release)
	return localStorage
}

func makeTestDir(t *testing.T) string {
	dirPath := filepath.Join(t.TempDir(), xid.New().String())
	require.NoError(t, os.MkdirAll(dirPath, 0755))
	return dirPath
}

func testLocalReadFile(t *testing.T) {
	localStorage := newTestLocalStorage(t)

	path := filepath.Join(makeTestDir(t), "a.txt")
	require.NoError(t, os.WriteFile(path, []byte("abcdefghij"), 0644))

	data, err := localStorage.ReadFile(path, nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("abcdefghij"), data)
}

func testLocalReadFileRange(t *testing.T) {
	localStorage := newTestLocalStorage(t)

	path := filepath.Join(makeTestDir(t), "a.txt")
	require.NoError(t, os.WriteFile(path, []byte("abcdefghij"), 0644))

	data, err := localStorage.ReadFile(path, ReadOptions{Offset: 2, Length: 3})
	require.NoError(t, err)
	assert.Equal(t, []byte("cde"), data)

	data, err = localStorage.ReadFile(path, &ReadOptions{Offset: 7})
	require.NoError(t, err)
	assert.Equal(t, []byte("hij"), data)

	data, err = localStorage.ReadFile(path, ReadOptions{Offset: 8, Length: 100})
	require.NoError(t, err)
	assert.Equal(t, []byte("ij"), data)

	data, err = localStorage.ReadFile(path, ReadOptions{Offset: 20})
	require.NoError(t, err)
	assert.Empty(t, data)

	_, err = localStorage.ReadFile(path, ReadOptions{Offset: -1})
	assert.Error(t, err)

	_, err = localStorage.ReadFile(path, "utf8")
	assert.Error(t, err)
}

func testLocalReadFileHugeLength(t *testing.T) {
	localStorage := newTestLocalStorage(t)

	path := filepath.Join(makeTestDir(t), "a.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0644))

	data, err := localStorage.ReadFile(path, ReadOptions{Length: 1 << 62})
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), data)

	data, err = localStorage.ReadFile(path, ReadOptions{Offset: 3, Length: 1 << 40})
	require.NoError(t, err)
	assert.Equal(t, []byte("lo"), data)
}

func testLocalReadFileFailure(t *testing.T) {
	localStorage := newTestLocalStorage(t)

	path := filepath.Join(makeTestDir(t), "missing.txt")

	_, err := localStorage.ReadFile(path, nil)
	assert.ErrorIs(t, err, os.ErrNotExist)

	_, err = localStorage.ReadFile(path, ReadOptions{Offset: 1})
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func testLocalReadFileAsync(t *testing.T) {
	localStorage := newTestLocalStorage(t)

	path := filepath.Join(makeTestDir(t), "a.txt")
	require.NoError(t, os.WriteFile(path, []byte("async"), 0644))

	resultChan := make(chan []byte, 1)
	localStorage.ReadFileAsync(path, nil, func(data []byte, err error) {
		assert.NoError(t, err)
		resultChan <- data
	})

	select {
	case data := <-resultChan:
		assert.Equal(t, []byte("async"), data)
	case <-time.After(watchTimeout):
		assert.Fail(t, "async read timed out")
	}
}

func testLocalWatchNamedEvent(t *testing.T) {
	localStorage := newTestLocalStorage(t)

	dirPath := makeTestDir(t)
	recorder := &eventRecorder{}

	handle, err := localStorage.Watch(dirPath, recorder.handle)
	require.NoError(t, err)
	assert.Equal(t, dirPath, handle.GetDirPath())
	assert.NotEmpty(t, handle.GetID())
	assert.Equal(t, []string{dirPath}, localStorage.GetWatchedDirs())

	require.NoError(t, os.WriteFile(filepath.Join(dirPath, "new.txt"), []byte("x"), 0644))

	assert.Eventually(t, func() bool {
		return recorder.hasEvent(func(event WatchEvent) bool {
			return event.Name == "new.txt" && event.Kind == EventKindRename
		})
	}, watchTimeout, watchTick)

	require.NoError(t, os.WriteFile(filepath.Join(dirPath, "new.txt"), []byte("xy"), 0644))

	assert.Eventually(t, func() bool {
		return recorder.hasEvent(func(event WatchEvent) bool {
			return event.Name == "new.txt" && event.Kind == EventKindChange
		})
	}, watchTimeout, watchTick)
}

func testLocalWatchDirRemoved(t *testing.T) {
	localStorage := newTestLocalStorage(t)

	dirPath := makeTestDir(t)
	recorder := &eventRecorder{}

	_, err := localStorage.Watch(dirPath, recorder.handle)
	require.NoError(t, err)

	require.NoError(t, os.RemoveAll(dirPath))

	assert.Eventually(t, func() bool {
		return recorder.hasEvent(func(event WatchEvent) bool {
			return !event.HasName()
		})
	}, watchTimeout, watchTick)
}

func testLocalWatchHandleClose(t *testing.T) {
	localStorage := newTestLocalStorage(t)

	dirPath := makeTestDir(t)

	handle1, err := localStorage.Watch(dirPath, func(event WatchEvent) {})
	require.NoError(t, err)
	handle2, err := localStorage.Watch(dirPath, func(event WatchEvent) {})
	require.NoError(t, err)
	assert.NotEqual(t, handle1.GetID(), handle2.GetID())

	assert.NoError(t, handle1.Close())
	assert.Equal(t, []string{dirPath}, localStorage.GetWatchedDirs())

	assert.NoError(t, handle2.Close())
	assert.Empty(t, localStorage.GetWatchedDirs())

	// closing twice is harmless
	assert.NoError(t, handle2.Close())

	_, err = localStorage.Watch(filepath.Join(dirPath, "missing"), func(event WatchEvent) {})
	assert.Error(t, err)
	assert.Empty(t, localStorage.GetWatchedDirs())
}

func testLocalRelease(t *testing.T) {
	localStorage, err := NewLocalStorage()
	require.NoError(t, err)

	dirPath := makeTestDir(t)
	handle, err := localStorage.Watch(dirPath, func(event WatchEvent) {})
	require.NoError(t, err)

	localStorage.Release()
	localStorage.Release()

	assert.NoError(t, handle.Close())

	_, err = localStorage.Watch(dirPath, func(event WatchEvent) {})
	assert.ErrorIs(t, err, ErrStorageReleased)

	data, err := localStorage.ReadFile(filepath.Join(dirPath, "missing.txt"), nil)
	assert.Error(t, err)
	assert.Nil(t, data)
}
