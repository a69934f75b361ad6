package storage

import (
	"golang.org/x/xerrors"
)

// ErrStorageReleased is returned when a released storage is asked to watch
var ErrStorageReleased = xerrors.New("storage is already released")

// ErrNotFile is returned when a read names a directory or collection
var ErrNotFile = xerrors.New("not a file")

// EventKind is a kind of directory change
type EventKind string

const (
	// EventKindRename is for entries created, removed or renamed
	EventKindRename EventKind = "rename"
	// EventKindChange is for content or attribute changes
	EventKindChange EventKind = "change"
)

// WatchEvent is a change notification for a watched directory
type WatchEvent struct {
	Kind EventKind
	// Name is the changed entry name relative to the watched directory.
	// Empty if the storage cannot tell which entry changed.
	Name string
}

// HasName returns true if the event names a specific entry
func (event WatchEvent) HasName() bool {
	return len(event.Name) > 0
}

// WatchHandler receives change notifications for a directory
type WatchHandler func(event WatchEvent)

// ReadCallback receives the result of an asynchronous read
type ReadCallback func(data []byte, err error)

// ReadOptions selects a byte range of a file.
// Length <= 0 reads to the end of the file.
type ReadOptions struct {
	Offset int64 `json:"offset,omitempty"`
	Length int64 `json:"length,omitempty"`
}

// WatchHandle is a live directory watch
type WatchHandle interface {
	GetID() string
	GetDirPath() string

	// Close releases the watch, it is safe to call more than once
	Close() error
}

// Watcher registers directory watches
type Watcher interface {
	Watch(dirPath string, handler WatchHandler) (WatchHandle, error)
}

// Reader reads files. options is either nil, ReadOptions or *ReadOptions.
type Reader interface {
	ReadFile(path string, options interface{}) ([]byte, error)
	ReadFileAsync(path string, options interface{}, callback ReadCallback)
}

// Storage is a file storage that can notify changes
type Storage interface {
	Reader
	Watcher

	Release()
}

// GetReadOptions converts opaque read options to ReadOptions
func GetReadOptions(options interface{}) (ReadOptions, error) {
	switch opt := options.(type) {
	case nil:
		return ReadOptions{}, nil
	case ReadOptions:
		return opt, nil
	case *ReadOptions:
		if opt == nil {
			return ReadOptions{}, nil
		}
		return *opt, nil
	default:
		return ReadOptions{}, xerrors.Errorf("unsupported read options type %T", options)
	}
}
