package irods

import (
	irodsclient_fs "github.com/cyverse/go-irodsclient/fs"
)

// IRODSFSClient is the part of an iRODS filesystem client needed to read data objects
// and to learn about changes made through the client
type IRODSFSClient interface {
	Release()

	Stat(path string) (*irodsclient_fs.Entry, error)
	OpenFile(path string, resource string, mode string) (IRODSFSFileHandle, error)

	AddCacheEventHandler(handler irodsclient_fs.FilesystemCacheEventHandler) (string, error)
	RemoveCacheEventHandler(handlerID string) error
}

// IRODSFSFileHandle is an open data object
type IRODSFSFileHandle interface {
	GetID() string
	GetEntry() *irodsclient_fs.Entry
	ReadAt(buffer []byte, offset int64) (int, error)
	Close() error
}
