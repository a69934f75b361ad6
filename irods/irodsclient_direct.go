package irods

import (
	"io"

	irodsclient_fs "github.com/cyverse/go-irodsclient/fs"
	irodsclient_types "github.com/cyverse/go-irodsclient/irods/types"
	"github.com/cyverse/irodsfs-filecache/utils"
	log "github.com/sirupsen/logrus"
	"golang.org/x/xerrors"
)

// IRODSFSClientDirect implements IRODSFSClient with go-irodsclient
// direct access to iRODS server
type IRODSFSClientDirect struct {
	config  *irodsclient_fs.FileSystemConfig
	account *irodsclient_types.IRODSAccount
	fs      *irodsclient_fs.FileSystem
}

// NewIRODSFSClientDirect creates IRODSFSClient using IRODSFSClientDirect
func NewIRODSFSClientDirect(account *irodsclient_types.IRODSAccount, config *irodsclient_fs.FileSystemConfig) (IRODSFSClient, error) {
	logger := log.WithFields(log.Fields{
		"package":  "irods",
		"function": "NewIRODSFSClientDirect",
	})

	defer utils.StackTraceFromPanic(logger)

	fs, err := irodsclient_fs.NewFileSystem(account, config)
	if err != nil {
		return nil, xerrors.Errorf("failed to create iRODS filesystem for user %s: %w", account.ClientUser, err)
	}

	return &IRODSFSClientDirect{
		config:  config,
		account: account,
		fs:      fs,
	}, nil
}

// NewIRODSFSClientDirectWithDefault creates IRODSFSClient with default filesystem config
func NewIRODSFSClientDirectWithDefault(account *irodsclient_types.IRODSAccount, applicationName string) (IRODSFSClient, error) {
	config := irodsclient_fs.NewFileSystemConfig(applicationName)
	return NewIRODSFSClientDirect(account, config)
}

// Release releases resources
func (client *IRODSFSClientDirect) Release() {
	if client.fs != nil {
		client.fs.Release()
		client.fs = nil
	}
}

// Stat stats fs entry
func (client *IRODSFSClientDirect) Stat(path string) (*irodsclient_fs.Entry, error) {
	if client.fs == nil {
		return nil, xerrors.Errorf("FSClient is nil")
	}

	logger := log.WithFields(log.Fields{
		"package":  "irods",
		"struct":   "IRODSFSClientDirect",
		"function": "Stat",
	})

	defer utils.StackTraceFromPanic(logger)

	entry, err := client.fs.Stat(path)
	if err != nil {
		return nil, xerrors.Errorf("failed to stat %s: %w", path, err)
	}
	return entry, nil
}

// OpenFile opens a file
func (client *IRODSFSClientDirect) OpenFile(path string, resource string, mode string) (IRODSFSFileHandle, error) {
	if client.fs == nil {
		return nil, xerrors.Errorf("FSClient is nil")
	}

	logger := log.WithFields(log.Fields{
		"package":  "irods",
		"struct":   "IRODSFSClientDirect",
		"function": "OpenFile",
	})

	defer utils.StackTraceFromPanic(logger)

	handle, err := client.fs.OpenFile(path, resource, mode)
	if err != nil {
		return nil, xerrors.Errorf("failed to open %s: %w", path, err)
	}

	return &IRODSFSClientDirectFileHandle{
		handle: handle,
	}, nil
}

// AddCacheEventHandler registers a handler called when the client changes or invalidates a path
func (client *IRODSFSClientDirect) AddCacheEventHandler(handler irodsclient_fs.FilesystemCacheEventHandler) (string, error) {
	if client.fs == nil {
		return "", xerrors.Errorf("FSClient is nil")
	}

	return client.fs.AddCacheEventHandler(handler), nil
}

// RemoveCacheEventHandler unregisters a handler
func (client *IRODSFSClientDirect) RemoveCacheEventHandler(handlerID string) error {
	if client.fs == nil {
		return xerrors.Errorf("FSClient is nil")
	}

	client.fs.RemoveCacheEventHandler(handlerID)
	return nil
}

// IRODSFSClientDirectFileHandle implements IRODSFSFileHandle
type IRODSFSClientDirectFileHandle struct {
	handle *irodsclient_fs.FileHandle
}

func (handle *IRODSFSClientDirectFileHandle) GetID() string {
	return handle.handle.GetID()
}

func (handle *IRODSFSClientDirectFileHandle) GetEntry() *irodsclient_fs.Entry {
	return handle.handle.GetEntry()
}

func (handle *IRODSFSClientDirectFileHandle) ReadAt(buffer []byte, offset int64) (int, error) {
	readLen, err := handle.handle.ReadAt(buffer, offset)
	if err != nil && err != io.EOF {
		return readLen, xerrors.Errorf("failed to read %s at offset %d: %w", handle.handle.GetEntry().Path, offset, err)
	}
	return readLen, err
}

func (handle *IRODSFSClientDirectFileHandle) Close() error {
	return handle.handle.Close()
}
