package cache

import (
	"encoding/json"
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/cyverse/irodsfs-filecache/utils"
)

// EntryID identifies a cached read: a file path plus a digest of the read options.
// EntryID is comparable and is used as a map key.
// Paths are cleaned and split with host OS separators, also for iRODS collection paths.
// On hosts where the separator is not "/", directory watches of an IRODSStorage never match.
type EntryID struct {
	Path          string
	OptionsDigest uint64
}

// MakeEntryID derives an EntryID from a path and read options.
// Options are compared by their JSON serialization: map keys are sorted by encoding/json,
// struct fields are not reordered, and options that cannot be serialized fall back to
// their Go-syntax representation.
func MakeEntryID(path string, options interface{}) EntryID {
	return EntryID{
		Path:          utils.MakeCleanPath(path),
		OptionsDigest: xxhash.Sum64String(serializeOptions(options)),
	}
}

// GetPath returns the file path the entry was read from
func (id EntryID) GetPath() string {
	return id.Path
}

// GetDirPath returns the directory containing the file
func (id EntryID) GetDirPath() string {
	return utils.GetDirName(id.Path)
}

// String returns a printable form of the id
func (id EntryID) String() string {
	return fmt.Sprintf("%s#%016x", id.Path, id.OptionsDigest)
}

func serializeOptions(options interface{}) string {
	serialized, err := json.Marshal(options)
	if err != nil {
		return fmt.Sprintf("%#v", options)
	}
	return string(serialized)
}
