package cache

import (
	"math"

	"github.com/dustin/go-humanize"
	"github.com/hashicorp/golang-lru/simplelru"
	log "github.com/sirupsen/logrus"
	"golang.org/x/xerrors"
)

const (
	// entries are bounded by bytes, not by count
	lruEntryNumberCap int = math.MaxInt32
)

// StoreSnapshot is a point-in-time summary of an LRUStore
type StoreSnapshot struct {
	TotalSize  int64
	SizeCap    int64
	EntryCount int
}

// LRUStore keeps file contents by EntryID and evicts least recently used entries
// to stay within a byte size cap. LRUStore is not thread-safe, FileCache serializes access.
type LRUStore struct {
	sizeCap   int64
	totalSize int64
	lru       *simplelru.LRU
	detach    func(id EntryID)
}

// NewLRUStore creates a new LRUStore.
// detach is called for every entry evicted by Put, Evict or SetSizeCap before the entry is dropped.
func NewLRUStore(sizeCap int64, detach func(id EntryID)) (*LRUStore, error) {
	lru, err := simplelru.NewLRU(lruEntryNumberCap, nil)
	if err != nil {
		return nil, xerrors.Errorf("failed to create LRU cache: %w", err)
	}

	return &LRUStore{
		sizeCap:   sizeCap,
		totalSize: 0,
		lru:       lru,
		detach:    detach,
	}, nil
}

// Get returns content for the id and marks it most recently used
func (store *LRUStore) Get(id EntryID) ([]byte, bool) {
	value, ok := store.lru.Get(id)
	if !ok {
		return nil, false
	}

	return value.([]byte), true
}

// Contains checks if the id is cached without touching recency
func (store *LRUStore) Contains(id EntryID) bool {
	return store.lru.Contains(id)
}

// Put stores content for the id, evicting least recently used entries as needed.
// Content larger than the size cap is never stored and Put returns false.
func (store *LRUStore) Put(id EntryID, content []byte) bool {
	logger := log.WithFields(log.Fields{
		"package":  "cache",
		"struct":   "LRUStore",
		"function": "Put",
	})

	size := int64(len(content))
	if size > store.sizeCap {
		logger.Debugf("Content of %s (%s) exceeds size cap %s, not caching", id.Path, humanize.IBytes(uint64(size)), humanize.IBytes(uint64(store.sizeCap)))
		return false
	}

	// a re-read replaces the entry, its directory attachment stays
	if old, ok := store.lru.Peek(id); ok {
		store.totalSize -= int64(len(old.([]byte)))
		store.lru.Remove(id)
	}

	store.evictUntil(store.sizeCap - size)

	store.lru.Add(id, content)
	store.totalSize += size
	return true
}

// Evict removes the given ids, ids not in the store are ignored
func (store *LRUStore) Evict(ids []EntryID) {
	for _, id := range ids {
		value, ok := store.lru.Peek(id)
		if !ok {
			continue
		}

		if store.detach != nil {
			store.detach(id)
		}

		store.lru.Remove(id)
		store.totalSize -= int64(len(value.([]byte)))
	}
}

// discard removes the id without calling detach
func (store *LRUStore) discard(id EntryID) {
	if value, ok := store.lru.Peek(id); ok {
		store.lru.Remove(id)
		store.totalSize -= int64(len(value.([]byte)))
	}
}

// SetSizeCap changes the size cap, lowering it evicts immediately
func (store *LRUStore) SetSizeCap(sizeCap int64) {
	store.sizeCap = sizeCap
	store.evictUntil(sizeCap)
}

// GetSizeCap returns the size cap
func (store *LRUStore) GetSizeCap() int64 {
	return store.sizeCap
}

// GetTotalSize returns the total size of cached contents
func (store *LRUStore) GetTotalSize() int64 {
	return store.totalSize
}

// GetEntryIDs returns cached ids from the least to the most recently used
func (store *LRUStore) GetEntryIDs() []EntryID {
	ids := []EntryID{}
	for _, key := range store.lru.Keys() {
		if id, ok := key.(EntryID); ok {
			ids = append(ids, id)
		}
	}
	return ids
}

// Clear drops all entries. detach is not called.
func (store *LRUStore) Clear() {
	store.lru.Purge()
	store.totalSize = 0
}

// Snapshot returns current size and entry count
func (store *LRUStore) Snapshot() StoreSnapshot {
	return StoreSnapshot{
		TotalSize:  store.totalSize,
		SizeCap:    store.sizeCap,
		EntryCount: store.lru.Len(),
	}
}

// evictUntil evicts the oldest entries until total size is at most target
func (store *LRUStore) evictUntil(target int64) {
	logger := log.WithFields(log.Fields{
		"package":  "cache",
		"struct":   "LRUStore",
		"function": "evictUntil",
	})

	for store.totalSize > target {
		key, value, ok := store.lru.GetOldest()
		if !ok {
			break
		}

		id := key.(EntryID)
		logger.Debugf("Evicting %s", id.Path)

		if store.detach != nil {
			store.detach(id)
		}

		store.lru.Remove(id)
		store.totalSize -= int64(len(value.([]byte)))
	}
}
