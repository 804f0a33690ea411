package cache

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/opd-ai/p2pshare/event"
	"github.com/opd-ai/p2pshare/limits"
	"github.com/opd-ai/p2pshare/ranges"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/blake2b"
)

// KeyPrefix namespaces every entry of one file in the store.
const KeyPrefix = "file-"

// DefaultMaxMemorySlices is the default number of recently used chunks
// kept in memory in front of the store.
const DefaultMaxMemorySlices = 16

const digestSize = blake2b.Size256

// Options configures a Cache.
type Options struct {
	// MaxMemorySlices bounds the in-memory chunk layer. Zero disables it.
	MaxMemorySlices int
}

// MergedFile is published once Merge has assembled the whole file.
type MergedFile struct {
	Info FileMetaData
	Path string
}

// Cache stores the chunks and metadata of one file. Writes are serialized
// per cache, so concurrent deliveries of the same chunk from several peers
// are idempotent overwrites.
type Cache struct {
	id    FileID
	store Store

	mu   sync.Mutex
	info *FileMetaData
	hot  *lru.Cache[int, []byte]

	updates  event.Emitter[*FileMetaData]
	cleanups event.Emitter[FileID]
	merging  event.Emitter[FileID]
	merged   event.Emitter[MergedFile]
}

// New creates the cache for id on top of store. Metadata already present in
// the store is loaded lazily.
func New(id FileID, store Store, opts Options) (*Cache, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}

	c := &Cache{id: id, store: store}
	if opts.MaxMemorySlices > 0 {
		hot, err := lru.New[int, []byte](opts.MaxMemorySlices)
		if err != nil {
			return nil, fmt.Errorf("create memory layer: %w", err)
		}
		c.hot = hot
	}
	return c, nil
}

// ID returns the file identifier.
func (c *Cache) ID() FileID { return c.id }

func (c *Cache) prefix() []byte      { return []byte(KeyPrefix + string(c.id) + "/") }
func (c *Cache) infoKey() []byte     { return append(c.prefix(), "info"...) }
func (c *Cache) chunkPrefix() []byte { return append(c.prefix(), "chunk/"...) }

func (c *Cache) chunkKey(index int) []byte {
	key := c.chunkPrefix()
	return binary.BigEndian.AppendUint32(key, uint32(index))
}

// OnUpdate subscribes to metadata refreshes. The payload is nil after Cleanup.
func (c *Cache) OnUpdate(fn func(*FileMetaData)) *event.Subscription {
	return c.updates.Subscribe(fn)
}

// OnCleanup subscribes to Cleanup.
func (c *Cache) OnCleanup(fn func(FileID)) *event.Subscription { return c.cleanups.Subscribe(fn) }

// OnMerging subscribes to the start of Merge.
func (c *Cache) OnMerging(fn func(FileID)) *event.Subscription { return c.merging.Subscribe(fn) }

// OnMerged subscribes to a completed Merge.
func (c *Cache) OnMerged(fn func(MergedFile)) *event.Subscription { return c.merged.Subscribe(fn) }

// GetInfo returns the stored metadata or ErrNotFound.
func (c *Cache) GetInfo() (*FileMetaData, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	info, err := c.loadInfoLocked()
	if err != nil {
		return nil, err
	}
	copied := *info
	return &copied, nil
}

func (c *Cache) loadInfoLocked() (*FileMetaData, error) {
	if c.info != nil {
		return c.info, nil
	}
	raw, err := c.store.Get(c.infoKey())
	if err != nil {
		return nil, err
	}
	var meta ChunkMetaData
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("decode metadata for %s: %w", c.id, err)
	}
	c.info = &FileMetaData{ChunkMetaData: meta}
	return c.info, nil
}

// SetInfo upserts the metadata. Storing identical metadata again is a
// no-op apart from the Update event. Metadata that disagrees with the stored
// file size or chunk size is rejected with ErrConflictingInfo.
func (c *Cache) SetInfo(meta ChunkMetaData) error {
	if meta.ID == "" {
		meta.ID = c.id
	}
	if meta.ID != c.id {
		return fmt.Errorf("%w: metadata for %s stored in cache %s", ErrConflictingInfo, meta.ID, c.id)
	}
	if meta.ChunkSize != 0 {
		if err := limits.ValidateChunkSize(meta.ChunkSize); err != nil {
			return err
		}
	}

	c.mu.Lock()
	existing, err := c.loadInfoLocked()
	if err != nil && !errors.Is(err, ErrNotFound) {
		c.mu.Unlock()
		return err
	}
	if existing != nil {
		if !sameShape(existing.ChunkMetaData, meta) {
			c.mu.Unlock()
			logrus.WithFields(logrus.Fields{
				"function":       "SetInfo",
				"file_id":        c.id,
				"file_size":      meta.FileSize,
				"chunk_size":     meta.ChunkSize,
				"old_file_size":  existing.FileSize,
				"old_chunk_size": existing.ChunkSize,
			}).Error("Rejected conflicting file metadata")
			return fmt.Errorf("%w: file %s", ErrConflictingInfo, c.id)
		}
		if meta.ChunkSize == 0 {
			meta.ChunkSize = existing.ChunkSize
		}
		if meta.CreatedAt == 0 {
			meta.CreatedAt = existing.CreatedAt
		}
	}
	if meta.CreatedAt == 0 {
		meta.CreatedAt = time.Now().UnixMilli()
	}

	raw, err := json.Marshal(meta)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	if err := c.store.Set(c.infoKey(), raw); err != nil {
		c.mu.Unlock()
		return err
	}
	file := ""
	if existing != nil {
		file = existing.File
	}
	c.info = &FileMetaData{ChunkMetaData: meta, File: file}
	snapshot := *c.info
	c.mu.Unlock()

	c.updates.Emit(&snapshot)
	return nil
}

// requireInfoLocked returns metadata with a usable chunk size.
func (c *Cache) requireInfoLocked() (*FileMetaData, error) {
	info, err := c.loadInfoLocked()
	if errors.Is(err, ErrNotFound) {
		return nil, ErrInfoMissing
	}
	if err != nil {
		return nil, err
	}
	if info.ChunkSize <= 0 {
		return nil, ErrChunkSizeMissing
	}
	return info, nil
}

// StoreChunk persists the bytes of chunk index together with their
// BLAKE2b-256 digest and publishes Update. The length must match the
// chunk's position in the file.
func (c *Cache) StoreChunk(index int, data []byte) error {
	c.mu.Lock()
	info, err := c.requireInfoLocked()
	if err != nil {
		c.mu.Unlock()
		return err
	}
	want, err := ChunkLength(info.ChunkMetaData, index)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	if int64(len(data)) != want {
		c.mu.Unlock()
		return fmt.Errorf("%w: chunk %d has %d bytes, want %d", ErrInvalidChunk, index, len(data), want)
	}

	sum := blake2b.Sum256(data)
	value := make([]byte, 0, digestSize+len(data))
	value = append(value, sum[:]...)
	value = append(value, data...)
	if err := c.store.Set(c.chunkKey(index), value); err != nil {
		c.mu.Unlock()
		logrus.WithFields(logrus.Fields{
			"function":    "StoreChunk",
			"file_id":     c.id,
			"chunk_index": index,
			"error":       err.Error(),
		}).Error("Failed to persist chunk")
		return err
	}
	if c.hot != nil {
		c.hot.Add(index, value[digestSize:])
	}
	snapshot := *info
	c.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":    "StoreChunk",
		"file_id":     c.id,
		"chunk_index": index,
		"chunk_bytes": len(data),
	}).Debug("Chunk stored")

	c.updates.Emit(&snapshot)
	return nil
}

// GetChunk returns the bytes of chunk index, ErrNotFound when it is not
// stored, or ErrChunkCorrupt when the stored digest does not match.
func (c *Cache) GetChunk(index int) ([]byte, error) {
	if c.hot != nil {
		if data, ok := c.hot.Get(index); ok {
			return data, nil
		}
	}

	value, err := c.store.Get(c.chunkKey(index))
	if err != nil {
		return nil, err
	}
	if len(value) < digestSize {
		return nil, fmt.Errorf("%w: chunk %d truncated", ErrChunkCorrupt, index)
	}
	data := value[digestSize:]
	if sum := blake2b.Sum256(data); string(sum[:]) != string(value[:digestSize]) {
		logrus.WithFields(logrus.Fields{
			"function":    "GetChunk",
			"file_id":     c.id,
			"chunk_index": index,
		}).Error("Stored chunk failed digest verification")
		return nil, fmt.Errorf("%w: chunk %d", ErrChunkCorrupt, index)
	}
	if c.hot != nil {
		c.hot.Add(index, data)
	}
	return data, nil
}

// GetCachedKeys returns the indexes of all stored chunks in ascending order.
func (c *Cache) GetCachedKeys() ([]int, error) {
	prefix := c.chunkPrefix()
	keys, err := c.store.Keys(prefix)
	if err != nil {
		return nil, err
	}
	indexes := make([]int, 0, len(keys))
	for _, key := range keys {
		suffix := key[len(prefix):]
		if len(suffix) != 4 {
			continue
		}
		indexes = append(indexes, int(binary.BigEndian.Uint32(suffix)))
	}
	sort.Ints(indexes)
	return indexes, nil
}

// CalcCachedBytes returns the number of file bytes held by stored chunks,
// counting a stored final chunk at its true length.
func (c *Cache) CalcCachedBytes() (int64, error) {
	c.mu.Lock()
	info, err := c.requireInfoLocked()
	c.mu.Unlock()
	if err != nil {
		return 0, err
	}

	keys, err := c.GetCachedKeys()
	if err != nil {
		return 0, err
	}
	var total int64
	for _, index := range keys {
		length, err := ChunkLength(info.ChunkMetaData, index)
		if err != nil {
			continue
		}
		total += length
	}
	return total, nil
}

// IsComplete reports whether every chunk of the file is stored.
func (c *Cache) IsComplete() (bool, error) {
	missing, err := c.GetReqRanges()
	if err != nil {
		return false, err
	}
	return missing == nil, nil
}

// GetReqRanges returns the chunk ranges still missing, or nil when the file
// is complete.
func (c *Cache) GetReqRanges() (ranges.Set, error) {
	c.mu.Lock()
	info, err := c.requireInfoLocked()
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}

	total, err := TotalChunkCount(info.ChunkMetaData)
	if err != nil {
		return nil, err
	}
	keys, err := c.GetCachedKeys()
	if err != nil {
		return nil, err
	}
	missing := ranges.SubRanges(total, ranges.FromIndexes(keys))
	if len(missing) == 0 {
		return nil, nil
	}
	return missing, nil
}

// Cleanup deletes every chunk and the metadata of the file and publishes
// Cleanup followed by a nil Update.
func (c *Cache) Cleanup() error {
	c.mu.Lock()
	err := c.store.DeletePrefix(c.prefix())
	if err == nil {
		c.info = nil
		if c.hot != nil {
			c.hot.Purge()
		}
	}
	c.mu.Unlock()
	if err != nil {
		return err
	}

	logrus.WithFields(logrus.Fields{
		"function": "Cleanup",
		"file_id":  c.id,
	}).Info("File cache cleaned up")

	c.cleanups.Emit(c.id)
	c.updates.Emit(nil)
	return nil
}
