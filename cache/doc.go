// Package cache stores file chunks and file metadata persistently so that
// transfers can resume after a disconnect or a restart.
//
// # Layout
//
// A file of FileSize bytes is cut into ceil(FileSize/ChunkSize) chunks. Every
// chunk is ChunkSize bytes long except possibly the last. Each chunk is
// stored under its own key together with its BLAKE2b-256 digest:
//
//	file-<id>/info           JSON ChunkMetaData
//	file-<id>/chunk/<u32be>  digest(32) || chunk bytes
//
// # Usage
//
//	store, _ := cache.OpenBadgerStore(dir, false)
//	registry := cache.NewRegistry(store, cache.Options{MaxMemorySlices: 16})
//	_ = registry.Load(ctx)
//
//	c, _ := registry.Create(id)
//	_ = c.SetInfo(cache.ChunkMetaData{ID: id, FileName: "a.bin", FileSize: n, ChunkSize: 1 << 20})
//	_ = c.StoreChunk(0, data)
//	missing, _ := c.GetReqRanges() // nil once complete
//
// # Events
//
// Cache publishes Update after every metadata or chunk write, Cleanup after
// Cleanup, and Merging/Merged around Merge. Registry re-publishes Update and
// Cleanup keyed by FileID.
//
// # Thread Safety
//
// Cache and Registry are safe for concurrent use. Writes to one cache are
// serialized; storing the same chunk twice is an idempotent overwrite.
package cache
