package cache

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

var (
	// ErrNotFound indicates that a chunk or metadata entry is not stored.
	ErrNotFound = errors.New("not found")

	// ErrChunkSizeMissing indicates metadata without a chunk size, so the
	// chunk count cannot be derived.
	ErrChunkSizeMissing = errors.New("chunkSize is not set")

	// ErrInfoMissing indicates an operation that needs file metadata ran
	// before SetInfo.
	ErrInfoMissing = errors.New("file metadata is not set")

	// ErrConflictingInfo indicates metadata whose size or chunk size differs
	// from what is already stored for the same file.
	ErrConflictingInfo = errors.New("conflicting file metadata")

	// ErrChunkCorrupt indicates stored chunk bytes that fail digest verification.
	ErrChunkCorrupt = errors.New("chunk digest mismatch")

	// ErrInvalidChunk indicates a chunk index or length that does not fit
	// the file metadata.
	ErrInvalidChunk = errors.New("invalid chunk")

	// ErrIncomplete indicates an assembly request before all chunks are stored.
	ErrIncomplete = errors.New("file is incomplete")

	// ErrInvalidFileID indicates an empty or malformed file identifier.
	ErrInvalidFileID = errors.New("invalid file id")
)

// FileID uniquely identifies a shared file instance.
type FileID string

// ClientID identifies a peer.
type ClientID string

// NewFileID returns a fresh random FileID.
func NewFileID() FileID {
	return FileID(uuid.NewString())
}

// Validate checks that id can be used as a storage namespace.
func (id FileID) Validate() error {
	if id == "" || strings.ContainsAny(string(id), "/\x00") {
		return fmt.Errorf("%w: %q", ErrInvalidFileID, string(id))
	}
	return nil
}

// ChunkMetaData describes a file split into fixed-size chunks. The JSON
// field names are shared with the head control message.
type ChunkMetaData struct {
	ID           FileID   `json:"id"`
	FileName     string   `json:"fileName"`
	FileSize     int64    `json:"fileSize"`
	LastModified int64    `json:"lastModified,omitempty"`
	MimeType     string   `json:"mimetype,omitempty"`
	ChunkSize    int64    `json:"chunkSize,omitempty"`
	From         ClientID `json:"from,omitempty"`
	CreatedAt    int64    `json:"createdAt,omitempty"`
}

// FileMetaData is ChunkMetaData plus the path of the assembled file once
// Merge has produced it. File is never persisted.
type FileMetaData struct {
	ChunkMetaData
	File string `json:"-"`
}

// TotalChunkCount returns ceil(FileSize / ChunkSize).
func TotalChunkCount(info ChunkMetaData) (int, error) {
	if info.ChunkSize <= 0 {
		return 0, ErrChunkSizeMissing
	}
	if info.FileSize <= 0 {
		return 0, nil
	}
	return int((info.FileSize + info.ChunkSize - 1) / info.ChunkSize), nil
}

// ChunkLength returns the byte length of chunk index. Every chunk is
// ChunkSize long except possibly the last one.
func ChunkLength(info ChunkMetaData, index int) (int64, error) {
	total, err := TotalChunkCount(info)
	if err != nil {
		return 0, err
	}
	if index < 0 || index >= total {
		return 0, fmt.Errorf("%w: index %d outside [0, %d)", ErrInvalidChunk, index, total)
	}
	if index == total-1 {
		if rem := info.FileSize % info.ChunkSize; rem != 0 {
			return rem, nil
		}
	}
	return info.ChunkSize, nil
}

// sameShape reports whether two descriptions of the same file agree on the
// values chunk arithmetic depends on. Unset chunk sizes never conflict.
func sameShape(a, b ChunkMetaData) bool {
	if a.FileSize != b.FileSize {
		return false
	}
	if a.ChunkSize != 0 && b.ChunkSize != 0 && a.ChunkSize != b.ChunkSize {
		return false
	}
	return true
}
