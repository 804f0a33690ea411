package cache

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// StoreFrom splits r into chunks of the configured chunk size and stores
// them, returning the number of chunks written. r must yield exactly
// FileSize bytes.
func (c *Cache) StoreFrom(ctx context.Context, r io.Reader) (int, error) {
	c.mu.Lock()
	info, err := c.requireInfoLocked()
	c.mu.Unlock()
	if err != nil {
		return 0, err
	}
	total, err := TotalChunkCount(info.ChunkMetaData)
	if err != nil {
		return 0, err
	}

	logrus.WithFields(logrus.Fields{
		"function":     "StoreFrom",
		"file_id":      c.id,
		"file_size":    info.FileSize,
		"chunk_size":   info.ChunkSize,
		"total_chunks": total,
	}).Info("Splitting file into chunks")

	for index := 0; index < total; index++ {
		if err := ctx.Err(); err != nil {
			return index, err
		}
		length, err := ChunkLength(info.ChunkMetaData, index)
		if err != nil {
			return index, err
		}
		buf := make([]byte, length)
		if _, err := io.ReadFull(r, buf); err != nil {
			return index, fmt.Errorf("read chunk %d of %s: %w", index, c.id, err)
		}
		if err := c.StoreChunk(index, buf); err != nil {
			return index, err
		}
	}

	var probe [1]byte
	if n, _ := r.Read(probe[:]); n > 0 {
		return total, fmt.Errorf("%w: source is longer than %d bytes", ErrInvalidChunk, info.FileSize)
	}
	return total, nil
}

// Merge assembles all chunks in order into the file at path, records the
// path in the in-memory metadata and publishes Merging and Merged. It fails
// with ErrIncomplete while chunks are missing.
func (c *Cache) Merge(ctx context.Context, path string) (*FileMetaData, error) {
	missing, err := c.GetReqRanges()
	if err != nil {
		return nil, err
	}
	if missing != nil {
		return nil, fmt.Errorf("%w: missing %v", ErrIncomplete, missing)
	}

	c.merging.Emit(c.id)

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

	out, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	w := bufio.NewWriter(out)
	writeErr := func() error {
		for index := 0; index < total; index++ {
			if err := ctx.Err(); err != nil {
				return err
			}
			data, err := c.GetChunk(index)
			if err != nil {
				return fmt.Errorf("chunk %d: %w", index, err)
			}
			if _, err := w.Write(data); err != nil {
				return err
			}
		}
		return w.Flush()
	}()
	closeErr := out.Close()
	if err := errors.Join(writeErr, closeErr); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Merge",
			"file_id":  c.id,
			"path":     path,
			"error":    err.Error(),
		}).Error("Failed to assemble file")
		_ = os.Remove(path)
		return nil, err
	}

	c.mu.Lock()
	if c.info != nil {
		c.info.File = path
	}
	result := FileMetaData{ChunkMetaData: info.ChunkMetaData, File: path}
	c.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":  "Merge",
		"file_id":   c.id,
		"path":      path,
		"file_size": info.FileSize,
	}).Info("File assembled from chunks")

	c.merged.Emit(MergedFile{Info: result, Path: path})
	c.updates.Emit(&result)
	return &result, nil
}
