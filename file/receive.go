package file

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/opd-ai/p2pshare/cache"
	"github.com/opd-ai/p2pshare/compression"
	"github.com/opd-ai/p2pshare/limits"
	"github.com/opd-ai/p2pshare/ranges"
	"github.com/opd-ai/p2pshare/transport"
	"github.com/sirupsen/logrus"
)

// maxCompressedChunk bounds the bytes buffered for one chunk. Deflate never
// expands input by more than a few bytes per 16 KiB block.
const maxCompressedChunk = limits.MaxChunkSize + limits.MaxChunkSize/8

// chunkBuffer collects the blocks of one compressed chunk. Blocks may
// arrive in any order; the block flagged last fixes the block count.
type chunkBuffer struct {
	blocks map[int][]byte
	total  int
	size   int
}

func newChunkBuffer() *chunkBuffer {
	return &chunkBuffer{blocks: make(map[int][]byte), total: -1}
}

// add stores block and returns the assembled chunk once every block up to
// the last one is present.
func (b *chunkBuffer) add(block *transport.Block) ([]byte, error) {
	if b.total >= 0 && block.BlockIndex >= b.total {
		return nil, fmt.Errorf("%w: chunk %d block %d after last block %d",
			transport.ErrIndexOutOfRange, block.ChunkIndex, block.BlockIndex, b.total-1)
	}
	if block.IsLastBlock {
		if b.total >= 0 && b.total != block.BlockIndex+1 {
			return nil, fmt.Errorf("%w: chunk %d has two last blocks", transport.ErrIndexOutOfRange, block.ChunkIndex)
		}
		b.total = block.BlockIndex + 1
	}
	if old, ok := b.blocks[block.BlockIndex]; ok {
		b.size -= len(old)
	}
	b.blocks[block.BlockIndex] = block.Data
	b.size += len(block.Data)
	if b.size > maxCompressedChunk {
		return nil, fmt.Errorf("%w: chunk %d exceeds %d compressed bytes",
			limits.ErrMessageTooLarge, block.ChunkIndex, maxCompressedChunk)
	}

	if b.total < 0 || len(b.blocks) < b.total {
		return nil, nil
	}
	return b.assemble(block.ChunkIndex)
}

// assemble concatenates blocks 0..total-1. A gap means a block was lost or
// the peer numbered blocks past the last one.
func (b *chunkBuffer) assemble(chunkIndex int) ([]byte, error) {
	out := make([]byte, 0, b.size)
	for i := 0; i < b.total; i++ {
		data, ok := b.blocks[i]
		if !ok {
			return nil, fmt.Errorf("%w: chunk %d block %d", ErrMissingBlock, chunkIndex, i)
		}
		out = append(out, data...)
	}
	return out, nil
}

// handleFrame dispatches one inbound frame. It runs on the channel's
// delivery goroutine and never blocks on channel backpressure.
func (t *Transferer) handleFrame(frame transport.Frame) {
	if t.isDestroyed() {
		return
	}
	if frame.IsString {
		t.handleMessage(frame.Data)
	} else {
		t.handleBlock(frame.Data)
	}
	t.armReconcile(t.opts.ReconcileDelay)
}

func (t *Transferer) handleMessage(data []byte) {
	msg, err := transport.DecodeMessage(data)
	if err != nil {
		t.emitError(err)
		return
	}

	logrus.WithFields(logrus.Fields{
		"function": "handleMessage",
		"file_id":  t.id,
		"mode":     t.mode.String(),
		"type":     string(msg.Type),
	}).Debug("Received control message")

	switch {
	case msg.Type == transport.MessageRequestContent && t.mode == ModeSend:
		t.handleRequestContent(msg.Ranges)
	case msg.Type == transport.MessageRequestHead && t.mode == ModeSend:
		t.sendHead()
	case msg.Type == transport.MessageReady && t.mode == ModeSend:
		t.readyEvents.Emit(struct{}{})
	case msg.Type == transport.MessageComplete && t.mode == ModeSend:
		t.handleAck()
	case msg.Type == transport.MessageComplete && t.mode == ModeReceive:
		t.checkComplete()
	case msg.Type == transport.MessageHead && t.mode == ModeReceive:
		t.handleHead(msg.Head)
	default:
		logrus.WithFields(logrus.Fields{
			"function": "handleMessage",
			"file_id":  t.id,
			"mode":     t.mode.String(),
			"type":     string(msg.Type),
		}).Debug("Ignoring control message not meant for this side")
	}
}

// handleHead adopts the sender's metadata. Metadata that disagrees with
// what the cache already holds is reported and otherwise ignored.
func (t *Transferer) handleHead(head *cache.ChunkMetaData) {
	t.mu.Lock()
	initialized := t.initialized
	known := t.info.ChunkSize > 0
	t.mu.Unlock()

	if err := t.cache.SetInfo(*head); err != nil {
		t.emitError(err)
		return
	}
	if !initialized || known {
		return
	}

	stored, err := t.cache.GetInfo()
	if err != nil {
		t.emitError(err)
		return
	}
	total, err := cache.TotalChunkCount(stored.ChunkMetaData)
	if err != nil {
		t.emitError(err)
		return
	}
	keys, err := t.cache.GetCachedKeys()
	if err != nil {
		t.emitError(err)
		return
	}

	t.mu.Lock()
	t.info = stored.ChunkMetaData
	t.total = total
	for _, k := range keys {
		t.indexes[k] = struct{}{}
	}
	t.recordProgressLocked()
	t.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":     "handleHead",
		"file_id":      t.id,
		"chunk_size":   stored.ChunkSize,
		"total_chunks": total,
	}).Info("Adopted file metadata from sender")

	if err := t.Reconcile(t.ctx); err != nil {
		t.emitError(err)
	}
}

func (t *Transferer) handleBlock(data []byte) {
	if t.mode != ModeReceive {
		logrus.WithFields(logrus.Fields{
			"function": "handleBlock",
			"file_id":  t.id,
		}).Warn("Sender received block data, ignoring")
		return
	}
	if err := limits.ValidatePacket(data); err != nil {
		t.emitError(err)
		return
	}
	block, err := transport.ReadPacket(data)
	if err != nil {
		t.emitError(err)
		return
	}

	t.mu.Lock()
	if !t.initialized || t.info.ChunkSize == 0 || t.status.IsTerminal() {
		t.mu.Unlock()
		logrus.WithFields(logrus.Fields{
			"function":    "handleBlock",
			"file_id":     t.id,
			"chunk_index": block.ChunkIndex,
		}).Debug("Dropping block received before metadata or after completion")
		return
	}
	if block.ChunkIndex >= t.total {
		t.mu.Unlock()
		t.emitError(fmt.Errorf("%w: chunk %d of %d", cache.ErrInvalidChunk, block.ChunkIndex, t.total))
		return
	}
	if _, done := t.indexes[block.ChunkIndex]; done {
		t.mu.Unlock()
		return
	}

	started := t.status == StatusReady || t.status == StatusNew
	if started {
		t.status = StatusProcess
	}
	buf, ok := t.buffers[block.ChunkIndex]
	if !ok {
		buf = newChunkBuffer()
		t.buffers[block.ChunkIndex] = buf
	}
	assembled, err := buf.add(block)
	if assembled != nil || err != nil {
		delete(t.buffers, block.ChunkIndex)
	}
	info := t.info
	t.mu.Unlock()

	if started {
		t.statusEvents.Emit(StatusProcess)
	}
	if err != nil {
		t.emitError(err)
		return
	}
	if assembled == nil {
		return
	}

	logrus.WithFields(logrus.Fields{
		"function":         "handleBlock",
		"file_id":          t.id,
		"chunk_index":      block.ChunkIndex,
		"compressed_bytes": len(assembled),
	}).Debug("Chunk reassembled")

	length, err := cache.ChunkLength(info, block.ChunkIndex)
	if err != nil {
		t.emitError(err)
		return
	}
	// an empty chunk still gets a positive limit
	if err := t.pair.Decompress(assembled, max(length, 1), block.ChunkIndex, t.handleDecompressed); err != nil {
		t.emitError(fmt.Errorf("chunk %d: %w", block.ChunkIndex, err))
	}
}

// handleDecompressed persists a chunk. A failure leaves the chunk missing
// so that reconciliation requests it again.
func (t *Transferer) handleDecompressed(r compression.Result) {
	if t.isDestroyed() {
		return
	}
	index := r.Context.ChunkIndex
	if r.Err != nil {
		t.emitError(fmt.Errorf("decompress chunk %d: %w", index, r.Err))
		return
	}
	if err := t.cache.StoreChunk(index, r.Data); err != nil {
		t.emitError(fmt.Errorf("store chunk %d: %w", index, err))
		return
	}

	t.mu.Lock()
	if t.destroyed {
		t.mu.Unlock()
		return
	}
	t.indexes[index] = struct{}{}
	progress := t.recordProgressLocked()
	t.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":       "handleDecompressed",
		"file_id":        t.id,
		"chunk_index":    index,
		"chunk_bytes":    len(r.Data),
		"received_bytes": progress.Transferred,
	}).Debug("Chunk stored")

	t.progressEvents.Emit(progress)
	t.checkComplete()
}

// checkComplete finishes a receiver the first time every chunk is stored.
func (t *Transferer) checkComplete() {
	t.mu.Lock()
	if t.mode != ModeReceive || t.destroyed || !t.initialized || t.status.IsTerminal() ||
		t.info.ChunkSize == 0 || len(t.indexes) < t.total {
		t.mu.Unlock()
		return
	}
	t.status = StatusComplete
	t.stopReconcileLocked()
	t.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "checkComplete",
		"file_id":  t.id,
	}).Info("All chunks received")

	t.statusEvents.Emit(StatusComplete)
	go t.finishReceive()
}

// finishReceive acknowledges completion and publishes it once the
// acknowledgment has left the channel.
func (t *Transferer) finishReceive() {
	ch, err := t.openChannel()
	if err == nil {
		err = t.sendMessage(ch, transport.Message{Type: transport.MessageComplete})
	}
	if err == nil {
		err = t.waitDrained(t.ctx, []transport.DataChannel{ch})
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		logrus.WithFields(logrus.Fields{
			"function": "finishReceive",
			"file_id":  t.id,
			"error":    err.Error(),
		}).Warn("Could not acknowledge completion")
	}
	if t.isDestroyed() {
		return
	}
	t.completeEvents.Emit(struct{}{})
}

// Reconcile asks the sender for every chunk the cache is still missing, or
// for the metadata when the chunk size is unknown. It runs on a timer while
// a receiver is incomplete and may also be called directly.
func (t *Transferer) Reconcile(ctx context.Context) error {
	if t.mode != ModeReceive {
		return ErrNotReceiveMode
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	t.mu.Lock()
	switch {
	case t.destroyed:
		t.mu.Unlock()
		return ErrDestroyed
	case !t.initialized:
		t.mu.Unlock()
		return ErrNotInitialized
	case t.status.IsTerminal():
		t.mu.Unlock()
		return nil
	}
	chunkSize := t.info.ChunkSize
	t.mu.Unlock()

	if chunkSize == 0 {
		ch, err := t.selectChannel(ctx)
		if err != nil {
			return err
		}
		return t.sendMessage(ch, transport.Message{Type: transport.MessageRequestHead})
	}

	missing, err := t.cache.GetReqRanges()
	if err != nil {
		return err
	}
	if missing == nil {
		// another transfer of the same file may have filled the cache
		if err := t.syncIndexes(); err != nil {
			return err
		}
		t.checkComplete()
		return nil
	}

	logrus.WithFields(logrus.Fields{
		"function": "Reconcile",
		"file_id":  t.id,
		"missing":  missing,
		"chunks":   ranges.Length(missing),
	}).Info("Requesting missing chunks")

	ch, err := t.selectChannel(ctx)
	if err != nil {
		return err
	}
	return t.sendMessage(ch, transport.Message{Type: transport.MessageRequestContent, Ranges: missing})
}

func (t *Transferer) syncIndexes() error {
	keys, err := t.cache.GetCachedKeys()
	if err != nil {
		return err
	}
	t.mu.Lock()
	for _, k := range keys {
		t.indexes[k] = struct{}{}
	}
	progress := t.recordProgressLocked()
	t.mu.Unlock()

	t.progressEvents.Emit(progress)
	return nil
}

// armReconcile schedules the next reconciliation after delay, replacing any
// pending one.
func (t *Transferer) armReconcile(delay time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.mode != ModeReceive || t.destroyed || !t.initialized || t.status.IsTerminal() {
		return
	}
	if t.reconcile != nil {
		t.reconcile.Stop()
	}
	t.reconcile = time.AfterFunc(delay, t.reconcileTick)
}

func (t *Transferer) reconcileTick() {
	err := t.Reconcile(t.ctx)
	if err != nil && !errors.Is(err, ErrDestroyed) && !errors.Is(err, context.Canceled) {
		t.emitError(err)
	}
	t.armReconcile(t.opts.ReconcileInterval)
}

func (t *Transferer) stopReconcileLocked() {
	if t.reconcile != nil {
		t.reconcile.Stop()
		t.reconcile = nil
	}
}
