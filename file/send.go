package file

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/opd-ai/p2pshare/compression"
	"github.com/opd-ai/p2pshare/ranges"
	"github.com/opd-ai/p2pshare/transport"
	"github.com/sirupsen/logrus"
)

// sendTask is one compressed chunk waiting to be cut into blocks.
type sendTask struct {
	index int
	data  []byte
	err   error
}

// SendFile sends the chunks in set, or every chunk when set is empty, and
// finishes with a complete message once all channels have drained. Only
// one send pass runs at a time.
func (t *Transferer) SendFile(ctx context.Context, set ranges.Set) error {
	t.mu.Lock()
	err := t.beginPassLocked()
	t.mu.Unlock()
	if err != nil {
		return err
	}
	t.statusEvents.Emit(StatusProcess)

	return t.runPass(ctx, set)
}

func (t *Transferer) beginPassLocked() error {
	switch {
	case t.mode != ModeSend:
		return ErrNotSendMode
	case t.destroyed:
		return ErrDestroyed
	case !t.initialized:
		return ErrNotInitialized
	case t.status == StatusError:
		return ErrConnectionClosed
	case t.status == StatusProcess:
		return ErrSendInProgress
	case len(t.channels) == 0:
		return ErrNoChannel
	}
	t.status = StatusProcess
	t.passes++
	t.acked = false
	return nil
}

// handleRequestContent restarts sending for the requested chunks unless a
// pass is already running.
func (t *Transferer) handleRequestContent(set ranges.Set) {
	t.mu.Lock()
	if t.status == StatusProcess {
		t.mu.Unlock()
		logrus.WithFields(logrus.Fields{
			"function": "handleRequestContent",
			"file_id":  t.id,
			"ranges":   set,
		}).Warn("Ignoring content request while a send pass is running")
		return
	}
	requested := clipRanges(t.total, set)
	if len(set) > 0 && len(requested) == 0 {
		t.mu.Unlock()
		logrus.WithFields(logrus.Fields{
			"function": "handleRequestContent",
			"file_id":  t.id,
			"ranges":   set,
		}).Warn("Ignoring content request outside the file")
		return
	}
	set = requested
	if err := t.beginPassLocked(); err != nil {
		t.mu.Unlock()
		logrus.WithFields(logrus.Fields{
			"function": "handleRequestContent",
			"file_id":  t.id,
			"error":    err.Error(),
		}).Warn("Cannot serve content request")
		return
	}
	for index := range ranges.Iterate(set) {
		delete(t.indexes, index)
	}
	progress := t.recordProgressLocked()
	t.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "handleRequestContent",
		"file_id":  t.id,
		"ranges":   set,
		"chunks":   ranges.Length(set),
	}).Info("Serving content request")

	t.statusEvents.Emit(StatusProcess)
	t.progressEvents.Emit(progress)

	go func() {
		if err := t.runPass(t.ctx, set); err != nil && !errors.Is(err, context.Canceled) {
			t.emitError(err)
		}
	}()
}

// clipRanges limits set to [0, total) and expands an empty set to every
// chunk.
func clipRanges(total int, set ranges.Set) ranges.Set {
	if len(set) == 0 {
		return ranges.SubRanges(total, nil)
	}
	return ranges.SubRanges(total, ranges.SubRanges(total, set))
}

func (t *Transferer) runPass(ctx context.Context, set ranges.Set) error {
	t.mu.Lock()
	total := t.total
	pass := t.passes
	t.mu.Unlock()

	set = clipRanges(total, set)
	count := ranges.Length(set)

	passCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(t.ctx, cancel)
	defer stop()

	logrus.WithFields(logrus.Fields{
		"function": "runPass",
		"file_id":  t.id,
		"pass":     pass,
		"ranges":   set,
		"chunks":   count,
	}).Info("Send pass started")

	// Chunks reach the queue in compression completion order; the loop
	// below is its only consumer, so blocks of one chunk never interleave
	// with another's.
	queue := make(chan sendTask, maxInFlightChunks)
	slots := make(chan struct{}, maxInFlightChunks)
	go t.produce(passCtx, set, slots, queue)

	failed := 0
	for i := 0; i < count; i++ {
		var task sendTask
		select {
		case task = <-queue:
		case <-passCtx.Done():
			return t.endPass(passCtx.Err())
		}

		if task.err != nil {
			<-slots
			failed++
			logrus.WithFields(logrus.Fields{
				"function":    "runPass",
				"file_id":     t.id,
				"chunk_index": task.index,
				"error":       task.err.Error(),
			}).Warn("Skipping chunk that could not be prepared")
			t.emitError(fmt.Errorf("chunk %d: %w", task.index, task.err))
			continue
		}

		err := t.sendChunk(passCtx, task.index, task.data)
		<-slots
		if err != nil {
			return t.endPass(err)
		}
	}

	if err := t.waitDrained(passCtx, nil); err != nil {
		return t.endPass(err)
	}
	if err := t.sendMessage(nil, transport.Message{Type: transport.MessageComplete}); err != nil {
		return t.endPass(err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "runPass",
		"file_id":  t.id,
		"pass":     pass,
		"chunks":   count - failed,
		"failed":   failed,
	}).Info("Send pass finished")

	t.setStatus(StatusComplete)
	return nil
}

// produce reads and compresses the chunks of set. A slot is held from the
// cache read until the consumer has sent the chunk.
func (t *Transferer) produce(ctx context.Context, set ranges.Set, slots chan struct{}, queue chan<- sendTask) {
	for index := range ranges.Iterate(set) {
		select {
		case slots <- struct{}{}:
		case <-ctx.Done():
			return
		}

		data, err := t.cache.GetChunk(index)
		if err != nil {
			queue <- sendTask{index: index, err: err}
			continue
		}

		err = t.pair.Compress(data, t.opts.CompressionLevel, index, func(r compression.Result) {
			queue <- sendTask{index: r.Context.ChunkIndex, data: r.Data, err: r.Err}
		})
		if err != nil {
			queue <- sendTask{index: index, err: err}
		}
	}
}

// endPass returns a pass that stopped early to Ready so that a later
// request can start a new one.
func (t *Transferer) endPass(err error) error {
	t.mu.Lock()
	reverted := !t.destroyed && t.status == StatusProcess
	if reverted {
		t.status = StatusReady
	}
	t.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "endPass",
		"file_id":  t.id,
		"error":    err.Error(),
	}).Warn("Send pass stopped")

	if reverted {
		t.statusEvents.Emit(StatusReady)
	}
	return err
}

// sendChunk cuts a compressed chunk into blocks and sends them in order.
func (t *Transferer) sendChunk(ctx context.Context, index int, data []byte) error {
	blockSize := t.opts.BlockSize
	blocks := (len(data) + blockSize - 1) / blockSize
	if blocks == 0 {
		blocks = 1
	}

	for b := 0; b < blocks; b++ {
		start := b * blockSize
		end := min(start+blockSize, len(data))
		packet, err := transport.BuildPacket(index, b, b == blocks-1, data[start:end])
		if err != nil {
			return err
		}
		if err := t.sendBlock(ctx, packet); err != nil {
			return err
		}
	}

	t.mu.Lock()
	t.indexes[index] = struct{}{}
	progress := t.recordProgressLocked()
	t.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":    "sendChunk",
		"file_id":     t.id,
		"chunk_index": index,
		"blocks":      blocks,
		"sent_bytes":  progress.Transferred,
	}).Debug("Chunk queued on channels")

	t.progressEvents.Emit(progress)
	return nil
}

func (t *Transferer) sendBlock(ctx context.Context, packet []byte) error {
	for {
		ch, err := t.selectChannel(ctx)
		if err != nil {
			return err
		}
		err = ch.Send(packet)
		if err == nil {
			return nil
		}
		if ch.IsOpen() {
			return err
		}
		logrus.WithFields(logrus.Fields{
			"function": "sendBlock",
			"file_id":  t.id,
			"channel":  ch.Label(),
			"error":    err.Error(),
		}).Debug("Channel closed during send, selecting another")
	}
}

// selectChannel returns the first open channel whose buffered amount is at
// or below the watermark, waiting for a buffered-amount-low event when all
// of them are backed up. The search starts after the channel chosen last.
func (t *Transferer) selectChannel(ctx context.Context) (transport.DataChannel, error) {
	threshold := t.opts.BufferedAmountLowThreshold
	for {
		t.mu.Lock()
		if t.destroyed {
			t.mu.Unlock()
			return nil, ErrDestroyed
		}
		n := len(t.channels)
		if n == 0 {
			t.mu.Unlock()
			return nil, ErrNoChannel
		}
		wait := t.avail
		start := t.nextChannel % n
		var found transport.DataChannel
		for i := 0; i < n; i++ {
			ch := t.channels[(start+i)%n].ch
			if ch.IsOpen() && ch.BufferedAmount() <= threshold {
				found = ch
				t.nextChannel = (start + i + 1) % n
				break
			}
		}
		t.mu.Unlock()

		if found != nil {
			return found, nil
		}

		select {
		case <-wait:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// waitDrained polls until every open channel in chans, or every attached
// channel when chans is nil, has nothing buffered.
func (t *Transferer) waitDrained(ctx context.Context, chans []transport.DataChannel) error {
	ticker := time.NewTicker(t.opts.DrainPollInterval)
	defer ticker.Stop()

	for {
		current := chans
		if current == nil {
			current = t.Channels()
			if len(current) == 0 {
				return ErrNoChannel
			}
		}

		drained := true
		for _, ch := range current {
			if ch.IsOpen() && ch.BufferedAmount() > 0 {
				drained = false
				break
			}
		}
		if drained {
			return nil
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// handleAck records the receiver's complete message.
func (t *Transferer) handleAck() {
	t.mu.Lock()
	if t.destroyed || t.acked {
		t.mu.Unlock()
		return
	}
	t.acked = true
	finish := t.status == StatusReady
	t.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "handleAck",
		"file_id":  t.id,
	}).Info("Receiver acknowledged transfer")

	if finish {
		t.setStatus(StatusComplete)
	}
	t.completeEvents.Emit(struct{}{})
}

// sendHead announces the file metadata.
func (t *Transferer) sendHead() {
	info := t.Info()
	if err := t.sendMessage(nil, transport.Message{Type: transport.MessageHead, Head: &info}); err != nil {
		t.emitError(err)
	}
}
