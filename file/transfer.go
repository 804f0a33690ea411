package file

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/opd-ai/p2pshare/cache"
	"github.com/opd-ai/p2pshare/compression"
	"github.com/opd-ai/p2pshare/event"
	"github.com/opd-ai/p2pshare/transport"
	"github.com/sirupsen/logrus"
)

// Progress reports the payload bytes sent or received so far.
type Progress struct {
	Transferred int64
	Total       int64
}

// Ratio returns the completed fraction in [0, 1].
func (p Progress) Ratio() float64 {
	if p.Total <= 0 {
		return 0
	}
	return float64(p.Transferred) / float64(p.Total)
}

// channelState tracks one attached data channel.
type channelState struct {
	ch       transport.DataChannel
	openOnce sync.Once
}

// Transferer moves one file between this peer and one remote peer over one
// or more data channels. A sending transferer serves chunks from the cache;
// a receiving transferer reassembles blocks into chunks and stores them.
type Transferer struct {
	id       cache.FileID
	mode     Mode
	opts     Options
	cache    *cache.Cache
	pair     *compression.Pair
	ownsPair bool

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	status      Status
	initialized bool
	destroyed   bool
	info        cache.ChunkMetaData
	total       int
	channels    []*channelState
	nextChannel int
	avail       chan struct{}

	// indexes holds sent chunks in send mode and stored chunks in receive mode.
	indexes     map[int]struct{}
	transferred int64
	passes      int
	acked       bool

	buffers   map[int]*chunkBuffer
	reconcile *time.Timer

	lastProgress  time.Time
	transferSpeed float64 // bytes per second

	progressEvents event.Emitter[Progress]
	completeEvents event.Emitter[struct{}]
	errorEvents    event.Emitter[error]
	readyEvents    event.Emitter[struct{}]
	closeEvents    event.Emitter[struct{}]
	statusEvents   event.Emitter[Status]
}

// NewTransferer creates a transferer for file id in the given mode. It must
// be initialized before channels can carry data.
func NewTransferer(id cache.FileID, mode Mode, opts Options) (*Transferer, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}
	if opts.Cache == nil {
		return nil, fmt.Errorf("%w: no cache for %s", ErrInfoNotSet, id)
	}
	opts, err := opts.withDefaults()
	if err != nil {
		return nil, err
	}

	t := &Transferer{
		id:      id,
		mode:    mode,
		opts:    opts,
		cache:   opts.Cache,
		pair:    opts.Compression,
		status:  StatusNew,
		avail:   make(chan struct{}),
		indexes: make(map[int]struct{}),
		buffers: make(map[int]*chunkBuffer),
	}
	if t.pair == nil {
		t.pair = compression.NewPair(DefaultCompressionWorkers)
		t.ownsPair = true
	}
	t.ctx, t.cancel = context.WithCancel(context.Background())
	t.lastProgress = opts.TimeProvider.Now()

	logrus.WithFields(logrus.Fields{
		"function": "NewTransferer",
		"file_id":  id,
		"mode":     mode.String(),
	}).Info("Created file transferer")

	return t, nil
}

// ID returns the file id.
func (t *Transferer) ID() cache.FileID { return t.id }

// Mode returns the transfer direction.
func (t *Transferer) Mode() Mode { return t.mode }

// Status returns the current lifecycle state.
func (t *Transferer) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Info returns the resolved metadata. It is the zero value before
// Initialize.
func (t *Transferer) Info() cache.ChunkMetaData {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.info
}

// Progress returns the bytes transferred and the file size.
func (t *Transferer) Progress() Progress {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.progressLocked()
}

func (t *Transferer) progressLocked() Progress {
	return Progress{Transferred: t.transferred, Total: t.info.FileSize}
}

// Speed returns the smoothed transfer speed in bytes per second.
func (t *Transferer) Speed() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.transferSpeed
}

// Channels returns the attached data channels.
func (t *Transferer) Channels() []transport.DataChannel {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]transport.DataChannel, 0, len(t.channels))
	for _, cs := range t.channels {
		out = append(out, cs.ch)
	}
	return out
}

// OnProgress subscribes to progress updates.
func (t *Transferer) OnProgress(fn func(Progress)) *event.Subscription {
	return t.progressEvents.Subscribe(fn)
}

// OnComplete subscribes to completion. A receiver completes once every chunk
// is stored; a sender completes when the receiver acknowledges.
func (t *Transferer) OnComplete(fn func()) *event.Subscription {
	return t.completeEvents.Subscribe(func(struct{}) { fn() })
}

// OnError subscribes to errors. Errors local to one chunk or message do not
// change the status.
func (t *Transferer) OnError(fn func(error)) *event.Subscription {
	return t.errorEvents.Subscribe(fn)
}

// OnReady subscribes to the receiver announcing an open channel.
func (t *Transferer) OnReady(fn func()) *event.Subscription {
	return t.readyEvents.Subscribe(func(struct{}) { fn() })
}

// OnClose subscribes to Destroy.
func (t *Transferer) OnClose(fn func()) *event.Subscription {
	return t.closeEvents.Subscribe(func(struct{}) { fn() })
}

// OnStatus subscribes to status transitions.
func (t *Transferer) OnStatus(fn func(Status)) *event.Subscription {
	return t.statusEvents.Subscribe(fn)
}

// Initialize resolves the file metadata from Options.Info or the cache. A
// receiver also loads the chunks already stored so an interrupted download
// resumes where it stopped.
func (t *Transferer) Initialize(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	t.mu.Lock()
	if t.destroyed {
		t.mu.Unlock()
		return ErrDestroyed
	}
	if t.initialized {
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()

	if t.opts.Info != nil {
		if err := t.cache.SetInfo(*t.opts.Info); err != nil {
			return err
		}
	}
	stored, err := t.cache.GetInfo()
	if errors.Is(err, cache.ErrNotFound) {
		return fmt.Errorf("%w: file %s", ErrInfoNotSet, t.id)
	}
	if err != nil {
		return err
	}
	info := stored.ChunkMetaData

	var keys []int
	var cached int64
	total := 0
	if info.ChunkSize > 0 {
		if total, err = cache.TotalChunkCount(info); err != nil {
			return err
		}
		if t.mode == ModeReceive {
			if keys, err = t.cache.GetCachedKeys(); err != nil {
				return err
			}
			if cached, err = t.cache.CalcCachedBytes(); err != nil {
				return err
			}
		}
	} else if t.mode == ModeSend {
		return fmt.Errorf("%w: file %s", cache.ErrChunkSizeMissing, t.id)
	}

	t.mu.Lock()
	t.info = info
	t.total = total
	for _, k := range keys {
		t.indexes[k] = struct{}{}
	}
	t.transferred = cached
	t.initialized = true
	ready := t.status == StatusNew && t.hasOpenChannelLocked()
	if ready {
		t.status = StatusReady
	}
	t.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":      "Initialize",
		"file_id":       t.id,
		"mode":          t.mode.String(),
		"file_size":     info.FileSize,
		"chunk_size":    info.ChunkSize,
		"total_chunks":  total,
		"cached_chunks": len(keys),
		"cached_bytes":  cached,
	}).Info("File transferer initialized")

	if ready {
		t.statusEvents.Emit(StatusReady)
		if t.mode == ModeReceive {
			if ch, err := t.openChannel(); err == nil {
				t.announceReady(ch)
			}
		}
	}
	return nil
}

func (t *Transferer) hasOpenChannelLocked() bool {
	for _, cs := range t.channels {
		if cs.ch.IsOpen() {
			return true
		}
	}
	return false
}

// AddChannel attaches ch. Blocks may be spread over every attached channel.
func (t *Transferer) AddChannel(ch transport.DataChannel) error {
	if ch == nil {
		return ErrNoChannel
	}

	t.mu.Lock()
	if t.destroyed {
		t.mu.Unlock()
		return ErrDestroyed
	}
	if t.status == StatusError {
		t.mu.Unlock()
		return ErrConnectionClosed
	}
	for _, cs := range t.channels {
		if cs.ch == ch {
			t.mu.Unlock()
			return nil
		}
	}
	cs := &channelState{ch: ch}
	t.channels = append(t.channels, cs)
	t.mu.Unlock()

	ch.SetBufferedAmountLowThreshold(t.opts.BufferedAmountLowThreshold)
	ch.OnBufferedAmountLow(t.notifyAvailable)
	ch.OnOpen(func() { t.handleOpen(cs) })
	ch.OnClose(func() { t.handleClose(cs) })
	ch.OnMessage(t.handleFrame)

	logrus.WithFields(logrus.Fields{
		"function": "AddChannel",
		"file_id":  t.id,
		"mode":     t.mode.String(),
		"channel":  ch.Label(),
		"open":     ch.IsOpen(),
	}).Info("Data channel attached")

	if ch.IsOpen() {
		t.handleOpen(cs)
	}
	t.notifyAvailable()
	return nil
}

// notifyAvailable wakes every goroutine waiting for a channel to accept
// data. The wait channel is replaced so later waiters block again.
func (t *Transferer) notifyAvailable() {
	t.mu.Lock()
	close(t.avail)
	t.avail = make(chan struct{})
	t.mu.Unlock()
}

func (t *Transferer) handleOpen(cs *channelState) {
	cs.openOnce.Do(func() {
		t.mu.Lock()
		if t.destroyed {
			t.mu.Unlock()
			return
		}
		initialized := t.initialized
		ready := initialized && t.status == StatusNew
		if ready {
			t.status = StatusReady
		}
		t.mu.Unlock()

		logrus.WithFields(logrus.Fields{
			"function": "handleOpen",
			"file_id":  t.id,
			"mode":     t.mode.String(),
			"channel":  cs.ch.Label(),
		}).Debug("Data channel open")

		if ready {
			t.statusEvents.Emit(StatusReady)
		}
		t.notifyAvailable()

		if t.mode == ModeReceive && initialized {
			t.announceReady(cs.ch)
		}
	})
}

// announceReady tells the sender this side can take data and asks for what
// is still missing.
func (t *Transferer) announceReady(ch transport.DataChannel) {
	if err := t.sendMessage(ch, transport.Message{Type: transport.MessageReady}); err != nil {
		t.emitError(err)
		return
	}
	t.readyEvents.Emit(struct{}{})

	if err := t.Reconcile(t.ctx); err != nil && !errors.Is(err, ErrDestroyed) {
		t.emitError(err)
	}
	t.armReconcile(t.opts.ReconcileDelay)
}

func (t *Transferer) handleClose(cs *channelState) {
	t.mu.Lock()
	if t.destroyed {
		t.mu.Unlock()
		return
	}
	for i, other := range t.channels {
		if other == cs {
			t.channels = append(t.channels[:i], t.channels[i+1:]...)
			break
		}
	}
	lost := len(t.channels) == 0 && !t.status.IsTerminal()
	if lost {
		t.status = StatusError
		t.stopReconcileLocked()
	}
	remaining := len(t.channels)
	t.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":  "handleClose",
		"file_id":   t.id,
		"mode":      t.mode.String(),
		"channel":   cs.ch.Label(),
		"remaining": remaining,
	}).Info("Data channel closed")

	t.notifyAvailable()

	if lost {
		logrus.WithFields(logrus.Fields{
			"function": "handleClose",
			"file_id":  t.id,
			"mode":     t.mode.String(),
		}).Error("All data channels closed before transfer completed")
		t.statusEvents.Emit(StatusError)
		t.errorEvents.Emit(ErrConnectionClosed)
	}
}

// canTransitionLocked reports whether the status may move to next. Error is
// final; Complete only leaves for Process when a sender restarts a pass.
func (t *Transferer) canTransitionLocked(next Status) bool {
	switch {
	case t.destroyed, t.status == next, t.status == StatusError:
		return false
	case t.status == StatusComplete:
		return next == StatusProcess && t.mode == ModeSend
	default:
		return true
	}
}

// setStatus moves to next when allowed. The returned flag reports whether a
// transition happened.
func (t *Transferer) setStatus(next Status) bool {
	t.mu.Lock()
	if !t.canTransitionLocked(next) {
		t.mu.Unlock()
		return false
	}
	prev := t.status
	t.status = next
	t.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "setStatus",
		"file_id":  t.id,
		"mode":     t.mode.String(),
		"from":     prev.String(),
		"status":   next.String(),
	}).Debug("Transfer status changed")

	t.statusEvents.Emit(next)
	return true
}

func (t *Transferer) emitError(err error) {
	if t.isDestroyed() {
		return
	}
	logrus.WithFields(logrus.Fields{
		"function": "emitError",
		"file_id":  t.id,
		"mode":     t.mode.String(),
		"error":    err.Error(),
	}).Warn("Transfer error")
	t.errorEvents.Emit(err)
}

func (t *Transferer) isDestroyed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.destroyed
}

// recordProgressLocked refreshes the byte counter from the index set and
// updates the speed estimate with the change.
func (t *Transferer) recordProgressLocked() Progress {
	var bytes int64
	for index := range t.indexes {
		if length, err := cache.ChunkLength(t.info, index); err == nil {
			bytes += length
		}
	}
	if delta := bytes - t.transferred; delta > 0 {
		t.updateTransferSpeed(delta)
	}
	t.transferred = bytes
	return t.progressLocked()
}

// updateTransferSpeed calculates the current transfer speed.
func (t *Transferer) updateTransferSpeed(n int64) {
	now := t.opts.TimeProvider.Now()
	duration := t.opts.TimeProvider.Since(t.lastProgress).Seconds()

	if duration > 0 {
		instantSpeed := float64(n) / duration

		// Exponential moving average with alpha = 0.3
		if t.transferSpeed == 0 {
			t.transferSpeed = instantSpeed
		} else {
			t.transferSpeed = 0.7*t.transferSpeed + 0.3*instantSpeed
		}
	}

	t.lastProgress = now
}

// openChannel returns any open channel without waiting for backpressure.
func (t *Transferer) openChannel() (transport.DataChannel, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.destroyed {
		return nil, ErrDestroyed
	}
	for _, cs := range t.channels {
		if cs.ch.IsOpen() {
			return cs.ch, nil
		}
	}
	return nil, ErrNoChannel
}

// sendMessage encodes m and sends it on ch, or on any open channel when ch
// is nil.
func (t *Transferer) sendMessage(ch transport.DataChannel, m transport.Message) error {
	if ch == nil {
		var err error
		if ch, err = t.openChannel(); err != nil {
			return err
		}
	}
	text, err := transport.EncodeMessage(m)
	if err != nil {
		return err
	}

	logrus.WithFields(logrus.Fields{
		"function": "sendMessage",
		"file_id":  t.id,
		"channel":  ch.Label(),
		"type":     string(m.Type),
	}).Debug("Sending control message")

	return ch.SendText(text)
}

// Destroy detaches every channel handler, stops timers and publishes Close
// once. Results of work still in flight are discarded.
func (t *Transferer) Destroy() {
	t.mu.Lock()
	if t.destroyed {
		t.mu.Unlock()
		return
	}
	t.destroyed = true
	t.stopReconcileLocked()
	channels := t.channels
	t.channels = nil
	t.buffers = make(map[int]*chunkBuffer)
	close(t.avail)
	t.avail = make(chan struct{})
	t.mu.Unlock()

	t.cancel()
	for _, cs := range channels {
		cs.ch.OnMessage(nil)
		cs.ch.OnOpen(nil)
		cs.ch.OnClose(nil)
		cs.ch.OnBufferedAmountLow(nil)
	}
	if t.ownsPair {
		t.pair.Close()
	}

	logrus.WithFields(logrus.Fields{
		"function": "Destroy",
		"file_id":  t.id,
		"mode":     t.mode.String(),
		"channels": len(channels),
	}).Info("File transferer destroyed")

	t.closeEvents.Emit(struct{}{})

	t.progressEvents.Close()
	t.completeEvents.Close()
	t.errorEvents.Close()
	t.readyEvents.Close()
	t.closeEvents.Close()
	t.statusEvents.Close()
}
