package testing

import (
	"errors"
	"sync"
	"time"

	"github.com/opd-ai/p2pshare/transport"
	"github.com/sirupsen/logrus"
)

// ErrChannelNotOpen indicates a send on a channel that is not open.
var ErrChannelNotOpen = errors.New("simulated channel not open")

// PairOptions configures a simulated channel pair.
type PairOptions struct {
	// Latency delays every frame before it reaches the peer.
	Latency time.Duration
	// Drop, when set, is consulted for every frame; returning true loses it.
	Drop func(from string, frame transport.Frame) bool
}

// DeliveryRecord represents a frame delivery event for testing verification
type DeliveryRecord struct {
	From      string
	To        string
	Size      int
	IsString  bool
	Dropped   bool
	Timestamp time.Time
}

type pairState struct {
	opts PairOptions

	mu  sync.Mutex
	log []DeliveryRecord
}

func (p *pairState) record(r DeliveryRecord) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.log = append(p.log, r)
}

// SimulatedChannel is one end of an in-memory data channel pair. Frames are
// delivered to the peer in order on a dedicated goroutine, and the buffered
// amount counts bytes that have been sent but not yet delivered.
type SimulatedChannel struct {
	label string
	pair  *pairState
	peer  *SimulatedChannel

	mu        sync.Mutex
	cond      *sync.Cond
	queue     []transport.Frame
	buffered  uint64
	threshold uint64
	open      bool
	closed    bool
	paused    bool

	onOpen    func()
	onClose   func()
	onLow     func()
	onMessage func(transport.Frame)
}

// NewChannelPair creates two connected channels. Both start in the
// connecting state; call Open on either end to open the pair.
func NewChannelPair(labelA, labelB string, opts PairOptions) (*SimulatedChannel, *SimulatedChannel) {
	logrus.Warn("SIMULATION FUNCTION - NOT A REAL OPERATION")
	logrus.WithFields(logrus.Fields{
		"function": "NewChannelPair",
		"label_a":  labelA,
		"label_b":  labelB,
		"latency":  opts.Latency,
	}).Info("Creating simulated data channel pair")

	state := &pairState{opts: opts}
	a := newSimulatedChannel(labelA, state)
	b := newSimulatedChannel(labelB, state)
	a.peer, b.peer = b, a

	go a.deliverLoop()
	go b.deliverLoop()

	return a, b
}

func newSimulatedChannel(label string, state *pairState) *SimulatedChannel {
	c := &SimulatedChannel{label: label, pair: state}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// Label returns the channel label.
func (c *SimulatedChannel) Label() string { return c.label }

// Send queues a binary frame for the peer.
func (c *SimulatedChannel) Send(data []byte) error {
	frame := transport.Frame{Data: append([]byte(nil), data...)}
	return c.enqueue(frame)
}

// SendText queues a text frame for the peer.
func (c *SimulatedChannel) SendText(text string) error {
	return c.enqueue(transport.Frame{IsString: true, Data: []byte(text)})
}

func (c *SimulatedChannel) enqueue(frame transport.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.open || c.closed {
		return ErrChannelNotOpen
	}
	c.queue = append(c.queue, frame)
	c.buffered += uint64(len(frame.Data))
	c.cond.Signal()
	return nil
}

// BufferedAmount returns the bytes queued but not yet delivered.
func (c *SimulatedChannel) BufferedAmount() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buffered
}

// BufferedAmountLowThreshold returns the low watermark.
func (c *SimulatedChannel) BufferedAmountLowThreshold() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.threshold
}

// SetBufferedAmountLowThreshold sets the low watermark.
func (c *SimulatedChannel) SetBufferedAmountLowThreshold(threshold uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.threshold = threshold
}

// OnBufferedAmountLow registers the handler fired when delivery brings the
// buffered amount from above the watermark to at or below it.
func (c *SimulatedChannel) OnBufferedAmountLow(f func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onLow = f
}

// OnOpen registers the open handler.
func (c *SimulatedChannel) OnOpen(f func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onOpen = f
}

// OnClose registers the close handler.
func (c *SimulatedChannel) OnClose(f func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onClose = f
}

// OnMessage registers the handler for frames arriving from the peer.
func (c *SimulatedChannel) OnMessage(f func(transport.Frame)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onMessage = f
}

// IsOpen reports whether the channel is open.
func (c *SimulatedChannel) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open && !c.closed
}

// Open opens both ends of the pair and fires their open handlers.
func (c *SimulatedChannel) Open() {
	for _, end := range []*SimulatedChannel{c, c.peer} {
		end.mu.Lock()
		if end.open || end.closed {
			end.mu.Unlock()
			continue
		}
		end.open = true
		handler := end.onOpen
		end.mu.Unlock()

		if handler != nil {
			handler()
		}
	}
}

// Close closes both ends of the pair. Undelivered frames are lost.
func (c *SimulatedChannel) Close() error {
	logrus.WithFields(logrus.Fields{
		"function": "SimulatedChannel.Close",
		"label":    c.label,
	}).Info("Closing simulated data channel pair")

	c.shutdown()
	c.peer.shutdown()
	return nil
}

func (c *SimulatedChannel) shutdown() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.queue = nil
	c.buffered = 0
	c.cond.Broadcast()
	handler := c.onClose
	c.mu.Unlock()

	if handler != nil {
		handler()
	}
}

// Pause holds outbound frames so that the buffered amount grows.
func (c *SimulatedChannel) Pause() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paused = true
}

// Resume releases frames held by Pause.
func (c *SimulatedChannel) Resume() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paused = false
	c.cond.Broadcast()
}

// DeliveryLog returns a copy of the delivery records of both ends.
func (c *SimulatedChannel) DeliveryLog() []DeliveryRecord {
	c.pair.mu.Lock()
	defer c.pair.mu.Unlock()
	return append([]DeliveryRecord(nil), c.pair.log...)
}

func (c *SimulatedChannel) next() (transport.Frame, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for (len(c.queue) == 0 || c.paused) && !c.closed {
		c.cond.Wait()
	}
	if c.closed {
		return transport.Frame{}, false
	}
	return c.queue[0], true
}

func (c *SimulatedChannel) deliverLoop() {
	for {
		frame, ok := c.next()
		if !ok {
			return
		}

		if c.pair.opts.Latency > 0 {
			time.Sleep(c.pair.opts.Latency)
		}

		dropped := c.pair.opts.Drop != nil && c.pair.opts.Drop(c.label, frame)
		if !dropped {
			c.peer.receive(frame)
		}

		c.pair.record(DeliveryRecord{
			From:      c.label,
			To:        c.peer.label,
			Size:      len(frame.Data),
			IsString:  frame.IsString,
			Dropped:   dropped,
			Timestamp: time.Now(),
		})

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return
		}
		c.queue[0] = transport.Frame{}
		c.queue = c.queue[1:]
		before := c.buffered
		c.buffered -= uint64(len(frame.Data))
		fire := before > c.threshold && c.buffered <= c.threshold
		low := c.onLow
		c.mu.Unlock()

		if fire && low != nil {
			low()
		}
	}
}

func (c *SimulatedChannel) receive(frame transport.Frame) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	handler := c.onMessage
	c.mu.Unlock()

	if handler != nil {
		handler(frame)
	}
}

var _ transport.DataChannel = (*SimulatedChannel)(nil)
