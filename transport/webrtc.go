package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v3"
	"github.com/sirupsen/logrus"
)

// WebRTCChannel adapts a pion data channel to DataChannel.
type WebRTCChannel struct {
	dc *webrtc.DataChannel
}

// WrapDataChannel returns dc as a DataChannel.
func WrapDataChannel(dc *webrtc.DataChannel) *WebRTCChannel {
	return &WebRTCChannel{dc: dc}
}

// Raw returns the underlying pion data channel.
func (c *WebRTCChannel) Raw() *webrtc.DataChannel { return c.dc }

// Label returns the channel label.
func (c *WebRTCChannel) Label() string { return c.dc.Label() }

// Send queues a binary frame.
func (c *WebRTCChannel) Send(data []byte) error { return c.dc.Send(data) }

// SendText queues a text frame.
func (c *WebRTCChannel) SendText(text string) error { return c.dc.SendText(text) }

// BufferedAmount returns the number of bytes queued but not yet sent.
func (c *WebRTCChannel) BufferedAmount() uint64 { return c.dc.BufferedAmount() }

// BufferedAmountLowThreshold returns the low watermark.
func (c *WebRTCChannel) BufferedAmountLowThreshold() uint64 {
	return c.dc.BufferedAmountLowThreshold()
}

// SetBufferedAmountLowThreshold sets the low watermark.
func (c *WebRTCChannel) SetBufferedAmountLowThreshold(threshold uint64) {
	c.dc.SetBufferedAmountLowThreshold(threshold)
}

// OnBufferedAmountLow registers the handler for the buffered amount
// dropping to the low watermark.
func (c *WebRTCChannel) OnBufferedAmountLow(f func()) {
	if f == nil {
		f = func() {}
	}
	c.dc.OnBufferedAmountLow(f)
}

// OnOpen registers the open handler.
func (c *WebRTCChannel) OnOpen(f func()) {
	if f == nil {
		f = func() {}
	}
	c.dc.OnOpen(f)
}

// OnClose registers the close handler.
func (c *WebRTCChannel) OnClose(f func()) {
	if f == nil {
		f = func() {}
	}
	c.dc.OnClose(f)
}

// OnMessage registers the frame handler.
func (c *WebRTCChannel) OnMessage(f func(Frame)) {
	if f == nil {
		c.dc.OnMessage(func(webrtc.DataChannelMessage) {})
		return
	}
	c.dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		f(Frame{IsString: msg.IsString, Data: msg.Data})
	})
}

// IsOpen reports whether the channel is open.
func (c *WebRTCChannel) IsOpen() bool {
	return c.dc.ReadyState() == webrtc.DataChannelStateOpen
}

// Close closes the channel.
func (c *WebRTCChannel) Close() error { return c.dc.Close() }

// LoopbackPeers is a pair of peer connections negotiated in-process. It is
// used by the demo and by integration tests; real sessions negotiate through
// an external signaling service.
type LoopbackPeers struct {
	Offerer  *webrtc.PeerConnection
	Answerer *webrtc.PeerConnection

	mu      sync.Mutex
	waiting map[string]chan *webrtc.DataChannel
	arrived map[string]*webrtc.DataChannel
}

// NewLoopbackPeers creates two peer connections and completes the offer /
// answer exchange between them. A bootstrap channel is negotiated so that
// later channels can be opened without renegotiation.
func NewLoopbackPeers(ctx context.Context) (*LoopbackPeers, error) {
	se := webrtc.SettingEngine{}
	se.SetIncludeLoopbackCandidate(true)
	api := webrtc.NewAPI(webrtc.WithSettingEngine(se))

	offerer, err := api.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		return nil, err
	}
	answerer, err := api.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		_ = offerer.Close()
		return nil, err
	}

	p := &LoopbackPeers{
		Offerer:  offerer,
		Answerer: answerer,
		waiting:  make(map[string]chan *webrtc.DataChannel),
		arrived:  make(map[string]*webrtc.DataChannel),
	}
	answerer.OnDataChannel(p.deliver)

	if err := p.negotiate(ctx); err != nil {
		_ = p.Close()
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"function": "NewLoopbackPeers",
	}).Info("Loopback peer connections negotiated")

	return p, nil
}

func (p *LoopbackPeers) negotiate(ctx context.Context) error {
	if _, err := p.Offerer.CreateDataChannel("bootstrap", nil); err != nil {
		return err
	}

	offer, err := p.Offerer.CreateOffer(nil)
	if err != nil {
		return err
	}
	offerGathered := webrtc.GatheringCompletePromise(p.Offerer)
	if err := p.Offerer.SetLocalDescription(offer); err != nil {
		return err
	}
	if err := waitDone(ctx, offerGathered); err != nil {
		return err
	}

	if err := p.Answerer.SetRemoteDescription(*p.Offerer.LocalDescription()); err != nil {
		return err
	}
	answer, err := p.Answerer.CreateAnswer(nil)
	if err != nil {
		return err
	}
	answerGathered := webrtc.GatheringCompletePromise(p.Answerer)
	if err := p.Answerer.SetLocalDescription(answer); err != nil {
		return err
	}
	if err := waitDone(ctx, answerGathered); err != nil {
		return err
	}

	return p.Offerer.SetRemoteDescription(*p.Answerer.LocalDescription())
}

func (p *LoopbackPeers) deliver(dc *webrtc.DataChannel) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ch, ok := p.waiting[dc.Label()]; ok {
		delete(p.waiting, dc.Label())
		ch <- dc
		return
	}
	p.arrived[dc.Label()] = dc
}

func (p *LoopbackPeers) expect(label string) <-chan *webrtc.DataChannel {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch := make(chan *webrtc.DataChannel, 1)
	if dc, ok := p.arrived[label]; ok {
		delete(p.arrived, label)
		ch <- dc
		return ch
	}
	p.waiting[label] = ch
	return ch
}

// OpenChannel creates a channel on the offerer and returns both ends once
// the offerer side is open. Labels must be unique per pair.
func (p *LoopbackPeers) OpenChannel(ctx context.Context, label string) (local, remote *WebRTCChannel, err error) {
	remoteCh := p.expect(label)

	opened := make(chan struct{})
	var once sync.Once
	dc, err := p.Offerer.CreateDataChannel(label, nil)
	if err != nil {
		return nil, nil, err
	}
	dc.OnOpen(func() { once.Do(func() { close(opened) }) })
	if dc.ReadyState() == webrtc.DataChannelStateOpen {
		once.Do(func() { close(opened) })
	}

	if err := waitDone(ctx, opened); err != nil {
		return nil, nil, fmt.Errorf("open channel %s: %w", label, err)
	}

	select {
	case rdc := <-remoteCh:
		return WrapDataChannel(dc), WrapDataChannel(rdc), nil
	case <-ctx.Done():
		return nil, nil, fmt.Errorf("open channel %s: %w", label, ctx.Err())
	}
}

// Close closes both peer connections.
func (p *LoopbackPeers) Close() error {
	return errors.Join(p.Offerer.Close(), p.Answerer.Close())
}

func waitDone(ctx context.Context, done <-chan struct{}) error {
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
