// Package testing provides simulated data channels for deterministic testing
// of the file transfer engine.
//
// # Overview
//
// This package implements an in-memory pair of data channels that mirrors
// the behavior of a WebRTC data channel closely enough for the engine: frames
// are delivered in order on a separate goroutine, the buffered amount counts
// bytes that are queued but not yet delivered, and the buffered-amount-low
// handler fires when delivery brings the buffered amount to the watermark.
//
// # Simulation vs Real Implementation
//
//   - Simulation (this package): frames never leave the process and every
//     delivery is recorded for verification.
//
//   - Real (transport.WrapDataChannel): frames travel over SCTP inside a pion
//     peer connection.
//
// Both satisfy transport.DataChannel.
//
// # Usage
//
//	sender, receiver := testing.NewChannelPair("file-abc", "file-abc", testing.PairOptions{})
//	defer sender.Close()
//
//	engine.AddChannel(sender)
//	receiver.OnMessage(func(f transport.Frame) { ... })
//	sender.Open()
//
// Pause and Resume hold outbound frames to exercise backpressure. The Drop
// option loses selected frames to exercise reconciliation. Close on either
// end closes both and fires both close handlers.
//
// # Delivery Logs
//
// DeliveryLog returns every frame delivered or dropped by either end. Each
// DeliveryRecord contains the sending and receiving labels, the payload size,
// whether the frame was text, and whether it was dropped.
//
// # Thread Safety
//
// All methods on SimulatedChannel are safe for concurrent use. Handlers are
// invoked without internal locks held.
package testing
