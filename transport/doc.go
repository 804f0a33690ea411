// Package transport defines the wire format and channel abstraction used by
// the file transfer engine.
//
// # Channels
//
// Each transfer owns one or more WebRTC data channels whose labels start
// with ChannelPrefix followed by the FileID:
//
//	label := transport.ChannelLabel(id)         // "file-<id>"
//	extra := transport.ExtraChannelLabel(id)    // "file-<id>#<suffix>"
//	id, err := transport.ParseChannelLabel(label)
//
// The engine talks to channels through the DataChannel interface. Production
// code wraps a pion data channel with WrapDataChannel; tests use the
// simulated channels from the testing package.
//
// # Control Messages
//
// Control messages travel as JSON text frames with a "type" discriminator:
//
//	{"type":"request-head"}
//	{"type":"head","id":"...","fileName":"a.bin","fileSize":1000000,"chunkSize":300000,...}
//	{"type":"request-content","ranges":[[1,1],[3,3]]}
//	{"type":"ready"}
//	{"type":"complete"}
//
// # Block Packets
//
// Compressed chunks are cut into blocks and each block travels as a binary
// frame with a 9 byte big-endian header:
//
//	[chunk index (4 bytes)][block index (4 bytes)][flags (1 byte)][block data]
//
// Bit 0 of flags marks the last block of a chunk.
//
// # Loopback
//
// LoopbackPeers negotiates two pion peer connections in-process so that
// real data channels can be exercised without a signaling service.
package transport
