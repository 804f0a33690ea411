// Package limits provides centralized size constants and validation functions
// for the chunked file transfer protocol.
//
// # Size Hierarchy
//
//   - PacketHeaderSize (9 bytes): chunk index, block index and flags in front
//     of every binary block frame.
//
//   - DefaultBlockSize (128 KiB) / MaxBlockSize (256 KiB): one fragment of a
//     compressed chunk, the unit placed on a data channel.
//
//   - DefaultChunkSize (10 MiB) / MaxChunkSize (64 MiB): the unit of
//     persistence and resumption. A receiver holds at most one chunk's worth
//     of blocks per in-flight chunk, so MaxChunkSize bounds that memory.
//
//   - MaxControlMessage (1 MiB): JSON control frames such as request-content.
//
// # Validation Functions
//
//	if err := limits.ValidatePacket(frame); err != nil {
//	    // ErrMessageEmpty or ErrMessageTooLarge
//	}
//
// For custom size limits, use the generic ValidateMessageSize function:
//
//	err := limits.ValidateMessageSize(data, 4096)
//
// # Error Types
//
//   - ErrMessageEmpty: an empty or nil message was provided
//   - ErrMessageTooLarge: the message exceeds the specified limit
//   - ErrInvalidSize: a configured size is zero or negative
//
// All errors returned with context wrap one of these sentinels and can be
// matched with errors.Is.
package limits
