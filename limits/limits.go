// Package limits provides centralized size limits for the chunked transfer
// protocol. This ensures consistent validation across the cache, the wire
// codec and the transfer engine.
package limits

import (
	"errors"
	"fmt"
)

const (
	// PacketHeaderSize is the fixed header in front of every block packet:
	// chunk index (4 bytes), block index (4 bytes), flags (1 byte).
	PacketHeaderSize = 9

	// DefaultBlockSize is the default size of one compressed chunk fragment
	// placed on the wire (128 KiB).
	DefaultBlockSize = 128 * 1024

	// MaxBlockSize is the largest block accepted from a peer (256 KiB).
	// SCTP implementations commonly refuse messages beyond this size.
	MaxBlockSize = 256 * 1024

	// MaxPacketSize is the largest binary frame accepted from a peer.
	MaxPacketSize = PacketHeaderSize + MaxBlockSize

	// DefaultChunkSize is the default unit of persistence and resumption (10 MiB).
	DefaultChunkSize = 10 * 1024 * 1024

	// MaxChunkSize bounds the memory needed to reassemble one chunk (64 MiB).
	MaxChunkSize = 64 * 1024 * 1024

	// MaxControlMessage is the largest JSON control frame accepted (1 MiB).
	// A heavily fragmented request-content range list is the largest
	// legitimate control message.
	MaxControlMessage = 1024 * 1024
)

var (
	// ErrMessageEmpty indicates an empty message was provided
	ErrMessageEmpty = errors.New("empty message")

	// ErrMessageTooLarge indicates message exceeds maximum size
	ErrMessageTooLarge = errors.New("message too large")

	// ErrInvalidSize indicates a configured size is zero or negative
	ErrInvalidSize = errors.New("invalid size")
)

// ValidateMessageSize validates a message against the specified maximum size.
// Returns an error with context including the actual and maximum sizes.
func ValidateMessageSize(message []byte, maxSize int) error {
	if len(message) == 0 {
		return ErrMessageEmpty
	}
	if len(message) > maxSize {
		return fmt.Errorf("%w: size %d exceeds limit %d", ErrMessageTooLarge, len(message), maxSize)
	}
	return nil
}

// ValidateControlMessage validates a JSON control frame against MaxControlMessage.
func ValidateControlMessage(message []byte) error {
	if err := ValidateMessageSize(message, MaxControlMessage); err != nil {
		return fmt.Errorf("control message: %w", err)
	}
	return nil
}

// ValidatePacket validates a binary block frame against MaxPacketSize. The
// block payload itself may be empty.
func ValidatePacket(packet []byte) error {
	if err := ValidateMessageSize(packet, MaxPacketSize); err != nil {
		return fmt.Errorf("packet: %w", err)
	}
	return nil
}

// ValidateBlockSize checks a configured block size.
func ValidateBlockSize(size int) error {
	if size <= 0 {
		return fmt.Errorf("%w: block size %d", ErrInvalidSize, size)
	}
	if size > MaxBlockSize {
		return fmt.Errorf("%w: block size %d exceeds limit %d", ErrMessageTooLarge, size, MaxBlockSize)
	}
	return nil
}

// ValidateChunkSize checks a configured or announced chunk size.
func ValidateChunkSize(size int64) error {
	if size <= 0 {
		return fmt.Errorf("%w: chunk size %d", ErrInvalidSize, size)
	}
	if size > MaxChunkSize {
		return fmt.Errorf("%w: chunk size %d exceeds limit %d", ErrMessageTooLarge, size, MaxChunkSize)
	}
	return nil
}
