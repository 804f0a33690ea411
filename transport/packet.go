package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/opd-ai/p2pshare/limits"
)

// ErrPacketTooShort indicates a binary frame smaller than the packet header.
var ErrPacketTooShort = errors.New("packet too short")

// ErrIndexOutOfRange indicates a chunk or block index that does not fit the
// 32-bit header fields.
var ErrIndexOutOfRange = errors.New("index out of range")

const flagLastBlock byte = 1 << 0

// Block is one fragment of a compressed chunk as carried by a binary frame.
//
// Format: [chunk index (4 bytes BE)][block index (4 bytes BE)][flags (1 byte)][block data]
type Block struct {
	ChunkIndex  int
	BlockIndex  int
	IsLastBlock bool
	Data        []byte
}

// BuildPacket frames one block for the wire.
func BuildPacket(chunkIndex, blockIndex int, isLastBlock bool, blockData []byte) ([]byte, error) {
	if chunkIndex < 0 || chunkIndex > math.MaxUint32 {
		return nil, fmt.Errorf("%w: chunk index %d", ErrIndexOutOfRange, chunkIndex)
	}
	if blockIndex < 0 || blockIndex > math.MaxUint32 {
		return nil, fmt.Errorf("%w: block index %d", ErrIndexOutOfRange, blockIndex)
	}

	packet := make([]byte, limits.PacketHeaderSize+len(blockData))
	binary.BigEndian.PutUint32(packet[0:4], uint32(chunkIndex))
	binary.BigEndian.PutUint32(packet[4:8], uint32(blockIndex))
	if isLastBlock {
		packet[8] = flagLastBlock
	}
	copy(packet[limits.PacketHeaderSize:], blockData)

	return packet, nil
}

// ReadPacket parses a frame produced by BuildPacket. The returned block data
// is a copy and does not alias packet.
func ReadPacket(packet []byte) (*Block, error) {
	if len(packet) < limits.PacketHeaderSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrPacketTooShort, len(packet))
	}

	block := &Block{
		ChunkIndex:  int(binary.BigEndian.Uint32(packet[0:4])),
		BlockIndex:  int(binary.BigEndian.Uint32(packet[4:8])),
		IsLastBlock: packet[8]&flagLastBlock != 0,
		Data:        make([]byte, len(packet)-limits.PacketHeaderSize),
	}
	copy(block.Data, packet[limits.PacketHeaderSize:])

	return block, nil
}
