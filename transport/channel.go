package transport

import (
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/opd-ai/p2pshare/cache"
)

// ChannelPrefix starts the label of every data channel dedicated to one
// file transfer. The rest of the label is the FileID.
const ChannelPrefix = "file-"

// ErrNotTransferChannel indicates a data channel label without ChannelPrefix.
var ErrNotTransferChannel = errors.New("not a file transfer channel")

// Frame is one message received on a data channel. Text frames carry JSON
// control messages; binary frames carry block packets.
type Frame struct {
	IsString bool
	Data     []byte
}

// DataChannel is the subset of a WebRTC data channel the transfer engine
// needs. Registering a handler replaces the previous one; passing nil
// detaches it.
type DataChannel interface {
	Label() string
	Send(data []byte) error
	SendText(text string) error
	BufferedAmount() uint64
	BufferedAmountLowThreshold() uint64
	SetBufferedAmountLowThreshold(threshold uint64)
	OnBufferedAmountLow(f func())
	OnOpen(f func())
	OnClose(f func())
	OnMessage(f func(Frame))
	IsOpen() bool
	Close() error
}

// ChannelLabel returns the label of a transfer channel for id.
func ChannelLabel(id cache.FileID) string {
	return ChannelPrefix + string(id)
}

// ExtraChannelLabel returns a unique label for an additional channel of the
// same transfer. ParseChannelLabel maps it back to id.
func ExtraChannelLabel(id cache.FileID) string {
	return ChannelLabel(id) + "#" + uuid.NewString()[:8]
}

// ParseChannelLabel extracts the FileID from a transfer channel label.
// Extra channels for the same file may append "#suffix" to the label.
func ParseChannelLabel(label string) (cache.FileID, error) {
	if !strings.HasPrefix(label, ChannelPrefix) {
		return "", ErrNotTransferChannel
	}
	id := strings.TrimPrefix(label, ChannelPrefix)
	if i := strings.IndexByte(id, '#'); i >= 0 {
		id = id[:i]
	}
	fileID := cache.FileID(id)
	if err := fileID.Validate(); err != nil {
		return "", err
	}
	return fileID, nil
}
