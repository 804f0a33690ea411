package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/opd-ai/p2pshare/cache"
	"github.com/opd-ai/p2pshare/limits"
	"github.com/opd-ai/p2pshare/ranges"
)

var (
	// ErrUnknownMessage indicates a control message with an unrecognized type.
	ErrUnknownMessage = errors.New("unknown message type")

	// ErrMalformedMessage indicates a control frame that is not valid JSON
	// or lacks a required field.
	ErrMalformedMessage = errors.New("malformed message")
)

// MessageType discriminates control messages.
type MessageType string

const (
	// MessageHead announces the chunk metadata of a file.
	MessageHead MessageType = "head"
	// MessageRequestHead asks the sender to announce the metadata.
	MessageRequestHead MessageType = "request-head"
	// MessageRequestContent asks the sender for the listed chunk ranges.
	MessageRequestContent MessageType = "request-content"
	// MessageComplete signals that a side considers the transfer done.
	MessageComplete MessageType = "complete"
	// MessageReady signals that the receiver has a channel open.
	MessageReady MessageType = "ready"
)

// maxChunkIndex is the largest chunk index a block header can carry.
const maxChunkIndex = math.MaxUint32

// Message is a control message carried as a JSON text frame. Ranges is used
// by request-content, Head by head.
type Message struct {
	Type   MessageType
	Ranges ranges.Set
	Head   *cache.ChunkMetaData
}

type typeOnly struct {
	Type MessageType `json:"type"`
}

type headWire struct {
	Type MessageType `json:"type"`
	cache.ChunkMetaData
}

type requestContentWire struct {
	Type   MessageType `json:"type"`
	Ranges ranges.Set  `json:"ranges"`
}

// MarshalJSON flattens the head metadata next to the type field.
func (m Message) MarshalJSON() ([]byte, error) {
	switch m.Type {
	case MessageHead:
		if m.Head == nil {
			return nil, fmt.Errorf("%w: head message without metadata", ErrMalformedMessage)
		}
		return json.Marshal(headWire{Type: m.Type, ChunkMetaData: *m.Head})
	case MessageRequestContent:
		set := m.Ranges
		if set == nil {
			set = ranges.Set{}
		}
		return json.Marshal(requestContentWire{Type: m.Type, Ranges: set})
	case MessageRequestHead, MessageComplete, MessageReady:
		return json.Marshal(typeOnly{Type: m.Type})
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessage, string(m.Type))
	}
}

// UnmarshalJSON decodes any control message.
func (m *Message) UnmarshalJSON(data []byte) error {
	var head typeOnly
	if err := json.Unmarshal(data, &head); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}

	switch head.Type {
	case MessageHead:
		var wire headWire
		if err := json.Unmarshal(data, &wire); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformedMessage, err)
		}
		*m = Message{Type: MessageHead, Head: &wire.ChunkMetaData}
	case MessageRequestContent:
		var wire requestContentWire
		if err := json.Unmarshal(data, &wire); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformedMessage, err)
		}
		*m = Message{Type: MessageRequestContent, Ranges: clampRequested(ranges.Normalize(wire.Ranges))}
	case MessageRequestHead, MessageComplete, MessageReady:
		*m = Message{Type: head.Type}
	case "":
		return fmt.Errorf("%w: missing type", ErrMalformedMessage)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownMessage, string(head.Type))
	}
	return nil
}

// clampRequested cuts a canonical set at maxChunkIndex. Ranges starting
// beyond it are dropped.
func clampRequested(set ranges.Set) ranges.Set {
	out := set[:0]
	for _, r := range set {
		if r[0] > maxChunkIndex {
			break
		}
		r[1] = min(r[1], maxChunkIndex)
		out = append(out, r)
	}
	return out
}

// EncodeMessage renders m as the text of a control frame.
func EncodeMessage(m Message) (string, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// DecodeMessage parses the text of a control frame.
func DecodeMessage(data []byte) (Message, error) {
	if err := limits.ValidateControlMessage(data); err != nil {
		return Message{}, err
	}
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		if !errors.Is(err, ErrUnknownMessage) && !errors.Is(err, ErrMalformedMessage) {
			err = fmt.Errorf("%w: %v", ErrMalformedMessage, err)
		}
		return Message{}, err
	}
	return m, nil
}
