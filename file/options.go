package file

import (
	"errors"
	"time"

	"github.com/opd-ai/p2pshare/cache"
	"github.com/opd-ai/p2pshare/compression"
	"github.com/opd-ai/p2pshare/limits"
)

// ErrNotSendMode indicates a send operation on a receiving transferer.
var ErrNotSendMode = errors.New("transferer is not in send mode")

// ErrNotReceiveMode indicates a receive operation on a sending transferer.
var ErrNotReceiveMode = errors.New("transferer is not in receive mode")

// ErrNotInitialized indicates an operation that needs Initialize to have run.
var ErrNotInitialized = errors.New("transferer not initialized")

// ErrInfoNotSet indicates that no file metadata could be resolved.
var ErrInfoNotSet = errors.New("file metadata not set")

// ErrNoChannel indicates that no data channel is attached.
var ErrNoChannel = errors.New("no data channel available")

// ErrConnectionClosed indicates that every channel closed before completion.
var ErrConnectionClosed = errors.New("connection closed before transfer completed")

// ErrMissingBlock indicates a gap in the blocks of a chunk.
var ErrMissingBlock = errors.New("missing block")

// ErrDestroyed indicates an operation on a destroyed transferer.
var ErrDestroyed = errors.New("transferer destroyed")

// ErrSendInProgress indicates a send pass requested while another is running.
var ErrSendInProgress = errors.New("send already in progress")

// ErrTransferExists indicates a second transfer for the same file and peer.
var ErrTransferExists = errors.New("transfer already exists")

// ErrTransferNotFound indicates an unknown file and peer combination.
var ErrTransferNotFound = errors.New("transfer not found")

// Mode is the direction of a transfer.
type Mode uint8

const (
	// ModeSend serves chunks from the cache to the peer.
	ModeSend Mode = iota
	// ModeReceive stores chunks from the peer into the cache.
	ModeReceive
)

// String returns a string representation of the mode.
func (m Mode) String() string {
	switch m {
	case ModeSend:
		return "send"
	case ModeReceive:
		return "receive"
	default:
		return "unknown"
	}
}

// Status is the lifecycle state of a transferer.
type Status uint8

const (
	// StatusNew indicates a constructed transferer that is not yet usable.
	StatusNew Status = iota
	// StatusReady indicates an initialized transferer with an open channel.
	StatusReady
	// StatusProcess indicates block data is being sent or received.
	StatusProcess
	// StatusComplete is terminal success.
	StatusComplete
	// StatusError is terminal failure.
	StatusError
)

// String returns a string representation of the status.
func (s Status) String() string {
	switch s {
	case StatusNew:
		return "new"
	case StatusReady:
		return "ready"
	case StatusProcess:
		return "process"
	case StatusComplete:
		return "complete"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// IsTerminal reports whether no further transitions are expected.
func (s Status) IsTerminal() bool {
	return s == StatusComplete || s == StatusError
}

// Default engine settings.
const (
	DefaultBufferedAmountLowThreshold = 1024 * 1024
	DefaultReconcileDelay             = 10 * time.Second
	DefaultReconcileInterval          = 5 * time.Second
	DefaultDrainPollInterval          = 20 * time.Millisecond
	DefaultCompressionWorkers         = 2

	// maxInFlightChunks bounds how many chunks a send pass holds in memory
	// between the cache read and the last block leaving.
	maxInFlightChunks = 4
)

// TimeProvider abstracts time operations for deterministic testing.
type TimeProvider interface {
	Now() time.Time
	Since(t time.Time) time.Duration
}

// DefaultTimeProvider uses the standard library time functions.
type DefaultTimeProvider struct{}

// Now returns the current time.
func (DefaultTimeProvider) Now() time.Time { return time.Now() }

// Since returns the duration since t.
func (DefaultTimeProvider) Since(t time.Time) time.Duration { return time.Since(t) }

// Options configures a Transferer.
type Options struct {
	// Cache holds the chunks of the file. Required.
	Cache *cache.Cache
	// Info overrides the metadata stored in Cache. It is persisted on
	// Initialize.
	Info *cache.ChunkMetaData
	// Compression runs chunk transforms. A private pair is started and
	// stopped with the transferer when nil.
	Compression *compression.Pair

	BlockSize                  int
	BufferedAmountLowThreshold uint64
	CompressionLevel           int
	ReconcileDelay             time.Duration
	ReconcileInterval          time.Duration
	DrainPollInterval          time.Duration

	TimeProvider TimeProvider
}

// DefaultOptions returns an Options populated with default values.
func DefaultOptions() Options {
	return Options{
		BlockSize:                  limits.DefaultBlockSize,
		BufferedAmountLowThreshold: DefaultBufferedAmountLowThreshold,
		CompressionLevel:           compression.DefaultLevel,
		ReconcileDelay:             DefaultReconcileDelay,
		ReconcileInterval:          DefaultReconcileInterval,
		DrainPollInterval:          DefaultDrainPollInterval,
		TimeProvider:               DefaultTimeProvider{},
	}
}

// withDefaults fills zero fields from DefaultOptions and validates the rest.
func (o Options) withDefaults() (Options, error) {
	def := DefaultOptions()
	if o.BlockSize == 0 {
		o.BlockSize = def.BlockSize
	}
	if o.BufferedAmountLowThreshold == 0 {
		o.BufferedAmountLowThreshold = def.BufferedAmountLowThreshold
	}
	if o.ReconcileDelay <= 0 {
		o.ReconcileDelay = def.ReconcileDelay
	}
	if o.ReconcileInterval <= 0 {
		o.ReconcileInterval = def.ReconcileInterval
	}
	if o.DrainPollInterval <= 0 {
		o.DrainPollInterval = def.DrainPollInterval
	}
	if o.TimeProvider == nil {
		o.TimeProvider = def.TimeProvider
	}

	if err := limits.ValidateBlockSize(o.BlockSize); err != nil {
		return o, err
	}
	if o.CompressionLevel < compression.MinLevel || o.CompressionLevel > compression.MaxLevel {
		return o, compression.ErrInvalidLevel
	}
	return o, nil
}
