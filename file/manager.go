package file

import (
	"context"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/opd-ai/p2pshare/cache"
	"github.com/opd-ai/p2pshare/compression"
	"github.com/opd-ai/p2pshare/event"
	"github.com/opd-ai/p2pshare/limits"
	"github.com/opd-ai/p2pshare/transport"
	"github.com/sirupsen/logrus"
)

// ManagerOptions configures a Manager.
type ManagerOptions struct {
	// Transfer is the template for every transferer. Cache, Info and
	// Compression are filled in per transfer.
	Transfer Options
	// ChunkSize is used for files shared from this peer.
	ChunkSize int64
	// CompressionWorkers sizes each pool of the shared compression pair.
	CompressionWorkers int
}

// DefaultManagerOptions returns a ManagerOptions populated with default values.
func DefaultManagerOptions() ManagerOptions {
	return ManagerOptions{
		Transfer:           DefaultOptions(),
		ChunkSize:          limits.DefaultChunkSize,
		CompressionWorkers: DefaultCompressionWorkers,
	}
}

// Manager coordinates the transfers of one session. It owns the cache
// registry, a compression pair shared by all transfers, and the transfers
// themselves keyed by file and peer.
type Manager struct {
	registry *cache.Registry
	pair     *compression.Pair
	opts     ManagerOptions

	transfers map[transferKey]*Transferer
	subs      map[transferKey]*event.Subscription
	closed    bool
	mu        sync.RWMutex
}

// transferKey uniquely identifies a file transfer.
type transferKey struct {
	fileID   cache.FileID
	clientID cache.ClientID
}

// NewManager creates a manager over registry.
func NewManager(registry *cache.Registry, opts ManagerOptions) (*Manager, error) {
	if opts.ChunkSize == 0 {
		opts.ChunkSize = limits.DefaultChunkSize
	}
	if err := limits.ValidateChunkSize(opts.ChunkSize); err != nil {
		return nil, err
	}
	if opts.CompressionWorkers <= 0 {
		opts.CompressionWorkers = DefaultCompressionWorkers
	}
	if _, err := opts.Transfer.withDefaults(); err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"function":   "NewManager",
		"chunk_size": opts.ChunkSize,
		"workers":    opts.CompressionWorkers,
	}).Info("Creating new file transfer manager")

	return &Manager{
		registry:  registry,
		pair:      compression.NewPair(opts.CompressionWorkers),
		opts:      opts,
		transfers: make(map[transferKey]*Transferer),
		subs:      make(map[transferKey]*event.Subscription),
	}, nil
}

// Registry returns the cache registry.
func (m *Manager) Registry() *cache.Registry { return m.registry }

// ShareFile splits the file at path into a new cache entry and returns its
// metadata. The returned FileID is what peers use to request it.
func (m *Manager) ShareFile(ctx context.Context, path string, from cache.ClientID) (*cache.FileMetaData, error) {
	safePath, err := ValidatePath(path)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(safePath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if stat.IsDir() {
		return nil, fmt.Errorf("%s is a directory", safePath)
	}

	id := cache.NewFileID()
	c, err := m.registry.Create(id)
	if err != nil {
		return nil, err
	}
	meta := cache.ChunkMetaData{
		ID:           id,
		FileName:     filepath.Base(safePath),
		FileSize:     stat.Size(),
		LastModified: stat.ModTime().UnixMilli(),
		MimeType:     mime.TypeByExtension(filepath.Ext(safePath)),
		ChunkSize:    m.opts.ChunkSize,
		From:         from,
	}
	if err := c.SetInfo(meta); err != nil {
		_ = m.registry.Remove(id)
		return nil, err
	}
	if _, err := c.StoreFrom(ctx, f); err != nil {
		_ = m.registry.Remove(id)
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"function":  "ShareFile",
		"file_id":   id,
		"file_name": meta.FileName,
		"file_size": meta.FileSize,
	}).Info("File shared")

	return c.GetInfo()
}

// Open creates and initializes the transfer of fileID with clientID. info
// may be nil when the cache already holds the metadata. A previous transfer
// for the same pair that ended in StatusError is replaced; its progress is
// kept by the cache.
func (m *Manager) Open(ctx context.Context, fileID cache.FileID, clientID cache.ClientID, mode Mode, info *cache.ChunkMetaData) (*Transferer, error) {
	key := transferKey{fileID: fileID, clientID: clientID}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrDestroyed
	}
	if existing, ok := m.transfers[key]; ok {
		if existing.Status() != StatusError {
			m.mu.Unlock()
			return nil, fmt.Errorf("%w: file %s peer %s", ErrTransferExists, fileID, clientID)
		}
		m.dropLocked(key)
		defer existing.Destroy()
	}
	m.mu.Unlock()

	c, err := m.registry.Create(fileID)
	if err != nil {
		return nil, err
	}

	opts := m.opts.Transfer
	opts.Cache = c
	opts.Info = info
	opts.Compression = m.pair

	t, err := NewTransferer(fileID, mode, opts)
	if err != nil {
		return nil, err
	}
	if err := t.Initialize(ctx); err != nil {
		t.Destroy()
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.transfers[key]; ok || m.closed {
		t.Destroy()
		return nil, fmt.Errorf("%w: file %s peer %s", ErrTransferExists, fileID, clientID)
	}
	m.transfers[key] = t
	m.subs[key] = t.OnClose(func() { m.forget(key, t) })

	logrus.WithFields(logrus.Fields{
		"function":  "Open",
		"file_id":   fileID,
		"client_id": clientID,
		"mode":      mode.String(),
	}).Info("Transfer opened")

	return t, nil
}

// Get returns the transfer of fileID with clientID.
func (m *Manager) Get(fileID cache.FileID, clientID cache.ClientID) (*Transferer, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.transfers[transferKey{fileID: fileID, clientID: clientID}]
	return t, ok
}

// Transfers returns every open transfer ordered by file id.
func (m *Manager) Transfers() []*Transferer {
	m.mu.RLock()
	out := make([]*Transferer, 0, len(m.transfers))
	for _, t := range m.transfers {
		out = append(out, t)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// HandleChannel routes a data channel opened by clientID to the transfer
// named by its label.
func (m *Manager) HandleChannel(clientID cache.ClientID, ch transport.DataChannel) error {
	fileID, err := transport.ParseChannelLabel(ch.Label())
	if err != nil {
		return err
	}

	t, ok := m.Get(fileID, clientID)
	if !ok {
		logrus.WithFields(logrus.Fields{
			"function":  "HandleChannel",
			"file_id":   fileID,
			"client_id": clientID,
			"channel":   ch.Label(),
		}).Warn("No transfer for incoming data channel")
		return fmt.Errorf("%w: file %s peer %s", ErrTransferNotFound, fileID, clientID)
	}
	return t.AddChannel(ch)
}

// SaveFile assembles a completely received file into dir under its
// original name and returns the written path.
func (m *Manager) SaveFile(ctx context.Context, fileID cache.FileID, dir string) (string, error) {
	c, ok := m.registry.Get(fileID)
	if !ok {
		return "", fmt.Errorf("%w: %s", cache.ErrNotFound, fileID)
	}
	info, err := c.GetInfo()
	if err != nil {
		return "", err
	}
	safeDir, err := ValidatePath(dir)
	if err != nil {
		return "", err
	}
	name, err := SafeFileName(info.FileName)
	if err != nil {
		return "", err
	}

	merged, err := c.Merge(ctx, filepath.Join(safeDir, name))
	if err != nil {
		return "", err
	}
	return merged.File, nil
}

// Remove destroys the transfer of fileID with clientID. The cached chunks
// are kept.
func (m *Manager) Remove(fileID cache.FileID, clientID cache.ClientID) error {
	key := transferKey{fileID: fileID, clientID: clientID}

	m.mu.Lock()
	t, ok := m.transfers[key]
	if ok {
		m.dropLocked(key)
	}
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: file %s peer %s", ErrTransferNotFound, fileID, clientID)
	}
	t.Destroy()
	return nil
}

func (m *Manager) dropLocked(key transferKey) {
	if sub, ok := m.subs[key]; ok {
		sub.Cancel()
		delete(m.subs, key)
	}
	delete(m.transfers, key)
}

// forget removes t when it is destroyed directly by its owner.
func (m *Manager) forget(key transferKey, t *Transferer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.transfers[key] == t {
		delete(m.transfers, key)
		delete(m.subs, key)
	}
}

// Close destroys every transfer, stops the compression workers and closes
// the registry and its store.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	transfers := make([]*Transferer, 0, len(m.transfers))
	for key, t := range m.transfers {
		transfers = append(transfers, t)
		m.dropLocked(key)
	}
	m.mu.Unlock()

	for _, t := range transfers {
		t.Destroy()
	}
	m.pair.Close()

	logrus.WithFields(logrus.Fields{
		"function":  "Close",
		"transfers": len(transfers),
	}).Info("File transfer manager closed")

	return m.registry.Close()
}
