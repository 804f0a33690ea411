package cache

import (
	"bytes"
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/opd-ai/p2pshare/event"
	"github.com/sirupsen/logrus"
)

// Registry owns the caches of one session, all backed by the same Store.
type Registry struct {
	store Store
	opts  Options

	mu     sync.RWMutex
	caches map[FileID]*Cache
	subs   map[FileID][]*event.Subscription

	updates  event.Emitter[FileID]
	cleanups event.Emitter[FileID]
}

// NewRegistry creates an empty registry over store.
func NewRegistry(store Store, opts Options) *Registry {
	return &Registry{
		store:  store,
		opts:   opts,
		caches: make(map[FileID]*Cache),
		subs:   make(map[FileID][]*event.Subscription),
	}
}

// OnUpdate subscribes to metadata changes of any registered cache.
func (r *Registry) OnUpdate(fn func(FileID)) *event.Subscription { return r.updates.Subscribe(fn) }

// OnCleanup subscribes to the removal of any registered cache.
func (r *Registry) OnCleanup(fn func(FileID)) *event.Subscription { return r.cleanups.Subscribe(fn) }

// Load registers a cache for every file whose metadata is already in the
// store, so partially downloaded files survive a restart.
func (r *Registry) Load(ctx context.Context) error {
	keys, err := r.store.Keys([]byte(KeyPrefix))
	if err != nil {
		return err
	}

	loaded := 0
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !bytes.HasSuffix(key, []byte("/info")) {
			continue
		}
		id := FileID(strings.TrimSuffix(strings.TrimPrefix(string(key), KeyPrefix), "/info"))
		if _, err := r.Create(id); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Registry.Load",
				"file_id":  id,
				"error":    err.Error(),
			}).Warn("Skipping unreadable cache entry")
			continue
		}
		loaded++
	}

	logrus.WithFields(logrus.Fields{
		"function": "Registry.Load",
		"caches":   loaded,
	}).Info("Chunk caches loaded from store")
	return nil
}

// Create returns the cache for id, creating and registering it on first use.
func (r *Registry) Create(id FileID) (*Cache, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.caches[id]; ok {
		logrus.WithFields(logrus.Fields{
			"function": "Registry.Create",
			"file_id":  id,
		}).Debug("Cache already exists")
		return c, nil
	}

	c, err := New(id, r.store, r.opts)
	if err != nil {
		return nil, err
	}
	r.caches[id] = c
	r.subs[id] = []*event.Subscription{
		c.OnUpdate(func(*FileMetaData) { r.updates.Emit(id) }),
		c.OnCleanup(func(FileID) { r.forget(id) }),
	}
	return c, nil
}

// Get returns the registered cache for id.
func (r *Registry) Get(id FileID) (*Cache, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.caches[id]
	return c, ok
}

// List returns the registered file ids in ascending order.
func (r *Registry) List() []FileID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]FileID, 0, len(r.caches))
	for id := range r.caches {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Remove deletes the file's data and unregisters its cache. Removing an
// unknown id is a no-op.
func (r *Registry) Remove(id FileID) error {
	c, ok := r.Get(id)
	if !ok {
		return nil
	}
	return c.Cleanup()
}

func (r *Registry) forget(id FileID) {
	r.mu.Lock()
	subs := r.subs[id]
	delete(r.caches, id)
	delete(r.subs, id)
	r.mu.Unlock()

	for _, sub := range subs {
		sub.Cancel()
	}
	r.cleanups.Emit(id)
}

// Close releases the underlying store.
func (r *Registry) Close() error {
	r.mu.Lock()
	for id, subs := range r.subs {
		for _, sub := range subs {
			sub.Cancel()
		}
		delete(r.subs, id)
	}
	r.caches = make(map[FileID]*Cache)
	r.mu.Unlock()

	r.updates.Close()
	r.cleanups.Close()
	return r.store.Close()
}
