package file

import (
	"bytes"
	"context"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/opd-ai/p2pshare/cache"
	"github.com/opd-ai/p2pshare/compression"
	sim "github.com/opd-ai/p2pshare/testing"
	"github.com/opd-ai/p2pshare/transport"
	"github.com/stretchr/testify/require"
)

// mockTimeProvider provides deterministic time for testing.
type mockTimeProvider struct {
	mu          sync.Mutex
	currentTime time.Time
}

func (m *mockTimeProvider) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentTime
}

func (m *mockTimeProvider) Since(t time.Time) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentTime.Sub(t)
}

func (m *mockTimeProvider) advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.currentTime = m.currentTime.Add(d)
}

func newMockTimeProvider() *mockTimeProvider {
	return &mockTimeProvider{
		currentTime: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

// testPayload returns reproducible pseudo-random bytes that do not compress.
func testPayload(size int) []byte {
	data := make([]byte, size)
	rand.New(rand.NewSource(int64(size))).Read(data)
	return data
}

func testMeta(id cache.FileID) cache.ChunkMetaData {
	return cache.ChunkMetaData{
		ID:        id,
		FileName:  "payload.bin",
		FileSize:  testFileSize,
		ChunkSize: testChunkSize,
		From:      "alice",
	}
}

// newSenderCache returns a cache holding every chunk of data.
func newSenderCache(t *testing.T, id cache.FileID, data []byte) *cache.Cache {
	t.Helper()
	c, err := cache.New(id, cache.NewMemoryStore(), cache.Options{})
	require.NoError(t, err)
	require.NoError(t, c.SetInfo(testMeta(id)))
	_, err = c.StoreFrom(context.Background(), bytes.NewReader(data))
	require.NoError(t, err)
	return c
}

// newReceiverCache returns a cache with metadata and the listed chunks of
// data already stored.
func newReceiverCache(t *testing.T, id cache.FileID, data []byte, stored ...int) *cache.Cache {
	t.Helper()
	c, err := cache.New(id, cache.NewMemoryStore(), cache.Options{})
	require.NoError(t, err)
	require.NoError(t, c.SetInfo(testMeta(id)))
	for _, index := range stored {
		require.NoError(t, c.StoreChunk(index, chunkOf(data, index)))
	}
	return c
}

func chunkOf(data []byte, index int) []byte {
	start := index * testChunkSize
	return data[start:min(start+testChunkSize, len(data))]
}

func testOptions(c *cache.Cache) Options {
	opts := DefaultOptions()
	opts.Cache = c
	opts.BlockSize = testBlockSize
	opts.ReconcileDelay = time.Hour
	opts.ReconcileInterval = time.Hour
	opts.DrainPollInterval = time.Millisecond
	opts.TimeProvider = newMockTimeProvider()
	return opts
}

func newTestTransferer(t *testing.T, mode Mode, opts Options) *Transferer {
	t.Helper()
	tr, err := NewTransferer(opts.Cache.ID(), mode, opts)
	require.NoError(t, err)
	t.Cleanup(tr.Destroy)
	return tr
}

// newTestPair returns a connected pair that is closed after the transferers
// created later in the test have been destroyed.
func newTestPair(t *testing.T, opts sim.PairOptions) (*sim.SimulatedChannel, *sim.SimulatedChannel) {
	a, b := sim.NewChannelPair(testSenderLabel, testReceiverLabel, opts)
	t.Cleanup(func() { _ = a.Close() })
	return a, b
}

// recorder captures the frames and events observed on one side.
type recorder struct {
	mu       sync.Mutex
	frames   []transport.Frame
	statuses []Status
	errors   []error
	complete int
}

func (r *recorder) frame(f transport.Frame) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, f)
}

func (r *recorder) status(s Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, s)
}

func (r *recorder) err(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errors = append(r.errors, err)
}

func (r *recorder) completed() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.complete++
}

func (r *recorder) watch(tr *Transferer) {
	tr.OnStatus(r.status)
	tr.OnError(r.err)
	tr.OnComplete(r.completed)
}

func (r *recorder) messages() []transport.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []transport.Message
	for _, f := range r.frames {
		if !f.IsString {
			continue
		}
		if m, err := transport.DecodeMessage(f.Data); err == nil {
			out = append(out, m)
		}
	}
	return out
}

func (r *recorder) blocks() []*transport.Block {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*transport.Block
	for _, f := range r.frames {
		if f.IsString {
			continue
		}
		if b, err := transport.ReadPacket(f.Data); err == nil {
			out = append(out, b)
		}
	}
	return out
}

func (r *recorder) statusLog() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Status(nil), r.statuses...)
}

func (r *recorder) errorLog() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.errors...)
}

func (r *recorder) completions() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.complete
}

func hasMessage(msgs []transport.Message, typ transport.MessageType) bool {
	for _, m := range msgs {
		if m.Type == typ {
			return true
		}
	}
	return false
}

// compressChunk runs data through a compression pool the way a sender does.
func compressChunk(t *testing.T, data []byte) []byte {
	t.Helper()
	pair := compression.NewPair(1)
	defer pair.Close()

	done := make(chan compression.Result, 1)
	require.NoError(t, pair.Compress(data, compression.DefaultLevel, 0, func(r compression.Result) { done <- r }))
	select {
	case r := <-done:
		require.NoError(t, r.Err)
		return r.Data
	case <-time.After(testWait):
		t.Fatal("compression timed out")
		return nil
	}
}

// decompressBlocks reassembles the chunks in blocks and decompresses them.
func decompressBlocks(t *testing.T, blocks []*transport.Block) map[int][]byte {
	t.Helper()
	buffers := make(map[int]*chunkBuffer)
	compressed := make(map[int][]byte)
	for _, b := range blocks {
		buf, ok := buffers[b.ChunkIndex]
		if !ok {
			buf = newChunkBuffer()
			buffers[b.ChunkIndex] = buf
		}
		data, err := buf.add(b)
		require.NoError(t, err)
		if data != nil {
			compressed[b.ChunkIndex] = data
		}
	}

	pair := compression.NewPair(1)
	defer pair.Close()
	out := make(map[int][]byte)
	for index, data := range compressed {
		done := make(chan compression.Result, 1)
		require.NoError(t, pair.Decompress(data, 0, index, func(r compression.Result) { done <- r }))
		r := <-done
		require.NoError(t, r.Err)
		out[index] = r.Data
	}
	return out
}
