package file

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/opd-ai/p2pshare/cache"
	"github.com/opd-ai/p2pshare/compression"
	"github.com/opd-ai/p2pshare/limits"
	"github.com/opd-ai/p2pshare/ranges"
	sim "github.com/opd-ai/p2pshare/testing"
	"github.com/opd-ai/p2pshare/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestModeAndStatusStrings(t *testing.T) {
	assert.Equal(t, "send", ModeSend.String())
	assert.Equal(t, "receive", ModeReceive.String())
	assert.Equal(t, "unknown", Mode(9).String())

	tests := []struct {
		status   Status
		name     string
		terminal bool
	}{
		{StatusNew, "new", false},
		{StatusReady, "ready", false},
		{StatusProcess, "process", false},
		{StatusComplete, "complete", true},
		{StatusError, "error", true},
		{Status(42), "unknown", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.name, tt.status.String())
		assert.Equal(t, tt.terminal, tt.status.IsTerminal(), tt.name)
	}
}

func TestProgressRatio(t *testing.T) {
	assert.Zero(t, Progress{}.Ratio())
	assert.InDelta(t, 0.25, Progress{Transferred: 25, Total: 100}.Ratio(), 1e-9)
	assert.InDelta(t, 1.0, Progress{Transferred: 100, Total: 100}.Ratio(), 1e-9)
}

func TestOptionsWithDefaults(t *testing.T) {
	opts, err := Options{CompressionLevel: compression.DefaultLevel}.withDefaults()
	require.NoError(t, err)
	assert.Equal(t, limits.DefaultBlockSize, opts.BlockSize)
	assert.Equal(t, uint64(DefaultBufferedAmountLowThreshold), opts.BufferedAmountLowThreshold)
	assert.Equal(t, DefaultReconcileDelay, opts.ReconcileDelay)
	assert.Equal(t, DefaultReconcileInterval, opts.ReconcileInterval)
	assert.NotNil(t, opts.TimeProvider)

	_, err = Options{BlockSize: limits.MaxBlockSize + 1}.withDefaults()
	assert.ErrorIs(t, err, limits.ErrMessageTooLarge)

	_, err = Options{CompressionLevel: compression.MaxLevel + 1}.withDefaults()
	assert.ErrorIs(t, err, compression.ErrInvalidLevel)
}

func TestNewTransfererValidation(t *testing.T) {
	_, err := NewTransferer("", ModeSend, DefaultOptions())
	assert.ErrorIs(t, err, cache.ErrInvalidFileID)

	_, err = NewTransferer("f1", ModeSend, DefaultOptions())
	assert.ErrorIs(t, err, ErrInfoNotSet)

	c, err := cache.New("f1", cache.NewMemoryStore(), cache.Options{})
	require.NoError(t, err)
	opts := DefaultOptions()
	opts.Cache = c
	opts.BlockSize = -1
	_, err = NewTransferer("f1", ModeSend, opts)
	assert.ErrorIs(t, err, limits.ErrInvalidSize)
}

func TestInitialize(t *testing.T) {
	data := testPayload(testFileSize)

	t.Run("no metadata", func(t *testing.T) {
		c, err := cache.New("empty", cache.NewMemoryStore(), cache.Options{})
		require.NoError(t, err)
		tr := newTestTransferer(t, ModeReceive, testOptions(c))
		assert.ErrorIs(t, tr.Initialize(context.Background()), ErrInfoNotSet)
	})

	t.Run("sender needs chunk size", func(t *testing.T) {
		c, err := cache.New("nochunk", cache.NewMemoryStore(), cache.Options{})
		require.NoError(t, err)
		meta := testMeta("nochunk")
		meta.ChunkSize = 0
		opts := testOptions(c)
		opts.Info = &meta
		tr := newTestTransferer(t, ModeSend, opts)
		assert.ErrorIs(t, tr.Initialize(context.Background()), cache.ErrChunkSizeMissing)
	})

	t.Run("receiver resumes cached chunks", func(t *testing.T) {
		c := newReceiverCache(t, "resume", data, 0, 4)
		tr := newTestTransferer(t, ModeReceive, testOptions(c))
		require.NoError(t, tr.Initialize(context.Background()))

		assert.Equal(t, StatusNew, tr.Status())
		assert.Equal(t, Progress{Transferred: testChunkSize + 1000, Total: testFileSize}, tr.Progress())
		assert.Equal(t, int64(testChunkSize), tr.Info().ChunkSize)
	})

	t.Run("info option is persisted", func(t *testing.T) {
		c, err := cache.New("persist", cache.NewMemoryStore(), cache.Options{})
		require.NoError(t, err)
		meta := testMeta("persist")
		opts := testOptions(c)
		opts.Info = &meta
		tr := newTestTransferer(t, ModeReceive, opts)
		require.NoError(t, tr.Initialize(context.Background()))

		stored, err := c.GetInfo()
		require.NoError(t, err)
		assert.Equal(t, "payload.bin", stored.FileName)
	})

	t.Run("cancelled context", func(t *testing.T) {
		c := newReceiverCache(t, "cancel", data)
		tr := newTestTransferer(t, ModeReceive, testOptions(c))
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		assert.ErrorIs(t, tr.Initialize(ctx), context.Canceled)
	})
}

func TestSendFileSendsAllChunks(t *testing.T) {
	data := testPayload(testFileSize)
	a, b := newTestPair(t, sim.PairOptions{})
	peer := &recorder{}
	b.OnMessage(peer.frame)

	sender := newTestTransferer(t, ModeSend, testOptions(newSenderCache(t, "all", data)))
	events := &recorder{}
	events.watch(sender)

	require.NoError(t, sender.AddChannel(a))
	require.NoError(t, sender.Initialize(context.Background()))
	assert.Equal(t, StatusNew, sender.Status())

	a.Open()
	assert.Equal(t, StatusReady, sender.Status())

	require.NoError(t, sender.SendFile(context.Background(), nil))
	assert.Equal(t, StatusComplete, sender.Status())
	assert.Equal(t, []Status{StatusReady, StatusProcess, StatusComplete}, events.statusLog())
	assert.Equal(t, Progress{Transferred: testFileSize, Total: testFileSize}, sender.Progress())

	require.Eventually(t, func() bool {
		return hasMessage(peer.messages(), transport.MessageComplete)
	}, testWait, testTick)

	chunks := decompressBlocks(t, peer.blocks())
	require.Len(t, chunks, testChunks)
	for index := 0; index < testChunks; index++ {
		assert.Equal(t, chunkOf(data, index), chunks[index], "chunk %d", index)
	}

	// complete is sent only after every block has been delivered
	peer.mu.Lock()
	last := peer.frames[len(peer.frames)-1]
	peer.mu.Unlock()
	assert.True(t, last.IsString)
	assert.Zero(t, events.completions(), "sender completes only on acknowledgment")
}

func TestSendFileRanges(t *testing.T) {
	data := testPayload(testFileSize)
	a, b := newTestPair(t, sim.PairOptions{})
	peer := &recorder{}
	b.OnMessage(peer.frame)

	sender := newTestTransferer(t, ModeSend, testOptions(newSenderCache(t, "ranges", data)))
	require.NoError(t, sender.AddChannel(a))
	require.NoError(t, sender.Initialize(context.Background()))
	a.Open()

	set := ranges.Set{{1, 1}, {3, 9}}
	require.NoError(t, sender.SendFile(context.Background(), set))
	require.Eventually(t, func() bool {
		return hasMessage(peer.messages(), transport.MessageComplete)
	}, testWait, testTick)

	chunks := decompressBlocks(t, peer.blocks())
	assert.Len(t, chunks, 3)
	for _, index := range []int{1, 3, 4} {
		assert.Equal(t, chunkOf(data, index), chunks[index])
	}
}

func TestSendFileErrors(t *testing.T) {
	data := testPayload(testFileSize)
	ctx := context.Background()

	receiver := newTestTransferer(t, ModeReceive, testOptions(newReceiverCache(t, "r", data)))
	assert.ErrorIs(t, receiver.SendFile(ctx, nil), ErrNotSendMode)

	sender := newTestTransferer(t, ModeSend, testOptions(newSenderCache(t, "s", data)))
	assert.ErrorIs(t, sender.SendFile(ctx, nil), ErrNotInitialized)

	require.NoError(t, sender.Initialize(ctx))
	assert.ErrorIs(t, sender.SendFile(ctx, nil), ErrNoChannel)

	assert.ErrorIs(t, sender.Reconcile(ctx), ErrNotReceiveMode)

	sender.Destroy()
	assert.ErrorIs(t, sender.SendFile(ctx, nil), ErrDestroyed)
}

func TestReconcileRequestsMissingRanges(t *testing.T) {
	data := testPayload(testFileSize)
	a, b := newTestPair(t, sim.PairOptions{})
	peer := &recorder{}
	a.OnMessage(peer.frame)

	receiver := newTestTransferer(t, ModeReceive, testOptions(newReceiverCache(t, "missing", data, 0, 2, 4)))
	ready := make(chan struct{}, 1)
	receiver.OnReady(func() { ready <- struct{}{} })

	require.NoError(t, receiver.AddChannel(b))
	require.NoError(t, receiver.Initialize(context.Background()))
	a.Open()

	select {
	case <-ready:
	case <-time.After(testWait):
		t.Fatal("receiver never announced ready")
	}

	require.Eventually(t, func() bool { return len(peer.messages()) >= 2 }, testWait, testTick)
	msgs := peer.messages()
	assert.Equal(t, transport.MessageReady, msgs[0].Type)
	assert.Equal(t, transport.MessageRequestContent, msgs[1].Type)
	assert.Equal(t, ranges.Set{{1, 1}, {3, 3}}, msgs[1].Ranges)

	require.NoError(t, receiver.Reconcile(context.Background()))
	require.Eventually(t, func() bool { return len(peer.messages()) >= 3 }, testWait, testTick)
	assert.Equal(t, ranges.Set{{1, 1}, {3, 3}}, peer.messages()[2].Ranges)
}

func TestReconcileTimerRepeatsRequest(t *testing.T) {
	data := testPayload(testFileSize)
	a, b := newTestPair(t, sim.PairOptions{})
	peer := &recorder{}
	a.OnMessage(peer.frame)

	opts := testOptions(newReceiverCache(t, "timer", data, 1))
	opts.ReconcileDelay = 20 * time.Millisecond
	opts.ReconcileInterval = 20 * time.Millisecond
	receiver := newTestTransferer(t, ModeReceive, opts)

	require.NoError(t, receiver.AddChannel(b))
	require.NoError(t, receiver.Initialize(context.Background()))
	a.Open()

	require.Eventually(t, func() bool {
		requests := 0
		for _, m := range peer.messages() {
			if m.Type == transport.MessageRequestContent {
				requests++
			}
		}
		return requests >= 3
	}, testWait, testTick)

	receiver.Destroy()
	time.Sleep(50 * time.Millisecond)
	count := len(peer.messages())
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, count, len(peer.messages()), "destroyed receiver stops reconciling")
}

func TestReconcileSkipsCongestedChannel(t *testing.T) {
	data := testPayload(testFileSize)
	a1, b1 := newTestPair(t, sim.PairOptions{})
	a2, b2 := sim.NewChannelPair("sender-2", "receiver-2", sim.PairOptions{})
	t.Cleanup(func() { _ = a2.Close() })
	peer1, peer2 := &recorder{}, &recorder{}
	a1.OnMessage(peer1.frame)
	a2.OnMessage(peer2.frame)

	opts := testOptions(newReceiverCache(t, "congested", data, 0, 2, 4))
	receiver := newTestTransferer(t, ModeReceive, opts)
	a1.Open()
	a2.Open()
	require.NoError(t, receiver.AddChannel(b1))
	require.NoError(t, receiver.AddChannel(b2))
	require.NoError(t, receiver.Initialize(context.Background()))

	requests := func(r *recorder) int {
		n := 0
		for _, m := range r.messages() {
			if m.Type == transport.MessageRequestContent {
				n++
			}
		}
		return n
	}
	require.Eventually(t, func() bool { return requests(peer1)+requests(peer2) >= 1 }, testWait, testTick)
	time.Sleep(20 * time.Millisecond)

	b1.Pause()
	require.NoError(t, b1.Send(make([]byte, opts.BufferedAmountLowThreshold+1)))
	before1, before2 := requests(peer1), requests(peer2)

	require.NoError(t, receiver.Reconcile(context.Background()))
	require.NoError(t, receiver.Reconcile(context.Background()))
	require.Eventually(t, func() bool { return requests(peer2) == before2+2 }, testWait, testTick)
	assert.Equal(t, before1, requests(peer1))

	// with every channel congested the request waits for the caller's deadline
	b2.Pause()
	require.NoError(t, b2.Send(make([]byte, opts.BufferedAmountLowThreshold+1)))
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, receiver.Reconcile(ctx), context.DeadlineExceeded)
}

func TestReceiverRequestsHeadWithoutChunkSize(t *testing.T) {
	a, b := newTestPair(t, sim.PairOptions{})
	peer := &recorder{}
	a.OnMessage(peer.frame)

	c, err := cache.New("head", cache.NewMemoryStore(), cache.Options{})
	require.NoError(t, err)
	meta := testMeta("head")
	meta.ChunkSize = 0
	opts := testOptions(c)
	opts.Info = &meta
	receiver := newTestTransferer(t, ModeReceive, opts)

	require.NoError(t, receiver.AddChannel(b))
	require.NoError(t, receiver.Initialize(context.Background()))
	a.Open()

	require.Eventually(t, func() bool {
		return hasMessage(peer.messages(), transport.MessageRequestHead)
	}, testWait, testTick)

	head := testMeta("head")
	text, err := transport.EncodeMessage(transport.Message{Type: transport.MessageHead, Head: &head})
	require.NoError(t, err)
	require.NoError(t, a.SendText(text))

	require.Eventually(t, func() bool {
		return hasMessage(peer.messages(), transport.MessageRequestContent)
	}, testWait, testTick)
	assert.Equal(t, int64(testChunkSize), receiver.Info().ChunkSize)

	for _, m := range peer.messages() {
		if m.Type == transport.MessageRequestContent {
			assert.Equal(t, ranges.Set{{0, testChunks - 1}}, m.Ranges)
		}
	}
}

func TestReceiverReassemblesOutOfOrderBlocks(t *testing.T) {
	data := testPayload(testFileSize)
	a, b := newTestPair(t, sim.PairOptions{})
	peer := &recorder{}
	a.OnMessage(peer.frame)

	c := newReceiverCache(t, "order", data, 0, 1, 3, 4)
	receiver := newTestTransferer(t, ModeReceive, testOptions(c))
	events := &recorder{}
	events.watch(receiver)

	require.NoError(t, receiver.AddChannel(b))
	require.NoError(t, receiver.Initialize(context.Background()))
	a.Open()

	compressed := compressChunk(t, chunkOf(data, 2))
	third := (len(compressed) + 2) / 3
	var packets [][]byte
	for i := 0; i < 3; i++ {
		start := i * third
		end := min(start+third, len(compressed))
		packet, err := transport.BuildPacket(2, i, i == 2, compressed[start:end])
		require.NoError(t, err)
		packets = append(packets, packet)
	}
	for _, i := range []int{2, 0, 1} {
		require.NoError(t, a.Send(packets[i]))
	}

	require.Eventually(t, func() bool { return events.completions() == 1 }, testWait, testTick)
	assert.Equal(t, StatusComplete, receiver.Status())

	stored, err := c.GetChunk(2)
	require.NoError(t, err)
	assert.Equal(t, chunkOf(data, 2), stored)
	assert.Equal(t, []Status{StatusReady, StatusProcess, StatusComplete}, events.statusLog())
	assert.True(t, hasMessage(peer.messages(), transport.MessageComplete))
	assert.Equal(t, Progress{Transferred: testFileSize, Total: testFileSize}, receiver.Progress())
	assert.Empty(t, events.errorLog())

	// a late duplicate is ignored
	require.NoError(t, a.Send(packets[0]))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, events.completions())
}

func TestReceiverRejectsInvalidBlocks(t *testing.T) {
	data := testPayload(testFileSize)
	a, b := newTestPair(t, sim.PairOptions{})

	receiver := newTestTransferer(t, ModeReceive, testOptions(newReceiverCache(t, "invalid", data)))
	events := &recorder{}
	events.watch(receiver)
	require.NoError(t, receiver.AddChannel(b))
	require.NoError(t, receiver.Initialize(context.Background()))
	a.Open()

	require.NoError(t, a.Send([]byte{1, 2, 3}))
	packet, err := transport.BuildPacket(testChunks, 0, true, []byte("x"))
	require.NoError(t, err)
	require.NoError(t, a.Send(packet))
	garbage, err := transport.BuildPacket(0, 0, true, []byte("not deflate data"))
	require.NoError(t, err)
	require.NoError(t, a.Send(garbage))
	require.NoError(t, a.SendText(`{"type":"bogus"}`))

	require.Eventually(t, func() bool { return len(events.errorLog()) >= 4 }, testWait, testTick)
	errs := events.errorLog()
	assert.ErrorIs(t, errs[0], transport.ErrPacketTooShort)
	assert.ErrorIs(t, errs[1], cache.ErrInvalidChunk)
	assert.ErrorIs(t, errors.Join(errs[2:]...), transport.ErrUnknownMessage)

	// a chunk that failed to decompress stays missing
	missing, err := receiver.cache.GetReqRanges()
	require.NoError(t, err)
	assert.Equal(t, ranges.Set{{0, testChunks - 1}}, missing)
	assert.NotEqual(t, StatusError, receiver.Status())
}

func TestReceiverLimitsDecompressedChunk(t *testing.T) {
	data := testPayload(testFileSize)
	a, b := newTestPair(t, sim.PairOptions{})

	c := newReceiverCache(t, "inflate", data, 1, 2, 3, 4)
	receiver := newTestTransferer(t, ModeReceive, testOptions(c))
	events := &recorder{}
	events.watch(receiver)
	require.NoError(t, receiver.AddChannel(b))
	require.NoError(t, receiver.Initialize(context.Background()))
	a.Open()

	oversized := compressChunk(t, make([]byte, 100*testChunkSize))
	packet, err := transport.BuildPacket(0, 0, true, oversized)
	require.NoError(t, err)
	require.NoError(t, a.Send(packet))

	require.Eventually(t, func() bool { return len(events.errorLog()) == 1 }, testWait, testTick)
	assert.ErrorIs(t, events.errorLog()[0], compression.ErrOutputTooLarge)
	_, err = c.GetChunk(0)
	assert.ErrorIs(t, err, cache.ErrNotFound)

	packet, err = transport.BuildPacket(0, 0, true, compressChunk(t, chunkOf(data, 0)))
	require.NoError(t, err)
	require.NoError(t, a.Send(packet))
	require.Eventually(t, func() bool { return events.completions() == 1 }, testWait, testTick)
	assert.Len(t, events.errorLog(), 1)
}

func TestConflictingHeadIsReported(t *testing.T) {
	data := testPayload(testFileSize)
	a, b := newTestPair(t, sim.PairOptions{})

	receiver := newTestTransferer(t, ModeReceive, testOptions(newReceiverCache(t, "conflict", data)))
	events := &recorder{}
	events.watch(receiver)
	require.NoError(t, receiver.AddChannel(b))
	require.NoError(t, receiver.Initialize(context.Background()))
	a.Open()

	head := testMeta("conflict")
	head.FileSize = 1
	text, err := transport.EncodeMessage(transport.Message{Type: transport.MessageHead, Head: &head})
	require.NoError(t, err)
	require.NoError(t, a.SendText(text))

	require.Eventually(t, func() bool { return len(events.errorLog()) == 1 }, testWait, testTick)
	assert.ErrorIs(t, events.errorLog()[0], cache.ErrConflictingInfo)
	assert.Equal(t, int64(testFileSize), receiver.Info().FileSize)
}

func TestConnectionLossSetsError(t *testing.T) {
	data := testPayload(testFileSize)
	a, b := newTestPair(t, sim.PairOptions{})

	receiver := newTestTransferer(t, ModeReceive, testOptions(newReceiverCache(t, "lost", data, 0)))
	events := &recorder{}
	events.watch(receiver)
	require.NoError(t, receiver.AddChannel(b))
	require.NoError(t, receiver.Initialize(context.Background()))
	a.Open()
	require.Equal(t, StatusReady, receiver.Status())

	require.NoError(t, a.Close())

	assert.Equal(t, StatusError, receiver.Status())
	assert.Zero(t, events.completions())
	require.NotEmpty(t, events.errorLog())
	assert.ErrorIs(t, events.errorLog()[len(events.errorLog())-1], ErrConnectionClosed)
	assert.Equal(t, StatusError, events.statusLog()[len(events.statusLog())-1])
	assert.Empty(t, receiver.Channels())

	c2, _ := newTestPair(t, sim.PairOptions{})
	assert.ErrorIs(t, receiver.AddChannel(c2), ErrConnectionClosed)
}

func TestRequestContentIgnoredDuringPass(t *testing.T) {
	data := testPayload(testFileSize)
	a, b := newTestPair(t, sim.PairOptions{})
	peer := &recorder{}
	b.OnMessage(peer.frame)

	sender := newTestTransferer(t, ModeSend, testOptions(newSenderCache(t, "busy", data)))
	require.NoError(t, sender.AddChannel(a))
	require.NoError(t, sender.Initialize(context.Background()))
	a.Open()
	a.Pause()

	request := func(set ranges.Set) {
		text, err := transport.EncodeMessage(transport.Message{Type: transport.MessageRequestContent, Ranges: set})
		require.NoError(t, err)
		require.NoError(t, b.SendText(text))
	}
	passes := func() int {
		sender.mu.Lock()
		defer sender.mu.Unlock()
		return sender.passes
	}
	delivered := func() int {
		n := 0
		for _, r := range b.DeliveryLog() {
			if r.From == testReceiverLabel {
				n++
			}
		}
		return n
	}

	request(ranges.Set{{0, testChunks - 1}})
	require.Eventually(t, func() bool {
		return sender.Status() == StatusProcess && a.BufferedAmount() > 0
	}, testWait, testTick)

	request(ranges.Set{{0, 0}})
	require.Eventually(t, func() bool { return delivered() == 2 }, testWait, testTick)
	assert.Equal(t, 1, passes())
	assert.Equal(t, StatusProcess, sender.Status())

	a.Resume()
	require.Eventually(t, func() bool { return sender.Status() == StatusComplete }, testWait, testTick)
	assert.Equal(t, 1, passes())

	firstBlocks := 0
	for _, blk := range peer.blocks() {
		if blk.ChunkIndex == 0 && blk.BlockIndex == 0 {
			firstBlocks++
		}
	}
	assert.Equal(t, 1, firstBlocks)

	// a request after completion starts a new pass
	request(ranges.Set{{2, 2}})
	require.Eventually(t, func() bool {
		return passes() == 2 && sender.Status() == StatusComplete
	}, testWait, testTick)
}

func TestRequestContentClippedToFile(t *testing.T) {
	data := testPayload(testFileSize)
	a, b := newTestPair(t, sim.PairOptions{})
	peer := &recorder{}
	b.OnMessage(peer.frame)

	sender := newTestTransferer(t, ModeSend, testOptions(newSenderCache(t, "clip", data)))
	require.NoError(t, sender.AddChannel(a))
	require.NoError(t, sender.Initialize(context.Background()))
	a.Open()

	passes := func() int {
		sender.mu.Lock()
		defer sender.mu.Unlock()
		return sender.passes
	}
	firstBlocks := func(chunk int) int {
		n := 0
		for _, blk := range peer.blocks() {
			if blk.ChunkIndex == chunk && blk.BlockIndex == 0 {
				n++
			}
		}
		return n
	}
	finished := func(n int) func() bool {
		return func() bool { return passes() == n && sender.Status() == StatusComplete }
	}

	require.NoError(t, b.SendText(`{"type":"request-content","ranges":[[0,1099511627776]]}`))
	require.Eventually(t, finished(1), testWait, testTick)
	for chunk := 0; chunk < testChunks; chunk++ {
		assert.Equal(t, 1, firstBlocks(chunk), "chunk %d", chunk)
	}

	sender.handleRequestContent(ranges.Set{{3, math.MaxInt}})
	require.Eventually(t, finished(2), testWait, testTick)
	assert.Equal(t, 1, firstBlocks(2))
	assert.Equal(t, 2, firstBlocks(4))

	// a request for chunks past the end sends nothing
	sender.handleRequestContent(ranges.Set{{testChunks, testChunks + 10}})
	assert.Equal(t, 2, passes())
	assert.Equal(t, StatusComplete, sender.Status())

	require.NoError(t, b.SendText(`{"type":"request-content","ranges":[[0,0]]}`))
	require.Eventually(t, finished(3), testWait, testTick)
	assert.Equal(t, 2, firstBlocks(0))
	assert.Equal(t, 2, firstBlocks(4))
}

func TestBackpressureBoundsBufferedAmount(t *testing.T) {
	data := testPayload(testFileSize)
	a, b := newTestPair(t, sim.PairOptions{})
	peer := &recorder{}
	b.OnMessage(peer.frame)

	const threshold = 2048
	opts := testOptions(newSenderCache(t, "pressure", data))
	opts.BufferedAmountLowThreshold = threshold
	sender := newTestTransferer(t, ModeSend, opts)
	require.NoError(t, sender.AddChannel(a))
	require.NoError(t, sender.Initialize(context.Background()))
	a.Open()
	assert.Equal(t, uint64(threshold), a.BufferedAmountLowThreshold())
	a.Pause()

	done := make(chan error, 1)
	go func() { done <- sender.SendFile(context.Background(), nil) }()

	require.Eventually(t, func() bool { return a.BufferedAmount() > threshold }, testWait, testTick)
	time.Sleep(50 * time.Millisecond)
	assert.LessOrEqual(t, a.BufferedAmount(), uint64(threshold+testBlockSize+limits.PacketHeaderSize))
	assert.Equal(t, StatusProcess, sender.Status())

	a.Resume()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(testWait):
		t.Fatal("send pass did not finish after resume")
	}
	assert.Len(t, decompressBlocks(t, peer.blocks()), testChunks)
}

func TestSendFileSpreadsBlocksOverChannels(t *testing.T) {
	data := testPayload(testFileSize)
	a1, b1 := newTestPair(t, sim.PairOptions{})
	a2, b2 := sim.NewChannelPair("sender-2", "receiver-2", sim.PairOptions{})
	t.Cleanup(func() { _ = a2.Close() })

	peer := &recorder{}
	b1.OnMessage(peer.frame)
	b2.OnMessage(peer.frame)

	sender := newTestTransferer(t, ModeSend, testOptions(newSenderCache(t, "multi", data)))
	a1.Open()
	a2.Open()
	require.NoError(t, sender.AddChannel(a1))
	require.NoError(t, sender.AddChannel(a2))
	require.NoError(t, sender.AddChannel(a2))
	assert.Len(t, sender.Channels(), 2)

	require.NoError(t, sender.Initialize(context.Background()))
	assert.Equal(t, StatusReady, sender.Status())
	require.NoError(t, sender.SendFile(context.Background(), nil))

	require.Eventually(t, func() bool {
		return hasMessage(peer.messages(), transport.MessageComplete)
	}, testWait, testTick)
	chunks := decompressBlocks(t, peer.blocks())
	require.Len(t, chunks, testChunks)

	binary := func(log []sim.DeliveryRecord, from string) int {
		n := 0
		for _, r := range log {
			if r.From == from && !r.IsString {
				n++
			}
		}
		return n
	}
	assert.Positive(t, binary(a1.DeliveryLog(), testSenderLabel))
	assert.Positive(t, binary(a2.DeliveryLog(), "sender-2"))
}

func TestSendFileSurvivesOneChannelClosing(t *testing.T) {
	data := testPayload(testFileSize)
	a1, b1 := newTestPair(t, sim.PairOptions{})
	a2, b2 := sim.NewChannelPair("sender-2", "receiver-2", sim.PairOptions{})
	t.Cleanup(func() { _ = a2.Close() })
	peer := &recorder{}
	b1.OnMessage(peer.frame)
	b2.OnMessage(peer.frame)

	sender := newTestTransferer(t, ModeSend, testOptions(newSenderCache(t, "survive", data)))
	require.NoError(t, sender.AddChannel(a1))
	require.NoError(t, sender.AddChannel(a2))
	require.NoError(t, sender.Initialize(context.Background()))
	a1.Open()
	a2.Open()

	require.NoError(t, a1.Close())
	assert.Equal(t, StatusReady, sender.Status())
	assert.Len(t, sender.Channels(), 1)

	require.NoError(t, sender.SendFile(context.Background(), nil))
	assert.Equal(t, StatusComplete, sender.Status())
}

func TestEndToEndTransfer(t *testing.T) {
	data := testPayload(testFileSize)
	a, b := newTestPair(t, sim.PairOptions{Latency: time.Millisecond})

	sender := newTestTransferer(t, ModeSend, testOptions(newSenderCache(t, "e2e", data)))
	rc := newReceiverCache(t, "e2e", data, 0, 1)
	receiver := newTestTransferer(t, ModeReceive, testOptions(rc))

	sent, received := &recorder{}, &recorder{}
	sent.watch(sender)
	received.watch(receiver)

	var (
		progressMu sync.Mutex
		progress   []Progress
	)
	progressDone := make(chan struct{})
	receiver.OnProgress(func(p Progress) {
		progressMu.Lock()
		defer progressMu.Unlock()
		progress = append(progress, p)
		if p.Transferred == p.Total {
			close(progressDone)
		}
	})

	require.NoError(t, sender.AddChannel(a))
	require.NoError(t, receiver.AddChannel(b))
	require.NoError(t, sender.Initialize(context.Background()))
	require.NoError(t, receiver.Initialize(context.Background()))
	a.Open()

	require.Eventually(t, func() bool {
		return received.completions() == 1 && sent.completions() == 1 &&
			sender.Status() == StatusComplete
	}, testWait, testTick)

	select {
	case <-progressDone:
	case <-time.After(testWait):
		t.Fatal("receiver never reported full progress")
	}
	assert.Equal(t, StatusComplete, receiver.Status())
	assert.Equal(t, []Status{StatusReady, StatusProcess, StatusComplete}, sent.statusLog())
	assert.Equal(t, []Status{StatusReady, StatusProcess, StatusComplete}, received.statusLog())
	assert.Empty(t, sent.errorLog())
	assert.Empty(t, received.errorLog())

	// only the three missing chunks crossed the wire
	assert.Equal(t, int64(2*testChunkSize+1000), sender.Progress().Transferred)
	progressMu.Lock()
	assert.Len(t, progress, 3)
	progressMu.Unlock()

	for index := 0; index < testChunks; index++ {
		chunk, err := rc.GetChunk(index)
		require.NoError(t, err)
		assert.Equal(t, chunkOf(data, index), chunk)
	}
	complete, err := rc.IsComplete()
	require.NoError(t, err)
	assert.True(t, complete)
}

func TestDestroy(t *testing.T) {
	data := testPayload(testFileSize)
	a, b := newTestPair(t, sim.PairOptions{})
	c := newReceiverCache(t, "destroy", data)
	receiver := newTestTransferer(t, ModeReceive, testOptions(c))

	closes := 0
	receiver.OnClose(func() { closes++ })
	events := &recorder{}
	events.watch(receiver)

	require.NoError(t, receiver.AddChannel(b))
	require.NoError(t, receiver.Initialize(context.Background()))
	a.Open()

	receiver.Destroy()
	receiver.Destroy()
	assert.Equal(t, 1, closes)
	assert.True(t, b.IsOpen(), "destroy leaves channels to their owner")

	// results still in flight are discarded
	receiver.handleDecompressed(compression.Result{
		Data:    chunkOf(data, 0),
		Context: compression.Context{ChunkIndex: 0},
	})
	_, err := c.GetChunk(0)
	assert.ErrorIs(t, err, cache.ErrNotFound)

	ctx := context.Background()
	assert.ErrorIs(t, receiver.AddChannel(b), ErrDestroyed)
	assert.ErrorIs(t, receiver.Reconcile(ctx), ErrDestroyed)
	assert.ErrorIs(t, receiver.Initialize(ctx), ErrDestroyed)
	assert.Empty(t, events.errorLog())
}

func TestTransferSpeed(t *testing.T) {
	data := testPayload(testFileSize)
	opts := testOptions(newReceiverCache(t, "speed", data))
	clock := opts.TimeProvider.(*mockTimeProvider)
	tr := newTestTransferer(t, ModeReceive, opts)
	require.NoError(t, tr.Initialize(context.Background()))

	record := func(indexes ...int) {
		clock.advance(time.Second)
		tr.mu.Lock()
		for _, i := range indexes {
			tr.indexes[i] = struct{}{}
		}
		tr.recordProgressLocked()
		tr.mu.Unlock()
	}

	record(0)
	assert.InDelta(t, float64(testChunkSize), tr.Speed(), 0.01)
	record(1)
	assert.InDelta(t, float64(testChunkSize), tr.Speed(), 0.01)
	record(2, 3)
	assert.InDelta(t, 0.7*testChunkSize+0.3*2*testChunkSize, tr.Speed(), 0.01)
}

func TestChunkBuffer(t *testing.T) {
	block := func(b int, last bool, data string) *transport.Block {
		return &transport.Block{ChunkIndex: 7, BlockIndex: b, IsLastBlock: last, Data: []byte(data)}
	}

	t.Run("out of order", func(t *testing.T) {
		buf := newChunkBuffer()
		out, err := buf.add(block(2, true, "c"))
		require.NoError(t, err)
		assert.Nil(t, out)
		out, err = buf.add(block(0, false, "a"))
		require.NoError(t, err)
		assert.Nil(t, out)
		out, err = buf.add(block(1, false, "b"))
		require.NoError(t, err)
		assert.Equal(t, []byte("abc"), out)
	})

	t.Run("single empty block", func(t *testing.T) {
		out, err := newChunkBuffer().add(block(0, true, ""))
		require.NoError(t, err)
		assert.NotNil(t, out)
		assert.Empty(t, out)
	})

	t.Run("block past last", func(t *testing.T) {
		buf := newChunkBuffer()
		_, err := buf.add(block(1, true, "b"))
		require.NoError(t, err)
		_, err = buf.add(block(3, false, "d"))
		assert.ErrorIs(t, err, transport.ErrIndexOutOfRange)
	})

	t.Run("two last blocks", func(t *testing.T) {
		buf := newChunkBuffer()
		_, err := buf.add(block(2, true, "c"))
		require.NoError(t, err)
		_, err = buf.add(block(1, true, "b"))
		assert.ErrorIs(t, err, transport.ErrIndexOutOfRange)
	})

	t.Run("gap", func(t *testing.T) {
		buf := newChunkBuffer()
		_, err := buf.add(block(3, false, "d"))
		require.NoError(t, err)
		_, err = buf.add(block(4, false, "e"))
		require.NoError(t, err)
		_, err = buf.add(block(1, true, "b"))
		assert.ErrorIs(t, err, ErrMissingBlock)
	})

	t.Run("duplicate replaces", func(t *testing.T) {
		buf := newChunkBuffer()
		_, err := buf.add(block(0, false, "xx"))
		require.NoError(t, err)
		_, err = buf.add(block(0, false, "a"))
		require.NoError(t, err)
		assert.Equal(t, 1, buf.size)
		out, err := buf.add(block(1, true, "b"))
		require.NoError(t, err)
		assert.Equal(t, []byte("ab"), out)
	})
}

func TestClipRanges(t *testing.T) {
	assert.Equal(t, ranges.Set{{0, 4}}, clipRanges(5, nil))
	assert.Equal(t, ranges.Set{{1, 1}, {3, 4}}, clipRanges(5, ranges.Set{{1, 1}, {3, 10}}))
	assert.Empty(t, clipRanges(5, ranges.Set{{7, 9}}))
}

func TestSubscriptionCancel(t *testing.T) {
	data := testPayload(testFileSize)
	tr := newTestTransferer(t, ModeReceive, testOptions(newReceiverCache(t, "subs", data)))

	calls := 0
	sub := tr.OnError(func(error) { calls++ })
	tr.emitError(errors.New("one"))
	sub.Cancel()
	tr.emitError(errors.New("two"))
	assert.Equal(t, 1, calls)
}
