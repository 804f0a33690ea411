package compression

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/flate"
	"github.com/sirupsen/logrus"
)

var (
	// ErrPoolClosed indicates a job submitted to a closed pool.
	ErrPoolClosed = errors.New("compression pool closed")

	// ErrInvalidLevel indicates a compression level outside 0-9.
	ErrInvalidLevel = errors.New("invalid compression level")

	// ErrOutputTooLarge indicates inflated data larger than the job allows.
	ErrOutputTooLarge = errors.New("decompressed data exceeds limit")
)

const (
	// MinLevel stores data without compression.
	MinLevel = flate.NoCompression
	// MaxLevel is the slowest and densest deflate level.
	MaxLevel = flate.BestCompression
	// DefaultLevel balances speed and ratio.
	DefaultLevel = 6
)

// Kind selects the direction of a pool.
type Kind int

const (
	// Compress deflates job data at the job's level.
	Compress Kind = iota
	// Decompress inflates job data.
	Decompress
)

// String returns a string representation of the kind.
func (k Kind) String() string {
	switch k {
	case Compress:
		return "compress"
	case Decompress:
		return "decompress"
	default:
		return "unknown"
	}
}

// Option carries per-job parameters. MaxSize, when positive, bounds the
// output of a decompress job.
type Option struct {
	Level   int
	MaxSize int64
}

// Context travels with a job unchanged so the result can be attributed to
// the chunk it belongs to.
type Context struct {
	ChunkIndex int
}

// Job is one unit of work for a pool.
type Job struct {
	Data    []byte
	Option  Option
	Context Context
}

// Result is delivered to the job's callback. Err is set when the transform
// failed; Data is nil in that case.
type Result struct {
	Data    []byte
	Err     error
	Context Context
}

// Callback receives the result of a job on a worker goroutine.
type Callback func(Result)

type request struct {
	tag uint64
	job Job
}

// Pool runs deflate transforms on a fixed set of worker goroutines. Results
// are correlated back to their callbacks by tag and may complete in any
// order relative to submission.
type Pool struct {
	kind Kind

	mutex   sync.Mutex
	cond    *sync.Cond
	queue   []request
	pending map[uint64]Callback
	nextTag uint64
	closed  bool
	workers int
}

// NewCompressor creates a pool that deflates job data.
func NewCompressor(workers int) *Pool {
	return newPool(Compress, workers)
}

// NewDecompressor creates a pool that inflates job data.
func NewDecompressor(workers int) *Pool {
	return newPool(Decompress, workers)
}

func newPool(kind Kind, workers int) *Pool {
	if workers < 1 {
		workers = 1
	}

	p := &Pool{
		kind:    kind,
		pending: make(map[uint64]Callback),
		workers: workers,
	}
	p.cond = sync.NewCond(&p.mutex)

	for i := 0; i < workers; i++ {
		go p.worker(i)
	}

	logrus.WithFields(logrus.Fields{
		"function": "newPool",
		"kind":     kind.String(),
		"workers":  workers,
	}).Debug("Compression pool started")

	return p
}

// Submit queues job and registers cb for its result. It never blocks on
// worker availability.
func (p *Pool) Submit(job Job, cb Callback) error {
	if p.kind == Compress && (job.Option.Level < MinLevel || job.Option.Level > MaxLevel) {
		return fmt.Errorf("%w: %d", ErrInvalidLevel, job.Option.Level)
	}
	if cb == nil {
		cb = func(Result) {}
	}

	p.mutex.Lock()
	defer p.mutex.Unlock()

	if p.closed {
		return ErrPoolClosed
	}

	p.nextTag++
	tag := p.nextTag
	p.pending[tag] = cb
	p.queue = append(p.queue, request{tag: tag, job: job})
	p.cond.Signal()

	return nil
}

// Pending returns the number of jobs whose callbacks have not run yet.
func (p *Pool) Pending() int {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return len(p.pending)
}

// Close stops the workers. Callbacks of queued or running jobs are dropped.
func (p *Pool) Close() {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if p.closed {
		return
	}
	p.closed = true
	p.queue = nil
	p.pending = make(map[uint64]Callback)
	p.cond.Broadcast()
}

func (p *Pool) next() (request, bool) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	for len(p.queue) == 0 && !p.closed {
		p.cond.Wait()
	}
	if p.closed {
		return request{}, false
	}

	req := p.queue[0]
	p.queue[0] = request{}
	p.queue = p.queue[1:]
	return req, true
}

func (p *Pool) resolve(tag uint64) (Callback, bool) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	cb, ok := p.pending[tag]
	if ok {
		delete(p.pending, tag)
	}
	return cb, ok
}

func (p *Pool) worker(id int) {
	codec := newCodec()

	for {
		req, ok := p.next()
		if !ok {
			return
		}

		var data []byte
		var err error
		switch p.kind {
		case Compress:
			data, err = codec.compress(req.job.Data, req.job.Option.Level)
		case Decompress:
			data, err = codec.decompress(req.job.Data, req.job.Option.MaxSize)
		}

		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function":    "worker",
				"kind":        p.kind.String(),
				"worker":      id,
				"chunk_index": req.job.Context.ChunkIndex,
				"error":       err.Error(),
			}).Warn("Compression job failed")
			data = nil
		}

		cb, ok := p.resolve(req.tag)
		if !ok {
			// pool closed while the job was running
			continue
		}
		cb(Result{Data: data, Err: err, Context: req.job.Context})
	}
}

// codec keeps one deflate writer per level and a reusable reader for a
// single worker goroutine.
type codec struct {
	writers map[int]*flate.Writer
	reader  io.ReadCloser
}

func newCodec() *codec {
	return &codec{writers: make(map[int]*flate.Writer)}
}

func (c *codec) compress(data []byte, level int) ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(len(data)/2 + 64)

	w, ok := c.writers[level]
	if ok {
		w.Reset(&buf)
	} else {
		var err error
		w, err = flate.NewWriter(&buf, level)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidLevel, err)
		}
		c.writers[level] = w
	}

	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (c *codec) decompress(data []byte, maxSize int64) ([]byte, error) {
	src := bytes.NewReader(data)
	if c.reader == nil {
		c.reader = flate.NewReader(src)
	} else if err := c.reader.(flate.Resetter).Reset(src, nil); err != nil {
		return nil, err
	}

	var r io.Reader = c.reader
	if maxSize > 0 {
		r = io.LimitReader(c.reader, maxSize+1)
	}
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("inflate: %w", err)
	}
	if maxSize > 0 && int64(len(out)) > maxSize {
		return nil, fmt.Errorf("%w: more than %d bytes", ErrOutputTooLarge, maxSize)
	}
	return out, nil
}
