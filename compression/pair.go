package compression

// Pair bundles the compress and decompress pools shared by all transfers of
// a session.
type Pair struct {
	Compressor   *Pool
	Decompressor *Pool
}

// NewPair starts both pools with the given number of workers each.
func NewPair(workers int) *Pair {
	return &Pair{
		Compressor:   NewCompressor(workers),
		Decompressor: NewDecompressor(workers),
	}
}

// Compress deflates data at level and reports the result for chunkIndex.
func (p *Pair) Compress(data []byte, level, chunkIndex int, cb Callback) error {
	return p.Compressor.Submit(Job{
		Data:    data,
		Option:  Option{Level: level},
		Context: Context{ChunkIndex: chunkIndex},
	}, cb)
}

// Decompress inflates data and reports the result for chunkIndex. Output
// longer than maxSize fails with ErrOutputTooLarge; a maxSize of zero
// disables the check.
func (p *Pair) Decompress(data []byte, maxSize int64, chunkIndex int, cb Callback) error {
	return p.Decompressor.Submit(Job{
		Data:    data,
		Option:  Option{MaxSize: maxSize},
		Context: Context{ChunkIndex: chunkIndex},
	}, cb)
}

// Close stops both pools.
func (p *Pair) Close() {
	p.Compressor.Close()
	p.Decompressor.Close()
}
