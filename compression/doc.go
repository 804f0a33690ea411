// Package compression runs deflate transforms of chunk data off the caller's
// goroutine.
//
// A Pool owns a fixed number of workers and an unbounded job queue. Every
// submitted job is assigned a tag; the worker looks the tag up in the
// pending map when it finishes and invokes the stored callback. Results can
// therefore complete in any order, and each carries the Context of its job
// so the consumer knows which chunk it belongs to:
//
//	pair := compression.NewPair(2)
//	defer pair.Close()
//
//	err := pair.Compress(chunk, 6, 3, func(r compression.Result) {
//	    if r.Err != nil {
//	        // log and let the chunk be requested again
//	        return
//	    }
//	    enqueue(r.Context.ChunkIndex, r.Data)
//	})
//
// Closing a pool drops the callbacks of jobs that have not completed.
// Failures are reported per job and never stop the pool.
package compression
