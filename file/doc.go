// Package file implements the chunked transfer engine that moves one file
// between two peers over one or more data channels, resuming from whatever
// the local cache already holds.
//
// # Overview
//
// The file package provides two primary components:
//
//   - Transferer: drives one file in one direction. A sender reads chunks
//     from the cache, compresses them and cuts them into blocks; a receiver
//     reassembles blocks, decompresses chunks and stores them.
//   - Manager: coordinates the transfers of a session, routes incoming data
//     channels by label and shares local files into the cache.
//
// # Protocol
//
// The receiver drives the exchange. Once a channel is open it sends ready
// followed by request-content listing the chunk ranges it is missing, or
// request-head when it does not know the chunk size yet. The sender answers
// a request-content with a send pass over the requested ranges and ends the
// pass with complete. The receiver acknowledges with its own complete once
// every chunk is stored.
//
// While incomplete, a receiver re-sends its request after a quiet period so
// that chunks lost to a dropped channel or a failed decompression are
// requested again:
//
//	t, err := file.NewTransferer(id, file.ModeReceive, opts)
//	if err != nil {
//	    return err
//	}
//	t.OnProgress(func(p file.Progress) {
//	    fmt.Printf("Progress: %.2f%%\n", p.Ratio()*100)
//	})
//	t.OnComplete(func() { fmt.Println("done") })
//	if err := t.AddChannel(ch); err != nil {
//	    return err
//	}
//	if err := t.Initialize(ctx); err != nil {
//	    return err
//	}
//
// # Status
//
// A transferer moves through New, Ready, Process and Complete. When every
// channel closes before completion it enters Error, which is final; open a
// new transferer to resume, since stored chunks survive in the cache.
//
// # Backpressure
//
// Blocks go to the first open channel whose buffered amount is at or below
// Options.BufferedAmountLowThreshold. When every channel is above it the
// send pass waits for a buffered-amount-low event. At most a few chunks are
// held in memory between the cache read and the last block leaving.
//
// # Thread Safety
//
// All exported methods are safe for concurrent use. Event handlers run on
// channel delivery or compression worker goroutines and must not block.
package file
