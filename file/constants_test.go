package file

import "time"

// Test file layout: four full chunks and a short fifth one.
const (
	testChunkSize = 4096
	testFileSize  = 4*testChunkSize + 1000
	testChunks    = 5
)

// testBlockSize splits every compressed chunk of random data into several
// blocks.
const testBlockSize = 1024

// testWait bounds every asynchronous expectation.
const (
	testWait = 5 * time.Second
	testTick = 5 * time.Millisecond
)

const (
	testSenderLabel   = "sender"
	testReceiverLabel = "receiver"
)
