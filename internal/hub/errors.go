package hub

import "errors"

var (
	// ErrShuttingDown is returned to subscribers that attach while the
	// pipeline is stopping or already disposed.
	ErrShuttingDown = errors.New("source pipeline is shutting down")

	// ErrSlowConsumer terminates a single subscriber whose buffer
	// exceeded the configured cap. The hub itself keeps streaming.
	ErrSlowConsumer = errors.New("subscriber buffer overflow")

	// ErrTimestampRegression reports an upstream timestamp moving
	// strictly backward, which invalidates the cache.
	ErrTimestampRegression = errors.New("upstream timestamp moved backward")
)
