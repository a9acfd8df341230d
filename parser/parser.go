// Package parser provides frame transforms that turn a raw TCP byte stream into logical frames.
//
// A Transform is stateful: it keeps partial frames buffered between calls, so a frame split across
// several reads (or across a reconnect) is emitted once it is complete.
//
// Transforms are not goroutine-safe; the device serializes calls to them.
package parser

// Transform converts a stream of arbitrarily sized chunks into frames.
type Transform interface {
	// Transform consumes chunk and returns the frames completed by it, possibly none.
	// The returned frames must not alias chunk.
	Transform(chunk []byte) [][]byte
	// Flush returns whatever is still buffered when the stream ends and resets the transform.
	Flush() [][]byte
}
