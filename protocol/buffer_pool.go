package protocol

import (
	"bytes"
	"sync"
)

const (
	// MaxPooledBuffer caps the size of buffers returned to the pool so a
	// single large transfer cannot pin memory forever.
	MaxPooledBuffer = 1024 * 1024 // 1MB
)

// bufferPool reuses byte buffers across substream lifetimes and encodes to
// reduce allocations on busy connections.
var bufferPool = sync.Pool{
	New: func() interface{} {
		return new(bytes.Buffer)
	},
}

// GetBuffer retrieves a buffer from the pool.
// The buffer is reset and ready for use.
func GetBuffer() *bytes.Buffer {
	buf := bufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	return buf
}

// PutBuffer returns a buffer to the pool.
// Buffers larger than MaxPooledBuffer are not pooled to prevent memory bloat.
func PutBuffer(buf *bytes.Buffer) {
	if buf == nil {
		return
	}
	if buf.Cap() > MaxPooledBuffer {
		return
	}
	buf.Reset()
	bufferPool.Put(buf)
}
