package storage

import (
	"bytes"
	"sync"
)

// serializeBufferPool recycles the scratch buffers used when encoding
// documents, keeping per-mutation allocations flat.
var serializeBufferPool = sync.Pool{
	New: func() interface{} {
		return new(bytes.Buffer)
	},
}

// GetBuffer gets a buffer from the pool
func GetBuffer() *bytes.Buffer {
	return serializeBufferPool.Get().(*bytes.Buffer)
}

// PutBuffer returns a reset buffer to the pool
func PutBuffer(buf *bytes.Buffer) {
	buf.Reset()
	serializeBufferPool.Put(buf)
}
