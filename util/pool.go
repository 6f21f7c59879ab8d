package util

import (
	"bytes"
	"sync"
)

// maxPooledBuffer bounds what goes back into the pool so one oversized
// poll response does not stay resident.
const maxPooledBuffer = 4 * DefaultBufSize

var bufferPool = sync.Pool{
	New: func() interface{} {
		return bytes.NewBuffer(make([]byte, 0, DefaultBufSize))
	},
}

// GetBuffer returns an empty buffer from the pool.  Hand it back with
// [PutBuffer] once its contents have been copied out.
func GetBuffer() *bytes.Buffer {
	return bufferPool.Get().(*bytes.Buffer)
}

// PutBuffer resets b and returns it to the pool.
func PutBuffer(b *bytes.Buffer) {
	if b == nil || b.Cap() > maxPooledBuffer {
		return
	}
	b.Reset()
	bufferPool.Put(b)
}
