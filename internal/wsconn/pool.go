package wsconn

import (
	"bytes"
	"sync"
)

// bufferPool reuses the byte buffers used to JSON-encode outbound
// ServerEvents before writing them to the socket: a single sync.Pool
// of growable buffers, since outbound events here are small and
// uniform and don't warrant size-classed pools or unsafe string/byte
// conversions.
var bufferPool = sync.Pool{
	New: func() interface{} {
		buf := new(bytes.Buffer)
		buf.Grow(512)
		return buf
	},
}

func getBuffer() *bytes.Buffer {
	return bufferPool.Get().(*bytes.Buffer)
}

func putBuffer(buf *bytes.Buffer) {
	buf.Reset()
	bufferPool.Put(buf)
}
