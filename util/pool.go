package util

import (
	"bufio"
	"io"
	"sync"
)

// readerPool recycles connection read buffers, reducing GC pressure
// when many short sessions come and go.
var readerPool = sync.Pool{
	New: func() interface{} {
		return bufio.NewReaderSize(nil, DefaultBufSize)
	},
}

// GetReader returns a pooled buffered reader over r.  Callers must
// return it with [PutReader] when finished.
func GetReader(r io.Reader) *bufio.Reader {
	br := readerPool.Get().(*bufio.Reader)
	br.Reset(r)
	return br
}

// PutReader returns br to the pool for reuse.
func PutReader(br *bufio.Reader) {
	if br == nil {
		return
	}
	br.Reset(nil)
	readerPool.Put(br)
}
