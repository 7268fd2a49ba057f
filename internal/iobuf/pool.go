// Package iobuf pools the byte buffers used by host to guest forwarding
// loops, such as console input copied into the serial device.
package iobuf

import "sync"

// PipeBuf is the size of an atomic pipe write on Linux, see pipe(7).
const PipeBuf = 4096

// Pool hands out buffers of a fixed size.
type Pool struct {
	size int
	pool sync.Pool
}

// New returns a pool of size byte buffers.
func New(size int) *Pool {
	p := &Pool{size: size}
	p.pool.New = func() any {
		buf := make([]byte, size)
		return &buf
	}
	return p
}

// Size returns the length of the buffers handed out by Get.
func (p *Pool) Size() int {
	return p.size
}

// Get returns a buffer of Size bytes.
func (p *Pool) Get() *[]byte {
	return p.pool.Get().(*[]byte)
}

// Put returns buf to the pool. Buffers not obtained from this pool are dropped.
func (p *Pool) Put(buf *[]byte) {
	if buf == nil || cap(*buf) != p.size {
		return
	}
	*buf = (*buf)[:p.size]
	p.pool.Put(buf)
}

// Console is the pool used for terminal input.
var Console = New(PipeBuf)
