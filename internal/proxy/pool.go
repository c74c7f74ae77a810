package proxy

import "sync"

// relayBufferSize bounds the per-direction intermediate buffer.
const relayBufferSize = 32 * 1024

type bufferPool struct {
	pool sync.Pool
}

func newBufferPool(size int) *bufferPool {
	bp := &bufferPool{}
	bp.pool.New = func() any {
		b := make([]byte, size)
		return &b
	}
	return bp
}

func (p *bufferPool) Get() *[]byte {
	return p.pool.Get().(*[]byte)
}

func (p *bufferPool) Put(b *[]byte) {
	p.pool.Put(b)
}

var relayBuffers = newBufferPool(relayBufferSize)
