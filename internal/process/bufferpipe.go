package process

import (
	"io"
	"sync"
)

// bufferPipe is an in-memory pipe whose writes never block: data queues in
// an internal buffer until the reader drains it. Used for the raw-log
// stdout branch so that branch's consumer can lag without backpressure.
type bufferPipe struct {
	mu     sync.Mutex
	cond   *sync.Cond
	buf    []byte
	closed bool
}

func newBufferPipe() *bufferPipe {
	p := &bufferPipe{}
	p.cond = sync.NewCond(&p.mu)
	return p
}

func (p *bufferPipe) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, io.ErrClosedPipe
	}
	p.buf = append(p.buf, b...)
	p.cond.Broadcast()
	return len(b), nil
}

func (p *bufferPipe) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for len(p.buf) == 0 {
		if p.closed {
			return 0, io.EOF
		}
		p.cond.Wait()
	}
	n := copy(b, p.buf)
	p.buf = p.buf[n:]
	return n, nil
}

// Close ends the pipe; queued data remains readable until drained.
func (p *bufferPipe) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.cond.Broadcast()
	return nil
}
