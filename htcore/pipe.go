package htcore

import (
	"bytes"
	"io"
	"sync"
)

// pipe is a buffered in-memory pipe: the HTTP/2 read loop appends
// response payload without blocking (bounded by the advertised stream
// window), stream consumers read at their own pace. CloseWithError
// wakes readers with the terminal error; io.EOF marks clean end of
// stream.
type pipe struct {
	mu   sync.Mutex
	cond *sync.Cond
	buf  bytes.Buffer
	err  error
}

func newPipe() *pipe {
	p := &pipe{}
	p.cond = sync.NewCond(&p.mu)
	return p
}

func (p *pipe) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for {
		if p.buf.Len() > 0 {
			return p.buf.Read(b)
		}
		if p.err != nil {
			return 0, p.err
		}
		p.cond.Wait()
	}
}

func (p *pipe) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return 0, io.ErrClosedPipe
	}
	defer p.cond.Broadcast()
	return p.buf.Write(b)
}

// CloseWithError ends the pipe; the first call wins.
func (p *pipe) CloseWithError(err error) {
	if err == nil {
		err = io.EOF
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err == nil {
		p.err = err
	}
	p.cond.Broadcast()
}
