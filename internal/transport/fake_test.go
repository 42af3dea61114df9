package transport

import (
	"context"
	"encoding/json"
	"io"
	"sync"
)

type readResult struct {
	data []byte
	err  error
}

type fakeConn struct {
	in      chan readResult
	mu      sync.Mutex
	written []*Frame
	closed  bool
	done    chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:   make(chan readResult, 16),
		done: make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case r := <-c.in:
		return r.data, r.err
	case <-c.done:
		return nil, io.EOF
	}
}

func (c *fakeConn) WriteMessage(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrConnClosed
	}
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	c.written = append(c.written, &f)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.done)
	}
	return nil
}

func (c *fakeConn) push(raw string) {
	c.in <- readResult{data: []byte(raw)}
}

func (c *fakeConn) fail(err error) {
	c.in <- readResult{err: err}
}

func (c *fakeConn) frames() []*Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Frame(nil), c.written...)
}

func (c *fakeConn) types() []string {
	var out []string
	for _, f := range c.frames() {
		out = append(out, f.Type)
	}
	return out
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type fakeDialer struct {
	mu      sync.Mutex
	conns   []*fakeConn
	errs    []error
	failAll error
	tokens  []string
}

func (d *fakeDialer) Dial(ctx context.Context, rawURL, token string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.tokens = append(d.tokens, token)
	if d.failAll != nil {
		return nil, d.failAll
	}
	if len(d.errs) > 0 {
		err := d.errs[0]
		d.errs = d.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	c := newFakeConn()
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.tokens)
}

func (d *fakeDialer) last() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

func (d *fakeDialer) setFailAll(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failAll = err
}
