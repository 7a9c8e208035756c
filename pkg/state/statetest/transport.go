// Package statetest provides an in-memory Transport for tests of code that
// sits on top of the registry.
package statetest

import (
	"context"
	"errors"
	"sync"
)

var ErrClosed = errors.New("statetest: transport closed")

// Transport records everything sent to it.
type Transport struct {
	mu      sync.Mutex
	sent    [][]byte
	closed  bool
	code    int
	reason  string
	pings   int
	block   chan struct{}
	sendErr error
	pingErr error
}

func NewTransport() *Transport {
	return &Transport{}
}

// Block makes every Send wait for ctx until Unblock is called.
func (t *Transport) Block() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.block = make(chan struct{})
}

func (t *Transport) Unblock() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.block != nil {
		close(t.block)
		t.block = nil
	}
}

// FailSends makes every Send return err.
func (t *Transport) FailSends(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sendErr = err
}

// FailPings makes every Ping return err.
func (t *Transport) FailPings(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pingErr = err
}

func (t *Transport) Send(ctx context.Context, data []byte) error {
	t.mu.Lock()
	block, err, closed := t.block, t.sendErr, t.closed
	t.mu.Unlock()

	if closed {
		return ErrClosed
	}
	if err != nil {
		return err
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	t.mu.Lock()
	t.sent = append(t.sent, append([]byte(nil), data...))
	t.mu.Unlock()
	return nil
}

func (t *Transport) Close(code int, reason string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.closed = true
	t.code = code
	t.reason = reason
}

func (t *Transport) Ping(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pings++
	return t.pingErr
}

// Sent returns copies of every delivered frame in order.
func (t *Transport) Sent() [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([][]byte, len(t.sent))
	copy(out, t.sent)
	return out
}

// Last returns the most recent frame, or nil.
func (t *Transport) Last() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.sent) == 0 {
		return nil
	}
	return t.sent[len(t.sent)-1]
}

func (t *Transport) Closed() (closed bool, code int, reason string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed, t.code, t.reason
}

func (t *Transport) Pings() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pings
}
