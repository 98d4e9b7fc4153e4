package listener

import (
	"net"
	"sync"
)

// connState tracks a connection through its lifecycle.
type connState int

const (
	stateAccepted connState = iota
	stateHandshaking
	stateEstablished
	stateFailed
)

func (s connState) String() string {
	switch s {
	case stateAccepted:
		return "accepted"
	case stateHandshaking:
		return "handshaking"
	case stateEstablished:
		return "established"
	case stateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// connQueue adapts handshake-complete connections into a net.Listener so a
// single embedded HTTP server can serve every connection the accept loop
// hands off. Accept blocks until a connection is pushed or the queue is
// closed.
type connQueue struct {
	conns chan net.Conn
	addr  net.Addr
	done  chan struct{}
	once  sync.Once
}

func newConnQueue(addr net.Addr) *connQueue {
	return &connQueue{
		conns: make(chan net.Conn),
		addr:  addr,
		done:  make(chan struct{}),
	}
}

// push hands a connection to the HTTP server. It reports false when the
// queue closed before the handoff; the caller still owns the connection.
func (q *connQueue) push(c net.Conn) bool {
	select {
	case q.conns <- c:
		return true
	case <-q.done:
		return false
	}
}

func (q *connQueue) Accept() (net.Conn, error) {
	select {
	case c := <-q.conns:
		return c, nil
	case <-q.done:
		return nil, net.ErrClosed
	}
}

func (q *connQueue) Close() error {
	q.once.Do(func() { close(q.done) })
	return nil
}

func (q *connQueue) Addr() net.Addr {
	return q.addr
}
