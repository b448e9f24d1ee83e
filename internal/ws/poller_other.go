//go:build !linux

package ws

import (
	"net"
	"sync"
	"sync/atomic"
)

// Poller is a goroutine-per-connection fallback for non-Linux platforms,
// meant for local development. Each registered connection gets a monitor
// goroutine that blocks on a one-byte read and reports readiness; the byte it
// consumes is lost, which the gobwas frame reader tolerates poorly, so this
// path is not for production traffic.
type Poller struct {
	mu    sync.Mutex
	conns map[net.Conn]struct{}
	ready chan net.Conn
	done  chan struct{}
}

// NewPoller creates the fallback poller.
func NewPoller() (*Poller, error) {
	return &Poller{
		conns: make(map[net.Conn]struct{}),
		ready: make(chan net.Conn, 256),
		done:  make(chan struct{}),
	}, nil
}

// Add registers a connection and starts its monitor goroutine.
func (p *Poller) Add(conn net.Conn) error {
	p.mu.Lock()
	p.conns[conn] = struct{}{}
	p.mu.Unlock()

	go p.monitor(conn)
	return nil
}

func (p *Poller) monitor(conn net.Conn) {
	buf := make([]byte, 1)
	for {
		if _, err := conn.Read(buf); err != nil {
			// Signal readiness so the read path observes the closure.
			select {
			case p.ready <- conn:
			case <-p.done:
			}
			return
		}

		select {
		case p.ready <- conn:
		case <-p.done:
			return
		}

		p.mu.Lock()
		_, registered := p.conns[conn]
		p.mu.Unlock()
		if !registered {
			return
		}
	}
}

// Remove unregisters a connection; its monitor goroutine exits after the
// next read returns.
func (p *Poller) Remove(conn net.Conn) error {
	p.mu.Lock()
	delete(p.conns, conn)
	p.mu.Unlock()
	return nil
}

// Wait blocks until at least one connection is ready, then drains all
// currently ready connections.
func (p *Poller) Wait() ([]net.Conn, error) {
	first, ok := <-p.ready
	if !ok {
		return nil, net.ErrClosed
	}

	conns := []net.Conn{first}
	for {
		select {
		case conn := <-p.ready:
			conns = append(conns, conn)
		default:
			return conns, nil
		}
	}
}

// Close shuts the fallback poller down.
func (p *Poller) Close() error {
	close(p.done)
	p.mu.Lock()
	p.conns = nil
	p.mu.Unlock()
	return nil
}

// Synthetic descriptors stand in for real socket fds so the registry's
// fd-keyed index works on platforms without epoll.
var (
	fallbackFDs sync.Map // net.Conn -> int
	nextFakeFD  int64
)

func socketFD(conn net.Conn) int {
	if fd, ok := fallbackFDs.Load(conn); ok {
		return fd.(int)
	}
	fd := int(atomic.AddInt64(&nextFakeFD, 1))
	actual, _ := fallbackFDs.LoadOrStore(conn, fd)
	return actual.(int)
}
