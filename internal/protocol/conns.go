package protocol

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"
)

// Tracker dials sockets and remembers the open ones so CloseAll can tear
// them down from another goroutine. The zero value is ready to use.
type Tracker struct {
	Timeout time.Duration

	mu    sync.Mutex
	conns map[net.Conn]struct{}
}

// DialContext dials like net.Dialer and tracks the connection until it is
// closed.
func (t *Tracker) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: t.Timeout}
	conn, err := dialer.DialContext(ctx, network, address)
	if err != nil {
		return nil, err
	}
	t.mu.Lock()
	if t.conns == nil {
		t.conns = make(map[net.Conn]struct{})
	}
	t.conns[conn] = struct{}{}
	t.mu.Unlock()
	return &trackedConn{Conn: conn, t: t}, nil
}

// Len reports the number of open tracked connections.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.conns)
}

// CloseAll closes every open connection.
func (t *Tracker) CloseAll() {
	t.mu.Lock()
	conns := make([]net.Conn, 0, len(t.conns))
	for c := range t.conns {
		conns = append(conns, c)
	}
	t.conns = nil
	t.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
}

// HTTPClient returns a client whose transport dials through the tracker.
func (t *Tracker) HTTPClient() *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = t.DialContext
	return &http.Client{Transport: transport}
}

type trackedConn struct {
	net.Conn
	t *Tracker
}

func (c *trackedConn) Close() error {
	c.t.mu.Lock()
	delete(c.t.conns, c.Conn)
	c.t.mu.Unlock()
	return c.Conn.Close()
}
