package server

import (
	"net"
	"sync"
)

// trackingListener remembers the raw TCP connection behind every accepted
// remote address so socket statistics stay reachable after outer listener
// wrappers (netutil.LimitListener) hide the concrete type.
type trackingListener struct {
	net.Listener
	mu    sync.Mutex
	conns map[string]*net.TCPConn
}

func newTrackingListener(ln net.Listener) *trackingListener {
	return &trackingListener{Listener: ln, conns: make(map[string]*net.TCPConn)}
}

func (l *trackingListener) Accept() (net.Conn, error) {
	conn, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}
	tcp, ok := conn.(*net.TCPConn)
	if !ok {
		return conn, nil
	}
	key := conn.RemoteAddr().String()
	l.mu.Lock()
	l.conns[key] = tcp
	l.mu.Unlock()
	return &trackedConn{Conn: conn, key: key, owner: l}, nil
}

// Lookup returns the raw connection for a remote address, if still open.
func (l *trackingListener) Lookup(remote string) *net.TCPConn {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.conns[remote]
}

func (l *trackingListener) forget(key string) {
	l.mu.Lock()
	delete(l.conns, key)
	l.mu.Unlock()
}

type trackedConn struct {
	net.Conn
	key   string
	owner *trackingListener
	once  sync.Once
}

func (c *trackedConn) Close() error {
	c.once.Do(func() { c.owner.forget(c.key) })
	return c.Conn.Close()
}
