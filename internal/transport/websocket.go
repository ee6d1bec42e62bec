package transport

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/NodePath81/speedprobe/internal/probe"
	"github.com/gorilla/websocket"
	"github.com/valyala/bytebufferpool"
)

const closeWriteWait = time.Second

type Options struct {
	// WriteTimeout bounds each frame write; zero disables the deadline.
	WriteTimeout time.Duration
	// ReadLimit caps an incoming frame in bytes; zero means no limit.
	ReadLimit int64
	// BeforeClose runs once with the raw connection just before it is
	// closed, while socket state can still be queried.
	BeforeClose func(net.Conn)
}

// WSTransport adapts a gorilla websocket connection to probe.Transport.
// Sends and receives must come from a single goroutine; Close may be called
// from any goroutine.
type WSTransport struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	beforeClose  func(net.Conn)
	buf          *bytebufferpool.ByteBuffer

	closeOnce sync.Once
	closeErr  error
}

var _ probe.Transport = (*WSTransport)(nil)

func NewWSTransport(conn *websocket.Conn, opts Options) *WSTransport {
	if opts.ReadLimit > 0 {
		conn.SetReadLimit(opts.ReadLimit)
	}
	return &WSTransport{
		conn:         conn,
		writeTimeout: opts.WriteTimeout,
		beforeClose:  opts.BeforeClose,
		buf:          bytebufferpool.Get(),
	}
}

func (t *WSTransport) SendText(data []byte) error {
	t.setWriteDeadline()
	return translate(t.conn.WriteMessage(websocket.TextMessage, data))
}

func (t *WSTransport) SendJSON(v any) error {
	t.setWriteDeadline()
	return translate(t.conn.WriteJSON(v))
}

// ReceiveText reads the next data frame. Binary frames are accepted as well;
// only the payload is returned.
func (t *WSTransport) ReceiveText() ([]byte, error) {
	_, r, err := t.conn.NextReader()
	if err != nil {
		return nil, translate(err)
	}
	t.buf.Reset()
	if _, err := t.buf.ReadFrom(r); err != nil {
		return nil, translate(err)
	}
	return t.buf.B, nil
}

func (t *WSTransport) Close() error {
	t.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = t.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWriteWait))
		if t.beforeClose != nil {
			t.beforeClose(t.conn.NetConn())
		}
		t.closeErr = t.conn.Close()
	})
	return t.closeErr
}

// Release returns the receive buffer to the pool. Call it once the goroutine
// using the transport has finished; the transport is closed as well.
func (t *WSTransport) Release() {
	_ = t.Close()
	if t.buf != nil {
		bytebufferpool.Put(t.buf)
		t.buf = nil
	}
}

func (t *WSTransport) RemoteAddr() net.Addr {
	return t.conn.RemoteAddr()
}

// NetConn exposes the underlying network connection.
func (t *WSTransport) NetConn() net.Conn {
	return t.conn.NetConn()
}

func (t *WSTransport) setWriteDeadline() {
	if t.writeTimeout > 0 {
		_ = t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout))
	}
}

// translate maps orderly or abrupt peer closes to probe.ErrClosed. A peer
// that leaves while only the server is writing surfaces as EPIPE or ECONNRESET.
func translate(err error) error {
	if err == nil {
		return nil
	}
	if websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived,
		websocket.CloseAbnormalClosure,
	) || errors.Is(err, net.ErrClosed) || errors.Is(err, websocket.ErrCloseSent) ||
		errors.Is(err, syscall.EPIPE) || errors.Is(err, syscall.ECONNRESET) {
		return fmt.Errorf("%w: %v", probe.ErrClosed, err)
	}
	return err
}
