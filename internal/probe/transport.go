package probe

import "errors"

// ErrClosed is returned (possibly wrapped) by a Transport once the channel
// has been closed by either side in an orderly way.
var ErrClosed = errors.New("transport closed")

// Transport is the bidirectional message channel a Session runs over.
type Transport interface {
	// SendText sends data as a single text frame.
	SendText(data []byte) error
	// SendJSON sends v encoded as JSON in a single text frame.
	SendJSON(v any) error
	// ReceiveText blocks until the next frame arrives. The returned slice
	// is only valid until the next call.
	ReceiveText() ([]byte, error)
	// Close releases the channel. It unblocks a pending ReceiveText and is
	// safe to call more than once.
	Close() error
}
