// Package client drives a probe session from the player side: it issues
// start commands, answers upload prompts and collects the reported speeds.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/NodePath81/speedprobe/internal/probe"
	"github.com/NodePath81/speedprobe/internal/util"
	"github.com/gorilla/websocket"
)

const (
	DefaultChunkSize        = 10 * 1024 * 1024
	DefaultGrace            = 3 * time.Second
	DefaultHandshakeTimeout = 10 * time.Second

	// Frames longer than this are never prompts or samples.
	headLimit = 256
)

type Options struct {
	URL    string
	Origin string
	// ChunkSize is the size of each upload reply.
	ChunkSize int
	// PhaseDuration is the server's phase length. A phase is considered
	// over once it has elapsed and no frame started within Grace.
	PhaseDuration    time.Duration
	Grace            time.Duration
	HandshakeTimeout time.Duration
	OnSample         func(probe.Kind, float64)
	Logger           util.Logger
}

func (o *Options) normalize() {
	if o.ChunkSize <= 0 {
		o.ChunkSize = DefaultChunkSize
	}
	if o.PhaseDuration <= 0 {
		o.PhaseDuration = probe.DefaultPhaseDuration
	}
	if o.Grace <= 0 {
		o.Grace = DefaultGrace
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if o.OnSample == nil {
		o.OnSample = func(probe.Kind, float64) {}
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.DiscardHandler)
	}
}

// Result summarizes one phase as seen by the client.
type Result struct {
	Kind    probe.Kind
	Speeds  []float64
	Bytes   int64
	Elapsed time.Duration
}

func (r Result) Mean() float64 {
	if len(r.Speeds) == 0 {
		return 0
	}
	var sum float64
	for _, s := range r.Speeds {
		sum += s
	}
	return sum / float64(len(r.Speeds))
}

func (r Result) Max() float64 {
	var best float64
	for _, s := range r.Speeds {
		if s > best {
			best = s
		}
	}
	return best
}

type eventKind int

const (
	eventStart eventKind = iota
	eventEnd
)

type event struct {
	kind eventKind
	head []byte
	size int64
	err  error
}

// Client owns one probe connection. Phases must be run one at a time.
type Client struct {
	conn   *websocket.Conn
	opts   Options
	logger util.Logger
	events chan event
	done   chan struct{}
	chunk  []byte

	closeOnce sync.Once
}

func Dial(ctx context.Context, opts Options) (*Client, error) {
	opts.normalize()
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: opts.HandshakeTimeout,
	}
	var header http.Header
	if opts.Origin != "" {
		header = http.Header{"Origin": []string{opts.Origin}}
	}
	conn, resp, err := dialer.DialContext(ctx, opts.URL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", opts.URL, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", opts.URL, err)
	}
	c := &Client{
		conn:   conn,
		opts:   opts,
		logger: opts.Logger.With("url", opts.URL),
		events: make(chan event, 16),
		done:   make(chan struct{}),
		chunk:  bytes.Repeat([]byte{probe.DefaultFiller}, opts.ChunkSize),
	}
	go c.pump()
	return c, nil
}

func (c *Client) Download(ctx context.Context) (Result, error) {
	return c.runPhase(ctx, probe.KindDownload, probe.CommandStartDownload)
}

func (c *Client) Upload(ctx context.Context) (Result, error) {
	return c.runPhase(ctx, probe.KindUpload, probe.CommandStartUpload)
}

// Close sends a normal close frame and closes the connection.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		err = c.conn.Close()
	})
	return err
}

func (c *Client) runPhase(ctx context.Context, kind probe.Kind, command string) (Result, error) {
	result := Result{Kind: kind}
	if err := c.conn.WriteMessage(websocket.TextMessage, []byte(command)); err != nil {
		return result, fmt.Errorf("send %s: %w", command, err)
	}
	started := time.Now()
	phaseEnd := started.Add(c.opts.PhaseDuration)
	inFrame := false

	timer := time.NewTimer(c.opts.PhaseDuration + c.opts.Grace)
	defer timer.Stop()
	for {
		var timeout <-chan time.Time
		if !inFrame {
			timeout = timer.C
		}
		select {
		case <-ctx.Done():
			return result, ctx.Err()
		case <-timeout:
			result.Elapsed = time.Since(started)
			c.logger.Debug("phase finished", "kind", kind.String(), "samples", len(result.Speeds),
				"elapsed", result.Elapsed)
			return result, nil
		case ev := <-c.events:
			if ev.err != nil {
				result.Elapsed = time.Since(started)
				return result, fmt.Errorf("%s phase: %w", kind.String(), ev.err)
			}
			if ev.kind == eventStart {
				inFrame = true
				continue
			}
			inFrame = false
			if err := c.handleFrame(kind, ev, &result); err != nil {
				result.Elapsed = time.Since(started)
				return result, err
			}
			resetTimer(timer, time.Until(phaseEnd)+c.opts.Grace)
		}
	}
}

func (c *Client) handleFrame(kind probe.Kind, ev event, result *Result) error {
	if string(ev.head) == probe.PromptSendChunk && ev.size == int64(len(probe.PromptSendChunk)) {
		if kind != probe.KindUpload {
			c.logger.Debug("unexpected prompt", "kind", kind.String())
			return nil
		}
		if err := c.conn.WriteMessage(websocket.TextMessage, c.chunk); err != nil {
			return fmt.Errorf("send chunk: %w", err)
		}
		result.Bytes += int64(len(c.chunk))
		return nil
	}
	if len(ev.head) > 0 && ev.head[0] == '{' && ev.size <= headLimit {
		var msg probe.SpeedMessage
		if err := json.Unmarshal(ev.head, &msg); err != nil {
			c.logger.Debug("malformed sample", "error", err)
			return nil
		}
		if msg.Type != kind.MessageType() {
			c.logger.Debug("sample for other phase", "type", msg.Type)
			return nil
		}
		result.Speeds = append(result.Speeds, msg.Speed)
		c.opts.OnSample(kind, msg.Speed)
		return nil
	}
	if kind == probe.KindDownload {
		result.Bytes += ev.size
	}
	return nil
}

// pump reads frames for the lifetime of the connection. It reports a start
// event as soon as a frame begins so long payloads keep a phase open.
func (c *Client) pump() {
	for {
		_, r, err := c.conn.NextReader()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) ||
				errors.Is(err, io.EOF) {
				err = fmt.Errorf("%w: %v", probe.ErrClosed, err)
			}
			c.emit(event{err: err})
			return
		}
		if !c.emit(event{kind: eventStart}) {
			return
		}
		head := make([]byte, headLimit+1)
		n, err := io.ReadFull(r, head)
		if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
			c.emit(event{err: err})
			return
		}
		rest, err := io.Copy(io.Discard, r)
		if err != nil {
			c.emit(event{err: err})
			return
		}
		if !c.emit(event{kind: eventEnd, head: head[:n], size: int64(n) + rest}) {
			return
		}
	}
}

func (c *Client) emit(ev event) bool {
	select {
	case c.events <- ev:
		return true
	case <-c.done:
		return false
	}
}

func resetTimer(t *time.Timer, d time.Duration) {
	if d < 0 {
		d = 0
	}
	t.Reset(d)
}
