package probe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/NodePath81/speedprobe/internal/util"
	"github.com/google/uuid"
)

const (
	DefaultPhaseDuration  = 10 * time.Second
	DefaultSampleInterval = 2 * time.Second
	DefaultUploadJitter   = 500 * time.Millisecond
	DefaultMinPayload     = 1024 * 1024
	DefaultMaxPayload     = 2 * 10000 * 1024
	DefaultFiller         = '0'
)

// Observer receives session events. Calls are made from the session's own
// goroutine and must not block.
type Observer interface {
	OnPhase(sessionID string, from, to Phase)
	OnSample(sessionID string, sample Sample)
	OnIgnored(sessionID string)
}

type nopObserver struct{}

func (nopObserver) OnPhase(string, Phase, Phase) {}
func (nopObserver) OnSample(string, Sample)      {}
func (nopObserver) OnIgnored(string)             {}

type Options struct {
	PhaseDuration  time.Duration
	SampleInterval time.Duration
	// UploadJitter is the upper bound of the extra uniform wait added to
	// each upload cycle.
	UploadJitter time.Duration
	MinPayload   int
	MaxPayload   int

	Generator PayloadGenerator
	Clock     Clock
	// Rand draws payload sizes and jitter. Sessions must not share one.
	Rand     *rand.Rand
	Observer Observer
	Logger   util.Logger
}

func DefaultOptions() Options {
	return Options{
		PhaseDuration:  DefaultPhaseDuration,
		SampleInterval: DefaultSampleInterval,
		UploadJitter:   DefaultUploadJitter,
		MinPayload:     DefaultMinPayload,
		MaxPayload:     DefaultMaxPayload,
	}
}

func (o *Options) normalize() {
	if o.PhaseDuration <= 0 {
		o.PhaseDuration = DefaultPhaseDuration
	}
	if o.SampleInterval <= 0 {
		o.SampleInterval = DefaultSampleInterval
	}
	if o.UploadJitter < 0 {
		o.UploadJitter = 0
	}
	if o.MinPayload <= 0 {
		o.MinPayload = DefaultMinPayload
	}
	if o.MaxPayload < o.MinPayload {
		o.MaxPayload = o.MinPayload
	}
	if o.Generator == nil {
		o.Generator = NewFillerGenerator(DefaultFiller, 0)
	}
	if o.Clock == nil {
		o.Clock = SystemClock
	}
	if o.Rand == nil {
		o.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if o.Observer == nil {
		o.Observer = nopObserver{}
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.DiscardHandler)
	}
}

// Session measures throughput over one Transport. It is created per
// connection and is not reused.
type Session struct {
	id        string
	opts      Options
	transport Transport
	logger    util.Logger
	created   time.Time

	phase atomic.Int32
	// deadline is owned by the goroutine running Run.
	deadline time.Time

	cancelMu sync.Mutex
	cancel   context.CancelFunc
	closed   bool
}

func NewSession(transport Transport, opts Options) *Session {
	opts.normalize()
	id := uuid.New().String()
	s := &Session{
		id:        id,
		opts:      opts,
		transport: transport,
		logger:    opts.Logger.With("session", id),
		created:   time.Now(),
	}
	s.phase.Store(int32(PhaseIdle))
	return s
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) Phase() Phase {
	return Phase(s.phase.Load())
}

func (s *Session) Created() time.Time {
	return s.created
}

// Run serves commands until the transport fails, the peer closes the
// channel, or ctx is done. An orderly close or cancellation returns nil; any
// other transport failure is returned. The transport is always closed on
// return and the session ends in PhaseTerminated.
func (s *Session) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.cancelMu.Lock()
	if s.closed {
		s.cancelMu.Unlock()
		cancel()
		s.terminate()
		return nil
	}
	s.cancel = cancel
	s.cancelMu.Unlock()
	defer cancel()

	stop := context.AfterFunc(ctx, func() {
		_ = s.transport.Close()
	})
	defer stop()
	defer s.terminate()

	s.logger.Debug("session started")
	for {
		msg, err := s.transport.ReceiveText()
		if err != nil {
			return s.failure(ctx, err)
		}
		switch string(msg) {
		case CommandStartDownload:
			err = s.runDownload(ctx)
		case CommandStartUpload:
			err = s.runUpload(ctx)
		default:
			s.opts.Observer.OnIgnored(s.id)
			s.logger.Debug("command ignored", "length", len(msg))
			continue
		}
		if err != nil {
			return s.failure(ctx, err)
		}
	}
}

// Close stops a running session from another goroutine.
func (s *Session) Close() {
	s.cancelMu.Lock()
	s.closed = true
	cancel := s.cancel
	s.cancelMu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (s *Session) runDownload(ctx context.Context) error {
	s.enter(PhaseDownloading)
	clock := s.opts.Clock
	start := clock.Now()
	s.deadline = start.Add(s.opts.PhaseDuration)
	cycles := 0
	for clock.Now().Before(s.deadline) {
		cycleStart := clock.Now()
		payload := s.opts.Generator.Generate(s.payloadSize())
		if err := s.transport.SendText(payload); err != nil {
			return fmt.Errorf("send payload: %w", err)
		}
		if err := clock.Sleep(ctx, s.opts.SampleInterval); err != nil {
			return err
		}
		if err := s.emit(NewSample(KindDownload, len(payload), clock.Now().Sub(cycleStart))); err != nil {
			return err
		}
		cycles++
	}
	s.logger.Debug("download finished", "cycles", cycles, "elapsed", clock.Now().Sub(start))
	s.enter(PhaseIdle)
	return nil
}

func (s *Session) runUpload(ctx context.Context) error {
	s.enter(PhaseUploading)
	clock := s.opts.Clock
	start := clock.Now()
	s.deadline = start.Add(s.opts.PhaseDuration)
	cycles := 0
	for clock.Now().Before(s.deadline) {
		cycleStart := clock.Now()
		if err := s.transport.SendText([]byte(PromptSendChunk)); err != nil {
			return fmt.Errorf("send prompt: %w", err)
		}
		// No timeout: a silent peer holds this session here until it
		// closes the channel or the server shuts down.
		chunk, err := s.transport.ReceiveText()
		if err != nil {
			return fmt.Errorf("receive chunk: %w", err)
		}
		received := len(chunk)
		if err := clock.Sleep(ctx, s.opts.SampleInterval+s.jitter()); err != nil {
			return err
		}
		if err := s.emit(NewSample(KindUpload, received, clock.Now().Sub(cycleStart))); err != nil {
			return err
		}
		cycles++
	}
	s.logger.Debug("upload finished", "cycles", cycles, "elapsed", clock.Now().Sub(start))
	s.enter(PhaseIdle)
	return nil
}

func (s *Session) emit(sample Sample) error {
	if err := s.transport.SendJSON(sample.Message()); err != nil {
		return fmt.Errorf("send sample: %w", err)
	}
	s.opts.Observer.OnSample(s.id, sample)
	s.logger.Debug("sample", "kind", sample.Kind.String(), "bytes", sample.Bytes,
		"interval", sample.Interval, "speed", sample.Speed)
	return nil
}

func (s *Session) payloadSize() int {
	span := s.opts.MaxPayload - s.opts.MinPayload
	if span <= 0 {
		return s.opts.MinPayload
	}
	return s.opts.MinPayload + s.opts.Rand.Intn(span+1)
}

func (s *Session) jitter() time.Duration {
	if s.opts.UploadJitter <= 0 {
		return 0
	}
	return time.Duration(s.opts.Rand.Float64() * float64(s.opts.UploadJitter))
}

func (s *Session) enter(next Phase) {
	prev := Phase(s.phase.Swap(int32(next)))
	if prev == next {
		return
	}
	s.opts.Observer.OnPhase(s.id, prev, next)
}

func (s *Session) terminate() {
	_ = s.transport.Close()
	s.enter(PhaseTerminated)
}

func (s *Session) failure(ctx context.Context, err error) error {
	if errors.Is(err, ErrClosed) || ctx.Err() != nil {
		s.logger.Debug("session ended", "reason", err)
		return nil
	}
	return err
}
