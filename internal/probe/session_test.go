package probe

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1_700_000_000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.advance(d)
	c.mu.Lock()
	c.sleeps = append(c.sleeps, d)
	c.mu.Unlock()
	return nil
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type frame struct {
	json bool
	data []byte
	at   time.Time
}

// scriptTransport replays inbound frames in order and reports ErrClosed once
// the script is exhausted.
type scriptTransport struct {
	mu        sync.Mutex
	clock     *fakeClock
	inbound   [][]byte
	out       []frame
	receives  int
	closed    int
	sendErrAt int
	onReceive func()
}

func (t *scriptTransport) SendText(data []byte) error {
	return t.send(frame{data: append([]byte(nil), data...)})
}

func (t *scriptTransport) SendJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return t.send(frame{json: true, data: data})
}

func (t *scriptTransport) send(f frame) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sendErrAt > 0 && len(t.out)+1 == t.sendErrAt {
		return errors.New("broken pipe")
	}
	f.at = t.clock.Now()
	t.out = append(t.out, f)
	return nil
}

func (t *scriptTransport) ReceiveText() ([]byte, error) {
	t.mu.Lock()
	t.receives++
	if len(t.inbound) == 0 {
		t.mu.Unlock()
		return nil, ErrClosed
	}
	next := t.inbound[0]
	t.inbound = t.inbound[1:]
	hook := t.onReceive
	t.mu.Unlock()
	if hook != nil && string(next) != CommandStartDownload && string(next) != CommandStartUpload {
		hook()
	}
	return next, nil
}

func (t *scriptTransport) Close() error {
	t.mu.Lock()
	t.closed++
	t.mu.Unlock()
	return nil
}

type recordingObserver struct {
	mu          sync.Mutex
	transitions [][2]Phase
	samples     []Sample
	ignored     int
}

func (o *recordingObserver) OnPhase(_ string, from, to Phase) {
	o.mu.Lock()
	o.transitions = append(o.transitions, [2]Phase{from, to})
	o.mu.Unlock()
}

func (o *recordingObserver) OnSample(_ string, s Sample) {
	o.mu.Lock()
	o.samples = append(o.samples, s)
	o.mu.Unlock()
}

func (o *recordingObserver) OnIgnored(string) {
	o.mu.Lock()
	o.ignored++
	o.mu.Unlock()
}

func testOptions(clock Clock, size int) Options {
	opts := DefaultOptions()
	opts.Clock = clock
	opts.MinPayload = size
	opts.MaxPayload = size
	opts.UploadJitter = 0
	opts.Generator = NewFillerGenerator('0', size)
	opts.Rand = rand.New(rand.NewSource(1))
	return opts
}

func decodeSpeed(t *testing.T, f frame) SpeedMessage {
	t.Helper()
	require.True(t, f.json, "expected structured message, got %d-byte text frame", len(f.data))
	var msg SpeedMessage
	require.NoError(t, json.Unmarshal(f.data, &msg))
	return msg
}

func TestSpeedMbps(t *testing.T) {
	cases := []struct {
		bytes   int
		elapsed time.Duration
		want    float64
	}{
		{1 << 20, 2 * time.Second, 4},
		{10 << 20, 3 * time.Second, 26.67},
		{20_480_000, 2 * time.Second, 78.13},
		{1_000_000, 2500 * time.Millisecond, 3.05},
		{1 << 20, 0, 0},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, SpeedMbps(tc.bytes, tc.elapsed), "bytes=%d elapsed=%s", tc.bytes, tc.elapsed)
	}
}

func TestDownloadPhaseAlternatesPayloadAndSample(t *testing.T) {
	clock := newFakeClock()
	tr := &scriptTransport{clock: clock, inbound: [][]byte{[]byte(CommandStartDownload)}}
	obs := &recordingObserver{}
	opts := testOptions(clock, 1<<20)
	opts.Observer = obs

	start := clock.Now()
	require.NoError(t, NewSession(tr, opts).Run(context.Background()))

	// One command read, then the closing read; the phase itself never reads.
	assert.Equal(t, 2, tr.receives)
	require.Len(t, tr.out, 10)
	for i := 0; i < len(tr.out); i += 2 {
		assert.False(t, tr.out[i].json)
		assert.Len(t, tr.out[i].data, 1<<20)
		msg := decodeSpeed(t, tr.out[i+1])
		assert.Equal(t, MessageTypeDownloadSpeed, msg.Type)
		assert.Equal(t, 4.0, msg.Speed)
	}
	assert.Equal(t, 10*time.Second, clock.Now().Sub(start))
	assert.Len(t, obs.samples, 5)
	assert.Equal(t, [][2]Phase{
		{PhaseIdle, PhaseDownloading},
		{PhaseDownloading, PhaseIdle},
		{PhaseIdle, PhaseTerminated},
	}, obs.transitions)
	assert.GreaterOrEqual(t, tr.closed, 1)
}

func TestDownloadPayloadSizesWithinRange(t *testing.T) {
	clock := newFakeClock()
	tr := &scriptTransport{clock: clock, inbound: [][]byte{[]byte(CommandStartDownload)}}
	opts := testOptions(clock, 0)
	opts.MinPayload = 1000
	opts.MaxPayload = 5000
	opts.Generator = NewFillerGenerator('0', 5000)

	require.NoError(t, NewSession(tr, opts).Run(context.Background()))
	for i := 0; i < len(tr.out); i += 2 {
		size := len(tr.out[i].data)
		assert.GreaterOrEqual(t, size, 1000)
		assert.LessOrEqual(t, size, 5000)
	}
}

func TestDownloadFinalCycleMayOvershoot(t *testing.T) {
	clock := newFakeClock()
	tr := &scriptTransport{clock: clock, inbound: [][]byte{[]byte(CommandStartDownload)}}
	opts := testOptions(clock, 1024)
	opts.SampleInterval = 3 * time.Second

	start := clock.Now()
	require.NoError(t, NewSession(tr, opts).Run(context.Background()))

	// Cycles start at 0, 3, 6 and 9s; the last one ends at 12s.
	elapsed := clock.Now().Sub(start)
	assert.Equal(t, 12*time.Second, elapsed)
	assert.GreaterOrEqual(t, elapsed, opts.PhaseDuration)
	assert.Less(t, elapsed, opts.PhaseDuration+opts.SampleInterval)
	assert.Len(t, tr.out, 8)
}

func TestUploadPhasePromptsAndMeasuresChunk(t *testing.T) {
	clock := newFakeClock()
	chunk := make([]byte, 10<<20)
	tr := &scriptTransport{
		clock:   clock,
		inbound: [][]byte{[]byte(CommandStartUpload), chunk, chunk, chunk, chunk},
		// The chunk takes one second to arrive.
		onReceive: func() { clock.advance(time.Second) },
	}
	obs := &recordingObserver{}
	opts := testOptions(clock, 1024)
	opts.Observer = obs

	require.NoError(t, NewSession(tr, opts).Run(context.Background()))

	// Cycles start at 0, 3, 6 and 9s, so four prompts each followed by a sample.
	require.Len(t, tr.out, 8)
	for i := 0; i < len(tr.out); i += 2 {
		assert.Equal(t, PromptSendChunk, string(tr.out[i].data))
		msg := decodeSpeed(t, tr.out[i+1])
		assert.Equal(t, MessageTypeUploadSpeed, msg.Type)
		assert.Equal(t, 26.67, msg.Speed)
	}
	assert.Equal(t, 6, tr.receives)
	require.Len(t, obs.samples, 4)
	assert.Equal(t, 10<<20, obs.samples[0].Bytes)
	assert.Equal(t, 3*time.Second, obs.samples[0].Interval)
}

func TestUploadJitterBounded(t *testing.T) {
	clock := newFakeClock()
	inbound := [][]byte{[]byte(CommandStartUpload)}
	for i := 0; i < 10; i++ {
		inbound = append(inbound, []byte("xxxx"))
	}
	tr := &scriptTransport{clock: clock, inbound: inbound}
	opts := testOptions(clock, 1024)
	opts.UploadJitter = 500 * time.Millisecond
	opts.Rand = rand.New(rand.NewSource(42))

	start := clock.Now()
	require.NoError(t, NewSession(tr, opts).Run(context.Background()))

	require.NotEmpty(t, clock.sleeps)
	for _, d := range clock.sleeps {
		assert.GreaterOrEqual(t, d, 2*time.Second)
		assert.Less(t, d, 2500*time.Millisecond)
	}
	elapsed := clock.Now().Sub(start)
	assert.GreaterOrEqual(t, elapsed, 10*time.Second)
	assert.Less(t, elapsed, 12500*time.Millisecond)
}

func TestPhaseRestartsWithFreshDeadline(t *testing.T) {
	clock := newFakeClock()
	tr := &scriptTransport{clock: clock, inbound: [][]byte{
		[]byte(CommandStartDownload),
		[]byte(CommandStartDownload),
	}}
	opts := testOptions(clock, 1024)

	start := clock.Now()
	require.NoError(t, NewSession(tr, opts).Run(context.Background()))

	require.Len(t, tr.out, 20)
	assert.Equal(t, 20*time.Second, clock.Now().Sub(start))
	// The second phase's first payload goes out right after the first phase ends.
	assert.Equal(t, start.Add(10*time.Second), tr.out[10].at)
}

func TestUnknownCommandsIgnored(t *testing.T) {
	clock := newFakeClock()
	tr := &scriptTransport{clock: clock, inbound: [][]byte{
		[]byte("hello"),
		[]byte("START_DOWNLOAD"),
		[]byte(" start_upload"),
		{},
	}}
	obs := &recordingObserver{}
	opts := testOptions(clock, 1024)
	opts.Observer = obs

	s := NewSession(tr, opts)
	assert.Equal(t, PhaseIdle, s.Phase())
	require.NoError(t, s.Run(context.Background()))

	assert.Empty(t, tr.out)
	assert.Equal(t, 4, obs.ignored)
	assert.Equal(t, [][2]Phase{{PhaseIdle, PhaseTerminated}}, obs.transitions)
	assert.Equal(t, PhaseTerminated, s.Phase())
}

func TestTransportFailureTerminates(t *testing.T) {
	clock := newFakeClock()
	tr := &scriptTransport{
		clock:     clock,
		inbound:   [][]byte{[]byte(CommandStartDownload)},
		sendErrAt: 3,
	}
	s := NewSession(tr, testOptions(clock, 1024))

	err := s.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken pipe")
	assert.Equal(t, PhaseTerminated, s.Phase())
	assert.GreaterOrEqual(t, tr.closed, 1)
	assert.Len(t, tr.out, 2)
}

func TestPeerCloseDuringUploadIsClean(t *testing.T) {
	clock := newFakeClock()
	tr := &scriptTransport{clock: clock, inbound: [][]byte{[]byte(CommandStartUpload)}}
	s := NewSession(tr, testOptions(clock, 1024))

	require.NoError(t, s.Run(context.Background()))
	assert.Equal(t, PhaseTerminated, s.Phase())
	require.Len(t, tr.out, 1)
	assert.Equal(t, PromptSendChunk, string(tr.out[0].data))
}

// blockingTransport blocks receives until Close is called.
type blockingTransport struct {
	once   sync.Once
	done   chan struct{}
	queued chan []byte
}

func newBlockingTransport() *blockingTransport {
	return &blockingTransport{done: make(chan struct{}), queued: make(chan []byte, 4)}
}

func (t *blockingTransport) SendText([]byte) error { return nil }
func (t *blockingTransport) SendJSON(any) error    { return nil }

func (t *blockingTransport) ReceiveText() ([]byte, error) {
	select {
	case msg := <-t.queued:
		return msg, nil
	case <-t.done:
		return nil, errors.New("use of closed network connection")
	}
}

func (t *blockingTransport) Close() error {
	t.once.Do(func() { close(t.done) })
	return nil
}

func TestCancelUnblocksStalledUpload(t *testing.T) {
	tr := newBlockingTransport()
	tr.queued <- []byte(CommandStartUpload)
	opts := DefaultOptions()
	s := NewSession(tr, opts)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return s.Phase() == PhaseUploading }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("session did not stop after cancel")
	}
	assert.Equal(t, PhaseTerminated, s.Phase())
}

func TestCloseInterruptsDownloadSleep(t *testing.T) {
	tr := newBlockingTransport()
	tr.queued <- []byte(CommandStartDownload)
	opts := DefaultOptions()
	opts.MinPayload = 16
	opts.MaxPayload = 16
	opts.SampleInterval = time.Hour
	s := NewSession(tr, opts)

	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(context.Background()) }()

	require.Eventually(t, func() bool { return s.Phase() == PhaseDownloading }, time.Second, 5*time.Millisecond)
	s.Close()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("session did not stop after Close")
	}
}

func TestFillerGenerator(t *testing.T) {
	g := NewFillerGenerator('0', 8)
	small := g.Generate(5)
	assert.Equal(t, "00000", string(small))
	assert.Equal(t, 5, cap(small))
	big := g.Generate(12)
	assert.Len(t, big, 12)
	assert.Equal(t, byte('0'), big[11])
	assert.Empty(t, g.Generate(0))
}

func TestSessionIDsUnique(t *testing.T) {
	clock := newFakeClock()
	a := NewSession(&scriptTransport{clock: clock}, testOptions(clock, 1))
	b := NewSession(&scriptTransport{clock: clock}, testOptions(clock, 1))
	assert.NotEqual(t, a.ID(), b.ID())
	assert.Len(t, a.ID(), 36)
}
