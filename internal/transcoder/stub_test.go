package transcoder

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"sync"
	"time"
)

// eventLog records host calls in order.
type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) add(format string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, fmt.Sprintf(format, args...))
}

func (l *eventLog) list() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

func (l *eventLog) index(event string) int {
	for i, e := range l.list() {
		if e == event {
			return i
		}
	}
	return -1
}

func (l *eventLog) count(event string) int {
	n := 0
	for _, e := range l.list() {
		if e == event {
			n++
		}
	}
	return n
}

type stubHandle struct {
	log *eventLog

	ready chan struct{}
	ended chan struct{}
	errs  chan error

	width    int
	height   int
	duration time.Duration

	// playErrs are returned by successive Play calls; nil entries succeed.
	playErrs []error
	// endAfter closes Ended this long after the first successful Play.
	endAfter time.Duration
	// failAfter reports a decode error this long after the first successful Play.
	failAfter time.Duration

	mu        sync.Mutex
	rate      float64
	muted     bool
	playCalls int
	playing   bool
	frame     image.Image
	timers    []*time.Timer
	closed    int
}

func newStubHandle(log *eventLog, width, height int) *stubHandle {
	h := &stubHandle{
		log:    log,
		ready:  make(chan struct{}),
		ended:  make(chan struct{}),
		errs:   make(chan error, 1),
		width:  width,
		height: height,
		rate:   1,
	}
	return h
}

func (h *stubHandle) markReady() *stubHandle {
	close(h.ready)
	return h
}

func (h *stubHandle) Ready() <-chan struct{} { return h.ready }
func (h *stubHandle) Ended() <-chan struct{} { return h.ended }
func (h *stubHandle) Errors() <-chan error   { return h.errs }

func (h *stubHandle) NaturalSize() (int, int)  { return h.width, h.height }
func (h *stubHandle) Duration() time.Duration { return h.duration }

func (h *stubHandle) SetPlaybackRate(rate float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.rate = rate
}

func (h *stubHandle) PlaybackRate() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.rate
}

func (h *stubHandle) SetMuted(muted bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.muted = muted
	h.log.add("muted=%v", muted)
}

func (h *stubHandle) Muted() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.muted
}

func (h *stubHandle) Play(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	call := h.playCalls
	h.playCalls++
	h.log.add("play")

	if call < len(h.playErrs) && h.playErrs[call] != nil {
		return h.playErrs[call]
	}
	if h.playing {
		return nil
	}
	h.playing = true
	h.frame = solidFrame(h.width, h.height)
	if h.endAfter > 0 {
		h.timers = append(h.timers, time.AfterFunc(h.endAfter, func() { close(h.ended) }))
	}
	if h.failAfter > 0 {
		h.timers = append(h.timers, time.AfterFunc(h.failAfter, func() {
			h.errs <- errors.New("invalid NAL unit")
		}))
	}
	return nil
}

func (h *stubHandle) CurrentFrame() image.Image {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.frame
}

func (h *stubHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed++
	for _, t := range h.timers {
		t.Stop()
	}
	h.frame = nil
	h.log.add("close decoder")
	return nil
}

func (h *stubHandle) closeCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

func solidFrame(width, height int) image.Image {
	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	c := color.NRGBA{R: 200, G: 120, B: 40, A: 255}
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.SetNRGBA(x, y, c)
		}
	}
	return img
}

type stubSink struct {
	log   *eventLog
	inner *rasterSink
}

func (s *stubSink) Size() (int, int)           { return s.inner.Size() }
func (s *stubSink) Draw(src image.Image) error { return s.inner.Draw(src) }
func (s *stubSink) Frame() image.Image         { return s.inner.Frame() }

func (s *stubSink) Close() error {
	s.log.add("close sink")
	return s.inner.Close()
}

type stubRoute struct {
	log *eventLog
}

func (r *stubRoute) Close() error {
	r.log.add("close audio")
	return nil
}

type stubEncoder struct {
	log  *eventLog
	spec StreamSpec
	// hangOnStop makes Stop block until its context is done.
	hangOnStop bool
	// stuck makes Stop block until the channel closes, ignoring ctx.
	stuck chan struct{}

	mu      sync.Mutex
	onChunk func([]byte)
	started bool
	stopped bool
	frames  int
	closed  int
}

func (e *stubEncoder) Start(ctx context.Context, onChunk func([]byte)) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return errors.New("already started")
	}
	e.started = true
	e.onChunk = onChunk
	e.log.add("encoder start")
	onChunk([]byte("HDR"))
	return nil
}

func (e *stubEncoder) WriteFrame(frame image.Image) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.started || e.stopped {
		return errors.New("frame outside encoding window")
	}
	b := frame.Bounds()
	if b.Dx() != e.spec.Width || b.Dy() != e.spec.Height {
		return fmt.Errorf("frame %dx%d, stream %dx%d", b.Dx(), b.Dy(), e.spec.Width, e.spec.Height)
	}
	e.frames++
	e.onChunk([]byte("F"))
	return nil
}

func (e *stubEncoder) Stop(ctx context.Context) error {
	e.mu.Lock()
	e.stopped = true
	hang := e.hangOnStop
	onChunk := e.onChunk
	e.mu.Unlock()

	if e.stuck != nil {
		<-e.stuck
		return errors.New("stop returned late")
	}
	if hang {
		<-ctx.Done()
		return ctx.Err()
	}
	onChunk([]byte("END"))
	e.log.add("encoder stop")
	return nil
}

func (e *stubEncoder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed++
	e.stopped = true
	e.log.add("close encoder")
	return nil
}

type stubHost struct {
	log    *eventLog
	handle *stubHandle

	openErr    error
	openCalls  int
	sinkErr    error
	audioErr   error
	audioPanic bool
	encoderErr error
	hangOnStop bool
	stuckStop  chan struct{}
	supported  map[string]bool

	mu      sync.Mutex
	encoder *stubEncoder
	spec    StreamSpec
}

func newStubHost(width, height int) *stubHost {
	log := &eventLog{}
	return &stubHost{
		log:    log,
		handle: newStubHandle(log, width, height).markReady(),
		supported: map[string]bool{
			"video/webm;codecs=vp9,opus": true,
		},
	}
}

func (h *stubHost) OpenDecoder(ctx context.Context, src SourceMedia) (DecodeHandle, error) {
	h.mu.Lock()
	h.openCalls++
	h.mu.Unlock()
	h.log.add("open decoder")
	if h.openErr != nil {
		return nil, h.openErr
	}
	return h.handle, nil
}

func (h *stubHost) NewFrameSink(width, height int) (FrameSink, error) {
	if h.sinkErr != nil {
		return nil, h.sinkErr
	}
	inner, err := newRasterSink(width, height)
	if err != nil {
		return nil, err
	}
	return &stubSink{log: h.log, inner: inner}, nil
}

func (h *stubHost) NewAudioRoute(ctx context.Context, _ DecodeHandle) (AudioRoute, error) {
	if h.audioPanic {
		panic("audio graph unavailable")
	}
	if h.audioErr != nil {
		return nil, h.audioErr
	}
	return &stubRoute{log: h.log}, nil
}

func (h *stubHost) SupportsMIME(mimeType string) bool {
	return h.supported[mimeType]
}

func (h *stubHost) NewEncoder(ctx context.Context, spec StreamSpec) (Encoder, error) {
	if h.encoderErr != nil {
		return nil, h.encoderErr
	}
	enc := &stubEncoder{log: h.log, spec: spec, hangOnStop: h.hangOnStop, stuck: h.stuckStop}
	h.mu.Lock()
	h.encoder = enc
	h.spec = spec
	h.mu.Unlock()
	return enc, nil
}

func (h *stubHost) lastEncoder() *stubEncoder {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.encoder
}
