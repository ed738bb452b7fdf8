package transcoder

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"math"
	"os/exec"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// ffmpegHandle is a decode handle backed by an ffmpeg process that decodes
// the source to raw RGBA frames at an accelerated read rate.
type ffmpegHandle struct {
	ffmpeg     *FFmpeg
	src        SourceMedia
	previewCap int
	logger     zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	ready     chan struct{}
	ended     chan struct{}
	errs      chan error
	endedOnce sync.Once

	info        *SourceInfo
	frameWidth  int
	frameHeight int

	rate  atomic.Uint64 // math.Float64bits
	muted atomic.Bool

	frame atomic.Pointer[image.NRGBA]

	mu      sync.Mutex
	playing bool
	wg      sync.WaitGroup

	closeOnce sync.Once
}

func openFFmpegHandle(ctx context.Context, ffmpeg *FFmpeg, src SourceMedia, previewCap int, logger zerolog.Logger) *ffmpegHandle {
	hctx, cancel := context.WithCancel(ctx)
	h := &ffmpegHandle{
		ffmpeg:     ffmpeg,
		src:        src,
		previewCap: previewCap,
		logger:     logger,
		ctx:        hctx,
		cancel:     cancel,
		ready:      make(chan struct{}),
		ended:      make(chan struct{}),
		errs:       make(chan error, 1),
	}
	h.SetPlaybackRate(1)

	h.wg.Add(1)
	go h.probe()
	return h
}

// probe discovers the natural size and duration, then marks the handle ready.
func (h *ffmpegHandle) probe() {
	defer h.wg.Done()

	info, err := h.ffmpeg.Inspect(h.ctx, h.src.Path)
	if err != nil {
		if h.ctx.Err() == nil {
			h.report(err)
		}
		return
	}
	if !info.HasVideo || info.Width <= 0 || info.Height <= 0 {
		h.report(fmt.Errorf("%w: no decodable video stream", ErrCorruptSource))
		return
	}

	h.info = info
	h.frameWidth, h.frameHeight = TargetDimensions(info.Width, info.Height, h.previewCap)
	close(h.ready)
}

func (h *ffmpegHandle) report(err error) {
	select {
	case h.errs <- err:
	default:
	}
}

func (h *ffmpegHandle) Ready() <-chan struct{} { return h.ready }
func (h *ffmpegHandle) Ended() <-chan struct{} { return h.ended }
func (h *ffmpegHandle) Errors() <-chan error   { return h.errs }

func (h *ffmpegHandle) NaturalSize() (int, int) {
	if h.info == nil {
		return 0, 0
	}
	return h.info.Width, h.info.Height
}

func (h *ffmpegHandle) Duration() time.Duration {
	if h.info == nil {
		return 0
	}
	return h.info.Duration
}

func (h *ffmpegHandle) hasAudio() bool {
	return h.info != nil && h.info.HasAudio
}

func (h *ffmpegHandle) SetPlaybackRate(rate float64) {
	h.rate.Store(math.Float64bits(rate))
}

func (h *ffmpegHandle) PlaybackRate() float64 {
	return math.Float64frombits(h.rate.Load())
}

func (h *ffmpegHandle) SetMuted(muted bool) { h.muted.Store(muted) }
func (h *ffmpegHandle) Muted() bool         { return h.muted.Load() }

func (h *ffmpegHandle) CurrentFrame() image.Image {
	if f := h.frame.Load(); f != nil {
		return f
	}
	return nil
}

// Play starts the decoder process and returns once the first frame arrives.
// The playback rate is fixed for the lifetime of the process.
func (h *ffmpegHandle) Play(ctx context.Context) error {
	select {
	case <-h.ready:
	default:
		return fmt.Errorf("play before source is ready")
	}

	h.mu.Lock()
	if h.playing {
		h.mu.Unlock()
		return nil
	}

	args := h.decodeArgs()
	cmd := exec.CommandContext(h.ctx, h.ffmpeg.ffmpegPath, args...)
	cmd.WaitDelay = encoderWaitDelay
	stderr := newTailBuffer(4096)
	cmd.Stderr = stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		h.mu.Unlock()
		return fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		h.mu.Unlock()
		return fmt.Errorf("failed to start decoder: %w", err)
	}
	h.mu.Unlock()

	first := make(chan struct{})
	exited := make(chan error, 1)

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		exited <- h.readFrames(cmd, stdout, stderr, first)
	}()

	select {
	case <-first:
		h.mu.Lock()
		h.playing = true
		h.mu.Unlock()
		h.logger.Debug().
			Float64("rate", h.PlaybackRate()).
			Bool("muted", h.Muted()).
			Int("frame_width", h.frameWidth).
			Int("frame_height", h.frameHeight).
			Msg("Decoder playing")
		return nil
	case err := <-exited:
		if err == nil {
			err = errors.New("decoder produced no frames")
		}
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *ffmpegHandle) decodeArgs() []string {
	args := []string{
		"-hide_banner",
		"-loglevel", "error",
		"-nostdin",
		"-readrate", strconv.FormatFloat(h.PlaybackRate(), 'f', 2, 64),
		"-i", h.src.Path,
		"-map", "0:v:0",
	}
	if h.Muted() {
		args = append(args, "-an", "-sn", "-dn")
	}
	args = append(args,
		"-vf", fmt.Sprintf("scale=%d:%d", h.frameWidth, h.frameHeight),
		"-pix_fmt", "rgba",
		"-f", "rawvideo",
		"pipe:1",
	)
	return args
}

// readFrames publishes each decoded frame as the current frame. It returns a
// non-nil error only if the process failed before the first frame; failures
// after that are reported on the error channel.
func (h *ffmpegHandle) readFrames(cmd *exec.Cmd, stdout io.Reader, stderr *tailBuffer, first chan struct{}) error {
	frameSize := h.frameWidth * h.frameHeight * 4
	started := false

	for h.ctx.Err() == nil {
		img := image.NewNRGBA(image.Rect(0, 0, h.frameWidth, h.frameHeight))
		if _, err := io.ReadFull(stdout, img.Pix[:frameSize]); err != nil {
			break
		}
		h.frame.Store(img)
		if !started {
			started = true
			close(first)
		}
	}

	waitErr := cmd.Wait()

	if h.ctx.Err() != nil {
		return h.ctx.Err()
	}

	if waitErr != nil {
		err := fmt.Errorf("decoder exited: %w, stderr: %s", waitErr, stderr.String())
		if looksCorrupt(stderr.String()) {
			err = fmt.Errorf("%w: %v", ErrCorruptSource, err)
		}
		if !started {
			return err
		}
		h.report(err)
		return nil
	}

	if !started {
		return errors.New("decoder produced no frames")
	}
	h.endedOnce.Do(func() { close(h.ended) })
	return nil
}

// Close stops the decoder process and waits for its goroutines.
func (h *ffmpegHandle) Close() error {
	h.closeOnce.Do(func() {
		h.cancel()
		h.wg.Wait()
		h.frame.Store(nil)
	})
	return nil
}
