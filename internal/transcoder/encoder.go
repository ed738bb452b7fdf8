package transcoder

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/draw"
	"io"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const (
	encoderChunkSize = 32 * 1024
	// encoderWaitDelay bounds Wait once the process is killed, in case a child
	// of ffmpeg still holds its pipes.
	encoderWaitDelay = time.Second
)

// codecProfile maps a negotiated MIME type onto ffmpeg encoders and muxer.
type codecProfile struct {
	videoEncoder string
	videoArgs    []string
	audioEncoder string
	format       string
	formatArgs   []string
}

func profileFor(mimeType string) (codecProfile, bool) {
	codecs := CodecsOf(mimeType)
	switch ContainerOf(mimeType) {
	case "video/webm":
		video := "vp9"
		if len(codecs) > 0 {
			video = codecs[0]
		}
		switch video {
		case "vp9", "vp09":
			return codecProfile{
				videoEncoder: "libvpx-vp9",
				videoArgs:    []string{"-deadline", "realtime", "-cpu-used", "8", "-row-mt", "1"},
				audioEncoder: "libopus",
				format:       "webm",
			}, true
		case "vp8":
			return codecProfile{
				videoEncoder: "libvpx",
				videoArgs:    []string{"-deadline", "realtime", "-cpu-used", "8"},
				audioEncoder: "libopus",
				format:       "webm",
			}, true
		}
	case "video/mp4":
		return codecProfile{
			videoEncoder: "libx264",
			videoArgs:    []string{"-preset", "veryfast", "-tune", "zerolatency"},
			audioEncoder: "aac",
			format:       "mp4",
			formatArgs:   []string{"-movflags", "frag_keyframe+empty_moov+default_base_moof"},
		}, true
	}
	return codecProfile{}, false
}

// ffmpegEncoder reads raw frames on stdin and emits container chunks on
// stdout.
type ffmpegEncoder struct {
	ffmpeg  *FFmpeg
	spec    StreamSpec
	profile codecProfile
	audio   *ffmpegAudioRoute
	logger  zerolog.Logger

	// writeMu serializes frame writes; mu guards the fields below and is
	// never held across a pipe write, so Close can always kill the process.
	writeMu sync.Mutex
	mu      sync.Mutex
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	group   *errgroup.Group
	stderr  *tailBuffer
	cancel  context.CancelFunc
	started bool
	stopped bool

	frame     *image.NRGBA
	closeOnce sync.Once
}

func newFFmpegEncoder(ffmpeg *FFmpeg, spec StreamSpec, logger zerolog.Logger) (*ffmpegEncoder, error) {
	profile, ok := profileFor(spec.MIMEType)
	if !ok {
		return nil, fmt.Errorf("unsupported mime type %q", spec.MIMEType)
	}
	if spec.Width <= 0 || spec.Height <= 0 || spec.FrameRate <= 0 {
		return nil, fmt.Errorf("invalid stream %dx%d@%v", spec.Width, spec.Height, spec.FrameRate)
	}

	e := &ffmpegEncoder{
		ffmpeg:  ffmpeg,
		spec:    spec,
		profile: profile,
		logger:  logger,
		frame:   image.NewNRGBA(image.Rect(0, 0, spec.Width, spec.Height)),
	}
	if spec.Audio != nil {
		route, ok := spec.Audio.(*ffmpegAudioRoute)
		if !ok {
			return nil, fmt.Errorf("unsupported audio route %T", spec.Audio)
		}
		e.audio = route
	}
	return e, nil
}

func (e *ffmpegEncoder) args() []string {
	spec := e.spec
	args := []string{
		"-hide_banner",
		"-loglevel", "error",
		"-f", "rawvideo",
		"-pix_fmt", "rgba",
		"-video_size", fmt.Sprintf("%dx%d", spec.Width, spec.Height),
		"-framerate", strconv.FormatFloat(spec.FrameRate, 'f', -1, 64),
		"-i", "pipe:0",
	}

	var audioMap []string
	withAudio := e.audio != nil && e.audio.live()
	if withAudio {
		input, mapping := e.audio.inputArgs(1)
		args = append(args, input...)
		audioMap = mapping
	}

	args = append(args, "-map", "0:v:0")
	args = append(args, audioMap...)

	bitrate := strconv.Itoa(spec.VideoBitrate)
	args = append(args,
		"-c:v", e.profile.videoEncoder,
		"-b:v", bitrate,
		"-maxrate", bitrate,
		"-bufsize", strconv.Itoa(spec.VideoBitrate*2),
		"-pix_fmt", "yuv420p",
	)
	args = append(args, e.profile.videoArgs...)

	if withAudio {
		audioBitrate := spec.AudioBitrate
		if audioBitrate <= 0 {
			audioBitrate = 32_000
		}
		args = append(args, "-c:a", e.profile.audioEncoder, "-b:a", strconv.Itoa(audioBitrate), "-shortest")
	} else {
		args = append(args, "-an")
	}

	if spec.MaxDuration > 0 {
		args = append(args, "-t", strconv.FormatFloat(spec.MaxDuration.Seconds(), 'f', 3, 64))
	}
	args = append(args, e.profile.formatArgs...)
	args = append(args, "-f", e.profile.format, "pipe:1")
	return args
}

func (e *ffmpegEncoder) Start(ctx context.Context, onChunk func([]byte)) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return errors.New("encoder already started")
	}

	// The process must outlive ctx only until Stop or Close; both are called
	// by the pipeline before Transcode returns.
	pctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	cmd := exec.CommandContext(pctx, e.ffmpeg.ffmpegPath, e.args()...)
	cmd.WaitDelay = encoderWaitDelay
	e.stderr = newTailBuffer(4096)
	cmd.Stderr = e.stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return fmt.Errorf("failed to start encoder: %w", err)
	}

	group := &errgroup.Group{}
	group.Go(func() error {
		buf := make([]byte, encoderChunkSize)
		for {
			n, err := stdout.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				onChunk(chunk)
			}
			if err == io.EOF {
				return nil
			}
			if err != nil {
				return fmt.Errorf("read encoder output: %w", err)
			}
		}
	})

	e.cmd = cmd
	e.stdin = stdin
	e.group = group
	e.cancel = cancel
	e.started = true

	e.logger.Debug().
		Str("mime", e.spec.MIMEType).
		Str("video_encoder", e.profile.videoEncoder).
		Bool("audio", e.audio != nil && e.audio.live()).
		Msg("Encoder started")
	return nil
}

func (e *ffmpegEncoder) WriteFrame(frame image.Image) error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	e.mu.Lock()
	if !e.started || e.stopped {
		e.mu.Unlock()
		return errors.New("encoder not running")
	}
	stdin := e.stdin
	e.mu.Unlock()

	pix := e.pixels(frame)
	if _, err := stdin.Write(pix); err != nil {
		return fmt.Errorf("write frame: %w, stderr: %s", err, e.stderr.String())
	}
	return nil
}

// pixels returns frame as tightly packed RGBA bytes of the stream size.
func (e *ffmpegEncoder) pixels(frame image.Image) []byte {
	if n, ok := frame.(*image.NRGBA); ok && n.Rect == e.frame.Rect && n.Stride == 4*e.spec.Width {
		return n.Pix
	}
	draw.Draw(e.frame, e.frame.Rect, frame, frame.Bounds().Min, draw.Src)
	return e.frame.Pix
}

// Stop closes stdin and waits for ffmpeg to flush the container.
func (e *ffmpegEncoder) Stop(ctx context.Context) error {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return errors.New("encoder not started")
	}
	if e.stopped {
		e.mu.Unlock()
		return nil
	}
	e.stopped = true
	stdin, cmd, group := e.stdin, e.cmd, e.group
	e.mu.Unlock()

	_ = stdin.Close()

	done := make(chan error, 1)
	go func() {
		readErr := group.Wait()
		waitErr := cmd.Wait()
		if waitErr != nil {
			done <- fmt.Errorf("encoder exited: %w, stderr: %s", waitErr, e.stderr.String())
			return
		}
		done <- readErr
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		e.cancel()
		<-done
		return ctx.Err()
	}
}

// Close kills a running encoder and releases its pipes.
func (e *ffmpegEncoder) Close() error {
	e.closeOnce.Do(func() {
		e.mu.Lock()
		started, stopped := e.started, e.stopped
		e.stopped = true
		cmd, group, cancel, stdin := e.cmd, e.group, e.cancel, e.stdin
		e.mu.Unlock()

		if !started {
			return
		}
		// Killing first unblocks a WriteFrame stuck on a full pipe.
		cancel()
		if !stopped {
			_ = stdin.Close()
			// Wait closes stdout, which ends the reader even if the pipe
			// is still held open elsewhere.
			_ = cmd.Wait()
			_ = group.Wait()
		}
	})
	return nil
}
