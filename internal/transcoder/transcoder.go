package transcoder

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/therealutkarshpriyadarshi/tbmclip/internal/metrics"
	"github.com/therealutkarshpriyadarshi/tbmclip/internal/tracing"
)

// exitGrace bounds how long Transcode waits for the pipeline goroutine after
// a timeout or cancellation has torn its resources down.
const exitGrace = 2 * time.Second

var errHardTimeout = errors.New("hard timeout reached")

// Stop reasons of the sampling loop.
const (
	StopReasonOutputCap   = "output_cap"
	StopReasonEndOfStream = "end_of_stream"
)

// Transcoder produces small derivative clips from arbitrary source videos.
// It holds no per-call state; concurrent Transcode calls are independent.
type Transcoder struct {
	host   Host
	opts   Options
	logger zerolog.Logger
}

// Option customises a Transcoder.
type Option func(*Transcoder)

// WithLogger sets the logger used for pipeline events.
func WithLogger(logger zerolog.Logger) Option {
	return func(t *Transcoder) {
		t.logger = logger
	}
}

// New creates a Transcoder over host.
func New(host Host, opts Options, options ...Option) (*Transcoder, error) {
	if host == nil {
		return nil, fmt.Errorf("host is required")
	}
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("invalid options: %w", err)
	}

	t := &Transcoder{
		host:   host,
		opts:   opts,
		logger: zerolog.Nop(),
	}
	for _, o := range options {
		o(t)
	}
	return t, nil
}

// Options returns the limits this Transcoder enforces.
func (t *Transcoder) Options() Options {
	return t.opts
}

type result struct {
	out *EncodedOutput
	err error
}

// Transcode produces one derivative from src. It either returns a complete
// output or a *Error; partial output is never returned. Every resource acquired
// for the call is released before Transcode returns.
func (t *Transcoder) Transcode(ctx context.Context, src SourceMedia) (*EncodedOutput, error) {
	id := uuid.New().String()
	logger := t.logger.With().
		Str("transcode_id", id).
		Str("source", src.Name).
		Int64("source_bytes", src.Size).
		Logger()

	span, ctx := tracing.StartSpan(ctx, "transcoder.transcode")
	defer tracing.FinishSpan(span)
	tracing.SetTag(span, "transcode.id", id)

	metrics.TranscodeStarted()
	started := time.Now()

	ctx, cancel := context.WithTimeoutCause(ctx, t.opts.Timeout, errHardTimeout)
	defer cancel()

	r := &run{
		t:      t,
		src:    src,
		td:     &teardown{},
		logger: logger,
	}
	r.sm = newMachine(func(from, to State) {
		logger.Debug().Str("from", from.String()).Str("to", to.String()).Msg("transcode state")
	})

	resCh := make(chan result, 1)
	go func() {
		out, err := r.execute(ctx)
		resCh <- result{out: out, err: err}
	}()

	var res result
	select {
	case res = <-resCh:
	case <-ctx.Done():
		res.err = r.contextError(ctx, "transcode")
		r.chunks.discard()
		if err := r.td.run(); err != nil {
			logger.Warn().Err(err).Msg("Teardown reported errors")
		}
		// Teardown has released every host resource by now. A host call
		// that ignores both ctx and Close keeps only the pipeline goroutine
		// alive, and it exits once that call returns.
		select {
		case <-resCh:
		case <-time.After(exitGrace):
			logger.Error().Msg("Pipeline did not exit after teardown")
		}
	}

	if err := r.td.run(); err != nil {
		logger.Warn().Err(err).Msg("Teardown reported errors")
	}

	elapsed := time.Since(started)
	if res.err != nil {
		state := r.sm.fail()
		var te *Error
		if errors.As(res.err, &te) {
			te.State = state
		} else {
			res.err = &Error{Kind: ErrDecodeInit, Op: "transcode", State: state, Err: res.err}
		}
		tracing.LogError(span, res.err)
		metrics.TranscodeFinished(KindLabel(res.err), elapsed.Seconds(), 0, 0)
		logger.Warn().
			Err(res.err).
			Str("kind", KindLabel(res.err)).
			Str("state", state.String()).
			Dur("elapsed", elapsed).
			Msg("Transcode failed")
		return nil, res.err
	}

	out := res.out
	tracing.SetTag(span, "output.mime", out.MIMEType)
	tracing.SetTag(span, "output.bytes", out.Size())
	metrics.TranscodeFinished("ok", elapsed.Seconds(), out.Size(), out.Frames)
	logger.Info().
		Str("mime", out.MIMEType).
		Int("width", out.Width).
		Int("height", out.Height).
		Int("frames", out.Frames).
		Int64("bytes", out.Size()).
		Bool("audio", out.HasAudio).
		Dur("elapsed", elapsed).
		Msg("Transcode completed")
	return out, nil
}

// run is the state of a single Transcode call.
type run struct {
	t      *Transcoder
	src    SourceMedia
	td     *teardown
	sm     *machine
	logger zerolog.Logger
	chunks chunkBuffer

	frames     int
	hasAudio   bool
	stopReason string
}

func (r *run) execute(ctx context.Context) (*EncodedOutput, error) {
	opts := r.t.opts
	host := r.t.host

	if opts.MaxSourceBytes > 0 && r.src.Size > opts.MaxSourceBytes {
		return nil, newError(ErrSourceRejected, "probe", fmt.Errorf("source is %d bytes, limit %d", r.src.Size, opts.MaxSourceBytes))
	}

	handle, err := guard(func() (DecodeHandle, error) { return host.OpenDecoder(ctx, r.src) })
	if err != nil {
		if ctx.Err() != nil {
			return nil, r.contextError(ctx, "open decoder")
		}
		return nil, newError(kindOr(err, ErrDecodeInit), "open decoder", err)
	}
	r.td.add("decoder", handle.Close)
	handle.SetPlaybackRate(opts.PlaybackRate)
	handle.SetMuted(false)

	if err := r.sm.transition(StateAwaitingPlayable); err != nil {
		return nil, newError(ErrDecodeInit, "await playable", err)
	}
	if err := r.awaitPlayable(ctx, handle); err != nil {
		return nil, err
	}

	if opts.MaxSourceDuration > 0 && handle.Duration() > opts.MaxSourceDuration {
		return nil, newError(ErrSourceRejected, "probe", fmt.Errorf("source runs %s, limit %s", handle.Duration(), opts.MaxSourceDuration))
	}

	naturalWidth, naturalHeight := handle.NaturalSize()
	width, height := TargetDimensions(naturalWidth, naturalHeight, opts.TargetHeight)
	if width == 0 || height == 0 {
		return nil, newError(ErrDecodeInit, "frame geometry", fmt.Errorf("natural size %dx%d", naturalWidth, naturalHeight))
	}
	r.logger.Debug().
		Int("natural_width", naturalWidth).
		Int("natural_height", naturalHeight).
		Int("width", width).
		Int("height", height).
		Dur("source_duration", handle.Duration()).
		Msg("Source playable")

	sink, err := guard(func() (FrameSink, error) { return host.NewFrameSink(width, height) })
	if err != nil {
		return nil, newError(ErrDecodeInit, "frame sink", err)
	}
	r.td.add("frame sink", sink.Close)

	audio := r.attachAudio(ctx, handle)

	mimeType, ok := negotiateMIME(host, opts.MIMEPreference)
	if !ok {
		return nil, newError(ErrEncoderInit, "negotiate mime", fmt.Errorf("none of %v supported", opts.MIMEPreference))
	}

	spec := StreamSpec{
		MIMEType:     mimeType,
		Width:        width,
		Height:       height,
		FrameRate:    opts.FrameRate,
		VideoBitrate: opts.VideoBitrate,
		AudioBitrate: opts.AudioBitrate,
		MaxDuration:  opts.MaxOutputDuration,
		Audio:        audio,
	}
	enc, err := guard(func() (Encoder, error) { return host.NewEncoder(ctx, spec) })
	if err != nil {
		return nil, newError(ErrEncoderInit, "new encoder", err)
	}
	r.td.add("encoder", enc.Close)

	if err := r.startPlayback(ctx, handle); err != nil {
		return nil, err
	}
	r.hasAudio = audio != nil && !handle.Muted()

	if err := enc.Start(ctx, r.chunks.append); err != nil {
		if ctx.Err() != nil {
			return nil, r.contextError(ctx, "start encoder")
		}
		return nil, newError(ErrEncoderInit, "start encoder", err)
	}
	if err := r.sm.transition(StateEncoding); err != nil {
		return nil, newError(ErrEncoderInit, "start encoder", err)
	}

	if err := r.sample(ctx, handle, sink, enc); err != nil {
		return nil, err
	}

	if err := r.sm.transition(StateFinalizing); err != nil {
		return nil, newError(ErrEncoderInit, "finalize", err)
	}
	if err := enc.Stop(ctx); err != nil {
		if ctx.Err() != nil {
			return nil, r.contextError(ctx, "finalize")
		}
		return nil, newError(ErrEncoderInit, "finalize", err)
	}

	data := r.chunks.seal()
	if err := r.sm.transition(StateDone); err != nil {
		return nil, newError(ErrEncoderInit, "finalize", err)
	}

	return &EncodedOutput{
		MIMEType:   mimeType,
		Data:       data,
		Width:      width,
		Height:     height,
		Frames:     r.frames,
		Duration:   time.Duration(float64(r.frames) / opts.FrameRate * float64(time.Second)),
		HasAudio:   r.hasAudio,
		StopReason: r.stopReason,
	}, nil
}

func (r *run) awaitPlayable(ctx context.Context, handle DecodeHandle) error {
	select {
	case <-handle.Ready():
		return nil
	case err := <-handle.Errors():
		return newError(kindOr(err, ErrDecodeInit), "await playable", err)
	case <-handle.Ended():
		return newError(ErrDecodeInit, "await playable", fmt.Errorf("stream ended before first frame"))
	case <-ctx.Done():
		return r.contextError(ctx, "await playable")
	}
}

// attachAudio taps the handle's audio. Failure degrades to silent output.
func (r *run) attachAudio(ctx context.Context, handle DecodeHandle) AudioRoute {
	route, err := guard(func() (AudioRoute, error) { return r.t.host.NewAudioRoute(ctx, handle) })
	if err != nil {
		r.logger.Warn().Err(err).Msg("Audio capture unavailable, encoding silent video")
		metrics.RecordAudioFallback()
		return nil
	}
	if route == nil {
		return nil
	}
	r.td.add("audio route", route.Close)
	return route
}

// startPlayback starts the handle, retrying once with audio muted.
func (r *run) startPlayback(ctx context.Context, handle DecodeHandle) error {
	err := handle.Play(ctx)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return r.contextError(ctx, "play")
	}

	r.logger.Warn().Err(err).Msg("Playback did not start, retrying muted")
	metrics.RecordPlaybackRetry()
	handle.SetMuted(true)

	retryErr := handle.Play(ctx)
	if retryErr == nil {
		return nil
	}
	if ctx.Err() != nil {
		return r.contextError(ctx, "play muted")
	}
	return newError(ErrPlayback, "play", errors.Join(err, retryErr))
}

// sample draws the handle's current picture into the sink on every frame
// tick until the output cap is reached or the source ends.
func (r *run) sample(ctx context.Context, handle DecodeHandle, sink FrameSink, enc Encoder) error {
	opts := r.t.opts
	ticker := time.NewTicker(opts.FrameInterval())
	r.td.add("sampling loop", func() error {
		ticker.Stop()
		return nil
	})
	defer ticker.Stop()

	started := time.Now()
	for {
		select {
		case <-ctx.Done():
			return r.contextError(ctx, "sample")
		case err := <-handle.Errors():
			return newError(ErrCorruptSource, "sample", err)
		case <-handle.Ended():
			r.stop(StopReasonEndOfStream)
			return nil
		case now := <-ticker.C:
			if now.Sub(started) >= opts.MaxOutputDuration {
				r.stop(StopReasonOutputCap)
				return nil
			}
			// Some decoders drop the rate after a stall.
			if handle.PlaybackRate() != opts.PlaybackRate {
				handle.SetPlaybackRate(opts.PlaybackRate)
			}

			frame := handle.CurrentFrame()
			if frame == nil {
				continue
			}
			if err := sink.Draw(frame); err != nil {
				return newError(ErrCorruptSource, "draw frame", err)
			}
			if err := enc.WriteFrame(sink.Frame()); err != nil {
				if ctx.Err() != nil {
					return r.contextError(ctx, "encode frame")
				}
				return newError(ErrEncoderInit, "encode frame", err)
			}
			r.frames++
		}
	}
}

func (r *run) stop(reason string) {
	r.stopReason = reason
	metrics.RecordStopReason(reason)
	r.logger.Debug().Str("reason", reason).Int("frames", r.frames).Msg("Sampling stopped")
}

// contextError classifies a finished context: the internal ceiling or any
// deadline becomes ErrTimeout, anything else ErrCancelled.
func (r *run) contextError(ctx context.Context, op string) error {
	cause := context.Cause(ctx)
	if errors.Is(cause, errHardTimeout) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return newError(ErrTimeout, op, fmt.Errorf("exceeded %s", r.t.opts.Timeout))
	}
	return newError(ErrCancelled, op, cause)
}

// kindOr keeps the kind a host already attached to err and otherwise uses
// fallback.
func kindOr(err error, fallback error) error {
	if kind := KindOf(err); kind != nil {
		return kind
	}
	return fallback
}
