package transcoder

import (
	"context"
	"image"
	"time"
)

// SourceMedia is a local byte source handed to one Transcode call. MIMEType is
// whatever the uploader declared and is not trusted.
type SourceMedia struct {
	Path     string
	Name     string
	MIMEType string
	Size     int64
}

// Host provides the media capabilities a transcode is built from. The ffmpeg
// backed implementation lives in host.go; tests substitute stubs.
type Host interface {
	// OpenDecoder binds src to a new decode handle. The handle is not playing.
	OpenDecoder(ctx context.Context, src SourceMedia) (DecodeHandle, error)

	// NewFrameSink returns a drawable surface of exactly width x height.
	NewFrameSink(width, height int) (FrameSink, error)

	// NewAudioRoute taps the audio of h. Any error means the output is silent.
	NewAudioRoute(ctx context.Context, h DecodeHandle) (AudioRoute, error)

	// SupportsMIME reports whether NewEncoder can produce mimeType.
	SupportsMIME(mimeType string) bool

	// NewEncoder builds an encoder for the combined stream described by spec.
	NewEncoder(ctx context.Context, spec StreamSpec) (Encoder, error)
}

// DecodeHandle is a live, time-advancing view of a source.
type DecodeHandle interface {
	// Ready is closed once natural dimensions and a decodable frame are known.
	Ready() <-chan struct{}
	// Ended is closed at natural end of stream.
	Ended() <-chan struct{}
	// Errors delivers decode errors raised independently of Play.
	Errors() <-chan error

	// NaturalSize is valid after Ready.
	NaturalSize() (width, height int)
	// Duration is the natural duration, zero when unknown. Valid after Ready.
	Duration() time.Duration

	SetPlaybackRate(rate float64)
	PlaybackRate() float64
	SetMuted(muted bool)
	Muted() bool

	// Play starts the handle advancing. It returns once playback has started.
	Play(ctx context.Context) error

	// CurrentFrame returns the most recently decoded picture, nil before the
	// first frame.
	CurrentFrame() image.Image

	// Close detaches the source and releases decoder resources. It must be
	// safe to call more than once.
	Close() error
}

// FrameSink is the fixed-size surface sampled frames are rasterised into.
type FrameSink interface {
	Size() (width, height int)
	Draw(src image.Image) error
	Frame() image.Image
	Close() error
}

// AudioRoute connects a decode handle's audio to the encoder.
type AudioRoute interface {
	Close() error
}

// StreamSpec describes the combined stream handed to the encoder: the frame
// sink sampled at FrameRate plus an optional audio route.
type StreamSpec struct {
	MIMEType     string
	Width        int
	Height       int
	FrameRate    float64
	VideoBitrate int
	AudioBitrate int
	MaxDuration  time.Duration
	Audio        AudioRoute
}

// Encoder turns sampled frames into container chunks.
type Encoder interface {
	// Start begins encoding. onChunk receives chunks in emission order and is
	// never called after Stop returns.
	Start(ctx context.Context, onChunk func([]byte)) error
	// WriteFrame queues one sampled frame.
	WriteFrame(frame image.Image) error
	// Stop requests the final flush and waits for it.
	Stop(ctx context.Context) error
	// Close releases the encoder. Safe after Stop and safe to repeat.
	Close() error
}
