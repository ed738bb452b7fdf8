package transcoder

import (
	"fmt"
	"time"
)

// Options bounds the derivative produced by a Transcoder.
type Options struct {
	TargetHeight      int
	FrameRate         float64
	VideoBitrate      int // bits per second
	AudioBitrate      int // bits per second
	PlaybackRate      float64
	MaxOutputDuration time.Duration
	Timeout           time.Duration

	// Upfront rejection limits. Zero disables a check.
	MaxSourceBytes    int64
	MaxSourceDuration time.Duration

	// MIMEPreference is tried in order; the first type the host supports wins.
	MIMEPreference []string
}

// DefaultMIMEPreference prefers VP9/Opus in WebM and falls back to MP4.
var DefaultMIMEPreference = []string{
	"video/webm;codecs=vp9,opus",
	"video/webm;codecs=vp8,opus",
	"video/webm",
	"video/mp4",
}

// DefaultOptions returns the production limits: 144p, 10 fps, 100 kbit/s,
// 3x playback, 10 s of output and a 20 s ceiling for the whole call.
func DefaultOptions() Options {
	return Options{
		TargetHeight:      144,
		FrameRate:         10,
		VideoBitrate:      100_000,
		AudioBitrate:      32_000,
		PlaybackRate:      3.0,
		MaxOutputDuration: 10 * time.Second,
		Timeout:           20 * time.Second,
		MaxSourceBytes:    500 << 20,
		MaxSourceDuration: 2 * time.Hour,
		MIMEPreference:    DefaultMIMEPreference,
	}
}

// Validate reports the first invalid field.
func (o Options) Validate() error {
	switch {
	case o.TargetHeight < 2:
		return fmt.Errorf("target height must be at least 2, got %d", o.TargetHeight)
	case o.TargetHeight%2 != 0:
		return fmt.Errorf("target height must be even, got %d", o.TargetHeight)
	case o.FrameRate <= 0:
		return fmt.Errorf("frame rate must be positive, got %v", o.FrameRate)
	case o.VideoBitrate <= 0:
		return fmt.Errorf("video bitrate must be positive, got %d", o.VideoBitrate)
	case o.PlaybackRate <= 1.0:
		return fmt.Errorf("playback rate must be greater than 1.0, got %v", o.PlaybackRate)
	case o.MaxOutputDuration <= 0:
		return fmt.Errorf("max output duration must be positive, got %s", o.MaxOutputDuration)
	case o.Timeout <= 0:
		return fmt.Errorf("timeout must be positive, got %s", o.Timeout)
	case len(o.MIMEPreference) == 0:
		return fmt.Errorf("mime preference list is empty")
	}
	return nil
}

// FrameInterval is the sampling period of the output stream.
func (o Options) FrameInterval() time.Duration {
	return time.Duration(float64(time.Second) / o.FrameRate)
}

// SourceWindow is how much source time fits into the output cap at the
// configured playback rate.
func (o Options) SourceWindow() time.Duration {
	return time.Duration(float64(o.MaxOutputDuration) * o.PlaybackRate)
}
