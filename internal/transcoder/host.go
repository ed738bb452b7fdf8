package transcoder

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog"
)

// DefaultPreviewHeight caps the resolution the decoder renders at before the
// frame sink scales down to the target height.
const DefaultPreviewHeight = 360

// FFmpegHost implements Host with ffmpeg and ffprobe processes.
type FFmpegHost struct {
	ffmpeg        *FFmpeg
	previewHeight int
	logger        zerolog.Logger
}

// NewFFmpegHost creates a host around ffmpeg. previewHeight <= 0 selects
// DefaultPreviewHeight.
func NewFFmpegHost(ffmpeg *FFmpeg, previewHeight int, logger zerolog.Logger) *FFmpegHost {
	if previewHeight <= 0 {
		previewHeight = DefaultPreviewHeight
	}
	return &FFmpegHost{
		ffmpeg:        ffmpeg,
		previewHeight: previewHeight,
		logger:        logger,
	}
}

func (h *FFmpegHost) OpenDecoder(ctx context.Context, src SourceMedia) (DecodeHandle, error) {
	if src.Path == "" {
		return nil, fmt.Errorf("source has no path")
	}
	if _, err := os.Stat(src.Path); err != nil {
		return nil, fmt.Errorf("stat source: %w", err)
	}
	return openFFmpegHandle(ctx, h.ffmpeg, src, h.previewHeight, h.logger), nil
}

func (h *FFmpegHost) NewFrameSink(width, height int) (FrameSink, error) {
	return newRasterSink(width, height)
}

func (h *FFmpegHost) NewAudioRoute(_ context.Context, handle DecodeHandle) (AudioRoute, error) {
	return newFFmpegAudioRoute(handle)
}

// SupportsMIME reports whether the ffmpeg build has the encoders mimeType needs.
func (h *FFmpegHost) SupportsMIME(mimeType string) bool {
	profile, ok := profileFor(mimeType)
	if !ok {
		return false
	}
	return h.ffmpeg.HasEncoder(profile.videoEncoder) && h.ffmpeg.HasEncoder(profile.audioEncoder)
}

func (h *FFmpegHost) NewEncoder(_ context.Context, spec StreamSpec) (Encoder, error) {
	return newFFmpegEncoder(h.ffmpeg, spec, h.logger)
}
