package transcoder

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
)

var errNoAudioTrack = errors.New("source has no audio track")

// ffmpegAudioRoute feeds the source's first audio stream into the encoder,
// time-stretched to the handle's playback rate.
type ffmpegAudioRoute struct {
	handle *ffmpegHandle
	closed atomic.Bool
}

func newFFmpegAudioRoute(h DecodeHandle) (*ffmpegAudioRoute, error) {
	fh, ok := h.(*ffmpegHandle)
	if !ok {
		return nil, fmt.Errorf("audio capture needs an ffmpeg decode handle, got %T", h)
	}
	if !fh.hasAudio() {
		return nil, errNoAudioTrack
	}
	return &ffmpegAudioRoute{handle: fh}, nil
}

// live reports whether the route should contribute audio to the encoder.
func (r *ffmpegAudioRoute) live() bool {
	return !r.closed.Load() && !r.handle.Muted()
}

// inputArgs returns the ffmpeg input, map and filter arguments for the audio
// leg. index is the ffmpeg input index the source will get.
func (r *ffmpegAudioRoute) inputArgs(index int) (input, mapping []string) {
	input = []string{"-i", r.handle.src.Path}
	mapping = []string{
		"-map", fmt.Sprintf("%d:a:0", index),
		"-af", atempoChain(r.handle.PlaybackRate()),
	}
	return input, mapping
}

func (r *ffmpegAudioRoute) Close() error {
	r.closed.Store(true)
	return nil
}

// atempoChain builds an atempo filter chain for rate. Older ffmpeg builds
// accept at most 2.0 per atempo stage.
func atempoChain(rate float64) string {
	if rate <= 0 {
		rate = 1
	}
	var stages []string
	for rate > 2.0 {
		stages = append(stages, "atempo=2.0")
		rate /= 2.0
	}
	for rate < 0.5 {
		stages = append(stages, "atempo=0.5")
		rate /= 0.5
	}
	stages = append(stages, "atempo="+strconv.FormatFloat(rate, 'f', 4, 64))
	return strings.Join(stages, ",")
}
