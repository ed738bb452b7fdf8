package transcoder

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"
)

// FFmpeg wraps the ffmpeg and ffprobe binaries.
type FFmpeg struct {
	ffmpegPath  string
	ffprobePath string

	encodersOnce sync.Once
	encoders     map[string]bool
	encodersErr  error
}

// NewFFmpeg creates a new FFmpeg instance
func NewFFmpeg(ffmpegPath, ffprobePath string) *FFmpeg {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	if ffprobePath == "" {
		ffprobePath = "ffprobe"
	}
	return &FFmpeg{
		ffmpegPath:  ffmpegPath,
		ffprobePath: ffprobePath,
	}
}

// VideoMetadata holds video metadata extracted from ffprobe
type VideoMetadata struct {
	Format  FormatInfo   `json:"format"`
	Streams []StreamInfo `json:"streams"`
}

// FormatInfo holds format information
type FormatInfo struct {
	Filename   string `json:"filename"`
	FormatName string `json:"format_name"`
	Duration   string `json:"duration"`
	Size       string `json:"size"`
	BitRate    string `json:"bit_rate"`
}

// StreamInfo holds stream information
type StreamInfo struct {
	CodecType    string `json:"codec_type"`
	CodecName    string `json:"codec_name"`
	Width        int    `json:"width"`
	Height       int    `json:"height"`
	BitRate      string `json:"bit_rate"`
	FrameRate    string `json:"r_frame_rate"`
	AvgFrameRate string `json:"avg_frame_rate"`
	Duration     string `json:"duration"`
	SampleRate   string `json:"sample_rate"`
	Channels     int    `json:"channels"`
}

// SourceInfo is the part of a probe result the pipeline needs.
type SourceInfo struct {
	FormatName string
	Codec      string
	Width      int
	Height     int
	Duration   time.Duration
	FrameRate  float64
	Bitrate    int64
	HasVideo   bool
	HasAudio   bool
}

// ProbeVideo extracts metadata from a video file
func (f *FFmpeg) ProbeVideo(ctx context.Context, inputPath string) (*VideoMetadata, error) {
	args := []string{
		"-v", "error",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		inputPath,
	}

	cmd := exec.CommandContext(ctx, f.ffprobePath, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if ctx.Err() == nil && looksCorrupt(msg) {
			return nil, fmt.Errorf("%w: ffprobe: %s", ErrCorruptSource, msg)
		}
		return nil, fmt.Errorf("ffprobe failed: %w, stderr: %s", err, msg)
	}

	var metadata VideoMetadata
	if err := json.Unmarshal(stdout.Bytes(), &metadata); err != nil {
		return nil, fmt.Errorf("failed to parse ffprobe output: %w", err)
	}

	return &metadata, nil
}

// Inspect probes inputPath and summarises its first video and audio streams.
func (f *FFmpeg) Inspect(ctx context.Context, inputPath string) (*SourceInfo, error) {
	metadata, err := f.ProbeVideo(ctx, inputPath)
	if err != nil {
		return nil, err
	}
	return summarize(metadata), nil
}

func summarize(metadata *VideoMetadata) *SourceInfo {
	info := &SourceInfo{FormatName: metadata.Format.FormatName}

	if seconds, err := strconv.ParseFloat(metadata.Format.Duration, 64); err == nil {
		info.Duration = time.Duration(seconds * float64(time.Second))
	}
	if bitrate, err := strconv.ParseInt(metadata.Format.BitRate, 10, 64); err == nil {
		info.Bitrate = bitrate
	}

	for _, stream := range metadata.Streams {
		switch stream.CodecType {
		case "video":
			if info.HasVideo {
				continue
			}
			info.HasVideo = true
			info.Width = stream.Width
			info.Height = stream.Height
			info.Codec = stream.CodecName
			info.FrameRate = parseRational(stream.AvgFrameRate)
			if info.FrameRate == 0 {
				info.FrameRate = parseRational(stream.FrameRate)
			}
			if info.Duration == 0 {
				if seconds, err := strconv.ParseFloat(stream.Duration, 64); err == nil {
					info.Duration = time.Duration(seconds * float64(time.Second))
				}
			}
		case "audio":
			info.HasAudio = true
		}
	}

	return info
}

// parseRational parses ffprobe rates such as "30000/1001".
func parseRational(s string) float64 {
	num, den, ok := strings.Cut(s, "/")
	if !ok {
		v, _ := strconv.ParseFloat(s, 64)
		return v
	}
	n, err1 := strconv.ParseFloat(num, 64)
	d, err2 := strconv.ParseFloat(den, 64)
	if err1 != nil || err2 != nil || d == 0 {
		return 0
	}
	return n / d
}

// HasEncoder reports whether the ffmpeg build ships the named encoder.
func (f *FFmpeg) HasEncoder(name string) bool {
	f.encodersOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		f.encoders, f.encodersErr = f.listEncoders(ctx)
	})
	if f.encodersErr != nil {
		return false
	}
	return f.encoders[name]
}

func (f *FFmpeg) listEncoders(ctx context.Context) (map[string]bool, error) {
	cmd := exec.CommandContext(ctx, f.ffmpegPath, "-hide_banner", "-encoders")
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("failed to list encoders: %w", err)
	}
	return parseEncoders(out), nil
}

// parseEncoders reads the table printed by `ffmpeg -encoders`. Rows look like
// " V....D libx264              libx264 H.264 / AVC".
func parseEncoders(out []byte) map[string]bool {
	encoders := make(map[string]bool)
	scanner := bufio.NewScanner(bytes.NewReader(out))
	inTable := false
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if strings.HasPrefix(line, "------") {
			inTable = true
			continue
		}
		if !inTable {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 || len(fields[0]) != 6 {
			continue
		}
		encoders[fields[1]] = true
	}
	return encoders
}

var corruptMarkers = []string{
	"invalid data found",
	"moov atom not found",
	"could not find codec parameters",
	"corrupt",
	"error while decoding",
	"end of file",
}

func looksCorrupt(stderr string) bool {
	lower := strings.ToLower(stderr)
	for _, marker := range corruptMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// tailBuffer keeps the last max bytes written to it, for stderr reporting.
type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func newTailBuffer(max int) *tailBuffer {
	return &tailBuffer{max: max}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = t.buf[over:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.TrimSpace(string(t.buf))
}
