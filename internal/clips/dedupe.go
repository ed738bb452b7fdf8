package clips

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/therealutkarshpriyadarshi/tbmclip/internal/kvstore"
	"github.com/therealutkarshpriyadarshi/tbmclip/internal/metrics"
	"github.com/therealutkarshpriyadarshi/tbmclip/pkg/models"
)

const digestCache = "clip_digest"

// derivative is what the digest index remembers about a finished clip.
type derivative struct {
	ClipID     string `json:"clip_id"`
	ClipKey    string `json:"clip_key"`
	MIMEType   string `json:"mime_type"`
	Width      int    `json:"width"`
	Height     int    `json:"height"`
	Frames     int    `json:"frames"`
	DurationMs int64  `json:"duration_ms"`
	SizeBytes  int64  `json:"size_bytes"`
	HasAudio   bool   `json:"has_audio"`
	StopReason string `json:"stop_reason"`
}

func derivativeOf(clip *models.Clip) derivative {
	return derivative{
		ClipID:     clip.ID,
		ClipKey:    clip.ClipKey,
		MIMEType:   clip.MIMEType,
		Width:      clip.Width,
		Height:     clip.Height,
		Frames:     clip.Frames,
		DurationMs: clip.DurationMs,
		SizeBytes:  clip.SizeBytes,
		HasAudio:   clip.HasAudio,
		StopReason: clip.StopReason,
	}
}

func (d derivative) applyTo(clip *models.Clip) {
	clip.ClipKey = d.ClipKey
	clip.MIMEType = d.MIMEType
	clip.Width = d.Width
	clip.Height = d.Height
	clip.Frames = d.Frames
	clip.DurationMs = d.DurationMs
	clip.SizeBytes = d.SizeBytes
	clip.HasAudio = d.HasAudio
	clip.StopReason = d.StopReason
	if clip.Metadata == nil {
		clip.Metadata = models.Metadata{}
	}
	clip.Metadata["deduplicated_from"] = d.ClipID
}

func digestKey(digest string) string {
	return "digest:" + digest
}

// fileDigest returns the hex sha256 of the file at path.
func fileDigest(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open source: %w", err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("failed to hash source: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// lookup finds an earlier derivative of the same source bytes, first in the
// key-value index and then in the clip table.
func (s *Service) lookup(ctx context.Context, digest string) (*derivative, bool) {
	var d derivative
	err := kvstore.GetJSON(ctx, s.index, digestKey(digest), &d)
	if err == nil {
		metrics.RecordCacheAccess(digestCache, true)
		return &d, true
	}
	metrics.RecordCacheAccess(digestCache, false)
	if !errors.Is(err, kvstore.ErrNotFound) {
		s.logger.WithError(err).Warn("Digest index lookup failed")
	}

	clip, err := s.repo.GetClipByDigest(ctx, digest)
	if err != nil || clip == nil || !clip.Ready() {
		return nil, false
	}
	d = derivativeOf(clip)
	s.remember(ctx, digest, d)
	return &d, true
}

func (s *Service) remember(ctx context.Context, digest string, d derivative) {
	if err := kvstore.SetJSON(ctx, s.index, digestKey(digest), d); err != nil {
		s.logger.WithError(err).Warn("Failed to index clip digest")
	}
}
