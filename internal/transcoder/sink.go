package transcoder

import (
	"errors"
	"fmt"
	"image"
	"sync"

	"github.com/disintegration/imaging"
)

var errSinkClosed = errors.New("frame sink closed")

// rasterSink scales every drawn picture to a fixed width x height NRGBA frame.
type rasterSink struct {
	width  int
	height int
	filter imaging.ResampleFilter

	mu     sync.Mutex
	frame  *image.NRGBA
	closed bool
}

func newRasterSink(width, height int) (*rasterSink, error) {
	if width <= 0 || height <= 0 || width%2 != 0 || height%2 != 0 {
		return nil, fmt.Errorf("invalid frame sink size %dx%d", width, height)
	}
	return &rasterSink{
		width:  width,
		height: height,
		filter: imaging.Linear,
		frame:  image.NewNRGBA(image.Rect(0, 0, width, height)),
	}, nil
}

func (s *rasterSink) Size() (int, int) {
	return s.width, s.height
}

func (s *rasterSink) Draw(src image.Image) error {
	if src == nil {
		return fmt.Errorf("nil frame")
	}
	b := src.Bounds()
	if b.Dx() <= 0 || b.Dy() <= 0 {
		return fmt.Errorf("empty frame %v", b)
	}

	var scaled *image.NRGBA
	if b.Dx() == s.width && b.Dy() == s.height {
		scaled = imaging.Clone(src)
	} else {
		scaled = imaging.Resize(src, s.width, s.height, s.filter)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errSinkClosed
	}
	s.frame = scaled
	return nil
}

func (s *rasterSink) Frame() image.Image {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frame
}

func (s *rasterSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
