package transcoder

import "math"

// TargetDimensions scales a natural frame size so that its height is at most
// targetHeight, keeping the aspect ratio. Both results are even and at least 2,
// since chroma-subsampled encoders reject odd sizes.
func TargetDimensions(naturalWidth, naturalHeight, targetHeight int) (width, height int) {
	if naturalWidth <= 0 || naturalHeight <= 0 || targetHeight <= 0 {
		return 0, 0
	}

	height = targetHeight
	if naturalHeight < height {
		height = naturalHeight
	}
	scale := float64(height) / float64(naturalHeight)
	width = int(math.Round(float64(naturalWidth) * scale))

	return even(width), even(height)
}

func even(v int) int {
	v -= v % 2
	if v < 2 {
		return 2
	}
	return v
}
