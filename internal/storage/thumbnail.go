package storage

import (
	"bytes"
	"fmt"
	"io"

	"github.com/disintegration/imaging"
)

const (
	// ThumbnailMaxWidth and ThumbnailMaxHeight bound thumbnails in the usage UI.
	ThumbnailMaxWidth  = 320
	ThumbnailMaxHeight = 320

	// ThumbnailJPEGQuality is the JPEG encoder quality for thumbnails.
	ThumbnailJPEGQuality = 85
)

// ThumbnailProcessor handles thumbnail generation from images.
type ThumbnailProcessor interface {
	// GenerateThumbnail returns JPEG thumbnail bytes fitting maxWidth x maxHeight,
	// plus the original width and height.
	GenerateThumbnail(data io.Reader, maxWidth, maxHeight int) ([]byte, int, int, error)
}

// imagingProcessor implements ThumbnailProcessor using the imaging library.
type imagingProcessor struct{}

// NewImagingProcessor creates a new thumbnail processor using the imaging library.
func NewImagingProcessor() ThumbnailProcessor {
	return imagingProcessor{}
}

// GenerateThumbnail resizes with Lanczos, preserving aspect ratio. Images
// already smaller than the bounds are re-encoded but not upscaled.
func (imagingProcessor) GenerateThumbnail(data io.Reader, maxWidth, maxHeight int) ([]byte, int, int, error) {
	img, err := imaging.Decode(data, imaging.AutoOrientation(true))
	if err != nil {
		return nil, 0, 0, fmt.Errorf("%w: failed to decode image: %v", ErrUnsupportedImage, err)
	}

	bounds := img.Bounds()
	thumbnail := imaging.Fit(img, maxWidth, maxHeight, imaging.Lanczos)

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, thumbnail, imaging.JPEG, imaging.JPEGQuality(ThumbnailJPEGQuality)); err != nil {
		return nil, 0, 0, fmt.Errorf("failed to encode thumbnail: %w", err)
	}

	return buf.Bytes(), bounds.Dx(), bounds.Dy(), nil
}
