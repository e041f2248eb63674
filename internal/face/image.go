package face

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// passthroughFormats are sent to the encoder unchanged when no resize is needed.
var passthroughFormats = map[string]bool{"jpeg": true, "png": true}

// PrepareImage decodes data to verify it is a readable image and downscales it to fit
// within maxSize (width or height) while keeping aspect ratio. A maxSize <= 0 disables resizing.
// Undecodable input returns a DecodeError.
func PrepareImage(data []byte, maxSize int) ([]byte, error) {
	if len(data) == 0 {
		return nil, NewDecodeError("empty image data", nil)
	}

	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, NewDecodeError("unsupported or corrupt image", err)
	}

	bounds := img.Bounds()
	width := bounds.Dx()
	height := bounds.Dy()
	if width == 0 || height == 0 {
		return nil, NewDecodeError("image has no pixels", nil)
	}

	if maxSize <= 0 || (width <= maxSize && height <= maxSize) {
		if passthroughFormats[format] {
			return data, nil
		}
		return encodeJPEG(img)
	}

	var newWidth, newHeight int
	if width > height {
		newWidth = maxSize
		newHeight = max(1, int(float64(height)*float64(maxSize)/float64(width)))
	} else {
		newHeight = maxSize
		newWidth = max(1, int(float64(width)*float64(maxSize)/float64(height)))
	}

	resized := image.NewRGBA(image.Rect(0, 0, newWidth, newHeight))
	draw.CatmullRom.Scale(resized, resized.Bounds(), img, bounds, draw.Over, nil)

	return encodeJPEG(resized)
}

func encodeJPEG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}); err != nil {
		return nil, fmt.Errorf("failed to encode image: %w", err)
	}
	return buf.Bytes(), nil
}

// CheckedEncoder rejects undecodable images before they reach the wrapped encoder
// and keeps oversized images within the encoder's input size.
type CheckedEncoder struct {
	next    Encoder
	maxSize int
}

// NewCheckedEncoder wraps next with image validation and downscaling.
func NewCheckedEncoder(next Encoder, maxSize int) *CheckedEncoder {
	return &CheckedEncoder{next: next, maxSize: maxSize}
}

// Encode validates data and forwards it to the wrapped encoder.
func (c *CheckedEncoder) Encode(ctx context.Context, data []byte) ([]Face, error) {
	prepared, err := PrepareImage(data, c.maxSize)
	if err != nil {
		return nil, err
	}
	return c.next.Encode(ctx, prepared)
}
