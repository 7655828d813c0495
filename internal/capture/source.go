// Package capture produces still frames from camera-like devices and guards
// exclusive ownership of the shared device.
package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"time"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"

	"github.com/saturnino-fabrica-de-software/rekko-kiosk/internal/domain"
)

// Source produces one frame per call. Failures wrap domain.ErrDeviceUnavailable.
type Source interface {
	Capture(ctx context.Context) (domain.Frame, error)
}

// ErrUnsupportedImage is returned for data that no registered decoder accepts.
var ErrUnsupportedImage = errors.New("unsupported image format")

var contentTypes = map[string]string{
	"jpeg": "image/jpeg",
	"png":  "image/png",
	"gif":  "image/gif",
	"webp": "image/webp",
	"bmp":  "image/bmp",
}

// DefaultMaxDimension bounds the longer side of frames sent for recognition.
const DefaultMaxDimension = 1280

// NewFrame validates data as an image and returns a frame the Recognition
// Service accepts: JPEG and PNG pass through unless larger than
// maxDimension, everything else is re-encoded as JPEG.
func NewFrame(data []byte, maxDimension int) (domain.Frame, error) {
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return domain.Frame{}, fmt.Errorf("%w: %v", ErrUnsupportedImage, err)
	}

	now := time.Now().UTC()
	oversized := maxDimension > 0 && (cfg.Width > maxDimension || cfg.Height > maxDimension)

	if !oversized && (format == "jpeg" || format == "png") {
		return domain.Frame{Data: data, ContentType: contentTypes[format], CapturedAt: now}, nil
	}

	normalized, err := toJPEG(data, maxDimension)
	if err != nil {
		return domain.Frame{}, err
	}
	return domain.Frame{Data: normalized, ContentType: "image/jpeg", CapturedAt: now}, nil
}

func toJPEG(data []byte, maxDimension int) ([]byte, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedImage, err)
	}

	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()

	if maxDimension > 0 && (width > maxDimension || height > maxDimension) {
		var newWidth, newHeight int
		if width > height {
			newWidth = maxDimension
			newHeight = int(float64(height) * float64(maxDimension) / float64(width))
		} else {
			newHeight = maxDimension
			newWidth = int(float64(width) * float64(maxDimension) / float64(height))
		}

		resized := image.NewRGBA(image.Rect(0, 0, newWidth, newHeight))
		draw.CatmullRom.Scale(resized, resized.Bounds(), img, bounds, draw.Over, nil)
		img = resized
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}); err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}

func deviceErr(err error) error {
	if errors.Is(err, domain.ErrDeviceUnavailable) || errors.Is(err, domain.ErrDeviceBusy) {
		return err
	}
	return domain.ErrDeviceUnavailable.WithError(err)
}
