package imaging

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"

	"github.com/gabriel-vasile/mimetype"

	"github.com/kirillkom/plant-care-assistant/internal/core/domain"
)

const (
	DefaultMaxBytes  = 1_000_000
	DefaultMaxPixels = 40_000_000
)

var supportedFormats = map[string]string{
	"image/jpeg": "jpeg",
	"image/png":  "png",
}

// Decoder turns an uploaded JPEG or PNG blob into a pixel grid.
type Decoder struct {
	maxBytes  int
	maxPixels int
}

func NewDecoder(maxBytes int) *Decoder {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	return &Decoder{maxBytes: maxBytes, maxPixels: DefaultMaxPixels}
}

func (d *Decoder) Decode(ctx context.Context, blob []byte) (domain.DecodedImage, error) {
	if err := ctx.Err(); err != nil {
		return domain.DecodedImage{}, err
	}
	switch {
	case len(blob) == 0:
		return domain.DecodedImage{}, decodeError(errors.New("image is empty"))
	case len(blob) > d.maxBytes:
		return domain.DecodedImage{}, decodeError(fmt.Errorf("image is %d bytes, limit is %d", len(blob), d.maxBytes))
	}

	mime := mimetype.Detect(blob)
	format, ok := supportedFormats[mime.String()]
	if !ok {
		return domain.DecodedImage{}, decodeError(fmt.Errorf("unsupported content type %s", mime.String()))
	}

	// Header first so a tiny file cannot claim a huge canvas.
	cfg, _, err := image.DecodeConfig(bytes.NewReader(blob))
	if err != nil {
		return domain.DecodedImage{}, decodeError(fmt.Errorf("read %s header: %w", format, err))
	}
	if cfg.Width*cfg.Height > d.maxPixels {
		return domain.DecodedImage{}, decodeError(fmt.Errorf("image is %dx%d, pixel limit is %d", cfg.Width, cfg.Height, d.maxPixels))
	}

	img, _, err := image.Decode(bytes.NewReader(blob))
	if err != nil {
		return domain.DecodedImage{}, decodeError(fmt.Errorf("decode %s: %w", format, err))
	}
	return domain.DecodedImage{Image: img, Format: format}, nil
}

func decodeError(err error) error {
	return domain.WrapError(domain.ErrDecode, "decode image", err)
}
