package imaging

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/kirillkom/plant-care-assistant/internal/core/domain"
)

func solidImage(w, h int, c color.NRGBA) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, c)
		}
	}
	return img
}

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("png.Encode() error = %v", err)
	}
	return buf.Bytes()
}

func encodeJPEG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}); err != nil {
		t.Fatalf("jpeg.Encode() error = %v", err)
	}
	return buf.Bytes()
}

func TestDecodeAcceptsJPEGAndPNG(t *testing.T) {
	src := solidImage(200, 200, color.NRGBA{R: 40, G: 160, B: 60, A: 255})
	decoder := NewDecoder(0)

	for format, blob := range map[string][]byte{
		"jpeg": encodeJPEG(t, src),
		"png":  encodePNG(t, src),
	} {
		decoded, err := decoder.Decode(context.Background(), blob)
		if err != nil {
			t.Fatalf("Decode(%s) error = %v", format, err)
		}
		if decoded.Format != format || decoded.Width() != 200 || decoded.Height() != 200 {
			t.Fatalf("unexpected decoded %s image: format=%s %dx%d", format, decoded.Format, decoded.Width(), decoded.Height())
		}
	}
}

func TestDecodeRejectsUnreadableBlobs(t *testing.T) {
	decoder := NewDecoder(64)
	cases := map[string][]byte{
		"empty":       nil,
		"zero bytes":  {},
		"plain text":  []byte("definitely not an image"),
		"gif":         []byte("GIF89a\x01\x00\x01\x00\x00\x00\x00;"),
		"corrupt png": append([]byte("\x89PNG\r\n\x1a\n"), bytes.Repeat([]byte{0xff}, 16)...),
		"too large":   append([]byte("\x89PNG\r\n\x1a\n"), make([]byte, 128)...),
	}
	for name, blob := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := decoder.Decode(context.Background(), blob)
			if !domain.IsKind(err, domain.ErrDecode) {
				t.Fatalf("expected decode error, got %v", err)
			}
		})
	}
}

func TestPreprocessProducesBatchedRawIntensityTensor(t *testing.T) {
	img := domain.DecodedImage{Image: solidImage(300, 180, color.NRGBA{R: 10, G: 200, B: 255, A: 255}), Format: "png"}

	tensor, err := NewPreprocessor(0, 0).Preprocess(img)
	if err != nil {
		t.Fatalf("Preprocess() error = %v", err)
	}
	if diff := cmp.Diff([]int64{1, 128, 128, 3}, tensor.Shape); diff != "" {
		t.Fatalf("shape mismatch (-want +got):\n%s", diff)
	}
	if len(tensor.Data) != tensor.Elements() || len(tensor.Data) != 128*128*3 {
		t.Fatalf("unexpected data length %d", len(tensor.Data))
	}
	// Values stay in 0-255, not rescaled to 0-1.
	for i := 0; i < len(tensor.Data); i += 3 {
		if tensor.Data[i] != 10 || tensor.Data[i+1] != 200 || tensor.Data[i+2] != 255 {
			t.Fatalf("pixel %d = %v, want [10 200 255]", i/3, tensor.Data[i:i+3])
		}
	}
}

func TestPreprocessIsDeterministic(t *testing.T) {
	src := image.NewNRGBA(image.Rect(0, 0, 64, 48))
	for y := 0; y < 48; y++ {
		for x := 0; x < 64; x++ {
			src.SetNRGBA(x, y, color.NRGBA{R: uint8(x * 4), G: uint8(y * 5), B: uint8(x + y), A: 255})
		}
	}
	img := domain.DecodedImage{Image: src, Format: "png"}
	p := NewPreprocessor(32, 32)

	first, err := p.Preprocess(img)
	if err != nil {
		t.Fatalf("Preprocess() error = %v", err)
	}
	second, err := p.Preprocess(img)
	if err != nil {
		t.Fatalf("Preprocess() error = %v", err)
	}
	if diff := cmp.Diff(first, second); diff != "" {
		t.Fatalf("preprocessing not deterministic (-first +second):\n%s", diff)
	}
}

func TestPreprocessRejectsEmptyImages(t *testing.T) {
	p := NewPreprocessor(0, 0)
	for name, img := range map[string]domain.DecodedImage{
		"nil image":  {},
		"zero width": {Image: image.NewNRGBA(image.Rect(0, 0, 0, 10))},
	} {
		if _, err := p.Preprocess(img); !domain.IsKind(err, domain.ErrShape) {
			t.Fatalf("%s: expected shape error, got %v", name, err)
		}
	}
}

type sizeSourceFake struct {
	height, width int
	ok            bool
}

func (s sizeSourceFake) InputSize() (int, int, bool) { return s.height, s.width, s.ok }

func TestModelSizedPreprocessorFollowsLoadedModel(t *testing.T) {
	img := domain.DecodedImage{Image: solidImage(40, 30, color.NRGBA{R: 10, G: 20, B: 30, A: 255}), Format: "png"}

	tensor, err := NewModelSizedPreprocessor(sizeSourceFake{height: 64, width: 96, ok: true}).Preprocess(img)
	if err != nil {
		t.Fatalf("Preprocess() error = %v", err)
	}
	if diff := cmp.Diff([]int64{1, 64, 96, 3}, tensor.Shape); diff != "" {
		t.Fatalf("shape mismatch (-want +got):\n%s", diff)
	}

	tensor, err = NewModelSizedPreprocessor(sizeSourceFake{}).Preprocess(img)
	if err != nil {
		t.Fatalf("Preprocess() error = %v", err)
	}
	if diff := cmp.Diff([]int64{1, DefaultInputSize, DefaultInputSize, 3}, tensor.Shape); diff != "" {
		t.Fatalf("fallback shape mismatch (-want +got):\n%s", diff)
	}
}
