package imaging

import (
	"fmt"
	"image/color"

	"github.com/nfnt/resize"

	"github.com/kirillkom/plant-care-assistant/internal/core/domain"
)

const (
	DefaultInputSize = 128
	channels         = 3
)

// Preprocessor resizes a decoded image into a [1, H, W, 3] float32 tensor.
//
// Channel values are the raw 0-255 intensities. The deployed model was trained
// on unscaled pixels, so no 0-1 normalisation is applied here.
type Preprocessor struct {
	width  int
	height int
}

func NewPreprocessor(width, height int) *Preprocessor {
	if width <= 0 {
		width = DefaultInputSize
	}
	if height <= 0 {
		height = DefaultInputSize
	}
	return &Preprocessor{width: width, height: height}
}

func (p *Preprocessor) Preprocess(img domain.DecodedImage) (domain.InputTensor, error) {
	if img.Width() < 1 || img.Height() < 1 {
		return domain.InputTensor{}, domain.WrapError(
			domain.ErrShape,
			"preprocess image",
			fmt.Errorf("decoded image is %dx%d", img.Width(), img.Height()),
		)
	}

	resized := resize.Resize(uint(p.width), uint(p.height), img.Image, resize.Bilinear)
	bounds := resized.Bounds()
	if bounds.Dx() != p.width || bounds.Dy() != p.height {
		return domain.InputTensor{}, domain.WrapError(
			domain.ErrShape,
			"preprocess image",
			fmt.Errorf("resized to %dx%d, want %dx%d", bounds.Dx(), bounds.Dy(), p.width, p.height),
		)
	}

	data := make([]float32, p.height*p.width*channels)
	i := 0
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			px := color.NRGBAModel.Convert(resized.At(x, y)).(color.NRGBA)
			data[i] = float32(px.R)
			data[i+1] = float32(px.G)
			data[i+2] = float32(px.B)
			i += channels
		}
	}

	return domain.InputTensor{
		Shape: []int64{1, int64(p.height), int64(p.width), channels},
		Data:  data,
	}, nil
}

// SizeSource reports the spatial input size of the loaded model, if any.
type SizeSource interface {
	InputSize() (height, width int, ok bool)
}

// ModelSizedPreprocessor resizes to whatever the loaded model expects and falls
// back to the default size while no model is loaded.
type ModelSizedPreprocessor struct {
	source   SizeSource
	fallback *Preprocessor
}

func NewModelSizedPreprocessor(source SizeSource) *ModelSizedPreprocessor {
	return &ModelSizedPreprocessor{source: source, fallback: NewPreprocessor(DefaultInputSize, DefaultInputSize)}
}

func (p *ModelSizedPreprocessor) Preprocess(img domain.DecodedImage) (domain.InputTensor, error) {
	if height, width, ok := p.source.InputSize(); ok {
		return NewPreprocessor(width, height).Preprocess(img)
	}
	return p.fallback.Preprocess(img)
}
