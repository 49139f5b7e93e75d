package domain

import "image"

// DiagnosisInput is one user submission: exactly one image plus the two scalar fields.
type DiagnosisInput struct {
	PlantName     string `json:"plant_name"`
	MoistureLevel string `json:"moisture_level"`
	Image         []byte `json:"-"`
}

// DecodedImage is the pixel grid produced by decoding; it lives only inside the preprocessing stage.
type DecodedImage struct {
	Image  image.Image
	Format string
}

func (d DecodedImage) Width() int {
	if d.Image == nil {
		return 0
	}
	return d.Image.Bounds().Dx()
}

func (d DecodedImage) Height() int {
	if d.Image == nil {
		return 0
	}
	return d.Image.Bounds().Dy()
}

// InputTensor is a dense NHWC float32 tensor with a leading batch dimension of 1.
type InputTensor struct {
	Shape []int64
	Data  []float32
}

// Elements returns the element count implied by Shape.
func (t InputTensor) Elements() int {
	if len(t.Shape) == 0 {
		return 0
	}
	n := 1
	for _, dim := range t.Shape {
		n *= int(dim)
	}
	return n
}

// ClassLabel is one entry of the model's ordered label table.
type ClassLabel string

// RecommendationRequest is the only payload shape accepted by the advisory endpoint.
type RecommendationRequest struct {
	PlantName     string     `json:"plantName"`
	MoistureLevel string     `json:"moistureLevel"`
	HealthLabel   ClassLabel `json:"healthLabel"`
	Prompt        string     `json:"prompt"`
}

type RecommendationResult struct {
	Text string `json:"text"`
}
