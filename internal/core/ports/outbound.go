package ports

import (
	"context"

	"github.com/kirillkom/plant-care-assistant/internal/core/domain"
)

// ImageDecoder turns an uploaded blob into a pixel grid.
type ImageDecoder interface {
	Decode(ctx context.Context, blob []byte) (domain.DecodedImage, error)
}

// TensorPreprocessor resizes a decoded image into the model's input tensor.
type TensorPreprocessor interface {
	Preprocess(img domain.DecodedImage) (domain.InputTensor, error)
}

// Classifier predicts a health label for one input tensor.
type Classifier interface {
	Predict(ctx context.Context, tensor domain.InputTensor) (domain.ClassLabel, error)
}

// ModelWarmer starts loading an unloaded model in the background. Classifiers
// that load lazily implement it next to Classifier.
type ModelWarmer interface {
	Warm()
}

// AdvisoryClient requests natural-language care advice.
type AdvisoryClient interface {
	Recommend(ctx context.Context, req domain.RecommendationRequest) (domain.RecommendationResult, error)
}

// CallGuard runs a remote call under a retry/breaker policy.
type CallGuard interface {
	Guard(ctx context.Context, operation string, fn func(context.Context) error) error
}

// EventPublisher broadcasts terminal diagnosis events.
type EventPublisher interface {
	PublishDiagnosis(ctx context.Context, event domain.DiagnosisEvent) error
}

// SpeciesCatalog queries the public species dataset.
type SpeciesCatalog interface {
	Search(ctx context.Context, query string, limit int) ([]domain.SpeciesRecord, error)
}

// PipelineObserver receives every committed state transition of a pipeline.
type PipelineObserver func(snapshot domain.PipelineSnapshot)
