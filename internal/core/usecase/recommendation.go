package usecase

import (
	"fmt"

	"github.com/kirillkom/plant-care-assistant/internal/core/domain"
)

const recommendationPromptTemplate = `Plant identified as %q with soil moisture reading %q is in health state %q.
Provide actionable care guidance for this plant:
1. Watering adjustment for the current moisture reading.
2. Treatment or maintenance steps for the health state.
3. What to monitor over the next 7 days.
Answer in plain text without markdown tables.`

// BuildRecommendationRequest merges the submission fields and the predicted label
// into the advisory payload. It performs no I/O and is deterministic.
func BuildRecommendationRequest(plantName, moistureLevel string, label domain.ClassLabel) domain.RecommendationRequest {
	return domain.RecommendationRequest{
		PlantName:     plantName,
		MoistureLevel: moistureLevel,
		HealthLabel:   label,
		Prompt:        fmt.Sprintf(recommendationPromptTemplate, plantName, moistureLevel, string(label)),
	}
}
