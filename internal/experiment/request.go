package experiment

import (
	"math"

	"github.com/go-playground/validator/v10"

	"github.com/gkobilansky/cohort/internal/apperr"
)

// CreateRequest describes a new experiment and its variant set.
type CreateRequest struct {
	Name           string           `json:"name" validate:"required,max=200"`
	Description    string           `json:"description" validate:"max=2000"`
	ExperimentType string           `json:"experiment_type" validate:"required,max=64"`
	TargetAudience map[string]any   `json:"target_audience"`
	SuccessMetrics []string         `json:"success_metrics" validate:"dive,required"`
	Configuration  map[string]any   `json:"configuration"`
	CreatedBy      string           `json:"created_by"`
	Variants       []VariantRequest `json:"variants" validate:"required,min=1,dive"`
}

type VariantRequest struct {
	Name              string         `json:"name" validate:"required,max=200"`
	Description       string         `json:"description"`
	TrafficPercentage float64        `json:"traffic_percentage" validate:"gte=0,lte=100"`
	IsControl         bool           `json:"is_control"`
	Configuration     map[string]any `json:"configuration"`
}

// trafficTolerance absorbs float noise such as 33.33 + 33.33 + 33.34.
const trafficTolerance = 0.01

var validate = validator.New()

// Validate checks field constraints, then the variant-set rules: traffic
// must sum to 100 and exactly one variant is the control.
func (r *CreateRequest) Validate() error {
	if err := validate.Struct(r); err != nil {
		return apperr.Validation(err)
	}

	total := 0.0
	controls := 0
	for _, v := range r.Variants {
		total += v.TrafficPercentage
		if v.IsControl {
			controls++
		}
	}

	if math.Abs(total-100) > trafficTolerance {
		return apperr.Invalid("INVALID_TRAFFIC_PERCENTAGES",
			"Total traffic percentage must equal 100%",
			map[string]any{"total_traffic": total})
	}
	switch {
	case controls == 0:
		return apperr.Invalid("MISSING_CONTROL_VARIANT",
			"At least one variant must be marked as control", nil)
	case controls > 1:
		return apperr.Invalid("MULTIPLE_CONTROL_VARIANTS",
			"Exactly one variant may be marked as control",
			map[string]any{"controls": controls})
	}
	return nil
}
