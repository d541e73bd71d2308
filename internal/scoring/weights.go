package scoring

import (
	"encoding/json"
	"fmt"
	"os"
)

// Weights is the externally supplied model configuration. All values are
// validated for presence, not range: operators own the tuning.
type Weights struct {
	VelocityWeight       float64 `json:"velocity_weight"`
	AmountWeight         float64 `json:"amount_weight"`
	StructuringWeight    float64 `json:"structuring_weight"`
	VelocityThreshold1h  float64 `json:"velocity_threshold_1h"`
	StructuringThreshold float64 `json:"structuring_threshold"`
	BaselineRisk         float64 `json:"baseline_risk"`
}

// DefaultWeights returns the fallback configuration used when no weights
// file is available.
func DefaultWeights() Weights {
	return Weights{
		VelocityWeight:       0.8,
		AmountWeight:         0.1,
		StructuringWeight:    0.2,
		VelocityThreshold1h:  8,
		StructuringThreshold: 9500,
		BaselineRisk:         0.1,
	}
}

// LoadWeights reads model weights from a JSON file. A missing or unreadable
// file is not an error: the defaults apply and ok is false so callers can
// log that the engine runs in fallback mode.
func LoadWeights(path string) (w Weights, ok bool, err error) {
	data, readErr := os.ReadFile(path)
	if readErr != nil {
		return DefaultWeights(), false, nil
	}
	if err := json.Unmarshal(data, &w); err != nil {
		return DefaultWeights(), false, fmt.Errorf("parse weights %s: %w", path, err)
	}
	return w, true, nil
}
