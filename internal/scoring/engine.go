// Package scoring implements the weighted risk model for transaction
// signals.
//
// The engine is a pure function of (history, weights): velocity of recent
// transactions and structuring (amounts kept just under the reporting
// limit) are combined linearly with the configured weights, clamped to
// [0,1], and explained through per-factor contributions.
package scoring

import (
	"math"
	"strconv"
	"time"

	"github.com/aegisfin/aegis/internal/history"
	"github.com/aegisfin/aegis/internal/money"
)

// Reason codes identifying the primary driver of a decision.
const (
	ReasonClear       = "RC_CLEAR"
	ReasonVelocity    = "RC_VELOCITY_EXCEEDED"
	ReasonStructuring = "RC_STRUCTURING_DETECTED"
	ReasonBaseline    = "RC_BASELINE_RISK"
	ReasonNoData      = "NO_DATA"
)

// Contribution keys for the explanation map.
const (
	ContribVelocity    = "VELOCITY_CONTRIBUTION"
	ContribStructuring = "STRUCTURING_CONTRIBUTION"
	ContribBaseline    = "BASELINE_RISK"
	ContribNoData      = "NO_DATA"
)

// velocityWindow is the lookback for the velocity feature.
const velocityWindow = time.Hour

// reportingLimit is the statutory reporting threshold; amounts at or above
// it are reported anyway, so structuring risk only applies below it.
var reportingLimit = mustAmount("10000")

// Assessment is the scoring result for a single transaction signal.
type Assessment struct {
	Score         float64            `json:"score"`
	ReasonCode    string             `json:"reason_code"`
	Contributions map[string]float64 `json:"contributions"`
}

// Engine scores entity histories with a fixed weight set.
type Engine struct {
	weights        Weights
	structuringMin money.Amount
}

// NewEngine creates a scoring engine with the given weights.
func NewEngine(w Weights) *Engine {
	return &Engine{
		weights:        w,
		structuringMin: mustAmount(strconv.FormatFloat(w.StructuringThreshold, 'f', -1, 64)),
	}
}

// Weights returns the engine's configuration.
func (e *Engine) Weights() Weights {
	return e.weights
}

// PredictRisk scores a transaction window (oldest-first, the transaction
// under evaluation last). Entries with a zero timestamp fall outside the
// velocity window; a zero amount simply scores no structuring risk, so a
// malformed observation degrades the features instead of failing the call.
func (e *Engine) PredictRisk(window []history.Txn, now time.Time) *Assessment {
	if len(window) == 0 {
		return &Assessment{
			Score:         round4(e.weights.BaselineRisk),
			ReasonCode:    ReasonNoData,
			Contributions: map[string]float64{ContribNoData: 1.0},
		}
	}

	latest := window[len(window)-1]

	velocityScore := e.velocityScore(window, now)
	structuringScore := e.structuringScore(latest.Amount)

	velocityContrib := velocityScore * e.weights.VelocityWeight
	structuringContrib := structuringScore * e.weights.StructuringWeight

	total := e.weights.BaselineRisk + velocityContrib + structuringContrib
	total = math.Min(math.Max(total, 0), 1)

	reason := ReasonClear
	if total > 0.5 {
		switch {
		case velocityContrib > structuringContrib:
			reason = ReasonVelocity
		case structuringScore > 0:
			reason = ReasonStructuring
		default:
			reason = ReasonBaseline
		}
	}

	return &Assessment{
		Score:      round4(total),
		ReasonCode: reason,
		Contributions: map[string]float64{
			ContribVelocity:    round3(velocityContrib),
			ContribStructuring: round3(structuringContrib),
			ContribBaseline:    e.weights.BaselineRisk,
		},
	}
}

// velocityScore counts transactions inside the lookback window and
// normalizes linearly, saturating at 1.0 once count reaches twice the
// configured hourly threshold.
func (e *Engine) velocityScore(window []history.Txn, now time.Time) float64 {
	count := 0
	for _, txn := range window {
		if txn.Timestamp.IsZero() {
			continue
		}
		if age := now.Sub(txn.Timestamp); age >= 0 && age < velocityWindow {
			count++
		}
	}

	threshold := e.weights.VelocityThreshold1h
	if threshold <= 0 {
		threshold = DefaultWeights().VelocityThreshold1h
	}

	raw := float64(count) / (threshold * 2)
	return math.Min(raw, 1.0)
}

// structuringScore flags amounts held just under the reporting limit.
// The comparison is exact decimal: 9499.99 is clean, 9500.00 is not.
func (e *Engine) structuringScore(amount money.Amount) float64 {
	if amount.GTE(e.structuringMin) && amount.LT(reportingLimit) {
		return 1.0
	}
	return 0.0
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}

func mustAmount(s string) money.Amount {
	a, ok := money.Parse(s)
	if !ok {
		panic("scoring: invalid amount literal " + s)
	}
	return a
}
