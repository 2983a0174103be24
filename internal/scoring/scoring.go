// Package scoring computes the deal score, a 0-100 estimate of how likely a
// deal is to close. It is pure: identical inputs always give the same score.
package scoring

import (
	"math"
	"strings"

	"github.com/shopspring/decimal"

	"dealboard/internal/domain"
)

const (
	valueShare    = 0.3
	activityShare = 0.3
)

// Weights parameterises Score. Stage weights are keyed by lower-cased stage
// name.
type Weights struct {
	Stages      map[string]float64
	Default     float64
	ValueMax    decimal.Decimal
	ActivityMax int
	WonStage    string
	LostStage   string
}

// DefaultWeights returns the reference weights.
func DefaultWeights() Weights {
	return Weights{
		Stages: map[string]float64{
			"new":         0.2,
			"qualified":   0.3,
			"proposal":    0.45,
			"negotiation": 0.6,
		},
		Default:     0.3,
		ValueMax:    decimal.NewFromInt(20000),
		ActivityMax: 10,
		WonStage:    "Won",
		LostStage:   "Lost",
	}
}

// StageWeight returns the weight for a stage name, or the default.
func (w Weights) StageWeight(stageName string) float64 {
	if v, ok := w.Stages[strings.ToLower(strings.TrimSpace(stageName))]; ok {
		return v
	}
	return w.Default
}

// Score rates a deal sitting in stageName given its activity log.
func Score(d domain.Deal, stageName string, log []domain.ActivityEntry, w Weights) int {
	switch {
	case w.LostStage != "" && strings.EqualFold(stageName, w.LostStage):
		return 0
	case w.WonStage != "" && strings.EqualFold(stageName, w.WonStage):
		return 100
	}
	raw := w.StageWeight(stageName) + ratio(d.Value, w.ValueMax)*valueShare
	if w.ActivityMax > 0 {
		raw += math.Min(float64(len(log))/float64(w.ActivityMax), 1) * activityShare
	}
	score := int(math.Round(raw * 100))
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

// ratio is value/max clamped to [0, 1].
func ratio(value, max decimal.Decimal) float64 {
	if !max.IsPositive() || !value.IsPositive() {
		return 0
	}
	if value.GreaterThanOrEqual(max) {
		return 1
	}
	f, _ := value.Div(max).Float64()
	return f
}
