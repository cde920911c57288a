package models

import (
	"time"

	"dev.helix.conductor/pkg/api"
)

// ScoreWeights weight the evaluation dimensions when computing the overall
// score. Missing dimensions renormalize over the weights actually present.
type ScoreWeights struct {
	CodeQuality  float64
	Completeness float64
	Security     float64
	Architecture float64
	Testability  float64
}

// DefaultScoreWeights sums to 1.0.
func DefaultScoreWeights() ScoreWeights {
	return ScoreWeights{
		CodeQuality:  0.30,
		Completeness: 0.25,
		Security:     0.20,
		Architecture: 0.15,
		Testability:  0.10,
	}
}

// Evaluation is a scored review of one subtask's output.
type Evaluation struct {
	ID           string               `json:"id"`
	SubtaskID    string               `json:"subtask_id"`
	WorkerID     string               `json:"worker_id,omitempty"`
	Scores       api.EvaluationScores `json:"scores"`
	OverallScore float64              `json:"overall_score"`
	Feedback     string               `json:"feedback,omitempty"`
	CreatedAt    time.Time            `json:"created_at"`
}

// ComputeOverallScore returns the weighted mean over the dimensions present
// in s, renormalized by the present weights; 0 when nothing was scored.
func ComputeOverallScore(s api.EvaluationScores, w ScoreWeights) float64 {
	var sum, weight float64
	add := func(v *float64, wt float64) {
		if v != nil {
			sum += *v * wt
			weight += wt
		}
	}
	add(s.CodeQuality, w.CodeQuality)
	add(s.Completeness, w.Completeness)
	add(s.Security, w.Security)
	add(s.Architecture, w.Architecture)
	add(s.Testability, w.Testability)
	if weight == 0 {
		return 0
	}
	return sum / weight
}
