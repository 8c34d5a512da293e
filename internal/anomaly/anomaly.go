// Package anomaly flags statistical outliers in profiled columns.
//
// Detection methods are selected by name. Every method returns the same
// Result shape so callers can treat them uniformly; a method that cannot
// run (too few values) returns an empty Result, not an error.
package anomaly

import (
	"fmt"
	"sort"

	"github.com/metronome-io/metronome/internal/profile"
	"github.com/metronome-io/metronome/internal/pulse"
)

// Detection method names.
const (
	MethodIQR             = "iqr"
	MethodZScore          = "zscore"
	MethodIsolationForest = "isolation_forest"
)

// Minimum non-null sample sizes per method.
const (
	minSamplesIQR    = 4
	minSamplesZScore = 2
)

// DefaultZScoreThreshold is the standard-deviation distance beyond which a
// value is flagged by the z-score method.
const DefaultZScoreThreshold = 3.0

// notImplementedNote marks the reserved model-based method. It must stay a
// distinguishable result, never a silent fallback to another method.
const notImplementedNote = "Isolation Forest detection not yet implemented"

// Result is the shared outcome shape of every detection method.
type Result struct {
	// Indices are the positions of anomalous values in the input column,
	// counting nulls.
	Indices []int `json:"anomalies"`

	Count      int                `json:"anomaly_count"`
	Method     string             `json:"method"`
	Thresholds map[string]float64 `json:"thresholds"`
	Note       string             `json:"note,omitempty"`
}

// Detect runs the named method over a raw column. Nulls and non-numeric
// values are ignored; reported indices refer to positions in the original
// column. An unknown method name is a configuration error.
func Detect(method string, values []any) (Result, error) {
	switch method {
	case MethodIQR:
		return DetectIQR(values), nil
	case MethodZScore:
		return DetectZScore(values, DefaultZScoreThreshold), nil
	case MethodIsolationForest:
		return Result{
			Indices:    []int{},
			Method:     MethodIsolationForest,
			Thresholds: map[string]float64{},
			Note:       notImplementedNote,
		}, nil
	default:
		return Result{}, fmt.Errorf("%w: unknown anomaly detection method %q", pulse.ErrValidation, method)
	}
}

// DetectIQR flags values outside [q1 - 1.5*iqr, q3 + 1.5*iqr]. Fewer than
// four non-null values yield an empty result with no thresholds.
func DetectIQR(values []any) Result {
	numbers, indices := cleanColumn(values)

	result := Result{
		Indices:    []int{},
		Method:     MethodIQR,
		Thresholds: map[string]float64{},
	}

	if len(numbers) < minSamplesIQR {
		return result
	}

	sorted := make([]float64, len(numbers))
	copy(sorted, numbers)
	sort.Float64s(sorted)

	q1 := profile.Quantile(sorted, 0.25)
	q3 := profile.Quantile(sorted, 0.75)
	iqr := q3 - q1
	lower := q1 - 1.5*iqr
	upper := q3 + 1.5*iqr

	for i, v := range numbers {
		if v < lower || v > upper {
			result.Indices = append(result.Indices, indices[i])
		}
	}

	result.Count = len(result.Indices)
	result.Thresholds = map[string]float64{
		"lower_bound": lower,
		"upper_bound": upper,
		"q1":          q1,
		"q3":          q3,
		"iqr":         iqr,
	}

	return result
}

// DetectZScore flags values further than threshold standard deviations
// from the mean. Fewer than two non-null values yield an empty result; a
// zero-variance column yields no anomalies rather than a division error.
func DetectZScore(values []any, threshold float64) Result {
	numbers, indices := cleanColumn(values)

	result := Result{
		Indices:    []int{},
		Method:     MethodZScore,
		Thresholds: map[string]float64{},
	}

	if len(numbers) < minSamplesZScore {
		return result
	}

	if threshold <= 0 {
		threshold = DefaultZScoreThreshold
	}

	mean := profile.Mean(numbers)
	std := profile.SampleStdDev(numbers)

	if std > 0 {
		for i, v := range numbers {
			z := (v - mean) / std
			if z < 0 {
				z = -z
			}

			if z > threshold {
				result.Indices = append(result.Indices, indices[i])
			}
		}
	}

	result.Count = len(result.Indices)
	result.Thresholds = map[string]float64{
		"z_score_threshold": threshold,
		"mean":              mean,
		"std":               std,
	}

	return result
}

// cleanColumn drops nulls and non-numeric values, keeping the original
// positions alongside the converted numbers.
func cleanColumn(values []any) ([]float64, []int) {
	numbers := make([]float64, 0, len(values))
	indices := make([]int, 0, len(values))

	for i, v := range values {
		if v == nil {
			continue
		}

		n, ok := profile.ToFloat(v)
		if !ok {
			continue
		}

		numbers = append(numbers, n)
		indices = append(indices, i)
	}

	return numbers, indices
}
