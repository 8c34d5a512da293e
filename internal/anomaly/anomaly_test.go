package anomaly

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metronome-io/metronome/internal/pulse"
)

func TestDetectIQR_ExactBounds(t *testing.T) {
	values := []any{1.0, 2.0, 3.0, 4.0, 100.0}

	result := DetectIQR(values)

	// Quantiles by linear interpolation over 5 values: q1=2, q3=4.
	assert.InDelta(t, 2.0, result.Thresholds["q1"], 1e-9)
	assert.InDelta(t, 4.0, result.Thresholds["q3"], 1e-9)
	assert.InDelta(t, 2.0, result.Thresholds["iqr"], 1e-9)
	assert.InDelta(t, -1.0, result.Thresholds["lower_bound"], 1e-9)
	assert.InDelta(t, 7.0, result.Thresholds["upper_bound"], 1e-9)

	assert.Equal(t, []int{4}, result.Indices)
	assert.Equal(t, 1, result.Count)
	assert.Equal(t, MethodIQR, result.Method)
}

func TestDetectIQR_TooFewValues(t *testing.T) {
	result := DetectIQR([]any{1.0, 2.0, 3.0})

	assert.Empty(t, result.Indices)
	assert.Zero(t, result.Count)
	assert.Empty(t, result.Thresholds)
}

func TestDetectIQR_IndicesCountNulls(t *testing.T) {
	values := []any{nil, 1.0, nil, 2.0, 3.0, 4.0, 100.0}

	result := DetectIQR(values)

	// The outlier sits at position 6 of the original column.
	assert.Equal(t, []int{6}, result.Indices)
}

func TestDetectZScore_FlagsOutlier(t *testing.T) {
	// With a sample standard deviation, the z-score of a lone outlier is
	// capped at (n-1)/sqrt(n); eleven values push it past the 3.0 cutoff.
	values := []any{10.0, 10.0, 10.0, 10.0, 10.0, 10.0, 10.0, 10.0, 10.0, 10.0, 1000.0}

	result := DetectZScore(values, DefaultZScoreThreshold)

	assert.Equal(t, []int{10}, result.Indices)
	assert.Equal(t, 1, result.Count)
	assert.Equal(t, DefaultZScoreThreshold, result.Thresholds["z_score_threshold"])
}

func TestDetectZScore_ZeroVariance(t *testing.T) {
	values := []any{5.0, 5.0, 5.0, 5.0}

	result := DetectZScore(values, DefaultZScoreThreshold)

	assert.Empty(t, result.Indices)
	assert.Zero(t, result.Count)
	assert.Equal(t, 0.0, result.Thresholds["std"])
}

func TestDetectZScore_TooFewValues(t *testing.T) {
	result := DetectZScore([]any{42.0}, DefaultZScoreThreshold)

	assert.Empty(t, result.Indices)
	assert.Empty(t, result.Thresholds)
}

func TestDetect_IsolationForestNotImplemented(t *testing.T) {
	result, err := Detect(MethodIsolationForest, []any{1.0, 2.0, 3.0, 4.0, 100.0})

	require.NoError(t, err)
	assert.Empty(t, result.Indices)
	assert.Zero(t, result.Count)
	assert.Equal(t, MethodIsolationForest, result.Method)
	assert.Equal(t, "Isolation Forest detection not yet implemented", result.Note)
}

func TestDetect_UnknownMethod(t *testing.T) {
	_, err := Detect("dbscan", []any{1.0})

	require.Error(t, err)
	assert.ErrorIs(t, err, pulse.ErrValidation)
	assert.Contains(t, err.Error(), "dbscan")
}

func TestDetect_DispatchesByName(t *testing.T) {
	values := []any{1.0, 2.0, 3.0, 4.0, 100.0}

	iqr, err := Detect(MethodIQR, values)
	require.NoError(t, err)
	assert.Equal(t, MethodIQR, iqr.Method)

	zscore, err := Detect(MethodZScore, values)
	require.NoError(t, err)
	assert.Equal(t, MethodZScore, zscore.Method)
}
