package profile

import (
	"math"
	"sort"
)

// Mean returns the arithmetic mean of values. Zero for an empty slice.
func Mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}

	var sum float64
	for _, v := range values {
		sum += v
	}

	return sum / float64(len(values))
}

// SampleStdDev returns the sample standard deviation (n-1 denominator).
// It returns 0 when fewer than two values are given.
func SampleStdDev(values []float64) float64 {
	n := len(values)
	if n < 2 {
		return 0
	}

	mean := Mean(values)

	var sum float64

	for _, v := range values {
		d := v - mean
		sum += d * d
	}

	return math.Sqrt(sum / float64(n-1))
}

// Quantile returns the q-th quantile (0..1) of sorted values using linear
// interpolation between closest ranks. The input must be sorted ascending.
func Quantile(sorted []float64, q float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}

	if n == 1 {
		return sorted[0]
	}

	pos := q * float64(n-1)
	lower := int(math.Floor(pos))
	upper := int(math.Ceil(pos))

	if lower == upper {
		return sorted[lower]
	}

	frac := pos - float64(lower)

	return sorted[lower] + frac*(sorted[upper]-sorted[lower])
}

// Median returns the middle value of sorted values (linear interpolation
// for even counts). The input must be sorted ascending.
func Median(sorted []float64) float64 {
	return Quantile(sorted, 0.5)
}

// Skewness returns the bias-corrected sample skewness (the adjusted
// Fisher-Pearson estimator). It returns false when fewer than three values
// are given or the variance is zero.
func Skewness(values []float64) (float64, bool) {
	n := float64(len(values))
	if n < 3 {
		return 0, false
	}

	mean := Mean(values)

	var m2, m3 float64

	for _, v := range values {
		d := v - mean
		m2 += d * d
		m3 += d * d * d
	}

	m2 /= n
	m3 /= n

	if m2 == 0 {
		return 0, false
	}

	g1 := m3 / math.Pow(m2, 1.5)
	adj := math.Sqrt(n*(n-1)) / (n - 2)

	return adj * g1, true
}

// Kurtosis returns the bias-corrected sample excess kurtosis. It returns
// false when fewer than four values are given or the variance is zero.
func Kurtosis(values []float64) (float64, bool) {
	n := float64(len(values))
	if n < 4 {
		return 0, false
	}

	mean := Mean(values)
	std := SampleStdDev(values)

	if std == 0 {
		return 0, false
	}

	var sum float64

	for _, v := range values {
		z := (v - mean) / std
		sum += z * z * z * z
	}

	term := n * (n + 1) / ((n - 1) * (n - 2) * (n - 3))
	correction := 3 * (n - 1) * (n - 1) / ((n - 2) * (n - 3))

	return term*sum - correction, true
}

// sortedCopy returns values sorted ascending without mutating the input.
func sortedCopy(values []float64) []float64 {
	out := make([]float64, len(values))
	copy(out, values)
	sort.Float64s(out)

	return out
}
