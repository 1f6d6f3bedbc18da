package detect

import "math"

// meanStdDev computes the mean and sample standard deviation of the values.
// Sample (n-1) deviation keeps thresholds slightly conservative on short
// windows. Returns (0, 0) for fewer than two values.
func meanStdDev(values []float64) (mean, stddev float64) {
	n := len(values)
	if n == 0 {
		return 0, 0
	}

	var sum float64
	for _, v := range values {
		sum += v
	}
	mean = sum / float64(n)

	if n < 2 {
		return mean, 0
	}

	var sq float64
	for _, v := range values {
		d := v - mean
		sq += d * d
	}
	stddev = math.Sqrt(sq / float64(n-1))
	return mean, stddev
}
