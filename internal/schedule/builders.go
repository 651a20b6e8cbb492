package schedule

import (
	"fmt"
	"math"
)

// Karras builds the n-step schedule of Karras et al. (2022) from sigmaMax
// down to sigmaMin with a terminal 0, n+1 entries in total.
func Karras(n int, sigmaMin, sigmaMax, rho float64) (Schedule, error) {
	if n < 1 {
		return nil, fmt.Errorf("%w: steps %d (must be positive)", ErrInvalid, n)
	}
	if sigmaMin <= 0 || sigmaMax <= sigmaMin {
		return nil, fmt.Errorf("%w: sigma range [%v, %v]", ErrInvalid, sigmaMin, sigmaMax)
	}
	if rho <= 0 {
		return nil, fmt.Errorf("%w: rho %v (must be positive)", ErrInvalid, rho)
	}
	minInv := math.Pow(sigmaMin, 1/rho)
	maxInv := math.Pow(sigmaMax, 1/rho)
	s := make(Schedule, n+1)
	for i := 0; i < n; i++ {
		ramp := 0.0
		if n > 1 {
			ramp = float64(i) / float64(n-1)
		}
		s[i] = float32(math.Pow(maxInv+ramp*(minInv-maxInv), rho))
	}
	s[n] = 0
	return s, nil
}

// FlowShift builds a rectified-flow schedule: n+1 evenly spaced levels from
// 1 to 0, each passed through the exponential time shift
// exp(mu) / (exp(mu) + (1/t - 1)). mu == 0 leaves the levels unshifted.
func FlowShift(n int, mu float64) (Schedule, error) {
	if n < 1 {
		return nil, fmt.Errorf("%w: steps %d (must be positive)", ErrInvalid, n)
	}
	s := make(Schedule, n+1)
	for i := 0; i <= n; i++ {
		t := 1.0 - float64(i)/float64(n)
		if mu != 0 {
			t = timeShift(mu, t)
		}
		s[i] = float32(t)
	}
	return s, nil
}

func timeShift(mu, t float64) float64 {
	if t <= 0 {
		return 0
	}
	expMu := math.Exp(mu)
	return expMu / (expMu + (1.0/t - 1.0))
}

// Linear builds n+1 evenly spaced levels from sigmaMax down to sigmaMin.
func Linear(n int, sigmaMax, sigmaMin float64) (Schedule, error) {
	if n < 1 {
		return nil, fmt.Errorf("%w: steps %d (must be positive)", ErrInvalid, n)
	}
	if sigmaMin < 0 || sigmaMax < sigmaMin {
		return nil, fmt.Errorf("%w: sigma range [%v, %v]", ErrInvalid, sigmaMin, sigmaMax)
	}
	s := make(Schedule, n+1)
	for i := 0; i <= n; i++ {
		s[i] = float32(sigmaMax + float64(i)*(sigmaMin-sigmaMax)/float64(n))
	}
	return s, nil
}
