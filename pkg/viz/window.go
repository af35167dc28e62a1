package viz

import "math"

// BlackmanWindow returns the n-point Blackman taper.
func BlackmanWindow(n int) []float64 {
	ret := make([]float64, n)
	if n == 1 {
		ret[0] = 1
		return ret
	}
	m := float64(n - 1)
	for i := 0; i < n; i++ {
		fi := float64(i)
		ret[i] = 0.42 - 0.5*math.Cos(2*math.Pi*fi/m) + 0.08*math.Cos(4*math.Pi*fi/m)
	}
	return ret
}
