// Package filter provides adaptive low-pass filtering for noisy per-frame samples.
package filter

import "math"

// OneEuroParams configures a OneEuro filter
type OneEuroParams struct {
	MinCutoff float64 `mapstructure:"min_cutoff" yaml:"min_cutoff"` // Hz, smoothing at rest
	Beta      float64 `mapstructure:"beta" yaml:"beta"`             // cutoff gain per unit of speed
	DCutoff   float64 `mapstructure:"d_cutoff" yaml:"d_cutoff"`     // Hz, derivative smoothing
}

// OneEuro is a speed-adaptive low-pass filter. Slow motion is smoothed
// heavily, fast motion is tracked tightly.
type OneEuro struct {
	params OneEuroParams

	seeded bool
	xPrev  float64
	dxPrev float64
	tPrev  float64
}

// NewOneEuro creates a filter with the given parameters
func NewOneEuro(params OneEuroParams) *OneEuro {
	return &OneEuro{params: params}
}

// Params returns the filter parameters
func (f *OneEuro) Params() OneEuroParams {
	return f.params
}

// SetParams replaces the parameters without touching filter state
func (f *OneEuro) SetParams(params OneEuroParams) {
	f.params = params
}

// Filter smooths x sampled at time t (seconds). The first sample seeds the
// state and is returned unchanged. A sample whose timestamp does not advance
// returns the previous output.
func (f *OneEuro) Filter(x, t float64) float64 {
	if !f.seeded {
		f.seeded = true
		f.xPrev = x
		f.dxPrev = 0
		f.tPrev = t
		return x
	}

	te := t - f.tPrev
	if te <= 0 {
		return f.xPrev
	}

	ad := alpha(te, f.params.DCutoff)
	dx := (x - f.xPrev) / te
	dxHat := ad*dx + (1-ad)*f.dxPrev

	cutoff := f.params.MinCutoff + f.params.Beta*math.Abs(dxHat)
	a := alpha(te, cutoff)
	xHat := a*x + (1-a)*f.xPrev

	f.xPrev = xHat
	f.dxPrev = dxHat
	f.tPrev = t
	return xHat
}

// Value returns the last output and whether the filter has been seeded
func (f *OneEuro) Value() (float64, bool) {
	return f.xPrev, f.seeded
}

// Reset clears all state; the next sample reseeds the filter
func (f *OneEuro) Reset() {
	f.seeded = false
	f.xPrev = 0
	f.dxPrev = 0
	f.tPrev = 0
}

func alpha(te, cutoff float64) float64 {
	r := 2 * math.Pi * cutoff * te
	return r / (r + 1)
}

// ExpDamp returns the blend factor that moves a value toward its target at
// the given speed over dt seconds, independent of frame rate.
func ExpDamp(dt, speed float64) float64 {
	return 1 - math.Exp(-dt*speed)
}
