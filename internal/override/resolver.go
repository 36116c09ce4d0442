// Package override reconciles user-authored control values with whatever the
// animation and physics systems produced this frame.
package override

import "math"

// DefaultEpsilon is the smallest per-frame change treated as motion
const DefaultEpsilon = 0.001

// ControlWriter is the control surface the stack writes through.
// Index is a capability query: absence is reported, never raised.
type ControlWriter interface {
	Index(name string) (int, bool)
	ValueAt(i int) float64
	DefaultAt(i int) float64
	SetAt(i int, v float64)
}

// Resolve decides the committed value of one control. When the control moved
// by more than epsilon during the update it is being driven, and the desired
// bias is added on top of the driven value. Otherwise the desired value is
// written as is, so idle frames never accumulate offsets.
func Resolve(pre, post, desired, def, epsilon float64) float64 {
	if math.Abs(post-pre) > epsilon {
		return post + (desired - def)
	}
	return desired
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
