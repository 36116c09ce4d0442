// Package clip plays skeletal animation clips on an avatar: keyframe tracks,
// a blending mixer with crossfades, and a playback state machine that
// resolves which part of the scene a clip was authored against.
package clip

import (
	"errors"
	"math"
	"sort"
	"strings"

	"github.com/go-gl/mathgl/mgl64"
)

var (
	// ErrNoTracks is returned for clips with no track matching the avatar
	ErrNoTracks = errors.New("clip: no matching bones")
	// ErrNoAnimations is returned for files without humanoid animation data
	ErrNoAnimations = errors.New("clip: file has no VRM animation data")
	// ErrNoModel is returned when playback is requested without an avatar
	ErrNoModel = errors.New("clip: no model loaded")
)

// Track property suffixes
const (
	PropQuaternion = "quaternion"
	PropPosition   = "position"
	PropWeight     = "weight"
)

// Interpolation selects how values between keyframes are computed
type Interpolation int

const (
	InterpolateLinear Interpolation = iota
	InterpolateStep
	InterpolateCubicSpline
)

// Track is a keyframed property. Name is "<target>.<property>" where target
// is a node name, or a control name for weight tracks.
type Track struct {
	Name          string
	Times         []float64
	Values        []float64
	Interpolation Interpolation
}

// SplitTrackName returns the target and property of a track name. The
// target is the text before the first '.'.
func SplitTrackName(name string) (target, property string) {
	target, property, _ = strings.Cut(name, ".")
	return target, property
}

// Target returns the node or control the track animates
func (t *Track) Target() string {
	target, _ := SplitTrackName(t.Name)
	return target
}

// Property returns the animated property
func (t *Track) Property() string {
	_, prop := SplitTrackName(t.Name)
	return prop
}

// Width returns the number of components per keyframe
func (t *Track) Width() int {
	switch t.Property() {
	case PropQuaternion:
		return 4
	case PropPosition:
		return 3
	default:
		return 1
	}
}

// Duration returns the time of the last keyframe
func (t *Track) Duration() float64 {
	if len(t.Times) == 0 {
		return 0
	}
	return t.Times[len(t.Times)-1]
}

func (t *Track) stride() int {
	if t.Interpolation == InterpolateCubicSpline {
		return t.Width() * 3
	}
	return t.Width()
}

// valid reports whether the value buffer matches the keyframe count
func (t *Track) valid() bool {
	return len(t.Times) > 0 && len(t.Values) >= len(t.Times)*t.stride()
}

// key returns the value of keyframe i
func (t *Track) key(i int) []float64 {
	w := t.Width()
	s := t.stride()
	off := i * s
	if t.Interpolation == InterpolateCubicSpline {
		off += w
	}
	return t.Values[off : off+w]
}

// Sample writes the value at time at into out, which must hold Width
// values. Times outside the keyframe range clamp to the first or last key.
func (t *Track) Sample(at float64, out []float64) {
	n := len(t.Times)
	if n == 0 {
		return
	}
	if at <= t.Times[0] || n == 1 {
		copy(out, t.key(0))
		return
	}
	if at >= t.Times[n-1] {
		copy(out, t.key(n-1))
		return
	}

	i := sort.SearchFloat64s(t.Times, at)
	if t.Times[i] == at {
		copy(out, t.key(i))
		return
	}
	i0, i1 := i-1, i
	t0, t1 := t.Times[i0], t.Times[i1]
	span := t1 - t0
	u := (at - t0) / span

	switch t.Interpolation {
	case InterpolateStep:
		copy(out, t.key(i0))
	case InterpolateCubicSpline:
		t.hermite(i0, i1, u, span, out)
	default:
		a, b := t.key(i0), t.key(i1)
		if t.Width() == 4 {
			q := slerp(quatFrom(a), quatFrom(b), u)
			quatTo(q, out)
			return
		}
		for k := range out[:t.Width()] {
			out[k] = a[k] + (b[k]-a[k])*u
		}
	}
}

// hermite evaluates a glTF cubic spline segment
func (t *Track) hermite(i0, i1 int, u, span float64, out []float64) {
	w := t.Width()
	s := t.stride()
	p0 := t.Values[i0*s+w : i0*s+2*w]
	m0 := t.Values[i0*s+2*w : i0*s+3*w]
	m1 := t.Values[i1*s : i1*s+w]
	p1 := t.Values[i1*s+w : i1*s+2*w]

	u2 := u * u
	u3 := u2 * u
	h00 := 2*u3 - 3*u2 + 1
	h10 := u3 - 2*u2 + u
	h01 := -2*u3 + 3*u2
	h11 := u3 - u2
	for k := 0; k < w; k++ {
		out[k] = h00*p0[k] + h10*span*m0[k] + h01*p1[k] + h11*span*m1[k]
	}
	if w == 4 {
		quatTo(quatFrom(out).Normalize(), out)
	}
}

// Clip is a named set of tracks
type Clip struct {
	Name     string
	Duration float64
	Tracks   []Track
}

// NewClip creates a clip whose duration is its longest track. Tracks whose
// value buffers do not match their keyframes are dropped.
func NewClip(name string, tracks []Track) *Clip {
	c := &Clip{Name: name}
	for _, tr := range tracks {
		if !tr.valid() {
			continue
		}
		c.Tracks = append(c.Tracks, tr)
		c.Duration = math.Max(c.Duration, tr.Duration())
	}
	return c
}

// Clone returns a deep copy whose track names may be rewritten freely
func (c *Clip) Clone() *Clip {
	out := &Clip{Name: c.Name, Duration: c.Duration, Tracks: make([]Track, len(c.Tracks))}
	copy(out.Tracks, c.Tracks)
	return out
}

// StripTrackPrefix removes prefix from every track target that carries it
func (c *Clip) StripTrackPrefix(prefix string) {
	for i := range c.Tracks {
		c.Tracks[i].Name = strings.TrimPrefix(c.Tracks[i].Name, prefix)
	}
}

func quatFrom(v []float64) mgl64.Quat {
	return mgl64.Quat{W: v[3], V: mgl64.Vec3{v[0], v[1], v[2]}}
}

func quatTo(q mgl64.Quat, out []float64) {
	out[0], out[1], out[2], out[3] = q.V[0], q.V[1], q.V[2], q.W
}

// slerp interpolates along the shorter arc
func slerp(a, b mgl64.Quat, u float64) mgl64.Quat {
	cos := a.Dot(b)
	if cos < 0 {
		b = b.Scale(-1)
		cos = -cos
	}
	if cos > 0.9995 {
		return mgl64.Quat{
			W: a.W + (b.W-a.W)*u,
			V: a.V.Add(b.V.Sub(a.V).Mul(u)),
		}.Normalize()
	}
	theta := math.Acos(cos)
	sin := math.Sin(theta)
	wa := math.Sin((1-u)*theta) / sin
	wb := math.Sin(u*theta) / sin
	return mgl64.Quat{
		W: a.W*wa + b.W*wb,
		V: a.V.Mul(wa).Add(b.V.Mul(wb)),
	}
}
