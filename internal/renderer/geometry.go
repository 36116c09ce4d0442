// internal/renderer/geometry.go
//
// Line geometry for the skeleton view and the control overlay
package renderer

import (
	"github.com/go-gl/mathgl/mgl32"

	"github.com/normanking/cortexrig/internal/rig"
)

// FloatsPerVertex is position (3) followed by color (3)
const FloatsPerVertex = 6

var (
	boneColor    = mgl32.Vec3{0.55, 0.75, 1.0}
	humanColor   = mgl32.Vec3{1.0, 0.7, 0.35}
	barBackColor = mgl32.Vec3{0.25, 0.25, 0.3}
	barColor     = mgl32.Vec3{0.4, 0.9, 0.55}
)

func appendVertex(dst []float32, p, c mgl32.Vec3) []float32 {
	return append(dst, p[0], p[1], p[2], c[0], c[1], c[2])
}

// SkeletonLines returns one line segment per parent-child pair in the model
// scene, in world space, using the world matrices of the last commit. Bones
// bound to a humanoid role are highlighted. The scene root is skipped.
func SkeletonLines(m *rig.Model) []float32 {
	if m == nil || m.Scene == nil {
		return nil
	}

	human := make(map[*rig.Node]bool)
	if m.Humanoid != nil {
		for _, role := range m.Humanoid.Roles() {
			if n := m.Humanoid.RawBone(role); n != nil {
				human[n] = true
			}
		}
	}

	var out []float32
	m.Scene.Traverse(func(n *rig.Node) {
		p := n.Parent()
		if p == nil || p == m.Scene {
			return
		}
		color := boneColor
		if human[n] && human[p] {
			color = humanColor
		}
		out = appendVertex(out, worldPoint(p), color)
		out = appendVertex(out, worldPoint(n), color)
	})
	return out
}

func worldPoint(n *rig.Node) mgl32.Vec3 {
	t := n.CachedWorld().Col(3)
	return mgl32.Vec3{float32(t[0]), float32(t[1]), float32(t[2])}
}

// ControlBars lays out up to maxBars controls as horizontal bars in
// normalized device coordinates, stacked down the left edge. Each bar is a
// background line and a foreground line whose length is the control's
// position within its range. Controls without a range use [0, 1].
func ControlBars(c *rig.Controls, maxBars int) []float32 {
	if c == nil || maxBars <= 0 {
		return nil
	}
	n := c.Len()
	if n > maxBars {
		n = maxBars
	}

	const (
		left   = -0.95
		width  = 0.5
		top    = 0.95
		step   = 0.04
		zDepth = 0
	)

	var out []float32
	for i := 0; i < n; i++ {
		spec := c.Spec(i)
		lo, hi := spec.Min, spec.Max
		if lo >= hi {
			lo, hi = 0, 1
		}
		t := (c.ValueAt(i) - lo) / (hi - lo)
		if t < 0 {
			t = 0
		} else if t > 1 {
			t = 1
		}

		y := float32(top - float64(i)*step)
		out = appendVertex(out, mgl32.Vec3{left, y, zDepth}, barBackColor)
		out = appendVertex(out, mgl32.Vec3{left + width, y, zDepth}, barBackColor)
		if t > 0 {
			out = appendVertex(out, mgl32.Vec3{left, y, zDepth}, barColor)
			out = appendVertex(out, mgl32.Vec3{left + float32(t*width), y, zDepth}, barColor)
		}
	}
	return out
}
