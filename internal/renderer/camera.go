// internal/renderer/camera.go
//
// Perspective camera, pointer picking rays and orbit control for avatar viewing
package renderer

import (
	"math"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/go-gl/mathgl/mgl64"
)

// Camera represents a 3D perspective camera
type Camera struct {
	Position mgl64.Vec3
	Target   mgl64.Vec3
	Up       mgl64.Vec3

	// Projection parameters, FOV in degrees
	FOV         float64
	AspectRatio float64
	NearPlane   float64
	FarPlane    float64

	// Cached matrices
	viewMatrix       mgl64.Mat4
	projectionMatrix mgl64.Mat4
	dirty            bool
}

// NewCamera creates a new camera
func NewCamera(position, target, up mgl64.Vec3, fov, aspect, near, far float64) *Camera {
	c := &Camera{
		Position:    position,
		Target:      target,
		Up:          up,
		FOV:         fov,
		AspectRatio: aspect,
		NearPlane:   near,
		FarPlane:    far,
		dirty:       true,
	}
	c.updateMatrices()
	return c
}

// NewPortraitCamera frames a standing avatar's upper body from the front
func NewPortraitCamera(aspect float64) *Camera {
	return NewCamera(
		mgl64.Vec3{0, 1.4, 1.6},
		mgl64.Vec3{0, 1.3, 0},
		mgl64.Vec3{0, 1, 0},
		30.0,
		aspect,
		0.1, 20.0,
	)
}

// ViewMatrix returns the view matrix
func (c *Camera) ViewMatrix() mgl64.Mat4 {
	if c.dirty {
		c.updateMatrices()
	}
	return c.viewMatrix
}

// ProjectionMatrix returns the projection matrix
func (c *Camera) ProjectionMatrix() mgl64.Mat4 {
	if c.dirty {
		c.updateMatrices()
	}
	return c.projectionMatrix
}

// ViewProjection32 returns projection*view narrowed for GL uniforms
func (c *Camera) ViewProjection32() mgl32.Mat4 {
	m := c.ProjectionMatrix().Mul4(c.ViewMatrix())
	var out mgl32.Mat4
	for i := range m {
		out[i] = float32(m[i])
	}
	return out
}

func (c *Camera) updateMatrices() {
	c.viewMatrix = mgl64.LookAtV(c.Position, c.Target, c.Up)
	aspect := c.AspectRatio
	if aspect <= 0 {
		aspect = 1
	}
	c.projectionMatrix = mgl64.Perspective(
		mgl64.DegToRad(c.FOV),
		aspect,
		c.NearPlane,
		c.FarPlane,
	)
	c.dirty = false
}

// SetPosition updates camera position
func (c *Camera) SetPosition(pos mgl64.Vec3) {
	c.Position = pos
	c.dirty = true
}

// SetTarget updates camera target
func (c *Camera) SetTarget(target mgl64.Vec3) {
	c.Target = target
	c.dirty = true
}

// SetFOV updates field of view
func (c *Camera) SetFOV(fov float64) {
	c.FOV = fov
	c.dirty = true
}

// SetAspectRatio updates aspect ratio
func (c *Camera) SetAspectRatio(aspect float64) {
	c.AspectRatio = aspect
	c.dirty = true
}

// Forward returns the direction the camera looks in, in world space
func (c *Camera) Forward() mgl64.Vec3 {
	return c.Target.Sub(c.Position).Normalize()
}

// Right returns the camera's right direction
func (c *Camera) Right() mgl64.Vec3 {
	return c.Forward().Cross(c.Up).Normalize()
}

// Ray returns the picking ray through a point in normalized device
// coordinates, x and y in [-1, 1] with +y up.
func (c *Camera) Ray(ndc mgl64.Vec2) Ray {
	inv := c.ProjectionMatrix().Mul4(c.ViewMatrix()).Inv()

	unproject := func(z float64) mgl64.Vec3 {
		p := inv.Mul4x1(mgl64.Vec4{ndc.X(), ndc.Y(), z, 1})
		if p.W() == 0 {
			return p.Vec3()
		}
		return p.Vec3().Mul(1 / p.W())
	}

	near := unproject(-1)
	far := unproject(1)
	return Ray{Origin: c.Position, Direction: far.Sub(near).Normalize()}
}

// Orbit rotates the camera around the target, angles in degrees
func (c *Camera) Orbit(deltaYaw, deltaPitch float64) {
	relPos := c.Position.Sub(c.Target)
	distance := relPos.Len()
	if distance == 0 {
		return
	}

	theta := math.Atan2(relPos.X(), relPos.Z())
	phi := math.Acos(relPos.Y() / distance)

	theta += mgl64.DegToRad(deltaYaw)
	phi += mgl64.DegToRad(deltaPitch)

	// Clamp pitch to avoid gimbal lock
	phi = math.Max(0.1, math.Min(math.Pi-0.1, phi))

	newPos := mgl64.Vec3{
		math.Sin(phi) * math.Sin(theta),
		math.Cos(phi),
		math.Sin(phi) * math.Cos(theta),
	}.Mul(distance)

	c.Position = c.Target.Add(newPos)
	c.dirty = true
}

// Zoom moves camera toward/away from target
func (c *Camera) Zoom(delta float64) {
	direction := c.Forward()
	distance := c.Position.Sub(c.Target).Len()

	// Prevent getting too close
	if distance-delta < 0.1 {
		delta = distance - 0.1
	}
	c.Position = c.Position.Add(direction.Mul(delta))

	c.dirty = true
}

// Pan moves both position and target
func (c *Camera) Pan(deltaX, deltaY float64) {
	offset := c.Right().Mul(deltaX).Add(c.Up.Mul(deltaY))

	c.Position = c.Position.Add(offset)
	c.Target = c.Target.Add(offset)
	c.dirty = true
}

// =============================================================================
// PICKING
// =============================================================================

// Ray is a half-line in world space
type Ray struct {
	Origin    mgl64.Vec3
	Direction mgl64.Vec3
}

// At returns the point at distance t along the ray
func (r Ray) At(t float64) mgl64.Vec3 {
	return r.Origin.Add(r.Direction.Mul(t))
}

// Plane is the set of points p with Normal·p + Constant = 0
type Plane struct {
	Normal   mgl64.Vec3
	Constant float64
}

// PlaneFromNormalAndPoint builds the plane through point with the given
// normal, which is normalized.
func PlaneFromNormalAndPoint(normal, point mgl64.Vec3) Plane {
	n := normal.Normalize()
	return Plane{Normal: n, Constant: -n.Dot(point)}
}

// Distance returns the signed distance from p to the plane
func (p Plane) Distance(point mgl64.Vec3) float64 {
	return p.Normal.Dot(point) + p.Constant
}

// IntersectPlane returns where the ray meets the plane. The second result is
// false when the ray is parallel to the plane or the plane lies behind it.
func (r Ray) IntersectPlane(p Plane) (mgl64.Vec3, bool) {
	denom := p.Normal.Dot(r.Direction)
	if math.Abs(denom) < 1e-12 {
		if p.Distance(r.Origin) == 0 {
			return r.Origin, true
		}
		return mgl64.Vec3{}, false
	}
	t := -(r.Origin.Dot(p.Normal) + p.Constant) / denom
	if t < 0 {
		return mgl64.Vec3{}, false
	}
	return r.At(t), true
}

// Viewport is the on-screen rectangle the scene is drawn into
type Viewport struct {
	Left, Top     float64
	Width, Height float64
}

// NDC converts a pointer position to normalized device coordinates. The
// second result is false for an empty viewport.
func (v Viewport) NDC(x, y float64) (mgl64.Vec2, bool) {
	if v.Width <= 0 || v.Height <= 0 {
		return mgl64.Vec2{}, false
	}
	return mgl64.Vec2{
		((x-v.Left)/v.Width)*2 - 1,
		-((y-v.Top)/v.Height)*2 + 1,
	}, true
}

// Aspect returns width over height, or 1 for an empty viewport
func (v Viewport) Aspect() float64 {
	if v.Width <= 0 || v.Height <= 0 {
		return 1
	}
	return v.Width / v.Height
}

// =============================================================================
// ORBIT CONTROLLER
// =============================================================================

// OrbitController provides mouse-based orbit camera control
type OrbitController struct {
	camera *Camera

	// Sensitivity
	OrbitSensitivity float64
	ZoomSensitivity  float64
	PanSensitivity   float64

	// State
	lastMouseX float64
	lastMouseY float64
	isOrbiting bool
	isPanning  bool
}

// NewOrbitController creates an orbit controller for a camera
func NewOrbitController(camera *Camera) *OrbitController {
	return &OrbitController{
		camera:           camera,
		OrbitSensitivity: 0.5,
		ZoomSensitivity:  0.1,
		PanSensitivity:   0.01,
	}
}

// ProcessMouse handles mouse input
func (oc *OrbitController) ProcessMouse(x, y float64, leftButton, rightButton, middleButton bool) {
	deltaX := x - oc.lastMouseX
	deltaY := y - oc.lastMouseY

	if leftButton {
		if !oc.isOrbiting {
			oc.isOrbiting = true
		} else {
			oc.camera.Orbit(-deltaX*oc.OrbitSensitivity, -deltaY*oc.OrbitSensitivity)
		}
	} else {
		oc.isOrbiting = false
	}

	if middleButton || rightButton {
		if !oc.isPanning {
			oc.isPanning = true
		} else {
			oc.camera.Pan(-deltaX*oc.PanSensitivity, deltaY*oc.PanSensitivity)
		}
	} else {
		oc.isPanning = false
	}

	oc.lastMouseX = x
	oc.lastMouseY = y
}

// ProcessScroll handles scroll wheel for zoom
func (oc *OrbitController) ProcessScroll(delta float64) {
	oc.camera.Zoom(delta * oc.ZoomSensitivity)
}

// IsDragging reports whether a mouse drag is currently moving the camera
func (oc *OrbitController) IsDragging() bool {
	return oc.isOrbiting || oc.isPanning
}
