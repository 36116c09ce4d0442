// Package tracker turns pointer movement into a smoothed gaze target and an
// additive neck/head turn layered on top of whatever the animation produced.
package tracker

import (
	"math"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/rs/zerolog"

	"github.com/normanking/cortexrig/internal/filter"
	"github.com/normanking/cortexrig/internal/renderer"
	"github.com/normanking/cortexrig/internal/rig"
)

const (
	minDirLengthSq = 0.001
	minWeight      = 0.001
	minAngle       = 1e-6
)

// Surface reports the on-screen rectangle the avatar is drawn into
type Surface interface {
	Viewport() renderer.Viewport
}

// Playback reports what the clip player is doing
type Playback interface {
	// ActionPlaying is true while a one-shot clip is running
	ActionPlaying() bool
	// IdlePlaying is true while the looping idle clip is running
	IdlePlaying() bool
}

// DragState reports whether the user is dragging or orbiting the view
type DragState interface {
	IsDragging() bool
}

// DragFunc adapts a function to DragState
type DragFunc func() bool

// IsDragging calls f
func (f DragFunc) IsDragging() bool { return f() }

// offset is a bone rotation before and after the head turn was applied
type offset struct {
	base, written mgl64.Quat
}

// Tracker follows the pointer with two channels: the eye target, updated
// before the animation update, and the head turn, applied after it.
type Tracker struct {
	cfg     Config
	camera  *renderer.Camera
	surface Surface
	logger  zerolog.Logger

	model    *rig.Model
	playback Playback
	drag     DragState

	pointerX, pointerY float64
	hasPointer         bool
	headEnabled        bool

	eyeFilterX, eyeFilterY     *filter.OneEuro
	headFilterYaw, headFilterP *filter.OneEuro

	eyeTarget     mgl64.Vec3
	desiredTarget mgl64.Vec3

	// offsets remembers the turn written onto each bone last frame
	offsets map[*rig.Node]offset

	headYaw, headPitch float64
	weight             float64
	targetWeight       float64
	elapsed            float64
	forwardSign        float64
}

// New creates a tracker that projects through camera onto surface
func New(cfg Config, camera *renderer.Camera, surface Surface, logger zerolog.Logger) *Tracker {
	return &Tracker{
		cfg:           cfg,
		camera:        camera,
		surface:       surface,
		logger:        logger.With().Str("component", "tracker").Logger(),
		headEnabled:   true,
		eyeFilterX:    filter.NewOneEuro(cfg.EyeFilter),
		eyeFilterY:    filter.NewOneEuro(cfg.EyeFilter),
		headFilterYaw: filter.NewOneEuro(cfg.HeadFilter),
		headFilterP:   filter.NewOneEuro(cfg.HeadFilter),
		weight:        1,
		targetWeight:  1,
		forwardSign:   1,
		offsets:       make(map[*rig.Node]offset),
	}
}

// SetConfig replaces the tuning. Filter state is kept so a live retune
// does not jump.
func (t *Tracker) SetConfig(cfg Config) {
	t.cfg = cfg
	t.eyeFilterX.SetParams(cfg.EyeFilter)
	t.eyeFilterY.SetParams(cfg.EyeFilter)
	t.headFilterYaw.SetParams(cfg.HeadFilter)
	t.headFilterP.SetParams(cfg.HeadFilter)
}

// SetPlayback wires the clip player used for head weighting
func (t *Tracker) SetPlayback(p Playback) {
	t.playback = p
}

// SetDragState wires the drag source used for head weighting
func (t *Tracker) SetDragState(d DragState) {
	t.drag = d
}

// Bind attaches the tracker to a model and resets all tracking state
func (t *Tracker) Bind(m *rig.Model) {
	t.model = m
	t.Reset()
}

// Model returns the bound model, or nil
func (t *Tracker) Model() *rig.Model {
	return t.model
}

// PointerMove records the latest pointer position in client coordinates
func (t *Tracker) PointerMove(x, y float64) {
	t.pointerX, t.pointerY = x, y
	t.hasPointer = true
}

// HasPointer reports whether any pointer input arrived since creation
func (t *Tracker) HasPointer() bool {
	return t.hasPointer
}

// EyeTarget returns the damped world-space gaze target
func (t *Tracker) EyeTarget() mgl64.Vec3 {
	return t.eyeTarget
}

// HeadAngles returns the running yaw and pitch in radians
func (t *Tracker) HeadAngles() (yaw, pitch float64) {
	return t.headYaw, t.headPitch
}

// Weight returns the current head influence
func (t *Tracker) Weight() float64 {
	return t.weight
}

// TargetWeight returns the influence the weight is moving toward
func (t *Tracker) TargetWeight() float64 {
	return t.targetWeight
}

// HeadTrackingEnabled reports whether the head channel runs
func (t *Tracker) HeadTrackingEnabled() bool {
	return t.headEnabled
}

// SetHeadTrackingEnabled suspends or resumes the head channel. Resuming
// starts the head filters from scratch.
func (t *Tracker) SetHeadTrackingEnabled(enabled bool) {
	if enabled && !t.headEnabled {
		t.headFilterYaw.Reset()
		t.headFilterP.Reset()
		t.headYaw, t.headPitch = 0, 0
	}
	t.headEnabled = enabled
}

// UpdateTarget advances the eye channel. It runs before the animation update
// and does nothing until the first pointer event.
func (t *Tracker) UpdateTarget(dt float64) {
	if t.model == nil || !t.hasPointer {
		return
	}

	t.elapsed += dt

	if t.camera == nil || t.surface == nil {
		return
	}

	headPos := t.model.HeadPosition()

	ndc, ok := t.surface.Viewport().NDC(t.pointerX, t.pointerY)
	if !ok {
		return
	}

	fx := t.eyeFilterX.Filter(ndc.X(), t.elapsed)
	fy := t.eyeFilterY.Filter(ndc.Y(), t.elapsed)

	ray := t.camera.Ray(mgl64.Vec2{fx, fy})
	plane := renderer.PlaneFromNormalAndPoint(t.camera.Forward().Mul(-1), headPos)
	if hit, ok := ray.IntersectPlane(plane); ok {
		t.desiredTarget = hit
	}

	alpha := filter.ExpDamp(dt, t.cfg.EyeSmoothSpeed)
	t.eyeTarget = t.eyeTarget.Add(t.desiredTarget.Sub(t.eyeTarget).Mul(alpha))
}

// ApplyHead layers the neck/head turn onto the pose the animation update
// just produced. It runs after the update and before the final commit.
func (t *Tracker) ApplyHead(dt float64) {
	if t.model == nil || t.model.Humanoid == nil {
		return
	}

	t.restoreBase()
	t.updateWeight(dt)
	if !t.hasPointer || !t.headEnabled || t.weight < minWeight {
		return
	}

	neck := t.model.Humanoid.RawBone(rig.BoneNeck)
	head := t.model.Humanoid.RawBone(rig.BoneHead)
	if neck == nil && head == nil {
		return
	}

	ref := head
	if ref == nil {
		ref = neck
	}

	sceneQ := t.model.Scene.WorldQuaternion()
	dir := t.eyeTarget.Sub(ref.WorldPosition())

	// a degenerate direction holds the previous angles
	if dir.LenSqr() >= minDirLengthSq {
		dir = dir.Normalize()

		forward := sceneQ.Rotate(mgl64.Vec3{0, 0, t.forwardSign})
		up := sceneQ.Rotate(mgl64.Vec3{0, 1, 0})
		right := up.Cross(forward).Normalize()

		dx := dir.Dot(right)
		dy := dir.Dot(up)
		dz := dir.Dot(forward)

		rawYaw := math.Atan2(-dx, math.Max(dz, 0.001))
		horiz := math.Sqrt(dx*dx + dz*dz)
		rawPitch := math.Atan2(dy, math.Max(horiz, 0.001))

		yaw := t.headFilterYaw.Filter(rawYaw, t.elapsed)
		pitch := t.headFilterP.Filter(rawPitch, t.elapsed)

		maxYaw := mgl64.DegToRad(t.cfg.HeadMaxYawDeg)
		yaw = clamp(yaw, -maxYaw, maxYaw)
		pitch = clamp(pitch, -mgl64.DegToRad(t.cfg.HeadMaxPitchDownDeg), mgl64.DegToRad(t.cfg.HeadMaxPitchUpDeg))

		alpha := filter.ExpDamp(dt, t.cfg.HeadSmoothSpeed)
		t.headYaw += (yaw - t.headYaw) * alpha
		t.headPitch += (pitch - t.headPitch) * alpha
	}

	w := t.weight
	if neck != nil {
		t.applyAdditive(neck, sceneQ, t.headYaw*t.cfg.NeckContribution*w, t.headPitch*t.cfg.NeckContribution*w)
	}
	if head != nil {
		t.applyAdditive(head, sceneQ, t.headYaw*t.cfg.HeadContribution*w, t.headPitch*t.cfg.HeadContribution*w)
	}
}

// restoreBase puts back the pre-turn rotation of every bone that nothing
// rewrote since the last frame, so the turn never stacks on itself
func (t *Tracker) restoreBase() {
	for _, role := range []rig.BoneRole{rig.BoneNeck, rig.BoneHead} {
		bone := t.model.Humanoid.RawBone(role)
		if bone == nil {
			continue
		}
		if o, ok := t.offsets[bone]; ok && bone.Rotation.ApproxEqualThreshold(o.written, 1e-9) {
			bone.Rotation = o.base
		}
	}
	clear(t.offsets)
}

// applyAdditive premultiplies a yaw/pitch offset, defined in the avatar's
// facing frame, onto bone's animated rotation in its parent's frame.
func (t *Tracker) applyAdditive(bone *rig.Node, sceneQ mgl64.Quat, yaw, pitch float64) {
	if math.Abs(yaw) < minAngle && math.Abs(pitch) < minAngle {
		return
	}

	// YXZ order: yaw first, then pitch
	turn := mgl64.QuatRotate(yaw, mgl64.Vec3{0, 1, 0}).Mul(mgl64.QuatRotate(pitch, mgl64.Vec3{1, 0, 0}))
	world := sceneQ.Mul(turn).Mul(sceneQ.Inverse())

	parentQ := mgl64.QuatIdent()
	if p := bone.Parent(); p != nil {
		parentQ = p.WorldQuaternion()
	}
	local := parentQ.Inverse().Mul(world).Mul(parentQ)

	base := bone.Rotation
	bone.Rotation = local.Mul(base).Normalize()
	t.offsets[bone] = offset{base: base, written: bone.Rotation}
}

func (t *Tracker) updateWeight(dt float64) {
	t.targetWeight = t.selectWeight()
	speed := 1 / math.Max(0.01, t.cfg.WeightTransitionSec)
	t.weight += (t.targetWeight - t.weight) * filter.ExpDamp(dt, speed)
}

// selectWeight picks the head influence by priority: one-shot action,
// dragging, idle clip, static.
func (t *Tracker) selectWeight() float64 {
	switch {
	case t.playback != nil && t.playback.ActionPlaying():
		return t.cfg.WeightAction
	case t.cfg.ReduceWhileDragging && t.drag != nil && t.drag.IsDragging():
		return t.cfg.WeightDragging
	case t.playback != nil && t.playback.IdlePlaying():
		return t.cfg.WeightIdleAnim
	default:
		return t.cfg.WeightIdle
	}
}

// Reset clears tracking state, as on a model swap. Pointer history is kept.
func (t *Tracker) Reset() {
	t.headYaw, t.headPitch = 0, 0
	t.weight, t.targetWeight = 1, 1
	t.elapsed = 0
	clear(t.offsets)

	t.eyeFilterX.Reset()
	t.eyeFilterY.Reset()
	t.headFilterYaw.Reset()
	t.headFilterP.Reset()

	t.forwardSign = 1
	if t.model != nil {
		t.forwardSign = t.model.Version.ForwardSign()
	}

	t.eyeTarget = t.restingTarget()
	t.desiredTarget = t.eyeTarget

	t.logger.Debug().Float64("forward_sign", t.forwardSign).Msg("tracker reset")
}

// restingTarget is a point in front of the head, toward the camera
func (t *Tracker) restingTarget() mgl64.Vec3 {
	headPos := mgl64.Vec3{0, 1.4, 0}
	if t.model != nil {
		headPos = t.model.HeadPosition()
	}

	dir := mgl64.Vec3{0, 0, 1}
	if t.camera != nil {
		toCam := t.camera.Position.Sub(headPos)
		if toCam.LenSqr() >= 1e-8 {
			dir = toCam.Normalize()
		}
	}
	return headPos.Add(dir.Mul(t.cfg.LookAtDistance))
}

// Destroy detaches the tracker from its model and forgets pointer input
func (t *Tracker) Destroy() {
	t.model = nil
	t.playback = nil
	t.drag = nil
	t.hasPointer = false
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
