package clip

import (
	"math"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/google/uuid"
	"github.com/tanema/gween"
	"github.com/tanema/gween/ease"

	"github.com/normanking/cortexrig/internal/rig"
)

// LoopMode selects what happens at the end of a clip
type LoopMode int

const (
	LoopRepeat LoopMode = iota
	LoopOnce
)

// binding connects one track to the property it drives
type binding struct {
	track   *Track
	node    *rig.Node
	prop    string
	control int
}

// Action is a clip bound to a mixer root and scheduled on a mixer
type Action struct {
	ID   string
	Clip *Clip
	Root *rig.Node

	Loop              LoopMode
	ClampWhenFinished bool
	Enabled           bool
	TimeScale         float64

	bindings []binding
	time     float64
	weight   float64
	paused   bool
	active   bool

	fade       *gween.Tween
	fadeTarget float64
}

// Time returns the local playback position in seconds
func (a *Action) Time() float64 {
	return a.time
}

// Weight returns the current blend weight
func (a *Action) Weight() float64 {
	return a.weight
}

// Bound returns the number of tracks that found a target
func (a *Action) Bound() int {
	return len(a.bindings)
}

// IsScheduled reports whether the action is on its mixer
func (a *Action) IsScheduled() bool {
	return a.active
}

// IsRunning reports whether the action currently advances
func (a *Action) IsRunning() bool {
	return a.active && a.Enabled && !a.paused && a.TimeScale != 0
}

// IsFading reports whether a weight fade is in progress
func (a *Action) IsFading() bool {
	return a.fade != nil
}

// Play schedules the action on its mixer
func (a *Action) Play() *Action {
	a.active = true
	return a
}

// Stop removes the action from its mixer and rewinds it
func (a *Action) Stop() *Action {
	a.active = false
	return a.Reset()
}

// Reset rewinds the action and cancels any fade. The weight is restored to
// full strength.
func (a *Action) Reset() *Action {
	a.Enabled = true
	a.paused = false
	a.time = 0
	a.weight = 1
	a.fade = nil
	return a
}

// FadeIn ramps the weight from 0 to 1 over duration seconds
func (a *Action) FadeIn(duration float64) *Action {
	return a.scheduleFade(duration, 0, 1)
}

// FadeOut ramps the weight from 1 to 0 over duration seconds. The action is
// disabled when the fade completes.
func (a *Action) FadeOut(duration float64) *Action {
	return a.scheduleFade(duration, 1, 0)
}

func (a *Action) scheduleFade(duration, from, to float64) *Action {
	a.fadeTarget = to
	if duration <= 0 {
		a.fade = nil
		a.finishFade()
		return a
	}
	a.weight = from
	a.fade = gween.New(float32(from), float32(to), float32(duration), ease.Linear)
	return a
}

func (a *Action) finishFade() {
	a.weight = a.fadeTarget
	a.fade = nil
	if a.fadeTarget == 0 {
		a.Enabled = false
	}
}

// advance moves time and the fade forward by dt mixer seconds
func (a *Action) advance(dt float64) {
	if a.fade != nil {
		w, done := a.fade.Update(float32(dt))
		a.weight = float64(w)
		if done {
			a.finishFade()
		}
	}
	if !a.IsRunning() {
		return
	}

	a.time += dt * a.TimeScale
	d := a.Clip.Duration
	if d <= 0 {
		return
	}
	switch a.Loop {
	case LoopRepeat:
		a.time = math.Mod(a.time, d)
		if a.time < 0 {
			a.time += d
		}
	case LoopOnce:
		if a.time >= d {
			a.time = d
			if a.ClampWhenFinished {
				a.paused = true
			} else {
				a.Enabled = false
			}
		} else if a.time < 0 {
			a.time = 0
		}
	}
}

// contributes reports whether the action's pose is blended this frame
func (a *Action) contributes() bool {
	return a.active && a.Enabled && a.weight > 0
}

// Mixer blends the actions scheduled on it and writes the result to the
// bound nodes and controls. Properties not driven by any action keep the
// value they had when first bound.
type Mixer struct {
	controls *rig.Controls
	actions  []*Action
	time     float64

	origRot  map[*rig.Node]mgl64.Quat
	origPos  map[*rig.Node]mgl64.Vec3
	origCtrl map[int]float64

	// properties written by the last Update
	drivenRot  map[*rig.Node]bool
	drivenPos  map[*rig.Node]bool
	drivenCtrl map[int]bool
}

// NewMixer creates a mixer. Weight tracks write to controls, which may be nil.
func NewMixer(controls *rig.Controls) *Mixer {
	return &Mixer{
		controls: controls,
		origRot:  make(map[*rig.Node]mgl64.Quat),
		origPos:  make(map[*rig.Node]mgl64.Vec3),
		origCtrl: make(map[int]float64),
	}
}

// restore puts back the original value of every property that was driven
// last frame but is not in the given sets.
func (m *Mixer) restore(rot, pos map[*rig.Node]*accum, ctrl map[int]*accum) {
	for node := range m.drivenRot {
		if _, ok := rot[node]; !ok {
			node.Rotation = m.origRot[node]
		}
	}
	for node := range m.drivenPos {
		if _, ok := pos[node]; !ok {
			node.Position = m.origPos[node]
		}
	}
	for idx := range m.drivenCtrl {
		if _, ok := ctrl[idx]; !ok && m.controls != nil {
			m.controls.SetAt(idx, m.origCtrl[idx])
		}
	}

	m.drivenRot = make(map[*rig.Node]bool, len(rot))
	for node := range rot {
		m.drivenRot[node] = true
	}
	m.drivenPos = make(map[*rig.Node]bool, len(pos))
	for node := range pos {
		m.drivenPos[node] = true
	}
	m.drivenCtrl = make(map[int]bool, len(ctrl))
	for idx := range ctrl {
		m.drivenCtrl[idx] = true
	}
}

// Time returns the total mixer time
func (m *Mixer) Time() float64 {
	return m.time
}

// ClipAction binds clip to root. Tracks whose target cannot be found are
// skipped; ErrNoTracks is returned when none bind.
func (m *Mixer) ClipAction(c *Clip, root *rig.Node) (*Action, error) {
	if c == nil || len(c.Tracks) == 0 || root == nil {
		return nil, ErrNoTracks
	}

	a := &Action{
		ID:        uuid.NewString(),
		Clip:      c,
		Root:      root,
		Enabled:   true,
		TimeScale: 1,
		weight:    1,
	}
	for i := range c.Tracks {
		tr := &c.Tracks[i]
		target, prop := SplitTrackName(tr.Name)
		switch prop {
		case PropQuaternion, PropPosition:
			node := root.FindByName(target)
			if node == nil {
				continue
			}
			a.bindings = append(a.bindings, binding{track: tr, node: node, prop: prop})
			if prop == PropQuaternion {
				if _, ok := m.origRot[node]; !ok {
					m.origRot[node] = node.Rotation
				}
			} else if _, ok := m.origPos[node]; !ok {
				m.origPos[node] = node.Position
			}
		case PropWeight:
			if m.controls == nil {
				continue
			}
			idx, ok := m.controls.Index(target)
			if !ok {
				continue
			}
			a.bindings = append(a.bindings, binding{track: tr, prop: prop, control: idx})
			if _, ok := m.origCtrl[idx]; !ok {
				m.origCtrl[idx] = m.controls.ValueAt(idx)
			}
		}
	}
	if len(a.bindings) == 0 {
		return nil, ErrNoTracks
	}

	m.actions = append(m.actions, a)
	return a, nil
}

// Actions returns every action created on the mixer
func (m *Mixer) Actions() []*Action {
	return m.actions
}

// StopAll stops every action and restores the properties they drove
func (m *Mixer) StopAll() {
	for _, a := range m.actions {
		a.Stop()
	}
	m.restore(nil, nil, nil)
}

// Uncache forgets an action entirely
func (m *Mixer) Uncache(a *Action) {
	for i, existing := range m.actions {
		if existing == a {
			m.actions = append(m.actions[:i], m.actions[i+1:]...)
			a.active = false
			return
		}
	}
}

// UncacheRoot forgets every action bound to root
func (m *Mixer) UncacheRoot(root *rig.Node) {
	kept := m.actions[:0]
	for _, a := range m.actions {
		if a.Root == root {
			a.active = false
			continue
		}
		kept = append(kept, a)
	}
	m.actions = kept
}

type accum struct {
	rot    mgl64.Quat
	pos    mgl64.Vec3
	val    float64
	weight float64
}

// Update advances every scheduled action by dt and writes the blended pose
func (m *Mixer) Update(dt float64) {
	m.time += dt

	for _, a := range m.actions {
		if a.active {
			a.advance(dt)
		}
	}

	rot := make(map[*rig.Node]*accum)
	pos := make(map[*rig.Node]*accum)
	ctrl := make(map[int]*accum)
	buf := make([]float64, 4)

	for _, a := range m.actions {
		if !a.contributes() {
			continue
		}
		w := a.weight
		for _, b := range a.bindings {
			b.track.Sample(a.time, buf)
			switch b.prop {
			case PropQuaternion:
				q := quatFrom(buf).Normalize()
				acc, ok := rot[b.node]
				if !ok {
					rot[b.node] = &accum{rot: q, weight: w}
					continue
				}
				acc.weight += w
				acc.rot = slerp(acc.rot, q, w/acc.weight)
			case PropPosition:
				p := mgl64.Vec3{buf[0], buf[1], buf[2]}
				acc, ok := pos[b.node]
				if !ok {
					pos[b.node] = &accum{pos: p, weight: w}
					continue
				}
				acc.weight += w
				acc.pos = acc.pos.Add(p.Sub(acc.pos).Mul(w / acc.weight))
			case PropWeight:
				acc, ok := ctrl[b.control]
				if !ok {
					ctrl[b.control] = &accum{val: buf[0], weight: w}
					continue
				}
				acc.weight += w
				acc.val += (buf[0] - acc.val) * (w / acc.weight)
			}
		}
	}

	// under-weighted properties blend back toward their original value
	for node, acc := range rot {
		q := acc.rot
		if acc.weight < 1 {
			q = slerp(m.origRot[node], q, acc.weight)
		}
		node.Rotation = q
	}
	for node, acc := range pos {
		p := acc.pos
		if acc.weight < 1 {
			orig := m.origPos[node]
			p = orig.Add(p.Sub(orig).Mul(acc.weight))
		}
		node.Position = p
	}
	for idx, acc := range ctrl {
		v := acc.val
		if acc.weight < 1 {
			orig := m.origCtrl[idx]
			v = orig + (v-orig)*acc.weight
		}
		m.controls.SetAt(idx, v)
	}

	m.restore(rot, pos, ctrl)
}
