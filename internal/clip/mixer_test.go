package clip

import (
	"math"
	"testing"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/normanking/cortexrig/internal/rig"
)

// newAvatar builds hips > spine > neck > head with two expression controls
func newAvatar(version rig.Version) *rig.Model {
	scene := rig.NewNode("scene")
	hips := rig.NewNode("J_Hips")
	hips.Position = mgl64.Vec3{0, 1, 0}
	spine := rig.NewNode("J_Spine")
	spine.Position = mgl64.Vec3{0, 0.2, 0}
	neck := rig.NewNode("J_Neck")
	neck.Position = mgl64.Vec3{0, 0.2, 0}
	head := rig.NewNode("J_Head")
	head.Position = mgl64.Vec3{0, 0.1, 0}

	scene.Add(hips)
	hips.Add(spine)
	spine.Add(neck)
	neck.Add(head)

	return &rig.Model{
		Name:    "test",
		Version: version,
		Scene:   scene,
		Humanoid: rig.NewHumanoid(map[rig.BoneRole]*rig.Node{
			rig.BoneHips:  hips,
			rig.BoneSpine: spine,
			rig.BoneNeck:  neck,
			rig.BoneHead:  head,
		}),
		Controls: rig.NewControls([]rig.ControlSpec{
			{ID: "aa", Max: 1},
			{ID: "happy", Max: 1},
		}),
	}
}

// turnClip rotates target about Y from 0 to angle over one second
func turnClip(name, target string, angle float64) *Clip {
	end := mgl64.QuatRotate(angle, mgl64.Vec3{0, 1, 0})
	return NewClip(name, []Track{{
		Name:   target + "." + PropQuaternion,
		Times:  []float64{0, 1},
		Values: []float64{0, 0, 0, 1, end.V[0], end.V[1], end.V[2], end.W},
	}})
}

func yaw(q mgl64.Quat) float64 {
	return 2 * math.Atan2(q.V[1], q.W)
}

func TestMixer_ClipActionNoTracks(t *testing.T) {
	m := newAvatar(rig.Version1)
	mx := NewMixer(m.Controls)

	_, err := mx.ClipAction(turnClip("x", "Missing", 1), m.Scene)
	assert.ErrorIs(t, err, ErrNoTracks)

	_, err = mx.ClipAction(nil, m.Scene)
	assert.ErrorIs(t, err, ErrNoTracks)
	assert.Empty(t, mx.Actions())
}

func TestMixer_WritesPoseAndControls(t *testing.T) {
	m := newAvatar(rig.Version1)
	mx := NewMixer(m.Controls)

	c := NewClip("mix", []Track{
		turnClip("", "J_Head", math.Pi/2).Tracks[0],
		{Name: "aa.weight", Times: []float64{0, 1}, Values: []float64{0, 1}},
		{Name: "unknown.weight", Times: []float64{0, 1}, Values: []float64{0, 1}},
	})
	a, err := mx.ClipAction(c, m.Scene)
	require.NoError(t, err)
	assert.Equal(t, 2, a.Bound())

	a.Play()
	mx.Update(0.5)

	head := m.Scene.FindByName("J_Head")
	assert.InDelta(t, math.Pi/4, yaw(head.Rotation), 1e-6)
	aa, _ := m.Controls.Value("aa")
	assert.InDelta(t, 0.5, aa, 1e-9)
}

func TestMixer_FadeBlendsFromOriginal(t *testing.T) {
	m := newAvatar(rig.Version1)
	mx := NewMixer(m.Controls)

	a, err := mx.ClipAction(turnClip("turn", "J_Head", math.Pi/2), m.Scene)
	require.NoError(t, err)
	a.Loop = LoopOnce
	a.ClampWhenFinished = true
	a.Play()
	mx.Update(1) // clamps at the end pose

	a.FadeOut(1)
	assert.True(t, a.IsFading())
	mx.Update(0.5)

	head := m.Scene.FindByName("J_Head")
	assert.InDelta(t, math.Pi/4, yaw(head.Rotation), 1e-3)

	mx.Update(0.6)
	assert.False(t, a.IsFading())
	assert.False(t, a.Enabled)
	assert.InDelta(t, 0, yaw(head.Rotation), 1e-9)
}

func TestAction_Looping(t *testing.T) {
	tests := []struct {
		name       string
		loop       LoopMode
		clamp      bool
		wantTime   float64
		wantActive bool
		wantRun    bool
	}{
		{"repeat wraps", LoopRepeat, false, 0.5, true, true},
		{"once clamps and pauses", LoopOnce, true, 1, true, false},
		{"once without clamp disables", LoopOnce, false, 1, true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newAvatar(rig.Version1)
			mx := NewMixer(m.Controls)
			a, err := mx.ClipAction(turnClip("turn", "J_Head", 1), m.Scene)
			require.NoError(t, err)
			a.Loop = tt.loop
			a.ClampWhenFinished = tt.clamp
			a.Play()

			mx.Update(1.5)

			assert.InDelta(t, tt.wantTime, a.Time(), 1e-9)
			assert.Equal(t, tt.wantActive, a.IsScheduled())
			assert.Equal(t, tt.wantRun, a.IsRunning())
		})
	}
}

func TestMixer_StopAllRestores(t *testing.T) {
	m := newAvatar(rig.Version1)
	head := m.Scene.FindByName("J_Head")
	rest := head.Rotation

	mx := NewMixer(m.Controls)
	a, err := mx.ClipAction(turnClip("turn", "J_Head", 1), m.Scene)
	require.NoError(t, err)
	a.Play()
	mx.Update(0.5)
	require.NotEqual(t, rest, head.Rotation)

	mx.StopAll()
	assert.Equal(t, rest, head.Rotation)
	assert.False(t, a.IsScheduled())
}

func TestMixer_UndrivenPropertyRestored(t *testing.T) {
	m := newAvatar(rig.Version1)
	head := m.Scene.FindByName("J_Head")
	rest := head.Rotation

	mx := NewMixer(m.Controls)
	a, err := mx.ClipAction(turnClip("turn", "J_Head", 1), m.Scene)
	require.NoError(t, err)
	a.Play()
	mx.Update(0.5)

	mx.Uncache(a)
	mx.Update(0.016)
	assert.Equal(t, rest, head.Rotation)
	assert.Empty(t, mx.Actions())
}

func TestMixer_UncacheRoot(t *testing.T) {
	m := newAvatar(rig.Version1)
	mx := NewMixer(m.Controls)
	other := rig.NewNode("other")
	other.Add(rig.NewNode("J_Head"))

	_, err := mx.ClipAction(turnClip("a", "J_Head", 1), m.Scene)
	require.NoError(t, err)
	b, err := mx.ClipAction(turnClip("b", "J_Head", 1), other)
	require.NoError(t, err)

	mx.UncacheRoot(m.Scene)
	require.Len(t, mx.Actions(), 1)
	assert.Same(t, b, mx.Actions()[0])
}
