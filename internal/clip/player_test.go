package clip

import (
	"errors"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/normanking/cortexrig/internal/bus"
	"github.com/normanking/cortexrig/internal/frame"
	"github.com/normanking/cortexrig/internal/rig"
)

type failingSource struct{ err error }

func (s failingSource) Build(*rig.Model) (*Clip, error) { return nil, s.err }

func newPlayer(t *testing.T, version rig.Version) (*Player, *rig.Model, *frame.Scheduler) {
	t.Helper()
	sched := frame.NewScheduler()
	p := NewPlayer(DefaultConfig(), sched, nil, zerolog.Nop())
	m := newAvatar(version)
	p.Bind(m)
	m.AddDriver(p)
	return p, m, sched
}

// run advances the scheduler and the model together
func run(t *testing.T, m *rig.Model, sched *frame.Scheduler, seconds, dt float64) {
	t.Helper()
	for elapsed := 0.0; elapsed < seconds-1e-9; elapsed += dt {
		sched.Advance(dt)
		require.NoError(t, m.Update(dt))
	}
}

func TestPlayer_PlayWithoutModel(t *testing.T) {
	p := NewPlayer(DefaultConfig(), frame.NewScheduler(), nil, zerolog.Nop())
	_, err := p.Play(turnClip("turn", "J_Head", 1), Options{})
	assert.ErrorIs(t, err, ErrNoModel)
	assert.Equal(t, StateIdle, p.State())
}

func TestPlayer_PlayImmediate(t *testing.T) {
	p, m, _ := newPlayer(t, rig.Version0)

	a, err := p.Play(turnClip("turn", "Normalized_J_Head", 1), Options{Immediate: true})
	require.NoError(t, err)

	assert.Same(t, a, p.Current())
	assert.Equal(t, StatePlaying, p.State())
	assert.True(t, p.ActionPlaying())
	assert.False(t, p.IdlePlaying())
	assert.False(t, m.Humanoid.AutoUpdateHumanBones)
	assert.InDelta(t, 0.001, a.Time(), 1e-9)
	assert.Equal(t, "J_Head.quaternion", a.Clip.Tracks[0].Name)
}

func TestPlayer_IdleFlag(t *testing.T) {
	p, _, _ := newPlayer(t, rig.Version1)

	_, err := p.Play(turnClip("idle", "Normalized_J_Head", 1), Options{Immediate: true, Idle: true})
	require.NoError(t, err)
	assert.True(t, p.IdlePlaying())
	assert.False(t, p.ActionPlaying())
}

func TestPlayer_CrossfadeLeavesOneCurrentAction(t *testing.T) {
	p, m, sched := newPlayer(t, rig.Version1)

	a, err := p.Play(turnClip("a", "Normalized_J_Head", 1), Options{Immediate: true})
	require.NoError(t, err)
	b, err := p.Play(turnClip("b", "Normalized_J_Neck", 1), Options{FadeDuration: 0.4})
	require.NoError(t, err)

	assert.True(t, a.IsFading())
	assert.True(t, b.IsFading())

	run(t, m, sched, 0.5, 0.05)

	assert.Same(t, b, p.Current())
	assert.False(t, b.IsFading())
	assert.True(t, b.IsRunning())
	assert.InDelta(t, 1, b.Weight(), 1e-9)

	assert.False(t, a.IsRunning())
	require.Len(t, p.Mixer().Actions(), 1)
	assert.Same(t, b, p.Mixer().Actions()[0])
}

func TestPlayer_SlowCrossfadeKeepsOutgoingActionUntilFadeEnds(t *testing.T) {
	p, m, sched := newPlayer(t, rig.Version1)

	a, err := p.Play(turnClip("a", "Normalized_J_Head", 1), Options{Immediate: true})
	require.NoError(t, err)
	b, err := p.Play(turnClip("b", "Normalized_J_Neck", 1), Options{FadeDuration: 0.4, TimeScale: 0.5})
	require.NoError(t, err)

	// 0.45s of frames is about 0.23s of mixer time at half speed
	run(t, m, sched, 0.45, 0.05)
	require.Len(t, p.Mixer().Actions(), 2)
	assert.True(t, a.IsFading())
	assert.Greater(t, a.Weight(), 0.3)

	run(t, m, sched, 0.4, 0.05)
	assert.False(t, a.IsFading())
	require.Len(t, p.Mixer().Actions(), 1)
	assert.Same(t, b, p.Mixer().Actions()[0])
	assert.InDelta(t, 1, b.Weight(), 1e-9)
}

func TestPlayer_FailureLeavesPreviousAction(t *testing.T) {
	tests := []struct {
		name string
		src  Source
		want error
	}{
		{"build error", failingSource{err: ErrNoAnimations}, ErrNoAnimations},
		{"no matching bones", turnClip("bad", "Missing", 1), ErrNoTracks},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, _, _ := newPlayer(t, rig.Version1)
			a, err := p.Play(turnClip("a", "Normalized_J_Head", 1), Options{Immediate: true})
			require.NoError(t, err)

			_, err = p.Play(tt.src, Options{})
			assert.True(t, errors.Is(err, tt.want))

			assert.Same(t, a, p.Current())
			assert.Equal(t, StatePlaying, p.State())
			assert.False(t, a.IsFading())
			assert.True(t, a.IsRunning())
		})
	}
}

func TestPlayer_StopFadesThenRestores(t *testing.T) {
	p, m, sched := newPlayer(t, rig.Version0)
	head := m.Scene.FindByName("J_Head")
	rest := head.Rotation

	_, err := p.Play(turnClip("turn", "Normalized_J_Head", 1), Options{Immediate: true})
	require.NoError(t, err)
	run(t, m, sched, 0.2, 0.05)

	p.Stop()
	assert.Equal(t, StateStopping, p.State())
	assert.True(t, p.ActionPlaying())

	run(t, m, sched, 0.55, 0.05)
	assert.Nil(t, p.Current())
	assert.Equal(t, StateIdle, p.State())
	assert.Equal(t, rest, head.Rotation)
	assert.False(t, m.Humanoid.AutoUpdateHumanBones)

	run(t, m, sched, 0.15, 0.05)
	assert.True(t, m.Humanoid.AutoUpdateHumanBones)
}

func TestPlayer_PlaySupersedesStop(t *testing.T) {
	p, m, sched := newPlayer(t, rig.Version0)

	_, err := p.Play(turnClip("a", "Normalized_J_Head", 1), Options{Immediate: true})
	require.NoError(t, err)
	p.Stop()
	run(t, m, sched, 0.2, 0.05)

	b, err := p.Play(turnClip("b", "Normalized_J_Neck", 1), Options{Immediate: true})
	require.NoError(t, err)
	run(t, m, sched, 1, 0.05)

	assert.Same(t, b, p.Current())
	assert.Equal(t, StatePlaying, p.State())
	assert.False(t, m.Humanoid.AutoUpdateHumanBones)
	assert.Zero(t, sched.Pending())
}

func TestPlayer_StopWithoutAction(t *testing.T) {
	p, m, _ := newPlayer(t, rig.Version0)
	m.Humanoid.AutoUpdateHumanBones = false

	p.Stop()
	assert.True(t, m.Humanoid.AutoUpdateHumanBones)
	assert.Equal(t, StateIdle, p.State())
}

func TestPlayer_AdvanceDelta(t *testing.T) {
	tests := []struct {
		name      string
		dt        float64
		timeScale float64
		want      float64
	}{
		{"normal frame", 0.05, 1, 0.051},
		{"zero delta uses default", 0, 1, 0.017},
		{"negative delta uses default", -1, 1, 0.017},
		{"suspended tab gap uses default", 5, 1, 0.017},
		{"time scale", 0.05, 2, 0.101},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, m, _ := newPlayer(t, rig.Version1)
			a, err := p.Play(turnClip("turn", "Normalized_J_Head", 10), Options{Immediate: true, TimeScale: tt.timeScale})
			require.NoError(t, err)

			require.NoError(t, p.Advance(m, tt.dt))
			assert.InDelta(t, tt.want, a.Time(), 1e-9)
		})
	}
}

func TestPlayer_AdvanceIgnoresOtherModel(t *testing.T) {
	p, _, _ := newPlayer(t, rig.Version1)
	a, err := p.Play(turnClip("turn", "Normalized_J_Head", 1), Options{Immediate: true})
	require.NoError(t, err)

	require.NoError(t, p.Advance(newAvatar(rig.Version1), 0.05))
	assert.InDelta(t, 0.001, a.Time(), 1e-9)
}

func TestPlayer_DrivesRawBonesThroughNormalizedRig(t *testing.T) {
	p, m, sched := newPlayer(t, rig.Version1)
	_, err := p.Play(turnClip("turn", "Normalized_J_Head", math.Pi/2), Options{Immediate: true, Loop: LoopOnce})
	require.NoError(t, err)

	run(t, m, sched, 1.2, 0.05)

	head := m.Humanoid.RawBone(rig.BoneHead)
	assert.InDelta(t, math.Pi/2, yaw(head.Rotation), 1e-6)
}

func TestPlayer_ResetAndDispose(t *testing.T) {
	p, m, sched := newPlayer(t, rig.Version0)
	_, err := p.Play(turnClip("a", "Normalized_J_Head", 1), Options{Immediate: true})
	require.NoError(t, err)
	p.Stop()

	p.Reset()
	assert.Nil(t, p.Current())
	assert.Empty(t, p.Mixer().Actions())
	assert.Zero(t, sched.Pending())
	assert.True(t, m.Humanoid.AutoUpdateHumanBones)

	p.Dispose()
	assert.Nil(t, p.Model())
	assert.Nil(t, p.Mixer())
	_, err = p.Play(turnClip("a", "Normalized_J_Head", 1), Options{})
	assert.ErrorIs(t, err, ErrNoModel)
}

func TestPlayer_PlayFileAndEvents(t *testing.T) {
	events := bus.NewEventBus()
	started := make(chan bus.Event, 1)
	failed := make(chan bus.Event, 1)
	events.Subscribe(bus.EventTypeClipStarted, func(e bus.Event) { started <- e })
	events.Subscribe(bus.EventTypeClipFailed, func(e bus.Event) { failed <- e })

	sched := frame.NewScheduler()
	p := NewPlayer(DefaultConfig(), sched, events, zerolog.Nop())
	p.Bind(newAvatar(rig.Version1))

	path := filepath.Join(t.TempDir(), "nod.vrma")
	writeVRMA(t, path)
	_, err := p.PlayFile(path, Options{Immediate: true})
	require.NoError(t, err)

	select {
	case e := <-started:
		assert.Equal(t, "nod", e.Data["clip"])
	case <-time.After(time.Second):
		t.Fatal("no clip.started event")
	}

	_, err = p.PlayFile(filepath.Join(t.TempDir(), "missing.vrma"), Options{})
	require.Error(t, err)
	select {
	case <-failed:
	case <-time.After(time.Second):
		t.Fatal("no clip.failed event")
	}
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "stopping", StateStopping.String())
	assert.Equal(t, "state(9)", State(9).String())
}
