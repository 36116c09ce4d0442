package avatar

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/normanking/cortexrig/internal/bus"
	"github.com/normanking/cortexrig/internal/calibration"
	"github.com/normanking/cortexrig/internal/clip"
	"github.com/normanking/cortexrig/internal/override"
	"github.com/normanking/cortexrig/internal/rig"
	"github.com/normanking/cortexrig/internal/tracker"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Idle.Enabled = false
	return cfg
}

func newPuppet() *rig.Model {
	return rig.NewPuppet("puppet", []rig.ControlSpec{
		{ID: "X", Min: -1, Max: 1},
		{ID: "ParamEyeSmile", Max: 1},
		{ID: "ParamMouthOpenY", Max: 1},
		{ID: "ParamMouthForm", Min: -1, Max: 1},
		{ID: "ParamOpacity", Default: 1, Max: 1},
		{ID: "ParamCheek", Max: 1},
	})
}

func newHumanoid() *rig.Model {
	scene := rig.NewNode("scene")
	hips := rig.NewNode("J_Hips")
	hips.Position = mgl64.Vec3{0, 1, 0}
	neck := rig.NewNode("J_Neck")
	neck.Position = mgl64.Vec3{0, 0.4, 0}
	head := rig.NewNode("J_Head")
	head.Position = mgl64.Vec3{0, 0.1, 0}
	scene.Add(hips)
	hips.Add(neck)
	neck.Add(head)

	return &rig.Model{
		Name:    "vrm",
		Version: rig.Version1,
		Scene:   scene,
		Humanoid: rig.NewHumanoid(map[rig.BoneRole]*rig.Node{
			rig.BoneHips: hips,
			rig.BoneNeck: neck,
			rig.BoneHead: head,
		}),
		Controls: rig.NewControls([]rig.ControlSpec{
			{ID: "aa", Max: 1},
			{ID: "happy", Max: 1},
		}),
	}
}

func newContext(t *testing.T, cfg Config, events *bus.EventBus) *Context {
	t.Helper()
	c := New(cfg, nil, nil, events, zerolog.Nop())
	t.Cleanup(c.Close)
	return c
}

func value(t *testing.T, m *rig.Model, name string) float64 {
	t.Helper()
	v, ok := m.Controls.Value(name)
	require.True(t, ok, name)
	return v
}

func frames(t *testing.T, c *Context, n int, dt float64) {
	t.Helper()
	for i := 0; i < n; i++ {
		_ = c.Frame(dt)
	}
}

type constantSource struct{ level byte }

func (s constantSource) FrequencyBinCount() int { return 64 }

func (s constantSource) ByteFrequencyData(dst []byte) {
	for i := range dst {
		dst[i] = s.level
	}
}

func TestContext_NoModel(t *testing.T) {
	c := newContext(t, testConfig(), nil)

	_, err := c.ApplySavedParameters(map[string]float64{"X": 1})
	assert.ErrorIs(t, err, ErrNoModel)
	assert.ErrorIs(t, c.ApplyPersistentExpression("smile"), ErrNoModel)
	_, err = c.Play(clip.NewClip("x", nil), clip.Options{})
	assert.ErrorIs(t, err, ErrNoModel)
	assert.ErrorIs(t, c.SaveCalibration(), ErrNoModel)

	assert.NoError(t, c.Frame(0.016))
	c.SetMouthOpenness(0.5)
	c.ClearPersistentExpression()
}

func TestContext_SavedParameters(t *testing.T) {
	tests := []struct {
		name   string
		driven float64
		moving bool
		want   float64
	}{
		{"idle control snaps to desired", 0, false, 0.3},
		{"driven control is offset", 0.4, true, 0.7},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newContext(t, testConfig(), nil)
			m := newPuppet()
			c.LoadModel(m)
			if tt.moving {
				m.AddDriver(rig.DriverFunc(func(m *rig.Model, _ float64) error {
					m.Controls.Set("X", tt.driven)
					return nil
				}))
			}

			written, err := c.ApplySavedParameters(map[string]float64{"X": 0.3, "ParamOpacity": 0, "bad": math.NaN()})
			require.NoError(t, err)
			assert.Equal(t, 1, written)
			assert.InDelta(t, 0.3, value(t, m, "X"), 1e-9)

			require.NoError(t, c.Frame(0.016))
			assert.InDelta(t, tt.want, value(t, m, "X"), 1e-9)
			assert.InDelta(t, 1, value(t, m, "ParamOpacity"), 1e-9)
		})
	}
}

func TestContext_PersistentExpression(t *testing.T) {
	c := newContext(t, testConfig(), nil)
	m := newPuppet()
	c.LoadModel(m)
	m.AddDriver(rig.DriverFunc(func(m *rig.Model, _ float64) error {
		m.Controls.Set("ParamEyeSmile", 0.2)
		return nil
	}))

	c.RegisterExpression(override.Expression{Name: "smile", Entries: []override.Entry{
		{Control: "ParamEyeSmile", Value: 1},
		{Control: "ParamMouthOpenY", Value: 1},
	}})
	assert.ErrorIs(t, c.ApplyPersistentExpression("frown"), ErrUnknownExpression)
	require.NoError(t, c.ApplyPersistentExpression("smile"))

	frames(t, c, 3, 0.016)
	assert.InDelta(t, 1, value(t, m, "ParamEyeSmile"), 1e-9)
	assert.InDelta(t, 0, value(t, m, "ParamMouthOpenY"), 1e-9)

	c.ClearPersistentExpression()
	assert.Empty(t, c.Stack().PersistentNames())
	assert.InDelta(t, 0, value(t, m, "ParamEyeSmile"), 1e-9)
}

func TestContext_SetMouthOpenness(t *testing.T) {
	tests := []struct {
		name string
		in   float64
		want float64
	}{
		{"in range", 0.6, 0.6},
		{"clamped", 2, 1},
		{"negative", -1, 0},
		{"not finite", math.Inf(1), 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newContext(t, testConfig(), nil)
			m := newPuppet()
			c.LoadModel(m)
			m.Controls.Set("ParamMouthForm", 0.5)

			c.SetMouthOpenness(tt.in)
			assert.InDelta(t, tt.want, value(t, m, "ParamMouthOpenY"), 1e-9)
			assert.InDelta(t, 0.5, value(t, m, "ParamMouthForm"), 1e-9)

			require.NoError(t, c.Frame(0.016))
			assert.InDelta(t, tt.want, value(t, m, "ParamMouthOpenY"), 1e-9)
		})
	}
}

func TestContext_ReinstallAfterUpdateFailure(t *testing.T) {
	c := newContext(t, testConfig(), nil)
	m := newPuppet()
	c.LoadModel(m)

	fail := true
	m.AddDriver(rig.DriverFunc(func(m *rig.Model, _ float64) error {
		m.Controls.Set("X", 0)
		if fail {
			return errors.New("physics exploded")
		}
		return nil
	}))
	_, err := c.ApplySavedParameters(map[string]float64{"X": 0.5})
	require.NoError(t, err)

	err = c.Frame(0.05)
	require.Error(t, err)
	assert.False(t, c.OverrideInstalled())
	assert.InDelta(t, 0, value(t, m, "X"), 1e-9)

	fail = false
	frames(t, c, 4, 0.05)
	assert.True(t, c.OverrideInstalled())
	assert.Zero(t, c.reinstallAttempts)
	assert.InDelta(t, 0.5, value(t, m, "X"), 1e-9)
}

func TestContext_ReinstallExhausted(t *testing.T) {
	events := bus.NewEventBus()
	failed := make(chan bus.Event, 4)
	events.Subscribe(bus.EventTypeReinstallFailed, func(e bus.Event) { failed <- e })

	c := newContext(t, testConfig(), events)
	m := newPuppet()
	c.LoadModel(m)
	m.AddDriver(rig.DriverFunc(func(*rig.Model, float64) error {
		return errors.New("broken")
	}))

	frames(t, c, 40, 0.05)
	assert.False(t, c.OverrideInstalled())
	assert.Equal(t, 3, c.reinstallAttempts)
	assert.Zero(t, c.Scheduler().Pending())

	select {
	case e := <-failed:
		assert.Equal(t, "driver 2: broken", e.Data["error"])
	case <-time.After(time.Second):
		t.Fatal("no reinstall_failed event")
	}
}

func TestContext_ControlStoreSwapReinstalls(t *testing.T) {
	c := newContext(t, testConfig(), nil)
	m := newPuppet()
	c.LoadModel(m)
	_, err := c.ApplySavedParameters(map[string]float64{"X": 0.25})
	require.NoError(t, err)

	m.Controls = newPuppet().Controls
	require.NoError(t, c.Frame(0.05))
	assert.False(t, c.OverrideInstalled())

	frames(t, c, 4, 0.05)
	assert.True(t, c.OverrideInstalled())
	assert.Same(t, m.Controls, c.controls)
	assert.InDelta(t, 0.25, value(t, m, "X"), 1e-9)
}

func TestContext_EnqueueRunsOnFrame(t *testing.T) {
	c := newContext(t, testConfig(), nil)
	m := newPuppet()
	c.LoadModel(m)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Enqueue(func(c *Context) { c.SetMouthOpenness(0.4) })
		}()
	}
	wg.Wait()

	assert.InDelta(t, 0, value(t, m, "ParamMouthOpenY"), 1e-9)
	require.NoError(t, c.Frame(0.016))
	assert.InDelta(t, 0.4, value(t, m, "ParamMouthOpenY"), 1e-9)
}

func TestContext_FrameDeltaClamp(t *testing.T) {
	c := newContext(t, testConfig(), nil)
	m := newPuppet()
	c.LoadModel(m)

	var seen float64
	m.AddDriver(rig.DriverFunc(func(_ *rig.Model, dt float64) error {
		seen = dt
		return nil
	}))

	require.NoError(t, c.Frame(3))
	assert.InDelta(t, 0.05, seen, 1e-12)
	require.NoError(t, c.Frame(-1))
	assert.Zero(t, seen)
}

func TestContext_LipSyncPuppet(t *testing.T) {
	c := newContext(t, testConfig(), nil)
	m := newPuppet()
	c.LoadModel(m)

	c.StartLipSync(constantSource{level: 255})
	frames(t, c, 10, 0.05)
	assert.Greater(t, value(t, m, "ParamMouthOpenY"), 0.5)

	c.StopLipSync()
	assert.InDelta(t, 0, value(t, m, "ParamMouthOpenY"), 1e-9)
}

func TestContext_LipSyncHumanoid(t *testing.T) {
	c := newContext(t, testConfig(), nil)
	m := newHumanoid()
	c.LoadModel(m)

	c.StartLipSync(constantSource{level: 255})
	assert.Equal(t, "aa", c.LipSync().MouthControl())
	frames(t, c, 10, 0.05)
	assert.Greater(t, value(t, m, "aa"), 0.5)

	c.StopLipSync()
	assert.InDelta(t, 0, value(t, m, "aa"), 1e-9)
}

func TestContext_LipSyncOutranksPersistentExpressionOnHumanoid(t *testing.T) {
	c := newContext(t, testConfig(), nil)
	m := newHumanoid()
	c.LoadModel(m)

	c.RegisterExpression(override.Expression{Name: "chatty", Entries: []override.Entry{
		{Control: "aa", Value: 0.2},
		{Control: "happy", Value: 0.6},
	}})
	require.NoError(t, c.ApplyPersistentExpression("chatty"))

	c.StartLipSync(constantSource{level: 255})
	assert.True(t, c.Stack().IsLipSync("aa"))
	frames(t, c, 60, 0.05)

	assert.Greater(t, c.LipSync().Weight(), 0.5)
	assert.InDelta(t, c.LipSync().Weight(), value(t, m, "aa"), 1e-9)
	assert.InDelta(t, 0.6, value(t, m, "happy"), 1e-9)

	c.StopLipSync()
	assert.False(t, c.Stack().IsLipSync("aa"))
	frames(t, c, 1, 0.05)
	assert.InDelta(t, 0.2, value(t, m, "aa"), 1e-9)
}

func TestContext_PlayClipOnPuppet(t *testing.T) {
	c := newContext(t, testConfig(), nil)
	m := newPuppet()
	c.LoadModel(m)

	ramp := clip.NewClip("ramp", []clip.Track{{
		Name:   "ParamEyeSmile." + clip.PropWeight,
		Times:  []float64{0, 1},
		Values: []float64{0, 1},
	}})
	_, err := c.Play(ramp, clip.Options{Immediate: true, Loop: clip.LoopOnce})
	require.NoError(t, err)
	assert.True(t, c.Player().ActionPlaying())

	frames(t, c, 10, 0.05)
	assert.InDelta(t, 0.5, value(t, m, "ParamEyeSmile"), 0.05)

	c.Stop()
	frames(t, c, 14, 0.05)
	assert.Nil(t, c.Player().Current())
}

func TestContext_IdleClipRetries(t *testing.T) {
	events := bus.NewEventBus()
	var failures atomic.Int32
	events.Subscribe(bus.EventTypeClipFailed, func(bus.Event) { failures.Add(1) })

	cfg := testConfig()
	cfg.Clip.IdleClip = filepath.Join(t.TempDir(), "idle.vrma")
	c := newContext(t, cfg, events)
	c.LoadModel(newHumanoid())

	frames(t, c, 30, 0.05)
	assert.Eventually(t, func() bool { return failures.Load() == 10 }, time.Second, 10*time.Millisecond)
	assert.Zero(t, c.Scheduler().Pending())
}

func TestContext_StopCancelsIdleRetries(t *testing.T) {
	cfg := testConfig()
	cfg.Clip.IdleClip = filepath.Join(t.TempDir(), "idle.vrma")
	c := newContext(t, cfg, nil)
	c.LoadModel(newHumanoid())
	assert.Equal(t, 1, c.Scheduler().Pending())

	c.Stop()
	assert.Zero(t, c.Scheduler().Pending())
}

func TestContext_CalibrationAndResidentExpressions(t *testing.T) {
	exprDir := t.TempDir()
	writeExpression(t, filepath.Join(exprDir, "persistent_blush.exp3.json"), "ParamEyeSmile", 0.8)
	writeExpression(t, filepath.Join(exprDir, "wink.exp3.json"), "X", -1)

	store := calibration.NewStore(t.TempDir())
	require.NoError(t, store.Save(&calibration.Calibration{
		Model:      "puppet",
		Parameters: map[string]float64{"ParamCheek": 0.5},
		Persistent: []string{"wink"},
	}))

	cfg := testConfig()
	cfg.ExpressionDir = exprDir
	c := newContext(t, cfg, nil)
	c.SetCalibrationStore(store)

	m := newPuppet()
	c.LoadModel(m)

	assert.Equal(t, []string{"persistent_blush", "wink"}, c.Expressions())
	assert.Equal(t, []string{"persistent_blush", "wink"}, c.Stack().PersistentNames())
	assert.InDelta(t, 0.8, value(t, m, "ParamEyeSmile"), 1e-9)
	assert.InDelta(t, -1, value(t, m, "X"), 1e-9)
	assert.Equal(t, map[string]float64{"ParamCheek": 0.5}, c.Stack().SavedParameters())
	assert.InDelta(t, 0.5, value(t, m, "ParamCheek"), 1e-9)

	_, err := c.ApplySavedParameters(map[string]float64{"ParamCheek": 0.25})
	require.NoError(t, err)
	require.NoError(t, c.SaveCalibration())

	saved, err := store.Load("puppet")
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"ParamCheek": 0.25}, saved.Parameters)
	assert.Equal(t, []string{"persistent_blush", "wink"}, saved.Persistent)
}

func TestContext_ModelSwap(t *testing.T) {
	events := bus.NewEventBus()
	loaded := make(chan bus.Event, 4)
	unloaded := make(chan bus.Event, 4)
	events.Subscribe(bus.EventTypeModelLoaded, func(e bus.Event) { loaded <- e })
	events.Subscribe(bus.EventTypeModelUnloaded, func(e bus.Event) { unloaded <- e })

	c := newContext(t, testConfig(), events)
	first := newPuppet()
	c.LoadModel(first)

	calls := 0
	first.AddDriver(rig.DriverFunc(func(*rig.Model, float64) error {
		calls++
		return nil
	}))

	second := newHumanoid()
	c.LoadModel(second)
	assert.Same(t, second, c.Model())
	assert.Same(t, second, c.Player().Model())
	assert.Same(t, second, c.Tracker().Model())

	require.NoError(t, c.Frame(0.016))
	assert.Zero(t, calls)

	for _, ch := range []chan bus.Event{loaded, loaded, unloaded} {
		select {
		case <-ch:
		case <-time.After(time.Second):
			t.Fatal("missing lifecycle event")
		}
	}
}

func TestContext_ResetTrackerPublishes(t *testing.T) {
	events := bus.NewEventBus()
	reset := make(chan bus.Event, 1)
	events.Subscribe(bus.EventTypeTrackerReset, func(e bus.Event) { reset <- e })

	c := newContext(t, testConfig(), events)
	c.LoadModel(newHumanoid())
	c.PointerMove(10, 10)
	assert.True(t, c.Tracker().HasPointer())

	c.ResetTracker()
	select {
	case <-reset:
	case <-time.After(time.Second):
		t.Fatal("no tracker.reset event")
	}
}

func TestContext_DragState(t *testing.T) {
	c := newContext(t, testConfig(), nil)
	assert.False(t, c.isDragging())

	c.SetDragging(true)
	assert.True(t, c.isDragging())

	c.SetDragging(false)
	orbiting := true
	c.SetDragSource(tracker.DragFunc(func() bool { return orbiting }))
	assert.True(t, c.isDragging())
	orbiting = false
	assert.False(t, c.isDragging())
}

func writeExpression(t *testing.T, path, control string, v float64) {
	t.Helper()
	doc := `{"Type":"Live2D Expression","Parameters":[{"Id":"` + control + `","Value":` +
		formatFloat(v) + `,"Blend":"Overwrite"}]}`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
