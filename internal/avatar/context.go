// Package avatar owns one on-screen avatar: the loaded model, its clip
// player, lip-sync, gaze tracking and override stack, plus the frame
// pipeline that runs them in a fixed order.
package avatar

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/normanking/cortexrig/internal/bus"
	"github.com/normanking/cortexrig/internal/calibration"
	"github.com/normanking/cortexrig/internal/clip"
	"github.com/normanking/cortexrig/internal/frame"
	"github.com/normanking/cortexrig/internal/lipsync"
	"github.com/normanking/cortexrig/internal/override"
	"github.com/normanking/cortexrig/internal/renderer"
	"github.com/normanking/cortexrig/internal/rig"
	"github.com/normanking/cortexrig/internal/tracker"
)

var (
	// ErrNoModel is returned by operations that need a loaded model
	ErrNoModel = errors.New("avatar: no model loaded")
	// ErrReinstallExhausted is logged once the override hooks could not be
	// restored within the configured number of attempts
	ErrReinstallExhausted = errors.New("avatar: override reinstall attempts exhausted")
	// ErrUnknownExpression is returned for expressions that were never
	// registered
	ErrUnknownExpression = errors.New("avatar: unknown expression")
	// ErrNoLibrary is returned when clips are requested by name without a
	// clip library
	ErrNoLibrary = errors.New("avatar: no clip library")
)

// Hook names on the frame pipeline
const (
	hookBaseline = "baseline"
	hookOverride = "override"
	hookLipSync  = "lipsync"
)

// Config gathers the tuning of every component in a context
type Config struct {
	MaxFrameDelta float64

	Override override.Config
	Tracker  tracker.Config
	Clip     clip.Config
	LipSync  lipsync.Config
	Idle     rig.IdleConfig

	ReinstallAttempts int
	ReinstallDelay    float64
	IdleRetries       int
	IdleRetryDelay    float64

	// ExpressionDir holds .exp3.json files; those whose names start with
	// PersistentPrefix are applied on every model load
	ExpressionDir    string
	PersistentPrefix string
}

// DefaultConfig returns the stock tuning for every component
func DefaultConfig() Config {
	return Config{
		MaxFrameDelta:     0.05,
		Override:          override.DefaultConfig(),
		Tracker:           tracker.DefaultConfig(),
		Clip:              clip.DefaultConfig(),
		LipSync:           lipsync.DefaultConfig(),
		Idle:              rig.DefaultIdleConfig(),
		ReinstallAttempts: 3,
		ReinstallDelay:    0.1,
		IdleRetries:       10,
		IdleRetryDelay:    0.1,
		PersistentPrefix:  "persistent_",
	}
}

// Context is the per-avatar state. Every method except Enqueue must be
// called from the frame goroutine.
type Context struct {
	ID     string
	cfg    Config
	logger zerolog.Logger
	events *bus.EventBus

	sched     *frame.Scheduler
	pre       frame.Hooks
	post      frame.Hooks
	preCommit frame.Hooks

	camera  *renderer.Camera
	tracker *tracker.Tracker
	player  *clip.Player
	stack   *override.Stack
	lips    *lipsync.Driver
	idle    *rig.Idle
	store   *calibration.Store
	library *clip.Library

	model    *rig.Model
	controls *rig.Controls

	overrideInstalled bool
	reinstallAttempts int
	reinstallTask     frame.TaskID
	exhausted         bool

	idleGen  frame.Generation
	idleTask frame.TaskID

	expressions map[string]override.Expression

	dragging bool
	drag     tracker.DragState

	mu    sync.Mutex
	queue []func(*Context)
}

// New creates an empty context. events may be nil.
func New(cfg Config, camera *renderer.Camera, surface tracker.Surface, events *bus.EventBus, logger zerolog.Logger) *Context {
	id := uuid.NewString()
	logger = logger.With().Str("avatar", id[:8]).Logger()

	sched := frame.NewScheduler()
	c := &Context{
		ID:          id,
		cfg:         cfg,
		logger:      logger.With().Str("component", "avatar").Logger(),
		events:      events,
		sched:       sched,
		camera:      camera,
		tracker:     tracker.New(cfg.Tracker, camera, surface, logger),
		player:      clip.NewPlayer(cfg.Clip, sched, events, logger),
		stack:       override.NewStack(cfg.Override, logger),
		lips:        lipsync.NewDriver(cfg.LipSync, logger),
		idle:        rig.NewIdle(cfg.Idle),
		expressions: make(map[string]override.Expression),
	}
	c.tracker.SetPlayback(c.player)
	c.tracker.SetDragState(tracker.DragFunc(c.isDragging))

	c.pre.Add(hookLipSync, c.updateLipSync)
	c.post.Add(hookLipSync, c.writeLipSync)
	c.preCommit.Add(hookLipSync, c.writeLipSync)
	return c
}

// SetCalibrationStore enables saved parameter persistence
func (c *Context) SetCalibrationStore(s *calibration.Store) {
	c.store = s
}

// SetLibrary wires the clip library used by PlayNamed
func (c *Context) SetLibrary(l *clip.Library) {
	c.library = l
}

// SetDragSource adds an external drag state, typically the orbit
// controller
func (c *Context) SetDragSource(d tracker.DragState) {
	c.drag = d
}

// Model returns the loaded model, or nil
func (c *Context) Model() *rig.Model { return c.model }

// Player exposes the clip player
func (c *Context) Player() *clip.Player { return c.player }

// Tracker exposes the cursor-follow tracker
func (c *Context) Tracker() *tracker.Tracker { return c.tracker }

// Stack exposes the override stack
func (c *Context) Stack() *override.Stack { return c.stack }

// LipSync exposes the lip-sync driver
func (c *Context) LipSync() *lipsync.Driver { return c.lips }

// Scheduler exposes the frame clock
func (c *Context) Scheduler() *frame.Scheduler { return c.sched }

// OverrideInstalled reports whether the override hooks are on the pipeline
func (c *Context) OverrideInstalled() bool { return c.overrideInstalled }

// LoadModelFile loads a VRM file and makes it the current model
func (c *Context) LoadModelFile(path string) error {
	m, err := rig.LoadModel(path)
	if err != nil {
		return fmt.Errorf("load model: %w", err)
	}
	c.LoadModel(m)
	return nil
}

// LoadModel replaces the current model with m and wires every component to
// it. Saved parameters and resident expressions are applied, and the idle
// clip starts playing.
func (c *Context) LoadModel(m *rig.Model) {
	if m == nil {
		c.UnloadModel()
		return
	}
	if c.model != nil {
		c.UnloadModel()
	}

	c.model = m
	c.tracker.Bind(m)
	c.player.Bind(m)
	c.idle.Reset()
	m.AddDriver(c.idle)
	m.AddDriver(c.player)

	c.stack.Reset()
	if m.Controls != nil {
		c.lips.MapExpressions(m.Controls.Names())
	}
	c.syncMouthControls()

	c.reinstallAttempts = 0
	c.exhausted = false
	c.installOverride()

	persistent := c.loadCalibration()
	c.loadExpressions()
	c.applyResident(persistent)

	c.logger.Info().
		Str("model", m.Name).
		Str("version", string(m.Version)).
		Bool("humanoid", m.Humanoid != nil).
		Msg("model loaded")
	c.publish(bus.EventTypeModelLoaded, map[string]any{"model": m.Name, "version": string(m.Version)})

	c.startIdleClip()
}

// UnloadModel detaches every component from the current model
func (c *Context) UnloadModel() {
	if c.model == nil {
		return
	}
	m := c.model

	c.cancelIdleClip()
	if c.reinstallTask != 0 {
		c.sched.Cancel(c.reinstallTask)
		c.reinstallTask = 0
	}
	c.uninstallOverride()

	c.lips.Stop(m.Controls)
	if m.Controls != nil {
		c.stack.ClearPersistentExpressions(m.Controls)
	}
	c.stack.Reset()
	c.player.Bind(nil)
	c.tracker.Bind(nil)
	m.RemoveDriver(c.player)
	m.RemoveDriver(c.idle)

	c.model = nil
	c.controls = nil

	c.logger.Info().Str("model", m.Name).Msg("model unloaded")
	c.publish(bus.EventTypeModelUnloaded, map[string]any{"model": m.Name})
}

// Close unloads the model and releases every component
func (c *Context) Close() {
	c.UnloadModel()
	c.StopLipSync()
	c.tracker.Destroy()
	c.player.Dispose()
	c.sched.Clear()
}

// SetMouthOpenness sets the lip-sync value and writes it at once
func (c *Context) SetMouthOpenness(v float64) {
	c.stack.SetMouthOpenness(v)
	if c.model != nil && c.model.Controls != nil {
		c.stack.WriteMouth(c.model.Controls)
	}
}

// RegisterExpression makes expr available to ApplyPersistentExpression
func (c *Context) RegisterExpression(expr override.Expression) {
	c.expressions[expr.Name] = expr
}

// Expressions lists the registered expression names
func (c *Context) Expressions() []string {
	names := make([]string, 0, len(c.expressions))
	for name := range c.expressions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ApplyPersistentExpression holds the named expression until cleared
func (c *Context) ApplyPersistentExpression(name string) error {
	if c.model == nil || c.model.Controls == nil {
		return ErrNoModel
	}
	expr, ok := c.expressions[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownExpression, name)
	}
	c.stack.ApplyPersistentExpression(c.model.Controls, expr)
	c.publish(bus.EventTypePersistentApplied, map[string]any{"expression": name})
	return nil
}

// ClearPersistentExpression drops every persistent expression and restores
// the values they replaced
func (c *Context) ClearPersistentExpression() {
	var w override.ControlWriter
	if c.model != nil && c.model.Controls != nil {
		w = c.model.Controls
	}
	names := c.stack.PersistentNames()
	c.stack.ClearPersistentExpressions(w)
	c.publish(bus.EventTypePersistentCleared, map[string]any{"expressions": names})
}

// ApplySavedParameters replaces the saved set, writes it once and keeps
// re-applying it every frame. It returns the number of controls written.
func (c *Context) ApplySavedParameters(params map[string]float64) (int, error) {
	if c.model == nil || c.model.Controls == nil {
		return 0, ErrNoModel
	}
	if dropped := c.stack.SetSavedParameters(params); dropped > 0 {
		c.logger.Debug().Int("dropped", dropped).Msg("non-finite saved values dropped")
	}
	return c.stack.ApplySavedParameters(c.model.Controls), nil
}

// SaveCalibration persists the saved set and resident expressions of the
// current model
func (c *Context) SaveCalibration() error {
	if c.model == nil {
		return ErrNoModel
	}
	if c.store == nil {
		return errors.New("avatar: no calibration store")
	}
	return c.store.Save(&calibration.Calibration{
		Model:      c.model.Name,
		UpdatedAt:  time.Now().UTC(),
		Parameters: c.stack.SavedParameters(),
		Persistent: c.stack.PersistentNames(),
	})
}

// Play starts a clip on the current model
func (c *Context) Play(src clip.Source, opts clip.Options) (*clip.Action, error) {
	if c.model == nil {
		return nil, ErrNoModel
	}
	if !opts.Idle {
		c.cancelIdleClip()
	}
	return c.player.Play(src, opts)
}

// PlayFile loads a .vrma file and plays it
func (c *Context) PlayFile(path string, opts clip.Options) (*clip.Action, error) {
	if c.model == nil {
		return nil, ErrNoModel
	}
	if !opts.Idle {
		c.cancelIdleClip()
	}
	return c.player.PlayFile(path, opts)
}

// PlayNamed plays a clip from the library
func (c *Context) PlayNamed(name string, opts clip.Options) (*clip.Action, error) {
	if c.library == nil {
		return nil, ErrNoLibrary
	}
	anim, err := c.library.Get(name)
	if err != nil {
		return nil, err
	}
	return c.Play(anim, opts)
}

// Stop fades out the current clip
func (c *Context) Stop() {
	c.cancelIdleClip()
	c.player.Stop()
}

// ResetTracker returns gaze and head tracking to rest
func (c *Context) ResetTracker() {
	c.tracker.Reset()
	c.publish(bus.EventTypeTrackerReset, nil)
}

// SetHeadTrackingEnabled toggles the head channel of the tracker
func (c *Context) SetHeadTrackingEnabled(enabled bool) {
	c.tracker.SetHeadTrackingEnabled(enabled)
}

// PointerMove feeds a pointer position in surface pixels
func (c *Context) PointerMove(x, y float64) {
	c.tracker.PointerMove(x, y)
}

// SetDragging records whether the user is dragging the avatar
func (c *Context) SetDragging(dragging bool) {
	c.dragging = dragging
}

func (c *Context) isDragging() bool {
	return c.dragging || (c.drag != nil && c.drag.IsDragging())
}

// StartLipSync follows src until StopLipSync
func (c *Context) StartLipSync(src lipsync.Source) {
	var names []string
	if c.model != nil && c.model.Controls != nil {
		names = c.model.Controls.Names()
	}
	c.lips.Start(src, names)
	c.syncMouthControls()
}

// StopLipSync closes the mouth and stops following audio
func (c *Context) StopLipSync() {
	var controls *rig.Controls
	if c.model != nil {
		controls = c.model.Controls
	}
	c.lips.Stop(controls)
	c.syncMouthControls()
	if c.model != nil && c.model.Humanoid == nil {
		c.SetMouthOpenness(0)
	}
}

// SetTrackerConfig replaces the tracker tuning
func (c *Context) SetTrackerConfig(cfg tracker.Config) {
	c.cfg.Tracker = cfg
	c.tracker.SetConfig(cfg)
}

// SetLipSyncConfig replaces the lip-sync tuning
func (c *Context) SetLipSyncConfig(cfg lipsync.Config) {
	c.cfg.LipSync = cfg
	c.lips.SetConfig(cfg)
}

// Enqueue schedules fn to run at the start of the next frame. It is safe to
// call from any goroutine.
func (c *Context) Enqueue(fn func(*Context)) {
	c.mu.Lock()
	c.queue = append(c.queue, fn)
	c.mu.Unlock()
}

func (c *Context) drain() {
	c.mu.Lock()
	queued := c.queue
	c.queue = nil
	c.mu.Unlock()

	for _, fn := range queued {
		fn(c)
	}
}

// Frame runs one frame: queued commands, delayed continuations, the eye
// channel, the model update with its override hooks, the head channel and
// the final transform commit. A model update error is returned after the
// frame completes without cosmetic overrides.
func (c *Context) Frame(dt float64) error {
	c.drain()

	if dt < 0 {
		dt = 0
	}
	if dt > c.cfg.MaxFrameDelta {
		dt = c.cfg.MaxFrameDelta
	}
	c.sched.Advance(dt)

	m := c.model
	if m == nil {
		return nil
	}

	if c.overrideInstalled && m.Controls != c.controls {
		c.overrideFailed(errors.New("control store changed"))
	}

	c.tracker.UpdateTarget(dt)
	c.pre.Run(dt)

	updateErr := m.Update(dt)
	if updateErr != nil {
		if c.overrideInstalled {
			c.overrideFailed(updateErr)
		}
	} else {
		c.post.Run(dt)
		if c.overrideInstalled {
			c.reinstallAttempts = 0
		}
	}

	c.tracker.ApplyHead(dt)
	c.preCommit.Run(dt)
	m.Commit()

	if updateErr != nil {
		return fmt.Errorf("model update: %w", updateErr)
	}
	return nil
}

// installOverride puts the baseline and commit hooks on the pipeline,
// keeping the override commit ahead of the lip-sync write
func (c *Context) installOverride() {
	m := c.model
	if m == nil || m.Controls == nil {
		return
	}
	c.controls = m.Controls

	c.pre.Remove(hookLipSync)
	c.pre.Add(hookBaseline, func(float64) { c.stack.CaptureBaseline(c.controls) })
	c.pre.Add(hookLipSync, c.updateLipSync)

	c.post.Remove(hookLipSync)
	c.post.Add(hookOverride, func(float64) { c.stack.Commit(c.controls, override.PassPostUpdate) })
	c.post.Add(hookLipSync, c.writeLipSync)

	c.preCommit.Remove(hookLipSync)
	c.preCommit.Add(hookOverride, func(float64) { c.stack.Commit(c.controls, override.PassPreCommit) })
	c.preCommit.Add(hookLipSync, c.writeLipSync)

	c.overrideInstalled = true
}

func (c *Context) uninstallOverride() {
	c.pre.Remove(hookBaseline)
	c.post.Remove(hookOverride)
	c.preCommit.Remove(hookOverride)
	c.overrideInstalled = false
}

// overrideFailed drops the override hooks and schedules a bounded number of
// reinstall attempts
func (c *Context) overrideFailed(cause error) {
	c.uninstallOverride()
	if c.reinstallTask != 0 {
		return
	}
	if c.reinstallAttempts >= c.cfg.ReinstallAttempts {
		if !c.exhausted {
			c.exhausted = true
			c.logger.Error().Err(ErrReinstallExhausted).AnErr("cause", cause).Msg("overrides disabled")
			c.publish(bus.EventTypeReinstallFailed, map[string]any{"error": cause.Error()})
		}
		return
	}
	c.reinstallAttempts++
	c.logger.Warn().Err(cause).Int("attempt", c.reinstallAttempts).Msg("override hooks removed, reinstalling")

	m := c.model
	c.reinstallTask = c.sched.After(c.cfg.ReinstallDelay, func() {
		c.reinstallTask = 0
		if c.model != m {
			return
		}
		c.installOverride()
	})
}

func (c *Context) updateLipSync(dt float64) {
	if !c.lips.Active() || c.model == nil {
		return
	}
	weight := c.lips.Update(dt)
	if c.model.Humanoid == nil {
		c.stack.SetMouthOpenness(weight)
	}
}

// writeLipSync drives the matched mouth expression of 3D avatars. Puppets
// receive the weight through the override stack instead.
func (c *Context) writeLipSync(float64) {
	m := c.model
	if !c.lips.Active() || m == nil || m.Humanoid == nil || m.Controls == nil {
		return
	}
	m.Controls.Set(c.lips.MouthControl(), c.lips.Weight())
}

// syncMouthControls hands the expressions lip-sync drives on a 3D avatar to
// the override stack, which then keeps persistent and saved values off them
func (c *Context) syncMouthControls() {
	m := c.model
	if !c.lips.Active() || m == nil || m.Humanoid == nil {
		c.stack.SetMouthControls(nil)
		return
	}
	names := []string{c.lips.MouthControl()}
	for _, name := range c.lips.Mapping() {
		names = append(names, name)
	}
	c.stack.SetMouthControls(names)
}

// loadCalibration restores the saved set of the current model and returns
// the resident expressions recorded with it
func (c *Context) loadCalibration() []string {
	if c.store == nil || c.model.Controls == nil {
		return nil
	}
	cal, err := c.store.Load(c.model.Name)
	if err != nil {
		if !errors.Is(err, calibration.ErrNotFound) {
			c.logger.Warn().Err(err).Msg("calibration not loaded")
		}
		return nil
	}
	c.stack.SetSavedParameters(cal.Parameters)
	written := c.stack.ApplySavedParameters(c.model.Controls)
	c.logger.Debug().Int("written", written).Msg("calibration applied")
	return cal.Persistent
}

// loadExpressions registers every expression file in the expression
// directory
func (c *Context) loadExpressions() {
	if c.cfg.ExpressionDir == "" {
		return
	}
	files, err := override.FindPersistent(c.cfg.ExpressionDir, "")
	if err != nil {
		c.logger.Warn().Err(err).Msg("expressions not loaded")
		return
	}
	for _, path := range files {
		expr, err := override.LoadExpression(path)
		if err != nil {
			c.logger.Debug().Err(err).Str("file", path).Msg("expression ignored")
			continue
		}
		c.RegisterExpression(expr)
	}
}

// applyResident applies prefixed expressions and those recorded in the
// calibration
func (c *Context) applyResident(extra []string) {
	seen := make(map[string]bool)
	var names []string
	if c.cfg.PersistentPrefix != "" {
		for _, name := range c.Expressions() {
			if strings.HasPrefix(name, c.cfg.PersistentPrefix) {
				names = append(names, name)
				seen[name] = true
			}
		}
	}
	for _, name := range extra {
		if !seen[name] {
			names = append(names, name)
			seen[name] = true
		}
	}
	for _, name := range names {
		if err := c.ApplyPersistentExpression(name); err != nil {
			c.logger.Debug().Err(err).Str("expression", name).Msg("resident expression skipped")
		}
	}
}

// startIdleClip plays the configured idle clip, retrying while it fails
func (c *Context) startIdleClip() {
	if c.cfg.Clip.IdleClip == "" {
		return
	}
	tok := c.idleGen.Next()
	c.tryIdleClip(tok, 0)
}

func (c *Context) tryIdleClip(tok frame.Token, attempt int) {
	c.idleTask = 0
	if !c.idleGen.Current(tok) || c.model == nil {
		return
	}
	_, err := c.player.PlayFile(c.cfg.Clip.IdleClip, clip.Options{Loop: clip.LoopRepeat, Immediate: true, Idle: true})
	if err == nil {
		return
	}
	if attempt+1 >= c.cfg.IdleRetries {
		c.logger.Warn().Err(err).Str("clip", c.cfg.Clip.IdleClip).Msg("idle clip unavailable")
		return
	}
	c.idleTask = c.sched.After(c.cfg.IdleRetryDelay, func() { c.tryIdleClip(tok, attempt+1) })
}

func (c *Context) cancelIdleClip() {
	c.idleGen.Next()
	if c.idleTask != 0 {
		c.sched.Cancel(c.idleTask)
		c.idleTask = 0
	}
}

func (c *Context) publish(t bus.EventType, data map[string]any) {
	if c.events != nil {
		c.events.Publish(bus.Event{Type: t, Data: data})
	}
}
