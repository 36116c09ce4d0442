package clip

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/normanking/cortexrig/internal/bus"
	"github.com/normanking/cortexrig/internal/frame"
	"github.com/normanking/cortexrig/internal/rig"
)

// Config holds the clip player tuning
type Config struct {
	MaxDelta       float64 `mapstructure:"max_delta" yaml:"max_delta"`
	DefaultDelta   float64 `mapstructure:"default_delta" yaml:"default_delta"`
	DefaultFade    float64 `mapstructure:"default_fade" yaml:"default_fade"`
	StopFade       float64 `mapstructure:"stop_fade" yaml:"stop_fade"`
	StopSettle     float64 `mapstructure:"stop_settle" yaml:"stop_settle"`
	RestoreDelay   float64 `mapstructure:"restore_delay" yaml:"restore_delay"`
	RootSampleSize int     `mapstructure:"root_sample_size" yaml:"root_sample_size"`
	IdleClip       string  `mapstructure:"idle_clip" yaml:"idle_clip"`
	Dir            string  `mapstructure:"dir" yaml:"dir"`
}

// DefaultConfig returns the stock player settings
func DefaultConfig() Config {
	return Config{
		MaxDelta:       0.1,
		DefaultDelta:   0.016,
		DefaultFade:    0.4,
		StopFade:       0.5,
		StopSettle:     0.5,
		RestoreDelay:   0.1,
		RootSampleSize: 10,
	}
}

// Source produces a clip for a specific avatar
type Source interface {
	Build(m *rig.Model) (*Clip, error)
}

// Build returns a copy of c so that track renaming never touches the
// original
func (c *Clip) Build(m *rig.Model) (*Clip, error) {
	if m == nil {
		return nil, ErrNoModel
	}
	return c.Clone(), nil
}

// Options control a single Play call. Zero values select the defaults:
// looping, normal speed and the configured fade.
type Options struct {
	Loop         LoopMode
	TimeScale    float64
	FadeDuration float64
	Immediate    bool
	NoReset      bool
	// Idle marks the looping idle clip, which lets head tracking keep a
	// partial weight
	Idle bool
}

// State is the player lifecycle
type State int

const (
	StateIdle State = iota
	StateLoading
	StatePlaying
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLoading:
		return "loading"
	case StatePlaying:
		return "playing"
	case StateStopping:
		return "stopping"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Player drives animation clips on one avatar. It is a rig.Driver and must
// only be used from the frame loop.
type Player struct {
	cfg    Config
	sched  *frame.Scheduler
	events *bus.EventBus
	logger zerolog.Logger

	model   *rig.Model
	mixer   *Mixer
	current *Action
	idle    bool
	speed   float64
	state   State

	gen         frame.Generation
	stopTask    frame.TaskID
	restoreTask frame.TaskID

	// retiring are crossfaded-out actions, uncached once their fade ends
	retiring []*Action

	sceneUUID string
	meshes    []*rig.Node
}

// NewPlayer creates a player. events may be nil.
func NewPlayer(cfg Config, sched *frame.Scheduler, events *bus.EventBus, logger zerolog.Logger) *Player {
	return &Player{
		cfg:    cfg,
		sched:  sched,
		events: events,
		logger: logger.With().Str("component", "clip").Logger(),
		speed:  1,
	}
}

// Bind attaches the player to m, releasing everything tied to the
// previous model
func (p *Player) Bind(m *rig.Model) {
	p.Reset()
	p.model = m
	p.mixer = nil
	p.sceneUUID = ""
	p.meshes = nil
	if m != nil {
		p.mixer = NewMixer(m.Controls)
	}
}

// Model returns the bound avatar
func (p *Player) Model() *rig.Model {
	return p.model
}

// Mixer returns the mixer, nil when no model is bound
func (p *Player) Mixer() *Mixer {
	return p.mixer
}

// Current returns the action that is playing or fading in
func (p *Player) Current() *Action {
	return p.current
}

// State returns the lifecycle state
func (p *Player) State() State {
	return p.state
}

// ActionPlaying reports whether a one-shot or non-idle clip holds the pose
func (p *Player) ActionPlaying() bool {
	return p.current != nil && !p.idle
}

// IdlePlaying reports whether the idle loop is the current clip
func (p *Player) IdlePlaying() bool {
	return p.current != nil && p.idle
}

// PlayFile loads a .vrma file and plays it
func (p *Player) PlayFile(path string, opts Options) (*Action, error) {
	anim, err := LoadVRMA(path)
	if err != nil {
		p.publishFailed(path, err)
		return nil, err
	}
	return p.Play(anim, opts)
}

// Play builds src for the bound avatar and starts it. Unless opts.Immediate
// is set and while another clip is current, the new clip crossfades in over
// the fade duration. Any failure leaves the previous clip untouched.
func (p *Player) Play(src Source, opts Options) (*Action, error) {
	if p.model == nil || p.mixer == nil {
		p.publishFailed("", ErrNoModel)
		return nil, ErrNoModel
	}
	if opts.TimeScale == 0 {
		opts.TimeScale = 1
	}
	if opts.FadeDuration <= 0 {
		opts.FadeDuration = p.cfg.DefaultFade
	}

	prev := p.state
	p.state = StateLoading

	c, err := src.Build(p.model)
	if err != nil {
		p.state = prev
		p.publishFailed("", err)
		return nil, fmt.Errorf("build clip: %w", err)
	}

	if h := p.model.Humanoid; h != nil {
		h.AutoUpdateHumanBones = false
	}
	ProcessTracksForVersion(c, p.model.Version)
	root := FindBestRoot(p.model, c, p.cfg.RootSampleSize)

	next, err := p.mixer.ClipAction(c, root)
	if err != nil {
		p.state = prev
		if p.current == nil {
			p.restorePhysics()
		}
		p.publishFailed(c.Name, err)
		return nil, fmt.Errorf("clip %q: %w", c.Name, err)
	}

	p.gen.Next()
	p.cancelStop()

	next.Enabled = true
	next.Loop = opts.Loop
	next.ClampWhenFinished = opts.Loop == LoopOnce

	old := p.current
	if opts.Immediate || old == nil {
		if old != nil {
			old.Stop()
			p.mixer.Uncache(old)
		}
		next.Reset().Play()
		p.mixer.Update(0)
	} else {
		p.mixer.Update(0)
		old.FadeOut(opts.FadeDuration)
		if !opts.NoReset {
			next.Reset()
		}
		next.FadeIn(opts.FadeDuration).Play()
		p.retiring = append(p.retiring, old)
	}

	p.mixer.Update(0.001)

	p.current = next
	p.idle = opts.Idle
	p.speed = opts.TimeScale
	p.state = StatePlaying

	p.refreshMeshes(p.model)
	p.commit(p.model)

	p.logger.Debug().
		Str("clip", c.Name).
		Str("root", root.Name).
		Int("bound", next.Bound()).
		Bool("immediate", opts.Immediate || old == nil).
		Msg("clip started")
	p.publish(bus.EventTypeClipStarted, map[string]any{
		"clip":   c.Name,
		"action": next.ID,
		"idle":   opts.Idle,
	})
	return next, nil
}

// Stop fades the current clip out. Once the fade settles the mixer is
// cleared, and shortly after that procedural bone updates resume. A Play in
// between supersedes the stop.
func (p *Player) Stop() {
	if p.mixer == nil {
		return
	}
	if p.current == nil {
		p.mixer.StopAll()
		p.state = StateIdle
		p.restorePhysics()
		p.publish(bus.EventTypeClipStopped, nil)
		return
	}

	tok := p.gen.Next()
	p.cancelStop()
	p.state = StateStopping
	stopping := p.current
	stopping.FadeOut(p.cfg.StopFade)

	p.stopTask = p.sched.After(p.cfg.StopSettle, func() {
		p.stopTask = 0
		if !p.gen.Current(tok) {
			return
		}
		p.mixer.StopAll()
		p.mixer.UncacheRoot(stopping.Root)
		p.current = nil
		p.idle = false
		p.state = StateIdle
		p.publish(bus.EventTypeClipStopped, map[string]any{"action": stopping.ID})

		p.restoreTask = p.sched.After(p.cfg.RestoreDelay, func() {
			p.restoreTask = 0
			if p.current == nil && p.gen.Current(tok) {
				p.restorePhysics()
			}
		})
	})
}

// Reset drops every action and pending continuation and restores
// procedural bone updates
func (p *Player) Reset() {
	p.gen.Next()
	p.cancelStop()
	p.retiring = nil
	if p.mixer != nil {
		p.mixer.StopAll()
		for _, a := range append([]*Action(nil), p.mixer.Actions()...) {
			p.mixer.Uncache(a)
		}
	}
	p.current = nil
	p.idle = false
	p.speed = 1
	p.state = StateIdle
	p.restorePhysics()
}

// Dispose resets the player and releases the model and mixer
func (p *Player) Dispose() {
	p.Reset()
	p.model = nil
	p.mixer = nil
	p.meshes = nil
	p.sceneUUID = ""
}

// Advance steps the mixer for one frame. It implements rig.Driver.
func (p *Player) Advance(m *rig.Model, dt float64) error {
	if p.mixer == nil || m != p.model || len(p.mixer.Actions()) == 0 {
		return nil
	}

	delta := dt
	if delta <= 0 || delta > p.cfg.MaxDelta {
		delta = p.cfg.DefaultDelta
	}
	p.mixer.Update(delta * p.speed)
	p.sweepRetiring()

	if h := m.Humanoid; h != nil {
		root := p.current
		normalized := root != nil && root.Root == h.NormalizedRoot()
		if (m.Version == rig.Version1 && h.AutoUpdateHumanBones) || (m.Version == rig.Version0 && normalized) {
			h.Update()
		}
	}

	p.refreshMeshes(m)
	p.commit(m)
	return nil
}

func (p *Player) cancelStop() {
	if p.stopTask != 0 {
		p.sched.Cancel(p.stopTask)
		p.stopTask = 0
	}
	if p.restoreTask != 0 {
		p.sched.Cancel(p.restoreTask)
		p.restoreTask = 0
	}
}

// sweepRetiring uncaches crossfaded-out actions whose fade has run its
// course in mixer time
func (p *Player) sweepRetiring() {
	kept := p.retiring[:0]
	for _, a := range p.retiring {
		switch {
		case a == p.current:
		case a.IsFading():
			kept = append(kept, a)
		default:
			p.mixer.Uncache(a)
		}
	}
	for i := len(kept); i < len(p.retiring); i++ {
		p.retiring[i] = nil
	}
	p.retiring = kept
}

func (p *Player) restorePhysics() {
	if p.model != nil && p.model.Humanoid != nil {
		p.model.Humanoid.AutoUpdateHumanBones = true
	}
}

// refreshMeshes rebuilds the skinned mesh cache when the scene changed
func (p *Player) refreshMeshes(m *rig.Model) {
	if m.Scene == nil || m.Scene.UUID == p.sceneUUID {
		return
	}
	p.sceneUUID = m.Scene.UUID
	p.meshes = m.SkinnedMeshes()
}

func (p *Player) commit(m *rig.Model) {
	if m.Scene == nil {
		return
	}
	m.Scene.UpdateWorld()
	for _, mesh := range p.meshes {
		mesh.Skin.Update()
	}
}

func (p *Player) publish(t bus.EventType, data map[string]any) {
	if p.events != nil {
		p.events.Publish(bus.Event{Type: t, Data: data})
	}
}

func (p *Player) publishFailed(name string, err error) {
	p.logger.Warn().Err(err).Str("clip", name).Msg("clip failed")
	p.publish(bus.EventTypeClipFailed, map[string]any{"clip": name, "error": err.Error()})
}
