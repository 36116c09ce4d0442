package rig

import (
	"math"
	"math/rand"

	"github.com/go-gl/mathgl/mgl64"
)

// IdleConfig tunes the procedural idle motion
type IdleConfig struct {
	Enabled            bool    `mapstructure:"enabled" yaml:"enabled"`
	Intensity          float64 `mapstructure:"intensity" yaml:"intensity"`
	BreathingRate      float64 `mapstructure:"breathing_rate" yaml:"breathing_rate"`           // Hz
	BreathingAmplitude float64 `mapstructure:"breathing_amplitude" yaml:"breathing_amplitude"` // radians on the chest
	SwayRate           float64 `mapstructure:"sway_rate" yaml:"sway_rate"`                     // Hz
	SwayAmplitude      float64 `mapstructure:"sway_amplitude" yaml:"sway_amplitude"`           // control units
}

// DefaultIdleConfig returns gentle breathing and sway
func DefaultIdleConfig() IdleConfig {
	return IdleConfig{
		Enabled:            true,
		Intensity:          1.0,
		BreathingRate:      0.2,
		BreathingAmplitude: 0.03,
		SwayRate:           0.1,
		SwayAmplitude:      3.0,
	}
}

// Puppet controls written by the idle driver when present
const (
	ControlBreath     = "ParamBreath"
	ControlAngleX     = "ParamAngleX"
	ControlAngleY     = "ParamAngleY"
	ControlBodyAngleX = "ParamBodyAngleX"
)

// Idle is a procedural breathing and sway driver. It writes absolute values
// derived from its clock every frame, so other systems may offset them
// without drift.
type Idle struct {
	cfg  IdleConfig
	time float64

	noiseOffsets [4]float64
}

// NewIdle creates an idle driver
func NewIdle(cfg IdleConfig) *Idle {
	ia := &Idle{cfg: cfg}
	for i := range ia.noiseOffsets {
		ia.noiseOffsets[i] = rand.Float64() * 100
	}
	return ia
}

// SetConfig replaces the tuning
func (ia *Idle) SetConfig(cfg IdleConfig) {
	ia.cfg = cfg
}

// Advance implements Driver
func (ia *Idle) Advance(m *Model, dt float64) error {
	if !ia.cfg.Enabled || ia.cfg.Intensity <= 0 {
		return nil
	}
	ia.time += dt

	breath := math.Sin(ia.time*ia.cfg.BreathingRate*2*math.Pi)*0.5 + 0.5
	breath *= ia.cfg.Intensity

	if m.Controls != nil {
		ia.writeControl(m.Controls, ControlBreath, breath)
		amp := ia.cfg.SwayAmplitude * ia.cfg.Intensity
		ia.writeControl(m.Controls, ControlAngleX, ia.noise(ia.time*ia.cfg.SwayRate, ia.noiseOffsets[0])*amp)
		ia.writeControl(m.Controls, ControlAngleY, ia.noise(ia.time*ia.cfg.SwayRate*0.8, ia.noiseOffsets[1])*amp*0.5)
		ia.writeControl(m.Controls, ControlBodyAngleX, ia.noise(ia.time*ia.cfg.SwayRate*0.6, ia.noiseOffsets[2])*amp*0.3)
	}

	if m.Humanoid != nil {
		if chest := m.Humanoid.NormalizedBone(BoneChest); chest != nil {
			angle := breath * ia.cfg.BreathingAmplitude
			chest.Rotation = mgl64.QuatRotate(-angle, mgl64.Vec3{1, 0, 0})
		}
	}
	return nil
}

// writeControl offsets the control from its default, skipping absent ones
func (ia *Idle) writeControl(c *Controls, name string, offset float64) {
	if i, ok := c.Index(name); ok {
		c.SetAt(i, c.DefaultAt(i)+offset)
	}
}

// noise is a cheap smooth pseudo-noise in [-1, 1]
func (ia *Idle) noise(t, offset float64) float64 {
	t += offset

	n1 := math.Sin(t)
	n2 := math.Sin(t*2.3+1.7) * 0.5
	n3 := math.Sin(t*4.1+3.2) * 0.25

	return (n1 + n2 + n3) / 1.75
}

// Reset rewinds the idle clock
func (ia *Idle) Reset() {
	ia.time = 0
}

// Time returns the idle clock in seconds
func (ia *Idle) Time() float64 {
	return ia.time
}
