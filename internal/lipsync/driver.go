// Package lipsync turns microphone or playback audio into mouth movement.
// A spectrum source reports byte-scaled frequency energy; the driver reduces
// it to a smoothed mouth-open weight every frame.
package lipsync

import (
	"math"
	"strings"

	"github.com/rs/zerolog"

	"github.com/normanking/cortexrig/internal/rig"
)

// Vowels are the mouth expressions searched for on 3D avatars
var Vowels = []string{"aa", "ih", "ou", "ee", "oh"}

// Config holds lip-sync tuning
type Config struct {
	LowBand       float64 `mapstructure:"low_band" yaml:"low_band"`
	MidBand       float64 `mapstructure:"mid_band" yaml:"mid_band"`
	MidWeight     float64 `mapstructure:"mid_weight" yaml:"mid_weight"`
	VolumeScale   float64 `mapstructure:"volume_scale" yaml:"volume_scale"`
	Smoothing     float64 `mapstructure:"smoothing" yaml:"smoothing"`
	FFTSize       int     `mapstructure:"fft_size" yaml:"fft_size"`
	SampleRate    int     `mapstructure:"sample_rate" yaml:"sample_rate"`
	Device        string  `mapstructure:"device" yaml:"device"`
	MinDecibels   float64 `mapstructure:"min_decibels" yaml:"min_decibels"`
	MaxDecibels   float64 `mapstructure:"max_decibels" yaml:"max_decibels"`
	TimeSmoothing float64 `mapstructure:"time_smoothing" yaml:"time_smoothing"`
}

// DefaultConfig returns the stock tuning
func DefaultConfig() Config {
	return Config{
		LowBand:       0.1,
		MidBand:       0.3,
		MidWeight:     0.5,
		VolumeScale:   128,
		Smoothing:     12,
		FFTSize:       2048,
		SampleRate:    48000,
		MinDecibels:   -100,
		MaxDecibels:   -30,
		TimeSmoothing: 0.8,
	}
}

// Source provides byte frequency data, one value in 0..255 per bin
type Source interface {
	FrequencyBinCount() int
	ByteFrequencyData(dst []byte)
}

// Driver converts spectrum energy into a mouth weight
type Driver struct {
	cfg    Config
	logger zerolog.Logger

	src     Source
	active  bool
	mouth   map[string]string
	current float64
	bins    []byte
}

// NewDriver creates an inactive driver
func NewDriver(cfg Config, logger zerolog.Logger) *Driver {
	return &Driver{
		cfg:    cfg,
		logger: logger.With().Str("component", "lipsync").Logger(),
		mouth:  make(map[string]string),
	}
}

// SetConfig replaces the tuning
func (d *Driver) SetConfig(cfg Config) {
	d.cfg = cfg
}

// Start begins following src. names are the avatar's expression names,
// searched for each vowel. A nil src leaves lip-sync inactive.
func (d *Driver) Start(src Source, names []string) {
	d.src = src
	d.active = src != nil
	d.MapExpressions(names)
	if src == nil {
		d.logger.Debug().Msg("no spectrum source, lip-sync unavailable")
		return
	}
	d.bins = make([]byte, src.FrequencyBinCount())
}

// MapExpressions matches each vowel to the first expression whose name
// equals or contains it, ignoring case
func (d *Driver) MapExpressions(names []string) {
	d.mouth = make(map[string]string, len(Vowels))
	for _, vowel := range Vowels {
		for _, name := range names {
			lower := strings.ToLower(name)
			if lower == vowel || strings.Contains(lower, vowel) {
				d.mouth[vowel] = name
				break
			}
		}
	}
}

// Mapping returns the vowel to expression mapping
func (d *Driver) Mapping() map[string]string {
	out := make(map[string]string, len(d.mouth))
	for k, v := range d.mouth {
		out[k] = v
	}
	return out
}

// MouthControl returns the expression that receives the weight
func (d *Driver) MouthControl() string {
	if name, ok := d.mouth["aa"]; ok {
		return name
	}
	return "aa"
}

// Stop ends lip-sync and closes every matched mouth expression. controls
// may be nil.
func (d *Driver) Stop(controls *rig.Controls) {
	d.active = false
	d.src = nil
	d.current = 0
	if controls == nil {
		return
	}
	for _, name := range d.mouth {
		if !controls.Set(name, 0) {
			d.logger.Debug().Str("control", name).Msg("mouth reset skipped")
		}
	}
}

// Active reports whether a source is being followed
func (d *Driver) Active() bool {
	return d.active && d.src != nil
}

// Weight returns the last computed mouth weight
func (d *Driver) Weight() float64 {
	return math.Max(0, d.current)
}

// Update samples the source and moves the weight toward the measured
// volume. It returns the new weight.
func (d *Driver) Update(dt float64) float64 {
	if !d.Active() {
		return d.Weight()
	}
	if n := d.src.FrequencyBinCount(); len(d.bins) != n {
		d.bins = make([]byte, n)
	}
	d.src.ByteFrequencyData(d.bins)

	target := math.Min(1, Volume(d.bins, d.cfg)/d.cfg.VolumeScale)
	d.current += (target - d.current) * (d.cfg.Smoothing * dt)
	return d.Weight()
}

// Volume reduces frequency bins to a loudness figure: the larger of the
// low band average and the weighted mid band average
func Volume(bins []byte, cfg Config) float64 {
	lowEnd := int(math.Floor(float64(len(bins)) * cfg.LowBand))
	midEnd := int(math.Floor(float64(len(bins)) * cfg.MidBand))

	var low, mid float64
	for i := 0; i < lowEnd; i++ {
		low += float64(bins[i])
	}
	for i := lowEnd; i < midEnd; i++ {
		mid += float64(bins[i])
	}
	low /= float64(max(lowEnd, 1))
	mid /= float64(max(midEnd-lowEnd, 1))

	return math.Max(low, mid*cfg.MidWeight)
}
