// Package config provides configuration management for the avatar rig
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/normanking/cortexrig/internal/avatar"
	"github.com/normanking/cortexrig/internal/bridge"
	"github.com/normanking/cortexrig/internal/clip"
	"github.com/normanking/cortexrig/internal/lipsync"
	"github.com/normanking/cortexrig/internal/override"
	"github.com/normanking/cortexrig/internal/rig"
	"github.com/normanking/cortexrig/internal/tracker"
)

const (
	dirName   = ".cortexrig"
	fileName  = "config.yaml"
	envPrefix = "CORTEXRIG"
)

// Config holds all application configuration
type Config struct {
	App         AppConfig         `mapstructure:"app" yaml:"app"`
	Window      WindowConfig      `mapstructure:"window" yaml:"window"`
	Frame       FrameConfig       `mapstructure:"frame" yaml:"frame"`
	Model       ModelConfig       `mapstructure:"model" yaml:"model"`
	Tracker     tracker.Config    `mapstructure:"tracker" yaml:"tracker"`
	Clip        clip.Config       `mapstructure:"clip" yaml:"clip"`
	LipSync     LipSyncConfig     `mapstructure:"lipsync" yaml:"lipsync"`
	Idle        rig.IdleConfig    `mapstructure:"idle" yaml:"idle"`
	Override    OverrideConfig    `mapstructure:"override" yaml:"override"`
	Bridge      bridge.Config     `mapstructure:"bridge" yaml:"bridge"`
	Calibration CalibrationConfig `mapstructure:"calibration" yaml:"calibration"`
}

// AppConfig configures logging
type AppConfig struct {
	Name     string `mapstructure:"name" yaml:"name"`
	LogLevel string `mapstructure:"log_level" yaml:"log_level"`
	LogDir   string `mapstructure:"log_dir" yaml:"log_dir"`
	Console  bool   `mapstructure:"console" yaml:"console"`
}

// WindowConfig configures the viewer window
type WindowConfig struct {
	Title       string `mapstructure:"title" yaml:"title"`
	Width       int    `mapstructure:"width" yaml:"width"`
	Height      int    `mapstructure:"height" yaml:"height"`
	VSync       bool   `mapstructure:"vsync" yaml:"vsync"`
	AlwaysOnTop bool   `mapstructure:"always_on_top" yaml:"always_on_top"`
	Transparent bool   `mapstructure:"transparent" yaml:"transparent"`
}

// FrameConfig configures the frame loop
type FrameConfig struct {
	MaxDelta float64 `mapstructure:"max_delta" yaml:"max_delta"` // seconds
}

// ModelConfig selects the avatar and its expression files
type ModelConfig struct {
	Path          string `mapstructure:"path" yaml:"path"`
	ExpressionDir string `mapstructure:"expression_dir" yaml:"expression_dir"`
}

// LipSyncConfig adds capture switches to the lip-sync tuning
type LipSyncConfig struct {
	lipsync.Config `mapstructure:",squash" yaml:",inline"`
	Enabled        bool `mapstructure:"enabled" yaml:"enabled"`
}

// OverrideConfig adds the reinstall guard to the override stack tuning
type OverrideConfig struct {
	override.Config   `mapstructure:",squash" yaml:",inline"`
	ReinstallAttempts int     `mapstructure:"reinstall_attempts" yaml:"reinstall_attempts"`
	ReinstallDelay    float64 `mapstructure:"reinstall_delay" yaml:"reinstall_delay"` // seconds
	PersistentPrefix  string  `mapstructure:"persistent_prefix" yaml:"persistent_prefix"`
}

// CalibrationConfig locates saved parameter files
type CalibrationConfig struct {
	Dir string `mapstructure:"dir" yaml:"dir"`
}

// DefaultConfig returns sensible default configuration
func DefaultConfig() *Config {
	av := avatar.DefaultConfig()
	return &Config{
		App: AppConfig{
			Name:     "CortexRig",
			LogLevel: "info",
			Console:  true,
		},
		Window: WindowConfig{
			Title:  "CortexRig",
			Width:  500,
			Height: 700,
			VSync:  true,
		},
		Frame:   FrameConfig{MaxDelta: av.MaxFrameDelta},
		Tracker: av.Tracker,
		Clip:    av.Clip,
		LipSync: LipSyncConfig{Config: av.LipSync},
		Idle:    av.Idle,
		Override: OverrideConfig{
			Config:            av.Override,
			ReinstallAttempts: av.ReinstallAttempts,
			ReinstallDelay:    av.ReinstallDelay,
			PersistentPrefix:  av.PersistentPrefix,
		},
		Bridge: bridge.DefaultConfig(),
	}
}

// Avatar derives the avatar context configuration
func (c *Config) Avatar() avatar.Config {
	av := avatar.DefaultConfig()
	av.MaxFrameDelta = c.Frame.MaxDelta
	av.Override = c.Override.Config
	av.Tracker = c.Tracker
	av.Clip = c.Clip
	av.LipSync = c.LipSync.Config
	av.Idle = c.Idle
	av.ReinstallAttempts = c.Override.ReinstallAttempts
	av.ReinstallDelay = c.Override.ReinstallDelay
	av.ExpressionDir = c.Model.ExpressionDir
	av.PersistentPrefix = c.Override.PersistentPrefix
	return av
}

var (
	mu sync.Mutex
	v  *viper.Viper
)

// Dir returns the configuration directory path
func Dir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homeDir, dirName), nil
}

// Load reads configuration from the user config directory, the working
// directory and the environment
func Load() (*Config, error) {
	dir, err := Dir()
	if err != nil {
		return DefaultConfig(), err
	}
	return LoadFrom(dir)
}

// LoadFrom reads dir/config.yaml, writing the defaults there when the file
// does not exist. Environment variables such as CORTEXRIG_TRACKER_WEIGHT_IDLE
// override file values.
func LoadFrom(dir string) (*Config, error) {
	cfg := DefaultConfig()
	cfg.App.LogDir = filepath.Join(dir, "logs")
	cfg.Calibration.Dir = filepath.Join(dir, "calibration")
	cfg.Clip.Dir = filepath.Join(dir, "clips")
	cfg.Model.ExpressionDir = filepath.Join(dir, "expressions")

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return cfg, err
	}

	vp := viper.New()
	vp.SetConfigName(strings.TrimSuffix(fileName, filepath.Ext(fileName)))
	vp.SetConfigType("yaml")
	vp.AddConfigPath(dir)
	vp.AddConfigPath(".")

	vp.SetEnvPrefix(envPrefix)
	vp.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	vp.AutomaticEnv()

	if err := vp.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := SaveTo(dir, cfg); err != nil {
			return cfg, err
		}
		if err := vp.ReadInConfig(); err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
	}

	if err := vp.Unmarshal(cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}

	mu.Lock()
	v = vp
	mu.Unlock()
	return cfg, nil
}

// Save writes the configuration to the user config directory
func Save(cfg *Config) error {
	dir, err := Dir()
	if err != nil {
		return err
	}
	return SaveTo(dir, cfg)
}

// SaveTo writes cfg as dir/config.yaml
func SaveTo(dir string, cfg *Config) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return os.WriteFile(filepath.Join(dir, fileName), data, 0o644)
}

// Watch calls onChange with the reloaded configuration whenever the file
// read by the last Load changes
func Watch(onChange func(*Config)) error {
	mu.Lock()
	vp := v
	mu.Unlock()
	if vp == nil {
		return errors.New("config: nothing loaded")
	}

	vp.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg := DefaultConfig()
		if err := vp.Unmarshal(cfg); err != nil {
			return
		}
		onChange(cfg)
	})
	vp.WatchConfig()
	return nil
}
