// Package calibration persists per-model saved control values.
package calibration

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrNotFound is returned when a model has no saved calibration
var ErrNotFound = errors.New("calibration: not found")

// Calibration is the on-disk record for one model
type Calibration struct {
	Model      string             `yaml:"model"`
	UpdatedAt  time.Time          `yaml:"updated_at"`
	Parameters map[string]float64 `yaml:"parameters"`
	Persistent []string           `yaml:"persistent,omitempty"`
}

// Store reads and writes calibrations under one directory, one YAML file
// per model.
type Store struct {
	dir string
}

// NewStore creates a store rooted at dir
func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

// Dir returns the storage directory
func (s *Store) Dir() string {
	return s.dir
}

// Path returns the file a model's calibration lives in
func (s *Store) Path(model string) string {
	return filepath.Join(s.dir, fileName(model)+".yaml")
}

func fileName(model string) string {
	name := strings.TrimSuffix(filepath.Base(model), filepath.Ext(model))
	name = strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|', ' ':
			return '_'
		}
		return r
	}, name)
	if name == "" || name == "." {
		name = "_"
	}
	return name
}

// Load reads the calibration for model. Non-finite values are dropped.
func (s *Store) Load(model string) (*Calibration, error) {
	data, err := os.ReadFile(s.Path(model))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", model, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read calibration: %w", err)
	}

	var c Calibration
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("decode calibration %s: %w", model, err)
	}
	if c.Model == "" {
		c.Model = model
	}
	c.Parameters = finiteOnly(c.Parameters)
	return &c, nil
}

// Save writes c, creating the directory when needed
func (s *Store) Save(c *Calibration) error {
	if c == nil || c.Model == "" {
		return errors.New("calibration: model name required")
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create calibration dir: %w", err)
	}

	out := *c
	out.Parameters = finiteOnly(c.Parameters)
	if out.UpdatedAt.IsZero() {
		out.UpdatedAt = time.Now().UTC()
	}

	data, err := yaml.Marshal(&out)
	if err != nil {
		return fmt.Errorf("encode calibration: %w", err)
	}
	tmp := s.Path(c.Model) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write calibration: %w", err)
	}
	return os.Rename(tmp, s.Path(c.Model))
}

// Delete removes a model's calibration. Missing files are not an error.
func (s *Store) Delete(model string) error {
	err := os.Remove(s.Path(model))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func finiteOnly(in map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(in))
	for k, v := range in {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		out[k] = v
	}
	return out
}
