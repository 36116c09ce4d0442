package bridge

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/normanking/cortexrig/internal/avatar"
	"github.com/normanking/cortexrig/internal/clip"
)

// Op runs on the frame goroutine and returns the ack result
type Op func(c *avatar.Context) (any, error)

// Handler decodes a raw command into an Op. Validation errors are returned
// before anything is queued.
type Handler func(raw json.RawMessage) (Op, error)

func defaultHandlers() map[string]Handler {
	return map[string]Handler{
		"set_mouth":                   setMouth,
		"apply_persistent_expression": applyPersistentExpression,
		"clear_persistent_expression": simple(func(c *avatar.Context) { c.ClearPersistentExpression() }),
		"apply_saved_parameters":      applySavedParameters,
		"save_calibration":            saveCalibration,
		"play":                        play,
		"stop":                        simple(func(c *avatar.Context) { c.Stop() }),
		"reset_tracker":               simple(func(c *avatar.Context) { c.ResetTracker() }),
		"set_head_tracking":           setHeadTracking,
		"pointer_move":                pointerMove,
		"set_dragging":                setDragging,
		"status":                      status,
	}
}

func decode(raw json.RawMessage, v any) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode params: %w", err)
	}
	return nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// simple wraps a parameterless operation
func simple(fn func(c *avatar.Context)) Handler {
	return func(json.RawMessage) (Op, error) {
		return func(c *avatar.Context) (any, error) {
			fn(c)
			return nil, nil
		}, nil
	}
}

func setMouth(raw json.RawMessage) (Op, error) {
	var p struct {
		Value *float64 `json:"value"`
	}
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	if p.Value == nil {
		return nil, errors.New("set_mouth: value required")
	}
	v := *p.Value
	return func(c *avatar.Context) (any, error) {
		c.SetMouthOpenness(v)
		return nil, nil
	}, nil
}

func applyPersistentExpression(raw json.RawMessage) (Op, error) {
	var p struct {
		Name string `json:"name"`
	}
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	if p.Name == "" {
		return nil, errors.New("apply_persistent_expression: name required")
	}
	return func(c *avatar.Context) (any, error) {
		return nil, c.ApplyPersistentExpression(p.Name)
	}, nil
}

func applySavedParameters(raw json.RawMessage) (Op, error) {
	var p struct {
		Parameters map[string]float64 `json:"parameters"`
	}
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	params := make(map[string]float64, len(p.Parameters))
	for name, v := range p.Parameters {
		if finite(v) {
			params[name] = v
		}
	}
	return func(c *avatar.Context) (any, error) {
		written, err := c.ApplySavedParameters(params)
		if err != nil {
			return nil, err
		}
		return map[string]any{"written": written}, nil
	}, nil
}

func saveCalibration(json.RawMessage) (Op, error) {
	return func(c *avatar.Context) (any, error) {
		return nil, c.SaveCalibration()
	}, nil
}

func play(raw json.RawMessage) (Op, error) {
	var p struct {
		Clip         string  `json:"clip"`
		Path         string  `json:"path"`
		Loop         string  `json:"loop"`
		TimeScale    float64 `json:"time_scale"`
		FadeDuration float64 `json:"fade_duration"`
		Immediate    bool    `json:"immediate"`
		NoReset      bool    `json:"no_reset"`
	}
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	if p.Clip == "" && p.Path == "" {
		return nil, errors.New("play: clip or path required")
	}

	opts := clip.Options{
		TimeScale:    p.TimeScale,
		FadeDuration: p.FadeDuration,
		Immediate:    p.Immediate,
		NoReset:      p.NoReset,
	}
	switch p.Loop {
	case "", "repeat":
		opts.Loop = clip.LoopRepeat
	case "once":
		opts.Loop = clip.LoopOnce
	default:
		return nil, fmt.Errorf("play: unknown loop mode %q", p.Loop)
	}

	return func(c *avatar.Context) (any, error) {
		var (
			a   *clip.Action
			err error
		)
		if p.Path != "" {
			a, err = c.PlayFile(p.Path, opts)
		} else {
			a, err = c.PlayNamed(p.Clip, opts)
		}
		if err != nil {
			return nil, err
		}
		return map[string]any{"action": a.ID, "clip": a.Clip.Name}, nil
	}, nil
}

func setHeadTracking(raw json.RawMessage) (Op, error) {
	var p struct {
		Enabled bool `json:"enabled"`
	}
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	return func(c *avatar.Context) (any, error) {
		c.SetHeadTrackingEnabled(p.Enabled)
		return nil, nil
	}, nil
}

func pointerMove(raw json.RawMessage) (Op, error) {
	var p struct {
		X float64 `json:"x"`
		Y float64 `json:"y"`
	}
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	return func(c *avatar.Context) (any, error) {
		c.PointerMove(p.X, p.Y)
		return nil, nil
	}, nil
}

func setDragging(raw json.RawMessage) (Op, error) {
	var p struct {
		Dragging bool `json:"dragging"`
	}
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	return func(c *avatar.Context) (any, error) {
		c.SetDragging(p.Dragging)
		return nil, nil
	}, nil
}

func status(json.RawMessage) (Op, error) {
	return func(c *avatar.Context) (any, error) {
		out := map[string]any{
			"id":         c.ID,
			"state":      c.Player().State().String(),
			"persistent": c.Stack().PersistentNames(),
			"mouth":      c.Stack().MouthOpenness(),
			"overrides":  c.OverrideInstalled(),
		}
		if m := c.Model(); m != nil {
			out["model"] = m.Name
			out["version"] = string(m.Version)
		}
		return out, nil
	}, nil
}
