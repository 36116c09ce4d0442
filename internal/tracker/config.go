package tracker

import "github.com/normanking/cortexrig/internal/filter"

// Config tunes both tracking channels. Angles are in degrees.
type Config struct {
	EyeSmoothSpeed float64              `mapstructure:"eye_smooth_speed" yaml:"eye_smooth_speed"`
	EyeFilter      filter.OneEuroParams `mapstructure:"eye_filter" yaml:"eye_filter"`

	HeadMaxYawDeg       float64              `mapstructure:"head_max_yaw_deg" yaml:"head_max_yaw_deg"`
	HeadMaxPitchUpDeg   float64              `mapstructure:"head_max_pitch_up_deg" yaml:"head_max_pitch_up_deg"`
	HeadMaxPitchDownDeg float64              `mapstructure:"head_max_pitch_down_deg" yaml:"head_max_pitch_down_deg"`
	HeadSmoothSpeed     float64              `mapstructure:"head_smooth_speed" yaml:"head_smooth_speed"`
	HeadFilter          filter.OneEuroParams `mapstructure:"head_filter" yaml:"head_filter"`

	NeckContribution float64 `mapstructure:"neck_contribution" yaml:"neck_contribution"`
	HeadContribution float64 `mapstructure:"head_contribution" yaml:"head_contribution"`

	WeightIdle          float64 `mapstructure:"weight_idle" yaml:"weight_idle"`
	WeightIdleAnim      float64 `mapstructure:"weight_idle_anim" yaml:"weight_idle_anim"`
	WeightAction        float64 `mapstructure:"weight_action" yaml:"weight_action"`
	WeightDragging      float64 `mapstructure:"weight_dragging" yaml:"weight_dragging"`
	WeightTransitionSec float64 `mapstructure:"weight_transition_sec" yaml:"weight_transition_sec"`
	ReduceWhileDragging bool    `mapstructure:"reduce_while_dragging" yaml:"reduce_while_dragging"`

	// LookAtDistance places the initial eye target in front of the head
	LookAtDistance float64 `mapstructure:"look_at_distance" yaml:"look_at_distance"`
}

// DefaultConfig returns the tuning used for desktop companions: fast eyes,
// slow head, neck doing most of the turn.
func DefaultConfig() Config {
	return Config{
		EyeSmoothSpeed: 12,
		EyeFilter:      filter.OneEuroParams{MinCutoff: 1.5, Beta: 0.5, DCutoff: 1.0},

		HeadMaxYawDeg:       20,
		HeadMaxPitchUpDeg:   12,
		HeadMaxPitchDownDeg: 10,
		HeadSmoothSpeed:     5,
		HeadFilter:          filter.OneEuroParams{MinCutoff: 0.8, Beta: 0.3, DCutoff: 1.0},

		NeckContribution: 0.6,
		HeadContribution: 0.4,

		WeightIdle:          1.0,
		WeightIdleAnim:      0.7,
		WeightAction:        0,
		WeightDragging:      0.15,
		WeightTransitionSec: 0.2,
		ReduceWhileDragging: true,

		LookAtDistance: 2.4,
	}
}
