// Package gpu holds the static clock profile registry and the runtime GPU
// inventory built from nvidia-smi enumeration.
package gpu

import "strings"

// ClockProfile describes the stock clocks of a known GPU model together with
// the undervolt offset applied to them and the idle power threshold the
// daemon uses to decide when undervolting should be turned off.
//
// The offset is the intensity of the undervolt: larger values save more power
// but destabilize the system at some point, so per-model values are tuned by
// experimentation and verified with a GPU-heavy benchmark.
type ClockProfile struct {
	// CoreClockMHz is the stock base clock.
	CoreClockMHz int `mapstructure:"core_mhz"`

	// BoostClockMHz is the stock boost clock.
	BoostClockMHz int `mapstructure:"boost_mhz"`

	// OffsetMHz is subtracted from both clocks when locking the clock range
	// and applied as the graphics clock offset.
	OffsetMHz int `mapstructure:"offset_mhz"`

	// IdleThresholdWatts is the power draw at or below which the GPU is
	// considered idle while in an active performance state.
	IdleThresholdWatts float64 `mapstructure:"idle_threshold_watts"`
}

// Registry maps the nvidia-smi product name to the model's clock profile.
type Registry map[string]ClockProfile

// Lookup resolves a model name against the registry. Profiles loaded from
// the config file arrive with lowercased keys (viper folds key case), so a
// failed exact match retries with the lowercased name.
func (r Registry) Lookup(model string) (ClockProfile, bool) {
	if profile, ok := r[model]; ok {
		return profile, true
	}
	profile, ok := r[strings.ToLower(model)]
	return profile, ok
}

// DefaultRegistry returns the built-in profile table. Clocks come from the
// vendor spec sheets (e.g. the GeForce 30 series data sheet), offsets and
// thresholds from experimentation.
func DefaultRegistry() Registry {
	return Registry{
		"NVIDIA GeForce RTX 3090": {
			CoreClockMHz:       1395,
			BoostClockMHz:      1695,
			OffsetMHz:          200,
			IdleThresholdWatts: 120,
		},
	}
}

// Merge returns a copy of the registry with entries from extra added,
// overriding built-in profiles on model name collision. Used to fold
// operator-supplied profiles from the config file into the defaults.
func (r Registry) Merge(extra map[string]ClockProfile) Registry {
	merged := make(Registry, len(r)+len(extra))
	for model, profile := range r {
		merged[model] = profile
	}
	for model, profile := range extra {
		merged[model] = profile
	}
	return merged
}
