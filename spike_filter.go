package main

import "sync/atomic"

// SpikeFilterConfig controls the smoothing applied after range switches
type SpikeFilterConfig struct {
	Samples        int     `yaml:"samples" json:"samples" bson:"samples"`                         // Samples to smooth after a range change
	Alpha          float64 `yaml:"alpha" json:"alpha" bson:"alpha"`                               // Weight of the short rolling average
	Alpha5         float64 `yaml:"alpha5" json:"alpha5" bson:"alpha5"`                            // Weight of the long rolling average (highest range)
	Range4Settling int     `yaml:"range4_settling" json:"range4_settling" bson:"range4_settling"` // Samples of range 4 that reuse the pre-switch average
}

// DefaultSpikeFilterConfig returns the settings used by the device vendor
func DefaultSpikeFilterConfig() SpikeFilterConfig {
	return SpikeFilterConfig{
		Samples:        3,
		Alpha:          0.18,
		Alpha5:         0.06,
		Range4Settling: 2,
	}
}

func (c *SpikeFilterConfig) applyDefaults() {
	def := DefaultSpikeFilterConfig()
	if c.Samples == 0 {
		c.Samples = def.Samples
	}
	if c.Alpha == 0 {
		c.Alpha = def.Alpha
	}
	if c.Alpha5 == 0 {
		c.Alpha5 = def.Alpha5
	}
	if c.Range4Settling == 0 {
		c.Range4Settling = def.Range4Settling
	}
}

// SpikeFilter suppresses the current spikes caused by gain and offset
// discontinuities when the device switches range. It keeps a short and a long
// exponential rolling average and substitutes one of them for the raw value
// during the settling window that follows every range change.
//
// Apply is called from the producer only. The configuration may be replaced
// from any goroutine and takes effect on the next sample.
type SpikeFilter struct {
	config atomic.Pointer[SpikeFilterConfig]

	primed      bool
	short       float64
	long        float64
	prevRange   uint8
	consecutive int
	afterSpike  int
}

// NewSpikeFilter creates a filter with the given settings
func NewSpikeFilter(cfg SpikeFilterConfig) *SpikeFilter {
	f := &SpikeFilter{}
	f.SetConfig(cfg)
	return f
}

// SetConfig replaces the filter settings
func (f *SpikeFilter) SetConfig(cfg SpikeFilterConfig) {
	cfg.applyDefaults()
	f.config.Store(&cfg)
}

// Config returns the settings in effect
func (f *SpikeFilter) Config() SpikeFilterConfig {
	return *f.config.Load()
}

// Reset clears the rolling state; called when sampling (re)starts
func (f *SpikeFilter) Reset() {
	f.primed = false
	f.short = 0
	f.long = 0
	f.prevRange = 0
	f.consecutive = 0
	f.afterSpike = 0
}

// Apply feeds one calibrated value (amps) measured in rng and returns the
// value to store
func (f *SpikeFilter) Apply(value float64, rng uint8) float64 {
	cfg := f.config.Load()

	if !f.primed {
		f.primed = true
		f.short = value
		f.long = value
		f.prevRange = rng
		return value
	}

	prevShort, prevLong := f.short, f.long
	f.short = cfg.Alpha*value + (1-cfg.Alpha)*f.short
	f.long = cfg.Alpha5*value + (1-cfg.Alpha5)*f.long

	out := value
	if rng != f.prevRange || f.afterSpike > 0 {
		if rng != f.prevRange {
			f.consecutive = 0
			f.afterSpike = cfg.Samples
		} else {
			f.consecutive++
		}

		if rng == maxRangeIndex {
			// The highest range needs a few samples to settle; hold the
			// averages where they were before the switch.
			if f.consecutive < cfg.Range4Settling {
				f.short = prevShort
				f.long = prevLong
			}
			out = f.long
		} else {
			out = f.short
		}
		f.afterSpike--
	}
	f.prevRange = rng

	return out
}
