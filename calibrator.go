package main

import (
	"fmt"
	"sync/atomic"
)

// adcMultiplier converts a scaled ADC code to volts across the shunt
const adcMultiplier = 1.8 / 163840

const (
	defaultRegulatorMilliVolts = 3000
	minUserGain                = 0.9
	maxUserGain                = 1.1
)

var defaultShuntResistors = [rangeCount]float64{1031.64, 101.65, 10.15, 0.94, 0.043}

// CalibrationState holds the per-range coefficients used to turn ADC codes
// into current. The device reports the factory values at connect time.
type CalibrationState struct {
	Resistors           [rangeCount]float64 `json:"resistors" bson:"resistors"`           // Shunt resistance per range (ohm)
	Offsets             [rangeCount]float64 `json:"offsets" bson:"offsets"`               // ADC offset per range
	GainSlope           [rangeCount]float64 `json:"gain_slope" bson:"gain_slope"`         // Quadratic software gain term
	GainIntercept       [rangeCount]float64 `json:"gain_intercept" bson:"gain_intercept"` // Linear software gain term
	VddSlope            [rangeCount]float64 `json:"vdd_slope" bson:"vdd_slope"`           // Regulator voltage correction per volt
	VddIntercept        [rangeCount]float64 `json:"vdd_intercept" bson:"vdd_intercept"`   // Constant regulator correction
	UserGains           [rangeCount]float64 `json:"user_gains" bson:"user_gains"`         // User trim, 0.9..1.1
	RegulatorMilliVolts int                 `json:"regulator_mv" bson:"regulator_mv"`     // Current regulator (VDD) setting
	ClampNegative       bool                `json:"clamp_negative" bson:"clamp_negative"` // Report negative currents as zero
}

// DefaultCalibration returns nominal coefficients for an uncalibrated device
func DefaultCalibration() CalibrationState {
	c := CalibrationState{
		Resistors:           defaultShuntResistors,
		RegulatorMilliVolts: defaultRegulatorMilliVolts,
	}
	for i := 0; i < rangeCount; i++ {
		c.GainSlope[i] = 1
		c.GainIntercept[i] = 1
		c.UserGains[i] = 1
	}
	return c
}

// Sanitize resets out-of-bounds user gains to unity and rejects unusable
// shunt values
func (c *CalibrationState) Sanitize() error {
	for i := 0; i < rangeCount; i++ {
		if c.Resistors[i] <= 0 {
			return fmt.Errorf("invalid shunt resistor for range %d: %g", i, c.Resistors[i])
		}
		if c.UserGains[i] < minUserGain || c.UserGains[i] > maxUserGain {
			c.UserGains[i] = 1
		}
	}
	if c.RegulatorMilliVolts < 0 {
		return fmt.Errorf("invalid regulator voltage: %d mV", c.RegulatorMilliVolts)
	}
	return nil
}

// calibrateFrame converts a frame to amps. ok is false for frames whose range
// field is out of bounds.
func calibrateFrame(f RawFrame, c *CalibrationState) (amps float64, ok bool) {
	if f.Range > maxRangeIndex {
		return 0, false
	}
	r := f.Range
	adc := float64(uint32(f.ADC) << 2)

	x := (adc - c.Offsets[r]) * (adcMultiplier / c.Resistors[r])
	vdd := float64(c.RegulatorMilliVolts) / 1000
	amps = c.UserGains[r] * (x*(c.GainSlope[r]*x+c.GainIntercept[r]) + (c.VddSlope[r]*vdd + c.VddIntercept[r]))
	return amps, true
}

// Calibrator applies the calibration and the spike filter to decoded
// frames. Coefficients can be replaced at any time from any goroutine; the
// next frame calibrated picks them up.
type Calibrator struct {
	state  atomic.Pointer[CalibrationState]
	filter *SpikeFilter
}

// NewCalibrator creates a calibrator with the given coefficients
func NewCalibrator(cal CalibrationState, filter SpikeFilterConfig) (*Calibrator, error) {
	c := &Calibrator{filter: NewSpikeFilter(filter)}
	if err := c.SetState(cal); err != nil {
		return nil, err
	}
	return c, nil
}

// SetState replaces the coefficients
func (c *Calibrator) SetState(cal CalibrationState) error {
	if err := cal.Sanitize(); err != nil {
		return err
	}
	c.state.Store(&cal)
	return nil
}

// State returns a copy of the coefficients in effect
func (c *Calibrator) State() CalibrationState {
	return *c.state.Load()
}

// update applies fn to a copy of the coefficients and publishes the result
func (c *Calibrator) update(fn func(*CalibrationState)) error {
	next := c.State()
	fn(&next)
	return c.SetState(next)
}

// Filter exposes the spike filter for configuration
func (c *Calibrator) Filter() *SpikeFilter {
	return c.filter
}

// Reset clears per-session filter state
func (c *Calibrator) Reset() {
	c.filter.Reset()
}

// Calibrate turns a frame into a reading in microamps. Invalid frames become
// missing readings but keep their logic levels.
func (c *Calibrator) Calibrate(f RawFrame) (Reading, bool) {
	bits := expandLogic(f.Logic)
	cal := c.state.Load()

	amps, ok := calibrateFrame(f, cal)
	if !ok {
		return Reading{Current: missingCurrent, Bits: bits}, false
	}

	amps = c.filter.Apply(amps, f.Range)
	microAmps := amps * 1e6
	if cal.ClampNegative && microAmps < 0 {
		microAmps = 0
	}
	return Reading{Current: float32(microAmps), Bits: bits}, true
}
