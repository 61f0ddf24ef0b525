package control

import (
	"fmt"
	"math"
)

// SpringParams tune the virtual spring
type SpringParams struct {
	// Stiffness in Nm/turn
	Stiffness float64 `koanf:"stiffness" yaml:"stiffness" json:"stiffness"`

	// Rate is how fast the anchor follows a moving limb, per second
	Rate float64 `koanf:"rate" yaml:"rate" json:"rate"`

	// VelocityThreshold in turns/s, below which the anchor snaps to the limb
	VelocityThreshold float64 `koanf:"velocity_threshold" yaml:"velocity_threshold" json:"velocityThreshold"`

	// MaxDT caps the time step in seconds
	MaxDT float64 `koanf:"max_dt" yaml:"max_dt" json:"maxDt"`
}

// DefaultSpringParams are the values the exoskeleton was tuned with
func DefaultSpringParams() SpringParams {
	return SpringParams{Stiffness: 50, Rate: 0.5, VelocityThreshold: 0.01, MaxDT: 0.1}
}

// Spring is the virtual spring resistance law: a spring whose anchor slips.
// The anchor locks to the limb while it is still and is dragged slowly toward
// it under a sustained push.  Torque opposes displacement from the anchor and
// is capped at MaxResistance.
type Spring struct {
	SpringParams

	// MaxResistance caps the torque magnitude, in Nm
	MaxResistance float64

	locked    float64
	estimated float64
	started   bool
	lastError float64
}

// NewSpring returns a spring with no anchor; the first update sets it
func NewSpring(p SpringParams, maxResistance float64) (*Spring, error) {
	if p.Stiffness <= 0 {
		return nil, fmt.Errorf("spring stiffness must be positive, got %g", p.Stiffness)
	}
	if p.Rate < 0 || p.VelocityThreshold < 0 {
		return nil, fmt.Errorf("spring rate and velocity threshold must not be negative")
	}
	if p.MaxDT <= 0 {
		p.MaxDT = 0.1
	}
	return &Spring{SpringParams: p, MaxResistance: math.Abs(maxResistance)}, nil
}

// Locked returns the anchor position in turns
func (s *Spring) Locked() float64 {
	return s.locked
}

// Displacement returns the last distance from the anchor, in turns
func (s *Spring) Displacement() float64 {
	return s.lastError
}

// Update satisfies Law.  Without position telemetry the position is
// estimated by integrating velocity.
func (s *Spring) Update(in Sample) Output {
	dt := math.Min(math.Max(in.DT, 0), s.MaxDT)
	var pos float64
	if in.HasPosition {
		pos = in.Position
		s.estimated = pos
	} else {
		s.estimated += in.Velocity * dt
		pos = s.estimated
	}
	switch {
	case !s.started:
		s.locked = pos
		s.started = true
	case math.Abs(in.Velocity) < s.VelocityThreshold:
		s.locked = pos
	default:
		s.locked += (pos - s.locked) * math.Min(s.Rate*dt, 1)
	}
	s.lastError = pos - s.locked
	desired := -s.Stiffness * s.lastError
	tau := clampSym(desired, s.MaxResistance)
	label := "RESISTING"
	if s.MaxResistance > 0 && math.Abs(tau) >= 0.99*s.MaxResistance {
		label = "AT LIMIT"
	}
	return Output{Torque: tau, Desired: desired, Label: label}
}

// SetMagnitude satisfies Tuner by changing the maximum resistance
func (s *Spring) SetMagnitude(nm float64) {
	s.MaxResistance = math.Abs(nm)
}

// Magnitude satisfies Tuner
func (s *Spring) Magnitude() float64 {
	return s.MaxResistance
}
