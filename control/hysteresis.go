package control

import (
	"fmt"
	"math"
)

// Mode is the state of the hysteresis law
type Mode int

const (
	// Hold applies a small holding torque while the limb is still
	Hold Mode = iota
	// Resist applies the resistive torque while the limb moves
	Resist
	// Runaway backs off to the holding torque when motion is too fast to be voluntary
	Runaway
)

func (m Mode) String() string {
	switch m {
	case Hold:
		return "HOLD"
	case Resist:
		return "RESIST"
	case Runaway:
		return "RUNAWAY"
	}
	return "UNKNOWN"
}

// Thresholds are the velocity thresholds (turns/s) of the hysteresis law.
// They must satisfy ExitToHold < EnterResist < ExitToRunaway.
type Thresholds struct {
	EnterResist   float64 `koanf:"enter_resist" yaml:"enter_resist" json:"enterResist"`
	ExitToHold    float64 `koanf:"exit_to_hold" yaml:"exit_to_hold" json:"exitToHold"`
	ExitToRunaway float64 `koanf:"exit_to_runaway" yaml:"exit_to_runaway" json:"exitToRunaway"`
}

// Validate checks the ordering of the thresholds
func (t Thresholds) Validate() error {
	if !(t.ExitToHold < t.EnterResist && t.EnterResist < t.ExitToRunaway) {
		return fmt.Errorf("hysteresis thresholds must satisfy exit_to_hold (%g) < enter_resist (%g) < exit_to_runaway (%g)",
			t.ExitToHold, t.EnterResist, t.ExitToRunaway)
	}
	if t.ExitToHold < 0 {
		return fmt.Errorf("hysteresis threshold exit_to_hold (%g) must not be negative", t.ExitToHold)
	}
	return nil
}

// Hysteresis is the motion gated resistive torque law.  It holds a small
// torque while still, resists while moving, and gives up resisting when the
// motion is faster than ExitToRunaway.  The gap between the enter and exit
// thresholds keeps it from chattering at a boundary.
type Hysteresis struct {
	Thresholds
	HoldTorque   float64
	ResistTorque float64

	mode Mode
}

// NewHysteresis returns a law in the Hold mode
func NewHysteresis(th Thresholds, holdTorque, resistTorque float64) (*Hysteresis, error) {
	if err := th.Validate(); err != nil {
		return nil, err
	}
	return &Hysteresis{Thresholds: th, HoldTorque: holdTorque, ResistTorque: resistTorque}, nil
}

// Mode returns the current mode
func (h *Hysteresis) Mode() Mode {
	return h.mode
}

// Step advances the mode by at most one transition for speed |v|
func (h *Hysteresis) Step(v float64) Mode {
	v = math.Abs(v)
	switch h.mode {
	case Hold:
		// a jump straight past the runaway threshold is not voluntary motion
		if v > h.EnterResist && v <= h.ExitToRunaway {
			h.mode = Resist
		}
	case Resist:
		if v < h.ExitToHold {
			h.mode = Hold
		} else if v > h.ExitToRunaway {
			h.mode = Runaway
		}
	case Runaway:
		if v < h.EnterResist {
			h.mode = Hold
		}
	}
	return h.mode
}

// Torque is the output torque of the current mode
func (h *Hysteresis) Torque() float64 {
	if h.mode == Resist {
		return h.ResistTorque
	}
	return h.HoldTorque
}

// Update satisfies Law
func (h *Hysteresis) Update(s Sample) Output {
	m := h.Step(s.Velocity)
	tau := h.Torque()
	return Output{Torque: tau, Desired: tau, Label: m.String()}
}

// SetMagnitude satisfies Tuner by changing the resistive torque
func (h *Hysteresis) SetMagnitude(nm float64) {
	h.ResistTorque = nm
}

// Magnitude satisfies Tuner
func (h *Hysteresis) Magnitude() float64 {
	return h.ResistTorque
}
