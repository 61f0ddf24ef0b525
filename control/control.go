// Package control holds the torque laws run by the setpoint loop.  Each law
// is a small state machine advanced once per loop iteration from the latest
// telemetry; none of them talk to a device.
package control

import "math"

// Sample is the input of a law for one iteration
type Sample struct {
	// Position in turns, meaningful only if HasPosition
	Position    float64
	HasPosition bool

	// Velocity in turns/s
	Velocity float64

	// DT is the time since the previous sample, in seconds
	DT float64
}

// Output is the result of one iteration
type Output struct {
	// Torque is the setpoint to write, in Nm
	Torque float64

	// Desired is the torque the law wants before any slew limiting or clamping
	Desired float64

	// Label is a short human readable state, e.g. the hysteresis mode
	Label string
}

// Law computes a torque setpoint from telemetry
type Law interface {
	Update(Sample) Output
}

// Tuner is a law whose torque magnitude can be changed while it runs
type Tuner interface {
	// SetMagnitude sets the law's torque magnitude in Nm
	SetMagnitude(float64)

	// Magnitude returns the law's torque magnitude in Nm
	Magnitude() float64
}

// Capturer is a law that latches the current position when the operator asks
type Capturer interface {
	// Capture latches position p (turns)
	Capture(p float64)
}

func clampSym(x, mag float64) float64 {
	mag = math.Abs(mag)
	if x > mag {
		return mag
	}
	if x < -mag {
		return -mag
	}
	return x
}
