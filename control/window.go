package control

import (
	"fmt"
	"math"
)

// Window is the position gated torque profile.  Once the start position p0
// is captured, MaxTorque is wanted while the position lies strictly inside
// (p0, p0+Width) and zero elsewhere, edges included.  The commanded torque
// moves toward the wanted torque by at most SlewRate*dt per update.
type Window struct {
	// Width is the window size in turns, may be negative to open the window
	// in the negative direction
	Width float64

	// MaxTorque is the torque inside the window, in Nm
	MaxTorque float64

	// SlewRate is the largest change in torque per second, in Nm/s
	SlewRate float64

	p0       float64
	captured bool
	torque   float64
}

// NewWindow returns a window law that is idle until Capture is called
func NewWindow(width, maxTorque, slewRate float64) (*Window, error) {
	if width == 0 {
		return nil, fmt.Errorf("window width must not be zero")
	}
	if slewRate <= 0 {
		return nil, fmt.Errorf("window slew rate must be positive, got %g", slewRate)
	}
	return &Window{Width: width, MaxTorque: maxTorque, SlewRate: slewRate}, nil
}

// Capture satisfies Capturer by latching p0
func (w *Window) Capture(p float64) {
	w.p0 = p
	w.captured = true
}

// Start returns p0 and whether it has been captured
func (w *Window) Start() (float64, bool) {
	return w.p0, w.captured
}

// Normalized is the position within the window, clamped to [0, 1]
func (w *Window) Normalized(p float64) float64 {
	n := (p - w.p0) / w.Width
	if n < 0 || math.IsNaN(n) {
		return 0
	}
	if n > 1 {
		return 1
	}
	return n
}

// Desired is the torque wanted at position p
func (w *Window) Desired(p float64) float64 {
	if !w.captured {
		return 0
	}
	n := w.Normalized(p)
	if n > 0 && n < 1 {
		return w.MaxTorque
	}
	return 0
}

// Update satisfies Law
func (w *Window) Update(s Sample) Output {
	desired := 0.
	if s.HasPosition {
		desired = w.Desired(s.Position)
	}
	step := w.SlewRate * math.Max(s.DT, 0)
	w.torque += clampSym(desired-w.torque, step)
	label := "WAITING"
	if w.captured {
		label = fmt.Sprintf("%3.0f%%", 100*w.Normalized(s.Position))
	}
	return Output{Torque: w.torque, Desired: desired, Label: label}
}

// SetMagnitude satisfies Tuner by changing the torque inside the window.
// The sign of the current maximum is kept.
func (w *Window) SetMagnitude(nm float64) {
	if w.MaxTorque < 0 {
		w.MaxTorque = -math.Abs(nm)
		return
	}
	w.MaxTorque = math.Abs(nm)
}

// Magnitude satisfies Tuner
func (w *Window) Magnitude() float64 {
	return math.Abs(w.MaxTorque)
}
