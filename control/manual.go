package control

// Manual holds a torque entered by the operator
type Manual struct {
	// Limit caps the torque magnitude, zero means no limit
	Limit float64

	torque float64
}

// NewManual returns a manual law at zero torque
func NewManual(limit float64) *Manual {
	return &Manual{Limit: limit}
}

// Update satisfies Law
func (m *Manual) Update(Sample) Output {
	return Output{Torque: m.torque, Desired: m.torque, Label: "MANUAL"}
}

// SetMagnitude satisfies Tuner.  Unlike the other laws the sign is kept, and
// the torque is clamped to the limit.
func (m *Manual) SetMagnitude(nm float64) {
	if m.Limit > 0 {
		nm = clampSym(nm, m.Limit)
	}
	m.torque = nm
}

// Magnitude satisfies Tuner
func (m *Manual) Magnitude() float64 {
	return m.torque
}
