package motor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"
)

// Mock is a simulated axis: a rotor with inertia and viscous damping, driven by
// the commanded torque and an externally applied torque (the wearer's push).
// It satisfies every interface in this package and backs tests and dry runs.
type Mock struct {
	sync.Mutex

	// Now is the clock used for physics and calibration timing
	Now func() time.Time

	// Inertia in Nm*s^2/turn, Damping in Nm*s/turn
	Inertia float64
	Damping float64

	// External is a torque applied by the outside world, in Nm
	External float64

	// CalibrationTime is how long a calibration takes
	CalibrationTime time.Duration

	// CalibrationFault, if nonzero, is reported as the active error after calibration
	CalibrationFault uint32

	// CalibrationDisarm, if nonzero, is reported as the disarm reason after
	// calibration with no active error
	CalibrationDisarm uint32

	// CalibrationHangs keeps the axis calibrating forever
	CalibrationHangs bool

	// FailTelemetry is the number of upcoming Telemetry calls that will fail
	FailTelemetry int

	// NoPosition hides the position reading, as when no encoder is configured
	NoPosition bool

	// Resistance (ohm) and Inductance (H) reported after motor calibration
	Resistance float64
	Inductance float64

	// Props backs the PropertyStore surface
	Props map[string]string

	// Torques records every torque setpoint written, Requests every state requested
	Torques  []float64
	Requests []State
	Saves    int
	Reboots  int

	state     State
	mode      ControlMode
	pos, vel  float64
	torque    float64
	velCmd    float64
	voltage   float64
	errs      uint32
	disarm    uint32
	calEnd    time.Time
	last      time.Time
	motorTemp float64
}

// NewMock returns a mock axis at rest in the idle state
func NewMock() *Mock {
	return &Mock{
		Now:             time.Now,
		Inertia:         0.02,
		Damping:         0.1,
		CalibrationTime: 200 * time.Millisecond,
		Resistance:      0.12,
		Inductance:      45e-6,
		Props:           map[string]string{},
		state:           StateIdle,
		mode:            ControlTorque,
		motorTemp:       25,
	}
}

// advance integrates the rotor up to m.Now().  The caller must hold the lock.
func (m *Mock) advance() {
	now := m.Now()
	if m.last.IsZero() {
		m.last = now
		return
	}
	dt := now.Sub(m.last).Seconds()
	m.last = now
	if dt <= 0 {
		return
	}
	dt = math.Min(dt, 0.1)
	if m.state.Calibrating() {
		return
	}
	drive := 0.
	if m.state == StateClosedLoop {
		switch m.mode {
		case ControlTorque:
			drive = m.torque
		case ControlVoltage:
			drive = m.voltage * 0.05
		case ControlVelocity:
			m.vel = m.velCmd
			m.pos += m.vel * dt
			return
		}
	}
	acc := (drive + m.External - m.Damping*m.vel) / m.Inertia
	m.vel += acc * dt
	m.pos += m.vel * dt
	m.motorTemp += math.Abs(drive) * 0.01 * dt
}

// Telemetry satisfies Telemetrist
func (m *Mock) Telemetry(ctx context.Context) (Telemetry, error) {
	m.Lock()
	defer m.Unlock()
	m.advance()
	m.settleCalibration()
	if m.FailTelemetry > 0 {
		m.FailTelemetry--
		return Telemetry{}, errors.New("mock: telemetry read failed")
	}
	t := Telemetry{
		Time:              m.Now(),
		Position:          m.pos,
		Velocity:          m.vel,
		HasPosition:       !m.NoPosition,
		TorqueEstimate:    m.torque,
		HasTorqueEstimate: true,
		MotorTemp:         m.motorTemp,
		HasMotorTemp:      true,
		FETTemp:           30,
		HasFETTemp:        true,
		BusVoltage:        24,
		HasBus:            true,
		ActiveErrors:      m.errs,
		DisarmReason:      m.disarm,
		State:             m.state,
	}
	if m.state == StateClosedLoop {
		t.IqMeasured = m.torque / 0.083
		t.HasCurrent = true
		t.BusCurrent = math.Abs(t.IqMeasured) * 0.1
	}
	if m.NoPosition {
		t.Position = 0
	}
	return t, nil
}

// SetTorque satisfies Torquer
func (m *Mock) SetTorque(ctx context.Context, nm float64) error {
	m.Lock()
	defer m.Unlock()
	m.advance()
	m.torque = nm
	m.Torques = append(m.Torques, nm)
	return nil
}

// SetVelocity satisfies Speeder
func (m *Mock) SetVelocity(ctx context.Context, v float64) error {
	m.Lock()
	defer m.Unlock()
	m.advance()
	m.velCmd = v
	return nil
}

// SetVoltage satisfies Voltager
func (m *Mock) SetVoltage(ctx context.Context, v float64) error {
	m.Lock()
	defer m.Unlock()
	m.advance()
	m.voltage = v
	return nil
}

// SetControlMode satisfies Moder
func (m *Mock) SetControlMode(ctx context.Context, mode ControlMode) error {
	m.Lock()
	defer m.Unlock()
	m.mode = mode
	return nil
}

// RequestState satisfies Stater
func (m *Mock) RequestState(ctx context.Context, s State) error {
	m.Lock()
	defer m.Unlock()
	m.advance()
	m.Requests = append(m.Requests, s)
	switch {
	case s.Calibrating():
		m.state = s
		m.calEnd = m.Now().Add(m.CalibrationTime)
	case s == StateClosedLoop:
		if m.errs != 0 {
			m.disarm = m.errs
			m.state = StateIdle
			return nil
		}
		m.state = StateClosedLoop
	case s == StateIdle:
		m.state = StateIdle
		m.torque = 0
	default:
		m.state = s
	}
	return nil
}

// CurrentState satisfies Stater
func (m *Mock) CurrentState(ctx context.Context) (State, error) {
	m.Lock()
	defer m.Unlock()
	m.settleCalibration()
	return m.state, nil
}

// settleCalibration finishes a calibration whose time has come.  The caller
// must hold the lock.
func (m *Mock) settleCalibration() {
	if !m.state.Calibrating() || m.CalibrationHangs {
		return
	}
	if m.Now().Before(m.calEnd) {
		return
	}
	m.state = StateIdle
	if m.CalibrationFault != 0 {
		m.errs = m.CalibrationFault
		m.disarm = m.CalibrationFault
	}
	if m.CalibrationDisarm != 0 {
		m.disarm = m.CalibrationDisarm
	}
}

// Fault satisfies Calibrator
func (m *Mock) Fault(ctx context.Context) (Fault, error) {
	m.Lock()
	defer m.Unlock()
	return Fault{ActiveErrors: m.errs, DisarmReason: m.disarm}, nil
}

// MotorParameters satisfies Calibrator
func (m *Mock) MotorParameters(ctx context.Context) (float64, float64, error) {
	m.Lock()
	defer m.Unlock()
	return m.Resistance, m.Inductance, nil
}

// ReadProperty satisfies PropertyStore
func (m *Mock) ReadProperty(ctx context.Context, path string) (string, error) {
	m.Lock()
	defer m.Unlock()
	v, ok := m.Props[path]
	if !ok {
		return "", fmt.Errorf("mock: %s: %w", path, ErrUnknownProperty)
	}
	return v, nil
}

// WriteProperty satisfies PropertyStore
func (m *Mock) WriteProperty(ctx context.Context, path, value string) error {
	m.Lock()
	defer m.Unlock()
	if strings.TrimSpace(path) == "" {
		return fmt.Errorf("mock: empty path: %w", ErrUnknownProperty)
	}
	m.Props[path] = value
	return nil
}

// SaveConfiguration satisfies Persister
func (m *Mock) SaveConfiguration(ctx context.Context) error {
	m.Lock()
	defer m.Unlock()
	m.Saves++
	return nil
}

// Reboot satisfies Persister
func (m *Mock) Reboot(ctx context.Context) error {
	m.Lock()
	defer m.Unlock()
	m.Reboots++
	m.state = StateIdle
	m.torque = 0
	return nil
}

// ClearErrors satisfies Persister
func (m *Mock) ClearErrors(ctx context.Context) error {
	m.Lock()
	defer m.Unlock()
	m.errs = 0
	m.disarm = 0
	return nil
}

// Inject sets the active error bits, as a fault inside the firmware would
func (m *Mock) Inject(errs uint32) {
	m.Lock()
	defer m.Unlock()
	m.errs = errs
	if m.state == StateClosedLoop {
		m.state = StateIdle
		m.disarm = errs
	}
}

// Kinematics returns the simulated position and velocity
func (m *Mock) Kinematics() (float64, float64) {
	m.Lock()
	defer m.Unlock()
	return m.pos, m.vel
}

// SetKinematics places the rotor at a position and velocity
func (m *Mock) SetKinematics(pos, vel float64) {
	m.Lock()
	defer m.Unlock()
	m.pos, m.vel = pos, vel
}
