package odrive

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/berr-exo/exodrive/motor"
	"github.com/pkg/errors"
)

// property paths relative to an axis
const (
	propPosition       = "pos_vel_mapper.pos_rel"
	propVelocity       = "pos_vel_mapper.vel"
	propIqMeasured     = "motor.foc.Iq_measured"
	propTorqueEstimate = "motor.torque_estimate"
	propMotorTemp      = "motor.motor_thermistor.temperature"
	propFETTemp        = "motor.fet_thermistor.temperature"
	propActiveErrors   = "active_errors"
	propDisarmReason   = "disarm_reason"
	propCurrentState   = "current_state"
	propRequestedState = "requested_state"

	propTorqueConstant = "config.motor.torque_constant"
	propCurrentSoftMax = "config.motor.current_soft_max"
	propPhaseR         = "config.motor.phase_resistance"
	propPhaseL         = "config.motor.phase_inductance"

	propControlMode = "controller.config.control_mode"
	propInputMode   = "controller.config.input_mode"
	propInputVolt   = "controller.input_voltage"

	// board level
	propVBus = "vbus_voltage"
	propIBus = "ibus"
)

// Axis is one motor on an ODrive board.  It satisfies motor.Axis,
// motor.Calibrator, motor.PropertyStore, motor.Persister, motor.Speeder and
// motor.Voltager.
type Axis struct {
	*Controller

	// Index is the axis number on the board
	Index int

	mu sync.Mutex

	// missing holds optional telemetry paths that the firmware does not have
	missing map[string]bool

	// sawPosition is set once the encoder has reported a nonzero position
	sawPosition bool
}

// NewAxis returns the axis with the given index of a controller
func NewAxis(c *Controller, index int) *Axis {
	return &Axis{Controller: c, Index: index, missing: map[string]bool{}}
}

// Path returns the full property path of a path relative to this axis
func (a *Axis) Path(rel string) string {
	return axisPath(a.Index, rel)
}

// readOptional reads an optional float.  A path the firmware does not know is
// remembered and not asked for again.
func (a *Axis) readOptional(ctx context.Context, path string) (float64, bool, error) {
	a.mu.Lock()
	skip := a.missing[path]
	a.mu.Unlock()
	if skip {
		return 0, false, nil
	}
	f, err := a.ReadFloat(ctx, path)
	if err != nil {
		if IsInvalidProperty(err) {
			a.mu.Lock()
			a.missing[path] = true
			a.mu.Unlock()
			a.log.Infow("telemetry field unavailable, skipping it", "path", path)
			return 0, false, nil
		}
		return 0, false, err
	}
	return f, true, nil
}

// Telemetry satisfies motor.Telemetrist.  Position and velocity come from the
// feedback command in one exchange; the rest are read individually.
func (a *Axis) Telemetry(ctx context.Context) (motor.Telemetry, error) {
	t := motor.Telemetry{Time: time.Now()}
	pos, vel, err := a.Feedback(ctx, a.Index)
	if err != nil {
		return t, err
	}
	t.Position, t.Velocity = pos, vel
	a.mu.Lock()
	// an unconfigured encoder reads exactly zero
	a.sawPosition = a.sawPosition || pos != 0
	t.HasPosition = a.sawPosition
	a.mu.Unlock()

	var ok bool
	if t.IqMeasured, ok, err = a.readOptional(ctx, a.Path(propIqMeasured)); err != nil {
		return t, err
	}
	t.HasCurrent = ok
	if t.TorqueEstimate, ok, err = a.readOptional(ctx, a.Path(propTorqueEstimate)); err != nil {
		return t, err
	}
	t.HasTorqueEstimate = ok
	if t.MotorTemp, ok, err = a.readOptional(ctx, a.Path(propMotorTemp)); err != nil {
		return t, err
	}
	t.HasMotorTemp = ok
	if t.FETTemp, ok, err = a.readOptional(ctx, a.Path(propFETTemp)); err != nil {
		return t, err
	}
	t.HasFETTemp = ok
	var okI bool
	if t.BusVoltage, ok, err = a.readOptional(ctx, propVBus); err != nil {
		return t, err
	}
	if t.BusCurrent, okI, err = a.readOptional(ctx, propIBus); err != nil {
		return t, err
	}
	t.HasBus = ok && okI

	f, err := a.Fault(ctx)
	if err != nil {
		return t, err
	}
	t.ActiveErrors, t.DisarmReason = f.ActiveErrors, f.DisarmReason
	if t.State, err = a.CurrentState(ctx); err != nil {
		return t, err
	}
	return t, nil
}

// ProbePosition reads the position once and reports whether the encoder is
// producing data.  The firmware reports exactly zero for an encoder that is
// not configured or not calibrated.
func (a *Axis) ProbePosition(ctx context.Context) (bool, error) {
	pos, _, err := a.Feedback(ctx, a.Index)
	if err != nil {
		return false, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sawPosition = a.sawPosition || pos != 0
	return a.sawPosition, nil
}

// SetTorque satisfies motor.Torquer
func (a *Axis) SetTorque(ctx context.Context, nm float64) error {
	return a.Controller.SetTorque(ctx, a.Index, nm)
}

// SetVelocity satisfies motor.Speeder
func (a *Axis) SetVelocity(ctx context.Context, vel float64) error {
	return a.Controller.SetVelocity(ctx, a.Index, vel, 0)
}

// SetVoltage satisfies motor.Voltager
func (a *Axis) SetVoltage(ctx context.Context, volts float64) error {
	return a.SetUnverified(ctx, a.Path(propInputVolt), formatFloat(volts))
}

// RequestState satisfies motor.Stater
func (a *Axis) RequestState(ctx context.Context, s motor.State) error {
	i, err := deviceState(s)
	if err != nil {
		return err
	}
	// the firmware clears requested_state once it acts on it, so the read
	// back is not compared
	err = a.SetUnverified(ctx, a.Path(propRequestedState), fmt.Sprint(i))
	return errors.Wrapf(err, "requesting %s", s)
}

// CurrentState satisfies motor.Stater
func (a *Axis) CurrentState(ctx context.Context) (motor.State, error) {
	i, err := a.ReadInt(ctx, a.Path(propCurrentState))
	if err != nil {
		return motor.StateUndefined, err
	}
	return fromDeviceState(i), nil
}

// SetControlMode satisfies motor.Moder.  The input mode is set to passthrough.
func (a *Axis) SetControlMode(ctx context.Context, m motor.ControlMode) error {
	if err := a.WriteInt(ctx, a.Path(propControlMode), int64(m)); err != nil {
		return err
	}
	return a.WriteInt(ctx, a.Path(propInputMode), inputModePassthrough)
}

// Fault satisfies motor.Calibrator
func (a *Axis) Fault(ctx context.Context) (motor.Fault, error) {
	var f motor.Fault
	active, err := a.ReadInt(ctx, a.Path(propActiveErrors))
	if err != nil {
		return f, errors.Wrap(err, "reading active errors")
	}
	disarm, err := a.ReadInt(ctx, a.Path(propDisarmReason))
	if err != nil {
		return f, errors.Wrap(err, "reading disarm reason")
	}
	f.ActiveErrors, f.DisarmReason = uint32(active), uint32(disarm)
	return f, nil
}

// MotorParameters satisfies motor.Calibrator
func (a *Axis) MotorParameters(ctx context.Context) (float64, float64, error) {
	r, err := a.ReadFloat(ctx, a.Path(propPhaseR))
	if err != nil {
		return 0, 0, err
	}
	l, err := a.ReadFloat(ctx, a.Path(propPhaseL))
	return r, l, err
}

// Limits reads the torque constant and current limit of the motor
func (a *Axis) Limits(ctx context.Context) (motor.Limits, error) {
	return ReadLimits(ctx, a, a.Index)
}

// ReadLimits reads the torque constant and current limit of an axis from any
// property store
func ReadLimits(ctx context.Context, ps motor.PropertyStore, axis int) (motor.Limits, error) {
	var l motor.Limits
	kt, err := readFloat(ctx, ps, axisPath(axis, propTorqueConstant))
	if err != nil {
		return l, err
	}
	imax, err := readFloat(ctx, ps, axisPath(axis, propCurrentSoftMax))
	if err != nil {
		return l, err
	}
	l.TorqueConstant, l.CurrentSoftMax = kt, imax
	return l, nil
}

func axisPath(axis int, rel string) string {
	return fmt.Sprintf("axis%d.%s", axis, rel)
}

func readFloat(ctx context.Context, ps motor.PropertyStore, path string) (float64, error) {
	s, err := ps.ReadProperty(ctx, path)
	if err != nil {
		return 0, err
	}
	return parseFloat(s)
}
