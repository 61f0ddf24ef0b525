// Package motor contains an abstract interface for one axis of a motor
// controller.  Device drivers implement the small interfaces they can
// satisfy; calibration, control loops and HTTP wrappers consume them.
package motor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

var (
	// ErrTelemetryUnavailable is generated when an optional telemetry field
	// cannot be read from the device
	ErrTelemetryUnavailable = errors.New("telemetry field unavailable")

	// ErrNotSupported is generated when an axis lacks a capability
	ErrNotSupported = errors.New("operation not supported by this axis")

	// ErrUnknownProperty is generated by a PropertyStore for a path it does not have
	ErrUnknownProperty = errors.New("unknown property")
)

// State is the state of the axis state machine inside the device firmware
type State int

const (
	// StateUndefined is the zero value, reported before the axis is queried
	StateUndefined State = iota
	// StateIdle means the motor is disarmed
	StateIdle
	// StateStartup is the firmware's startup sequence
	StateStartup
	// StateFullCalibration runs motor then encoder calibration
	StateFullCalibration
	// StateMotorCalibration measures phase resistance and inductance
	StateMotorCalibration
	// StateEncoderIndexSearch spins until the encoder index pulse is found
	StateEncoderIndexSearch
	// StateEncoderOffsetCalibration aligns electrical phase with the encoder
	StateEncoderOffsetCalibration
	// StateClosedLoop is active torque/velocity/position regulation
	StateClosedLoop
	// StateLockinSpin spins open loop
	StateLockinSpin
	// StateEncoderDirFind finds the encoder direction
	StateEncoderDirFind
	// StateHoming runs the homing sequence
	StateHoming
	// StateOther is any state this package does not model
	StateOther
)

var stateNames = map[State]string{
	StateUndefined:                "UNDEFINED",
	StateIdle:                     "IDLE",
	StateStartup:                  "STARTUP_SEQUENCE",
	StateFullCalibration:          "FULL_CALIBRATION_SEQUENCE",
	StateMotorCalibration:         "MOTOR_CALIBRATION",
	StateEncoderIndexSearch:       "ENCODER_INDEX_SEARCH",
	StateEncoderOffsetCalibration: "ENCODER_OFFSET_CALIBRATION",
	StateClosedLoop:               "CLOSED_LOOP_CONTROL",
	StateLockinSpin:               "LOCKIN_SPIN",
	StateEncoderDirFind:           "ENCODER_DIR_FIND",
	StateHoming:                   "HOMING",
	StateOther:                    "OTHER",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return "UNKNOWN"
}

// ParseState accepts a state name as printed by String, case insensitive,
// or the short forms "idle" and "closed_loop"
func ParseState(name string) (State, error) {
	up := strings.ToUpper(strings.TrimSpace(name))
	switch up {
	case "CLOSED_LOOP":
		return StateClosedLoop, nil
	case "FULL_CALIBRATION":
		return StateFullCalibration, nil
	}
	for s, n := range stateNames {
		if n == up && s != StateUndefined && s != StateOther {
			return s, nil
		}
	}
	return StateUndefined, fmt.Errorf("unknown axis state %q", name)
}

// Calibrating returns true if s is one of the calibration states
func (s State) Calibrating() bool {
	switch s {
	case StateFullCalibration, StateMotorCalibration, StateEncoderIndexSearch,
		StateEncoderOffsetCalibration, StateEncoderDirFind:
		return true
	}
	return false
}

// ControlMode selects which setpoint the firmware regulates
type ControlMode int

const (
	// ControlVoltage commands phase voltage directly
	ControlVoltage ControlMode = iota
	// ControlTorque commands torque in Nm
	ControlTorque
	// ControlVelocity commands velocity in turns/s
	ControlVelocity
	// ControlPosition commands position in turns
	ControlPosition
)

func (m ControlMode) String() string {
	switch m {
	case ControlVoltage:
		return "VOLTAGE_CONTROL"
	case ControlTorque:
		return "TORQUE_CONTROL"
	case ControlVelocity:
		return "VELOCITY_CONTROL"
	case ControlPosition:
		return "POSITION_CONTROL"
	}
	return "UNKNOWN"
}

// Telemetry is one snapshot of the live readings of an axis.
// Optional fields are only meaningful when their Has flag is set.
type Telemetry struct {
	Time time.Time `json:"time"`

	// Position in turns and velocity in turns/s
	Position    float64 `json:"position"`
	Velocity    float64 `json:"velocity"`
	HasPosition bool    `json:"hasPosition"`

	// IqMeasured is the measured torque producing current, in amps
	IqMeasured float64 `json:"iqMeasured"`
	HasCurrent bool    `json:"hasCurrent"`

	// TorqueEstimate is the firmware's torque estimate in Nm
	TorqueEstimate    float64 `json:"torqueEstimate"`
	HasTorqueEstimate bool    `json:"hasTorqueEstimate"`

	// temperatures in Celsius
	MotorTemp    float64 `json:"motorTemp"`
	FETTemp      float64 `json:"fetTemp"`
	HasMotorTemp bool    `json:"hasMotorTemp"`
	HasFETTemp   bool    `json:"hasFetTemp"`

	BusVoltage float64 `json:"busVoltage"`
	BusCurrent float64 `json:"busCurrent"`
	HasBus     bool    `json:"hasBus"`

	ActiveErrors uint32 `json:"activeErrors"`
	DisarmReason uint32 `json:"disarmReason"`
	State        State  `json:"state"`
}

// ElectricalPower is the power drawn from the DC bus, in watts
func (t Telemetry) ElectricalPower() float64 {
	return t.BusVoltage * t.BusCurrent
}

// MechanicalPower is the shaft power for a given torque, in watts
func (t Telemetry) MechanicalPower(torque float64) float64 {
	return torque * t.Velocity * 2 * math.Pi
}

// Fault holds the error state of an axis
type Fault struct {
	ActiveErrors uint32
	DisarmReason uint32
}

// OK returns true if the axis reports no errors
func (f Fault) OK() bool {
	return f.ActiveErrors == 0 && f.DisarmReason == 0
}

// Telemetrist can read live telemetry
type Telemetrist interface {
	// Telemetry reads a snapshot of the axis readings
	Telemetry(context.Context) (Telemetry, error)
}

// Torquer can command torque
type Torquer interface {
	// SetTorque sets the torque setpoint in Nm
	SetTorque(context.Context, float64) error
}

// Speeder can command velocity
type Speeder interface {
	// SetVelocity sets the velocity setpoint in turns/s
	SetVelocity(context.Context, float64) error
}

// Voltager can command phase voltage
type Voltager interface {
	// SetVoltage sets the voltage setpoint in volts
	SetVoltage(context.Context, float64) error
}

// Stater can request and report axis states
type Stater interface {
	// RequestState asks the firmware to enter a state
	RequestState(context.Context, State) error

	// CurrentState reports the state the firmware is in
	CurrentState(context.Context) (State, error)
}

// Moder can select the control mode
type Moder interface {
	// SetControlMode selects which setpoint the firmware regulates
	SetControlMode(context.Context, ControlMode) error
}

// Calibrator can run the firmware's calibration state machine
type Calibrator interface {
	Stater

	// Fault reads the error and disarm fields
	Fault(context.Context) (Fault, error)

	// MotorParameters reads the measured phase resistance (ohm) and inductance (H)
	MotorParameters(context.Context) (float64, float64, error)
}

// PropertyStore is the hierarchical remote-object surface of a device.
// Paths are dotted, e.g. "axis0.config.motor.torque_constant".
type PropertyStore interface {
	ReadProperty(ctx context.Context, path string) (string, error)
	WriteProperty(ctx context.Context, path, value string) error
}

// Persister can save configuration to the device's non-volatile memory
type Persister interface {
	// SaveConfiguration persists the configuration; the device reboots after
	SaveConfiguration(context.Context) error

	// Reboot restarts the device
	Reboot(context.Context) error

	// ClearErrors clears the active errors of every axis
	ClearErrors(context.Context) error
}

// Axis is the capability set a control loop needs
type Axis interface {
	Telemetrist
	Torquer
	Stater
	Moder
}

// Limits describes the torque capability of a motor
type Limits struct {
	// TorqueConstant in Nm/A
	TorqueConstant float64 `json:"torqueConstant"`

	// CurrentSoftMax in A
	CurrentSoftMax float64 `json:"currentSoftMax"`
}

// MaxTorque is the approximate torque available at the current limit
func (l Limits) MaxTorque() float64 {
	return l.TorqueConstant * l.CurrentSoftMax
}

// CurrentFor is the current expected to produce torque
func (l Limits) CurrentFor(torque float64) float64 {
	if l.TorqueConstant == 0 {
		return 0
	}
	return torque / l.TorqueConstant
}
