package odrive

import (
	"strings"

	"github.com/berr-exo/exodrive/motor"
	"github.com/pkg/errors"
)

// AxisState values of the firmware
const (
	axisStateUndefined                = 0
	axisStateIdle                     = 1
	axisStateStartupSequence          = 2
	axisStateFullCalibrationSequence  = 3
	axisStateMotorCalibration         = 4
	axisStateEncoderIndexSearch       = 6
	axisStateEncoderOffsetCalibration = 7
	axisStateClosedLoopControl        = 8
	axisStateLockinSpin               = 9
	axisStateEncoderDirFind           = 10
	axisStateHoming                   = 11
)

var (
	stateToDevice = map[motor.State]int{
		motor.StateUndefined:                axisStateUndefined,
		motor.StateIdle:                     axisStateIdle,
		motor.StateStartup:                  axisStateStartupSequence,
		motor.StateFullCalibration:          axisStateFullCalibrationSequence,
		motor.StateMotorCalibration:         axisStateMotorCalibration,
		motor.StateEncoderIndexSearch:       axisStateEncoderIndexSearch,
		motor.StateEncoderOffsetCalibration: axisStateEncoderOffsetCalibration,
		motor.StateClosedLoop:               axisStateClosedLoopControl,
		motor.StateLockinSpin:               axisStateLockinSpin,
		motor.StateEncoderDirFind:           axisStateEncoderDirFind,
		motor.StateHoming:                   axisStateHoming,
	}

	stateFromDevice = func() map[int]motor.State {
		m := make(map[int]motor.State, len(stateToDevice))
		for k, v := range stateToDevice {
			m[v] = k
		}
		return m
	}()
)

// deviceState converts a state to the firmware's integer
func deviceState(s motor.State) (int, error) {
	i, ok := stateToDevice[s]
	if !ok {
		return 0, errors.Errorf("odrive: state %s cannot be requested", s)
	}
	return i, nil
}

// fromDeviceState converts the firmware's integer to a state
func fromDeviceState(i int64) motor.State {
	if s, ok := stateFromDevice[int(i)]; ok {
		return s
	}
	return motor.StateOther
}

// ControlMode values of the firmware match motor.ControlMode ordinals;
// InputMode is always passthrough here.
const inputModePassthrough = 1

// EncoderMode is the mode of the RS485 encoder group
type EncoderMode int

const (
	// EncoderAMT21Polling polls an AMT21 encoder, for the AMT212B-V
	EncoderAMT21Polling EncoderMode = 1
	// EncoderAMT21EventDriven listens to an AMT21 encoder, for the AMT212B-V-OD
	EncoderAMT21EventDriven EncoderMode = 2
)

// ParseEncoderMode accepts the names used in configuration files
func ParseEncoderMode(s string) (EncoderMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "amt21_polling", "polling", "1":
		return EncoderAMT21Polling, nil
	case "amt21_event_driven", "event_driven", "2":
		return EncoderAMT21EventDriven, nil
	}
	return 0, errors.Errorf("odrive: unknown RS485 encoder mode %q", s)
}

func (m EncoderMode) String() string {
	switch m {
	case EncoderAMT21Polling:
		return "AMT21_POLLING"
	case EncoderAMT21EventDriven:
		return "AMT21_EVENT_DRIVEN"
	}
	return "UNKNOWN"
}

// EncoderRS485Encoder0 is the EncoderId of the first RS485 encoder
const EncoderRS485Encoder0 = 10
