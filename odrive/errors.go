package odrive

import (
	"fmt"
	"strings"
)

// ErrorFlags is the bitmask reported in axis active_errors and disarm_reason
type ErrorFlags uint32

// error bits of the axis, from the firmware's ODriveError enum
const (
	ErrInitializing           ErrorFlags = 0x1
	ErrSystemLevel            ErrorFlags = 0x2
	ErrTimingError            ErrorFlags = 0x4
	ErrMissingEstimate        ErrorFlags = 0x8
	ErrBadConfig              ErrorFlags = 0x10
	ErrDrvFault               ErrorFlags = 0x20
	ErrMissingInput           ErrorFlags = 0x40
	ErrDCBusOverVoltage       ErrorFlags = 0x100
	ErrDCBusUnderVoltage      ErrorFlags = 0x200
	ErrDCBusOverCurrent       ErrorFlags = 0x400
	ErrDCBusOverRegenCurrent  ErrorFlags = 0x800
	ErrCurrentLimitViolation  ErrorFlags = 0x1000
	ErrMotorOverTemp          ErrorFlags = 0x2000
	ErrInverterOverTemp       ErrorFlags = 0x4000
	ErrVelocityLimitViolation ErrorFlags = 0x8000
	ErrPositionLimitViolation ErrorFlags = 0x10000
	ErrWatchdogTimerExpired   ErrorFlags = 0x1000000
	ErrEstopRequested         ErrorFlags = 0x2000000
	ErrSpinoutDetected        ErrorFlags = 0x4000000
	ErrBrakeResistorDisarmed  ErrorFlags = 0x8000000
	ErrThermistorDisconnected ErrorFlags = 0x10000000
	ErrCalibrationError       ErrorFlags = 0x40000000
)

var errmap = map[ErrorFlags]string{
	ErrInitializing:           "INITIALIZING",
	ErrSystemLevel:            "SYSTEM_LEVEL",
	ErrTimingError:            "TIMING_ERROR",
	ErrMissingEstimate:        "MISSING_ESTIMATE",
	ErrBadConfig:              "BAD_CONFIG",
	ErrDrvFault:               "DRV_FAULT",
	ErrMissingInput:           "MISSING_INPUT",
	ErrDCBusOverVoltage:       "DC_BUS_OVER_VOLTAGE",
	ErrDCBusUnderVoltage:      "DC_BUS_UNDER_VOLTAGE",
	ErrDCBusOverCurrent:       "DC_BUS_OVER_CURRENT",
	ErrDCBusOverRegenCurrent:  "DC_BUS_OVER_REGEN_CURRENT",
	ErrCurrentLimitViolation:  "CURRENT_LIMIT_VIOLATION",
	ErrMotorOverTemp:          "MOTOR_OVER_TEMP",
	ErrInverterOverTemp:       "INVERTER_OVER_TEMP",
	ErrVelocityLimitViolation: "VELOCITY_LIMIT_VIOLATION",
	ErrPositionLimitViolation: "POSITION_LIMIT_VIOLATION",
	ErrWatchdogTimerExpired:   "WATCHDOG_TIMER_EXPIRED",
	ErrEstopRequested:         "ESTOP_REQUESTED",
	ErrSpinoutDetected:        "SPINOUT_DETECTED",
	ErrBrakeResistorDisarmed:  "BRAKE_RESISTOR_DISARMED",
	ErrThermistorDisconnected: "THERMISTOR_DISCONNECTED",
	ErrCalibrationError:       "CALIBRATION_ERROR",
}

// Names returns the names of the set bits, lowest bit first.  Unknown bits
// are rendered in hex.
func (e ErrorFlags) Names() []string {
	var out []string
	for bit := ErrorFlags(1); bit != 0; bit <<= 1 {
		if e&bit == 0 {
			continue
		}
		if name, ok := errmap[bit]; ok {
			out = append(out, name)
		} else {
			out = append(out, fmt.Sprintf("0x%X", uint32(bit)))
		}
	}
	return out
}

func (e ErrorFlags) String() string {
	if e == 0 {
		return "NONE"
	}
	return strings.Join(e.Names(), "|")
}

// Error makes ErrorFlags satisfy the error interface
func (e ErrorFlags) Error() string {
	return "odrive axis error: " + e.String()
}
