package odrive

import (
	"fmt"

	"github.com/berr-exo/exodrive/motor"
)

// SeedMock fills the property store of a simulated axis with the values of a
// board that has an RS485 encoder and a small gimbal motor configured
func SeedMock(m *motor.Mock, axis int) {
	m.Lock()
	defer m.Unlock()
	set := func(rel, v string) { m.Props[axisPath(axis, rel)] = v }
	set("config.motor.motor_type", "0")
	set("config.motor.pole_pairs", "7")
	set(propTorqueConstant, "0.083")
	set(propCurrentSoftMax, "20")
	set("config.motor.current_hard_max", "36")
	set("config.motor.calibration_current", "10")
	set("config.motor.resistance_calib_max_voltage", "2")
	set(propPhaseR, formatFloat(m.Resistance))
	set(propPhaseL, formatFloat(m.Inductance))
	set("config.load_encoder", fmt.Sprint(EncoderRS485Encoder0))
	set("config.commutation_encoder", fmt.Sprint(EncoderRS485Encoder0))
	set("config.startup_motor_calibration", "0")
	set("config.startup_encoder_offset_calibration", "0")
	set("config.startup_encoder_index_search", "0")
	set("config.startup_closed_loop_control", "0")
	set(propControlMode, "1")
	set(propInputMode, "1")
	set("controller.config.vel_limit", "2")
	set("controller.config.vel_limit_tolerance", "1.2")
	set("controller.config.vel_ramp_rate", "1")
	set("controller.config.enable_torque_mode_vel_limit", "1")
	m.Props["rs485_encoder_group0.config.mode"] = fmt.Sprint(int(EncoderAMT21EventDriven))
	m.Props["serial_number"] = "385F324D3037"
}
