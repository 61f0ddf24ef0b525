package odrive

import (
	"context"
	"fmt"

	"github.com/berr-exo/exodrive/motor"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
)

// MotorConfig holds the motor parameters of an axis.  Zero fields are not written.
type MotorConfig struct {
	MotorType                 int     `koanf:"motor_type" yaml:"motor_type" json:"motorType"`
	PolePairs                 int     `koanf:"pole_pairs" yaml:"pole_pairs" json:"polePairs"`
	TorqueConstant            float64 `koanf:"torque_constant" yaml:"torque_constant" json:"torqueConstant"`
	CurrentSoftMax            float64 `koanf:"current_soft_max" yaml:"current_soft_max" json:"currentSoftMax"`
	CurrentHardMax            float64 `koanf:"current_hard_max" yaml:"current_hard_max" json:"currentHardMax"`
	CalibrationCurrent        float64 `koanf:"calibration_current" yaml:"calibration_current" json:"calibrationCurrent"`
	ResistanceCalibMaxVoltage float64 `koanf:"resistance_calib_max_voltage" yaml:"resistance_calib_max_voltage" json:"resistanceCalibMaxVoltage"`
}

// EncoderConfig selects the RS485 encoder of an axis
type EncoderConfig struct {
	// Mode is amt21_polling (AMT212B-V) or amt21_event_driven (AMT212B-V-OD)
	Mode string `koanf:"mode" yaml:"mode" json:"mode"`
}

// ControllerConfig holds the velocity limiter settings of an axis.  Zero
// fields are not written.
type ControllerConfig struct {
	VelLimit          float64 `koanf:"vel_limit" yaml:"vel_limit" json:"velLimit"`
	VelLimitTolerance float64 `koanf:"vel_limit_tolerance" yaml:"vel_limit_tolerance" json:"velLimitTolerance"`
	VelRampRate       float64 `koanf:"vel_ramp_rate" yaml:"vel_ramp_rate" json:"velRampRate"`
}

// SensorlessConfig holds the sensorless estimator settings
type SensorlessConfig struct {
	// Kv is the motor velocity constant in rpm/V, used for the flux linkage
	Kv           float64 `koanf:"kv" yaml:"kv" json:"kv"`
	ObserverGain float64 `koanf:"observer_gain" yaml:"observer_gain" json:"observerGain"`
}

// recipe accumulates property writes, so one failed write does not hide the others
type recipe struct {
	ctx  context.Context
	ps   motor.PropertyStore
	axis int
	err  error
}

func (r *recipe) set(path, value string) {
	r.err = multierr.Append(r.err, r.ps.WriteProperty(r.ctx, path, value))
}

func (r *recipe) axisSet(rel, value string) {
	r.set(axisPath(r.axis, rel), value)
}

func (r *recipe) float(rel string, f float64) {
	if f != 0 {
		r.axisSet(rel, formatFloat(f))
	}
}

func (r *recipe) int(rel string, i int) {
	if i != 0 {
		r.axisSet(rel, fmt.Sprint(i))
	}
}

func (r *recipe) bool(rel string, b bool) {
	v := "0"
	if b {
		v = "1"
	}
	r.axisSet(rel, v)
}

// ApplyMotor writes the nonzero fields of mc to an axis
func ApplyMotor(ctx context.Context, ps motor.PropertyStore, axis int, mc MotorConfig) error {
	r := &recipe{ctx: ctx, ps: ps, axis: axis}
	r.int("config.motor.motor_type", mc.MotorType)
	r.int("config.motor.pole_pairs", mc.PolePairs)
	r.float(propTorqueConstant, mc.TorqueConstant)
	r.float(propCurrentSoftMax, mc.CurrentSoftMax)
	r.float("config.motor.current_hard_max", mc.CurrentHardMax)
	r.float("config.motor.calibration_current", mc.CalibrationCurrent)
	r.float("config.motor.resistance_calib_max_voltage", mc.ResistanceCalibMaxVoltage)
	return r.err
}

// ApplyEncoder selects the first RS485 encoder as the load and commutation
// encoder of an axis.  The board must save and reboot for it to take effect.
func ApplyEncoder(ctx context.Context, ps motor.PropertyStore, axis int, ec EncoderConfig) error {
	mode, err := ParseEncoderMode(ec.Mode)
	if err != nil {
		return err
	}
	r := &recipe{ctx: ctx, ps: ps, axis: axis}
	r.set("rs485_encoder_group0.config.mode", fmt.Sprint(int(mode)))
	r.axisSet("config.load_encoder", fmt.Sprint(EncoderRS485Encoder0))
	r.axisSet("config.commutation_encoder", fmt.Sprint(EncoderRS485Encoder0))
	return r.err
}

// EncoderConfigured reports whether the RS485 encoder is the load and
// commutation encoder of an axis.  Firmware without these properties is
// reported as not configured.
func EncoderConfigured(ctx context.Context, ps motor.PropertyStore, axis int) (bool, error) {
	for _, rel := range []string{"config.load_encoder", "config.commutation_encoder"} {
		s, err := ps.ReadProperty(ctx, axisPath(axis, rel))
		if err != nil {
			if IsInvalidProperty(err) {
				return false, nil
			}
			return false, err
		}
		i, err := parseInt(s)
		if err != nil {
			return false, err
		}
		if i != EncoderRS485Encoder0 {
			return false, nil
		}
	}
	return true, nil
}

// ApplyTorqueMode puts an axis in passthrough torque control with the
// torque mode velocity limiter disabled
func ApplyTorqueMode(ctx context.Context, ps motor.PropertyStore, axis int, cc ControllerConfig) error {
	r := &recipe{ctx: ctx, ps: ps, axis: axis}
	r.int(propControlMode, int(motor.ControlTorque))
	r.int(propInputMode, inputModePassthrough)
	r.bool("controller.config.enable_torque_mode_vel_limit", false)
	r.float("controller.config.vel_limit", cc.VelLimit)
	r.float("controller.config.vel_limit_tolerance", cc.VelLimitTolerance)
	return r.err
}

// ApplyVelocityLimit raises the velocity limit and its tolerance, the usual
// cure for an axis that faults with VELOCITY_LIMIT_VIOLATION as soon as it moves
func ApplyVelocityLimit(ctx context.Context, ps motor.PropertyStore, axis int, cc ControllerConfig) error {
	if cc.VelLimit == 0 && cc.VelLimitTolerance == 0 {
		return errors.New("odrive: velocity limit fix needs vel_limit or vel_limit_tolerance")
	}
	r := &recipe{ctx: ctx, ps: ps, axis: axis}
	r.float("controller.config.vel_limit", cc.VelLimit)
	r.float("controller.config.vel_limit_tolerance", cc.VelLimitTolerance)
	return r.err
}

// VelocityLimits reads the velocity limiter settings of an axis
func VelocityLimits(ctx context.Context, ps motor.PropertyStore, axis int) (ControllerConfig, bool, error) {
	var cc ControllerConfig
	var err error
	if cc.VelLimit, err = readFloat(ctx, ps, axisPath(axis, "controller.config.vel_limit")); err != nil {
		return cc, false, err
	}
	if cc.VelLimitTolerance, err = readFloat(ctx, ps, axisPath(axis, "controller.config.vel_limit_tolerance")); err != nil {
		return cc, false, err
	}
	s, err := ps.ReadProperty(ctx, axisPath(axis, "controller.config.enable_torque_mode_vel_limit"))
	if err != nil {
		return cc, false, err
	}
	enabled, err := parseBool(s)
	return cc, enabled, err
}

// ApplyVoltageMode puts an axis in passthrough voltage control and disables
// the startup encoder routines, for spinning a motor with no encoder
func ApplyVoltageMode(ctx context.Context, ps motor.PropertyStore, axis int) error {
	r := &recipe{ctx: ctx, ps: ps, axis: axis}
	r.axisSet(propControlMode, fmt.Sprint(int(motor.ControlVoltage)))
	r.int(propInputMode, inputModePassthrough)
	r.bool("config.startup_encoder_offset_calibration", false)
	r.bool("config.startup_encoder_index_search", false)
	return r.err
}

// MarkPreCalibrated flags the motor calibration of an axis as valid across reboots
func MarkPreCalibrated(ctx context.Context, ps motor.PropertyStore, axis int) error {
	return ps.WriteProperty(ctx, axisPath(axis, "motor.config.pre_calibrated"), "1")
}

// FluxLinkage is the permanent magnet flux linkage estimate from pole pairs
// and Kv (rpm/V)
func FluxLinkage(polePairs int, kv float64) float64 {
	if polePairs == 0 || kv == 0 {
		return 0
	}
	return 5.51328895422 / (float64(polePairs) * kv)
}

// ApplySensorless configures an axis to calibrate and run closed loop velocity
// control without an encoder at every startup
func ApplySensorless(ctx context.Context, ps motor.PropertyStore, axis int, mc MotorConfig, cc ControllerConfig, sc SensorlessConfig) error {
	err := ApplyMotor(ctx, ps, axis, mc)
	r := &recipe{ctx: ctx, ps: ps, axis: axis, err: err}
	r.axisSet("config.encoder.mode", "1")
	r.axisSet("config.controller.control_mode", fmt.Sprint(int(motor.ControlVelocity)))
	r.float("config.controller.vel_limit", cc.VelLimit)
	r.float("config.controller.vel_ramp_rate", cc.VelRampRate)
	r.float("config.sensorless_estimator.pm_flux_linkage", FluxLinkage(mc.PolePairs, sc.Kv))
	r.float("config.sensorless_estimator.observer_gain", sc.ObserverGain)
	r.bool("config.startup_motor_calibration", true)
	r.bool("config.startup_sensorless_control", true)
	r.bool("config.startup_closed_loop_control", true)
	return r.err
}
