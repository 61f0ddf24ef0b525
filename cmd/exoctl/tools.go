package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/berr-exo/exodrive/calibrate"
	"github.com/berr-exo/exodrive/console"
	"github.com/berr-exo/exodrive/motor"
	"github.com/berr-exo/exodrive/odrive"
	"github.com/pkg/errors"
)

var (
	// spinVolts and spinVelocities are the steps of the spin test
	spinVolts      = []float64{2, 5, 8, -5, 0}
	spinVelocities = []float64{1, 2, -2, 0}

	// spinDwell is how long each step is held
	spinDwell = 3 * time.Second
)

// velfix shows the velocity limiter and raises the limit
func (a *app) velfix(ctx context.Context, args []string) error {
	s, err := a.connect(ctx)
	if err != nil {
		return err
	}
	defer s.close()
	ax := a.cfg.Device.Axis

	cc, enabled, err := odrive.VelocityLimits(ctx, s.props, ax)
	if err != nil {
		return errors.Wrap(err, "reading velocity limits")
	}
	fmt.Fprintln(a.out, "Current settings:")
	fmt.Fprintf(a.out, "  vel_limit: %g turns/s\n", cc.VelLimit)
	fmt.Fprintf(a.out, "  vel_limit_tolerance: %g\n", cc.VelLimitTolerance)
	fmt.Fprintf(a.out, "  enable_torque_mode_vel_limit: %t\n", enabled)

	want := a.cfg.Controller
	yes, err := console.Confirm(ctx, s.lines, a.out,
		fmt.Sprintf("Set vel_limit to %g and vel_limit_tolerance to %g and save?", want.VelLimit, want.VelLimitTolerance))
	if err != nil || !yes {
		return err
	}
	if err := odrive.ApplyVelocityLimit(ctx, s.props, ax, want); err != nil {
		return errors.Wrap(err, "writing velocity limits")
	}
	console.Good(a.out, "Velocity limits updated")
	return s.saveAndReconnect(ctx)
}

// sensorless writes the sensorless startup recipe and saves it
func (a *app) sensorless(ctx context.Context, args []string) error {
	s, err := a.connect(ctx)
	if err != nil {
		return err
	}
	defer s.close()

	c := a.cfg
	if c.Motor.PolePairs == 0 || c.Sensorless.Kv == 0 {
		console.Warn(a.out, "motor.pole_pairs or sensorless.kv is zero, the flux linkage will not be written")
	}
	yes, err := console.Confirm(ctx, s.lines, a.out,
		"Configure the axis to calibrate and run sensorless velocity control at every startup?")
	if err != nil || !yes {
		return err
	}
	if err := odrive.ApplySensorless(ctx, s.props, c.Device.Axis, c.Motor, c.Controller, c.Sensorless); err != nil {
		return errors.Wrap(err, "configuring sensorless control")
	}
	console.Good(a.out, "Sensorless configuration written")
	return s.saveAndReconnect(ctx)
}

// spin calibrates the motor and steps it through open loop setpoints.  The
// default is voltage control, which needs no encoder.
func (a *app) spin(ctx context.Context, args []string) error {
	mode := "voltage"
	if len(args) > 0 {
		mode = strings.ToLower(args[0])
	}
	if mode != "voltage" && mode != "velocity" {
		return fmt.Errorf("unknown spin mode %q, must be voltage or velocity", mode)
	}
	s, err := a.connect(ctx)
	if err != nil {
		return err
	}
	defer s.close()
	ax := a.cfg.Device.Axis

	yes, err := console.Confirm(ctx, s.lines, a.out, "Calibrate and spin the motor? Make sure it is free to turn")
	if err != nil || !yes {
		return err
	}
	if err := s.board.ClearErrors(ctx); err != nil {
		return errors.Wrap(err, "clearing errors")
	}
	if err := odrive.ApplyMotor(ctx, s.props, ax, a.cfg.Motor); err != nil {
		return errors.Wrap(err, "writing motor configuration")
	}
	if mode == "voltage" {
		if err := odrive.ApplyVoltageMode(ctx, s.props, ax); err != nil {
			return errors.Wrap(err, "setting voltage mode")
		}
	}
	if _, err := s.runCalibration(ctx, calibrate.Motor); err != nil {
		return err
	}
	if err := odrive.MarkPreCalibrated(ctx, s.props, ax); err != nil {
		return errors.Wrap(err, "marking motor pre-calibrated")
	}
	if err := s.saveAndReconnect(ctx); err != nil {
		return err
	}

	var step func(context.Context, float64) error
	var steps []float64
	var cm motor.ControlMode
	var unit string
	switch mode {
	case "voltage":
		v, ok := s.axis.(motor.Voltager)
		if !ok {
			return errors.New("axis cannot command voltage")
		}
		step, steps, cm, unit = v.SetVoltage, spinVolts, motor.ControlVoltage, "V"
	default:
		v, ok := s.axis.(motor.Speeder)
		if !ok {
			return errors.New("axis cannot command velocity")
		}
		step, steps, cm, unit = v.SetVelocity, spinVelocities, motor.ControlVelocity, "turns/s"
	}

	if err := s.enterClosedLoop(ctx, cm); err != nil {
		return err
	}
	defer s.disarm(cm)
	for _, v := range steps {
		fmt.Fprintf(a.out, "Setting %g %s...\n", v, unit)
		if err := step(ctx, v); err != nil {
			return errors.Wrapf(err, "setting %g %s", v, unit)
		}
		if err := waitFor(ctx, spinDwell); err != nil {
			return nil
		}
		if t, err := s.axis.Telemetry(ctx); err == nil {
			fmt.Fprintf(a.out, "  velocity %.2f turns/s, Iq %.2f A\n", t.Velocity, t.IqMeasured)
		}
	}

	r, l, err := s.cal.MotorParameters(ctx)
	if err != nil {
		return errors.Wrap(err, "reading motor parameters")
	}
	fmt.Fprintln(a.out, "Motor parameters:")
	fmt.Fprintf(a.out, "  Phase resistance: %.4f ohm\n", r)
	fmt.Fprintf(a.out, "  Phase inductance: %.2f uH\n", l*1e6)
	return nil
}

// backup writes the board configuration to a file
func (a *app) backup(ctx context.Context, args []string) error {
	s, err := a.connect(ctx)
	if err != nil {
		return err
	}
	defer s.close()

	snap, skipped, err := odrive.Backup(ctx, s.props, a.cfg.Device.Axis)
	if err != nil {
		return errors.Wrap(err, "reading configuration")
	}
	for _, p := range skipped {
		console.Warn(a.out, "%s not present on this firmware, skipped", p)
	}
	name := fmt.Sprintf("odrive-%s-%s.yml", snap.Serial, snap.Taken.Format("20060102-150405"))
	if len(args) > 0 {
		name = args[0]
	}
	f, err := os.Create(name)
	if err != nil {
		return err
	}
	if err := odrive.WriteSnapshot(f, snap); err != nil {
		f.Close()
		return errors.Wrapf(err, "writing %s", name)
	}
	if err := f.Close(); err != nil {
		return err
	}
	console.Good(a.out, "Saved %d properties to %s", len(snap.Properties), name)
	return nil
}

// restore writes a saved configuration to the board and saves it
func (a *app) restore(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errors.New("restore needs the snapshot file to read")
	}
	f, err := os.Open(args[0])
	if err != nil {
		return err
	}
	snap, err := odrive.ReadSnapshot(f)
	f.Close()
	if err != nil {
		return errors.Wrapf(err, "reading %s", args[0])
	}

	s, err := a.connect(ctx)
	if err != nil {
		return err
	}
	defer s.close()
	if snap.Serial != "" && snap.Serial != s.Serial {
		console.Warn(a.out, "snapshot was taken from board %s, this is %s", snap.Serial, s.Serial)
	}
	yes, err := console.Confirm(ctx, s.lines, a.out,
		fmt.Sprintf("Write %d properties taken %s and save?", len(snap.Properties), snap.Taken.Format(time.RFC3339)))
	if err != nil || !yes {
		return err
	}
	if err := odrive.Restore(ctx, s.props, snap); err != nil {
		return errors.Wrap(err, "restoring configuration")
	}
	console.Good(a.out, "Configuration restored")
	return s.saveAndReconnect(ctx)
}
