package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/berr-exo/exodrive/calibrate"
	"github.com/berr-exo/exodrive/console"
	"github.com/berr-exo/exodrive/control"
	"github.com/berr-exo/exodrive/motor"
	"github.com/berr-exo/exodrive/odrive"
	"github.com/berr-exo/exodrive/util"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"
)

// encoderReadHz is the rate of the encoder readout
const encoderReadHz = 20

// positionProber reports whether the encoder has produced a position
type positionProber interface {
	ProbePosition(context.Context) (bool, error)
}

// encoderLive reports whether the encoder reads anything but exactly zero
func (s *session) encoderLive(ctx context.Context) (bool, error) {
	if p, ok := s.axis.(positionProber); ok {
		return p.ProbePosition(ctx)
	}
	t, err := s.axis.Telemetry(ctx)
	if err != nil {
		return false, err
	}
	return t.HasPosition && t.Position != 0, nil
}

// chooseEncoder asks which AMT21 variant is fitted.  An empty answer keeps
// the configured mode.
func (s *session) chooseEncoder(ctx context.Context) (odrive.EncoderConfig, error) {
	ec := s.cfg.Encoder
	fmt.Fprintln(s.out, "Select your encoder type:")
	fmt.Fprintln(s.out, "  1. AMT212B-V (polling mode)")
	fmt.Fprintln(s.out, "  2. AMT212B-V-OD (event-driven mode)")
	for {
		l, err := console.Prompt(ctx, s.lines, s.out, fmt.Sprintf("Enter 1 or 2 [%s]: ", ec.Mode))
		if err != nil {
			return ec, err
		}
		switch strings.TrimSpace(l) {
		case "":
			return ec, nil
		case "1":
			ec.Mode = odrive.EncoderAMT21Polling.String()
			return ec, nil
		case "2":
			ec.Mode = odrive.EncoderAMT21EventDriven.String()
			return ec, nil
		}
		if console.IsQuit(l) {
			return ec, console.ErrQuit
		}
		console.Bad(s.out, "enter 1 or 2")
	}
}

// setup walks a fresh board to the torque tester: errors cleared, encoder
// configured, offset calibrated if needed, torque mode, closed loop.
func (a *app) setup(ctx context.Context, args []string) error {
	s, err := a.connect(ctx)
	if err != nil {
		return err
	}
	defer s.close()
	ax := a.cfg.Device.Axis

	fmt.Fprintln(a.out, "Clearing errors...")
	if err := s.board.ClearErrors(ctx); err != nil {
		return errors.Wrap(err, "clearing errors")
	}

	fmt.Fprintln(a.out, "Checking encoder configuration...")
	ok, err := odrive.EncoderConfigured(ctx, s.props, ax)
	if err != nil {
		return errors.Wrap(err, "reading encoder configuration")
	}
	if ok {
		console.Good(a.out, "Encoder already configured")
	} else {
		console.Warn(a.out, "Encoder not configured")
		ec, err := s.chooseEncoder(ctx)
		if err != nil {
			return err
		}
		if err := odrive.ApplyEncoder(ctx, s.props, ax, ec); err != nil {
			return errors.Wrap(err, "configuring encoder")
		}
		console.Good(a.out, "Encoder set to %s", ec.Mode)
		if err := s.saveAndReconnect(ctx); err != nil {
			return err
		}
	}

	live, err := s.encoderLive(ctx)
	if err != nil {
		return errors.Wrap(err, "reading encoder")
	}
	if !live {
		console.Warn(a.out, "Encoder reads exactly 0, it may need offset calibration")
		yes, err := console.Confirm(ctx, s.lines, a.out, "Run encoder offset calibration? The motor will move")
		if err != nil {
			return err
		}
		if yes {
			if _, err := s.runCalibration(ctx, calibrate.EncoderOffset); err != nil {
				return err
			}
		} else {
			console.Warn(a.out, "Skipping offset calibration")
		}
	}

	fmt.Fprintln(a.out, "Setting torque control mode...")
	if err := odrive.ApplyTorqueMode(ctx, s.props, ax, a.cfg.Controller); err != nil {
		return errors.Wrap(err, "setting torque mode")
	}
	console.Good(a.out, "Torque control mode set, velocity limiter disabled")

	lim, err := s.limits(ctx)
	if err != nil {
		return errors.Wrap(err, "reading motor limits")
	}
	return s.torqueTester(ctx, lim)
}

// torqueTester runs the manual law with the banner and instructions
func (s *session) torqueTester(ctx context.Context, lim motor.Limits) error {
	console.Banner(s.out, lim)
	max := lim.MaxTorque()
	fmt.Fprintln(s.out, "Torque tester: type a torque in Nm and press Enter, q to quit")
	return s.runLaw(ctx, control.NewManual(max), lim, console.Operator{Limit: max, Signed: true})
}

// calibrate runs one calibration after the operator confirms
func (a *app) calibrate(ctx context.Context, args []string) error {
	name := "full"
	if len(args) > 0 {
		name = strings.ToLower(args[0])
	}
	kind, err := calibrate.ParseKind(name)
	if err != nil {
		return err
	}
	s, err := a.connect(ctx)
	if err != nil {
		return err
	}
	defer s.close()

	if err := s.board.ClearErrors(ctx); err != nil {
		return errors.Wrap(err, "clearing errors")
	}
	yes, err := console.Confirm(ctx, s.lines, a.out, fmt.Sprintf("Run %s calibration? The motor will move", kind))
	if err != nil {
		return err
	}
	if !yes {
		fmt.Fprintln(a.out, "Calibration cancelled")
		return nil
	}
	res, err := s.runCalibration(ctx, kind)
	if err != nil {
		var fe *calibrate.FailedError
		if errors.As(err, &fe) {
			console.Bad(a.out, "Error code: %s", describe(fe.Code))
		}
		return err
	}
	if kind != calibrate.EncoderOffset {
		fmt.Fprintf(a.out, "  Phase resistance: %.4f ohm\n", res.PhaseResistance)
		fmt.Fprintf(a.out, "  Phase inductance: %.2f uH\n", res.PhaseInductance*1e6)
	}
	return nil
}

// encoder prints the encoder position until q or interrupt
func (a *app) encoder(ctx context.Context, args []string) error {
	s, err := a.connect(ctx)
	if err != nil {
		return err
	}
	defer s.close()

	fmt.Fprintln(a.out, "Reading encoder, type q and Enter to stop")
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case l, ok := <-s.lines:
				if !ok || console.IsQuit(l) {
					cancel()
					return
				}
			}
		}
	}()

	lim := rate.NewLimiter(rate.Limit(encoderReadHz), 1)
	for {
		if err := lim.Wait(ctx); err != nil {
			fmt.Fprintln(a.out)
			return nil
		}
		t, err := s.axis.Telemetry(ctx)
		if err != nil {
			if ctx.Err() != nil {
				fmt.Fprintln(a.out)
				return nil
			}
			a.log.Warnw("encoder read failed", "error", err)
			continue
		}
		fmt.Fprintf(a.out, "\rPosition: %8.3f turns | %9.1f° | Vel: %6.2f turns/s",
			t.Position, util.TurnsToDegrees(t.Position), t.Velocity)
	}
}

// waitFor sleeps d or until ctx is done
func waitFor(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
