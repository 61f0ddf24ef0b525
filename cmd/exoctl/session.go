package main

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/berr-exo/exodrive/calibrate"
	"github.com/berr-exo/exodrive/console"
	"github.com/berr-exo/exodrive/control"
	"github.com/berr-exo/exodrive/discover"
	"github.com/berr-exo/exodrive/loop"
	"github.com/berr-exo/exodrive/motor"
	"github.com/berr-exo/exodrive/odrive"
	"github.com/berr-exo/exodrive/telemetry"
	"github.com/berr-exo/exodrive/util"
	"github.com/pkg/errors"
	"github.com/theckman/yacspin"
)

// closedLoopSettle is how long the firmware gets to arm before the state is checked
var closedLoopSettle = 500 * time.Millisecond

// session is one connection to a board
type session struct {
	*app

	ctl   *odrive.Controller // nil with a mock
	axis  motor.Axis
	cal   motor.Calibrator
	props motor.PropertyStore
	board motor.Persister

	Serial string
	Port   string
}

// spinner is a terminal spinner that tolerates failing to start
type spinner struct {
	s *yacspin.Spinner
}

func (a *app) startSpin(msg string) spinner {
	s, err := yacspin.New(yacspin.Config{
		Writer:            a.out,
		Frequency:         100 * time.Millisecond,
		CharSet:           yacspin.CharSets[14],
		Suffix:            " ",
		Message:           msg,
		StopCharacter:     "✓",
		StopColors:        []string{"fgGreen"},
		StopFailCharacter: "✗",
		StopFailColors:    []string{"fgRed"},
	})
	if err != nil {
		a.log.Debugw("spinner unavailable", "error", err)
		fmt.Fprintln(a.out, msg)
		return spinner{}
	}
	if err = s.Start(); err != nil {
		fmt.Fprintln(a.out, msg)
		return spinner{}
	}
	return spinner{s: s}
}

func (p spinner) message(m string) {
	if p.s != nil {
		p.s.Message(m)
	}
}

func (p spinner) stop(m string) {
	if p.s == nil {
		return
	}
	p.s.StopMessage(m)
	p.s.Stop()
}

func (p spinner) fail(m string) {
	if p.s == nil {
		return
	}
	p.s.StopFailMessage(m)
	p.s.StopFail()
}

// connect finds the board and opens the configured axis
func (a *app) connect(ctx context.Context) (*session, error) {
	s := &session{app: a}
	if a.cfg.Mock {
		if a.mock == nil {
			a.mock = motor.NewMock()
			odrive.SeedMock(a.mock, a.cfg.Device.Axis)
		}
		s.axis, s.cal, s.props, s.board = a.mock, a.mock, a.mock, a.mock
		s.Serial, _ = a.mock.ReadProperty(ctx, "serial_number")
		s.Port = "mock"
		console.Good(a.out, "Connected to simulated ODrive (Serial: %s)", s.Serial)
		return s, nil
	}

	d := a.cfg.Device
	var ctl *odrive.Controller
	if d.Addr != "" {
		ctl = odrive.New(d.Addr, false, a.log.Named("odrive"))
		s.Port = d.Addr
	} else {
		sp := a.startSpin("Searching for ODrive...")
		p, err := discover.FindAny(ctx, a.cfg.Discovery())
		if err != nil {
			sp.fail("no ODrive found")
			return nil, errors.Wrap(err, "connection failed")
		}
		sp.stop("found " + p.Name)
		ctl = odrive.New(p.Name, true, a.log.Named("odrive"))
		s.Port = p.Name
	}
	ctl.Checksum = d.Checksum
	if d.IOTimeout > 0 {
		ctl.Timeout = util.SecsToDuration(d.IOTimeout)
	}
	sn, err := ctl.SerialNumber(ctx)
	if err != nil {
		ctl.Close()
		return nil, errors.Wrapf(err, "connection failed: no reply from %s", s.Port)
	}
	ax := odrive.NewAxis(ctl, d.Axis)
	s.ctl, s.Serial = ctl, sn
	s.axis, s.cal, s.props, s.board = ax, ax, ax, ax
	console.Good(a.out, "Connected to ODrive (Serial: %s)", sn)
	a.log.Infow("connected", "serial", sn, "port", s.Port, "axis", d.Axis)
	return s, nil
}

// close releases the connection
func (s *session) close() {
	if s.ctl != nil {
		s.ctl.Close()
	}
}

// describe renders an error bitmask
func describe(code uint32) string {
	return odrive.ErrorFlags(code).String()
}

// saveAndReconnect saves the configuration, waits out the reboot and
// connects again.  s is updated in place.
func (s *session) saveAndReconnect(ctx context.Context) error {
	fmt.Fprintln(s.out, "Saving configuration...")
	if err := s.board.SaveConfiguration(ctx); err != nil {
		// the board may reboot before the reply is flushed
		s.log.Warnw("save returned an error, assuming the board rebooted", "error", err)
	}
	console.Good(s.out, "Configuration saved")
	return s.reconnect(ctx)
}

// reconnect waits for a reboot and connects again
func (s *session) reconnect(ctx context.Context) error {
	s.close()
	if !s.cfg.Mock {
		wait := s.cfg.RebootWait()
		sp := s.startSpin(fmt.Sprintf("Waiting %s for the board to reboot...", wait))
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			sp.fail("interrupted")
			return ctx.Err()
		case <-t.C:
		}
		sp.stop("rebooted")
	}
	ns, err := s.app.connect(ctx)
	if err != nil {
		return err
	}
	*s = *ns
	return nil
}

// limits reads the torque capability of the motor
func (s *session) limits(ctx context.Context) (motor.Limits, error) {
	return odrive.ReadLimits(ctx, s.props, s.cfg.Device.Axis)
}

// runCalibration runs a calibration with a spinner showing its progress
func (s *session) runCalibration(ctx context.Context, kind calibrate.Kind) (calibrate.Result, error) {
	opts := s.cfg.CalibrateOptions()
	opts.Describe = describe
	opts.Logger = s.log.Named("calibrate")
	sp := s.startSpin(fmt.Sprintf("Running %s calibration...", kind))
	opts.OnPoll = func(st motor.State, el time.Duration) {
		sp.message(fmt.Sprintf("%s (%.1fs)", st, el.Seconds()))
	}
	res, err := calibrate.Run(ctx, s.cal, kind, opts)
	if err != nil {
		sp.fail(err.Error())
		return res, err
	}
	sp.stop(fmt.Sprintf("%s calibration complete in %.1fs", kind, res.Elapsed.Seconds()))
	return res, nil
}

// enterClosedLoop selects mode, arms the axis and checks it armed.  Once the
// closed loop request is attempted, any failure leaves the axis disarmed.
func (s *session) enterClosedLoop(ctx context.Context, mode motor.ControlMode) (err error) {
	fmt.Fprintln(s.out, "Entering closed loop control...")
	if err := s.axis.SetControlMode(ctx, mode); err != nil {
		return err
	}
	// a request that errors may still have reached the board
	defer func() {
		if err != nil {
			s.disarm(mode)
		}
	}()
	if err := s.axis.RequestState(ctx, motor.StateClosedLoop); err != nil {
		return err
	}
	if err := waitFor(ctx, closedLoopSettle); err != nil {
		return err
	}
	st, err := s.axis.CurrentState(ctx)
	if err != nil {
		return err
	}
	if st != motor.StateClosedLoop {
		f, ferr := s.cal.Fault(ctx)
		if ferr != nil {
			return errors.Errorf("failed to enter closed loop, state %s", st)
		}
		console.Bad(s.out, "Failed to enter closed loop. Current state: %s", st)
		console.Bad(s.out, "  Disarm reason: %s", describe(f.DisarmReason))
		fmt.Fprintln(s.out, "Check motor calibration and encoder setup")
		return errors.Errorf("failed to enter closed loop, state %s, disarm reason %s", st, describe(f.DisarmReason))
	}
	console.Good(s.out, "%s active", mode)
	return nil
}

// zero writes a zero setpoint in the given control mode
func (s *session) zero(ctx context.Context, mode motor.ControlMode) error {
	switch mode {
	case motor.ControlVelocity:
		if v, ok := s.axis.(motor.Speeder); ok {
			return v.SetVelocity(ctx, 0)
		}
	case motor.ControlVoltage:
		if v, ok := s.axis.(motor.Voltager); ok {
			return v.SetVoltage(ctx, 0)
		}
	}
	return s.axis.SetTorque(ctx, 0)
}

// disarm zeroes the setpoint and idles the axis on a context of its own, so
// it still runs after an interrupt
func (s *session) disarm(mode motor.ControlMode) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.zero(ctx, mode); err != nil {
		s.log.Warnw("zeroing setpoint failed", "error", err)
	}
	if err := s.axis.RequestState(ctx, motor.StateIdle); err != nil {
		s.log.Errorw("setting idle failed", "error", err)
		console.Bad(s.out, "could not set the motor to idle: %v", err)
		return
	}
	console.Good(s.out, "Motor idle")
}

// sinks builds the status sinks from the configuration.  The returned
// function closes the ones that need it.
func (s *session) sinks(kt float64) ([]loop.Sink, func()) {
	out := []loop.Sink{&console.StatusLine{Out: s.out, Every: util.SecsToDuration(s.cfg.Log.StatusEvery)}}
	var closers []func() error
	if s.cfg.Log.Dir != "" {
		csv, err := telemetry.NewCSVLogger(s.cfg.Log.Dir, time.Now(), kt)
		if err != nil {
			console.Warn(s.out, "not logging to CSV: %v", err)
		} else {
			console.Good(s.out, "Logging to %s", csv.Path)
			out = append(out, csv)
			closers = append(closers, csv.Close)
		}
	}
	if s.cfg.MQTT.Enabled {
		m, err := telemetry.DialMQTT(s.cfg.MQTT, kt, s.log.Named("mqtt"))
		if err != nil {
			console.Warn(s.out, "not publishing to MQTT: %v", err)
		} else {
			out = append(out, m)
			closers = append(closers, m.Close)
		}
	}
	return out, func() {
		for _, c := range closers {
			if err := c(); err != nil {
				s.log.Warnw("closing sink", "error", err)
			}
		}
	}
}

// newRunner makes a loop for law with the torque limit defaulted to what
// the motor can deliver
func (s *session) newRunner(law control.Law, lim motor.Limits, extra ...loop.Sink) (*loop.Runner, func()) {
	lc := s.cfg.Loop
	if max := lim.MaxTorque(); max > 0 && (lc.TorqueLimit <= 0 || lc.TorqueLimit > max) {
		lc.TorqueLimit = max
	}
	sinks, closeSinks := s.sinks(lim.TorqueConstant)
	return loop.New(s.axis, law, lc, s.log.Named("loop"), append(sinks, extra...)...), closeSinks
}

// shutdown ramps the runner down on a context of its own
func (s *session) shutdown(r *loop.Runner) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	fmt.Fprintln(s.out)
	fmt.Fprintln(s.out, "Shutting down safely...")
	if err := r.Shutdown(ctx); err != nil {
		console.Bad(s.out, "shutdown incomplete: %v", err)
		return
	}
	console.Good(s.out, "Motor set to idle. Safe to power off.")
}

// runLaw arms the axis in torque control and runs law until the operator
// quits or ctx is done.  The loop is always shut down.
func (s *session) runLaw(ctx context.Context, law control.Law, lim motor.Limits, op console.Operator) error {
	if err := s.enterClosedLoop(ctx, motor.ControlTorque); err != nil {
		return err
	}
	r, closeSinks := s.newRunner(law, lim)
	defer closeSinks()
	defer s.shutdown(r)

	octx, cancel := context.WithCancel(ctx)
	defer cancel()
	op.Out = s.out
	go op.Run(octx, s.lines, r)
	err := r.Run(ctx)
	st := r.Stats()
	s.log.Infow("loop finished", "iterations", st.Iterations, "telemetry_errors", st.TelemetryErrors,
		"write_errors", st.WriteErrors, "sink_errors", st.SinkErrors)
	return err
}

// promptMagnitude asks for a torque magnitude, limited to max
func (s *session) promptMagnitude(ctx context.Context, msg string, max float64) (float64, error) {
	f, err := console.PromptFloat(ctx, s.lines, s.out, msg)
	if err != nil {
		return 0, err
	}
	f = console.LimitTorque(s.out, math.Abs(f), max)
	return f, nil
}
