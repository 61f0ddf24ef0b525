package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/berr-exo/exodrive/config"
	"github.com/berr-exo/exodrive/console"
	"github.com/berr-exo/exodrive/control"
	"github.com/berr-exo/exodrive/motor"
	"github.com/pkg/errors"
)

// newLaw builds a law by name from the configuration.  max caps the torque
// of the manual law and, when the configuration leaves it zero, the spring.
func newLaw(cfg config.Config, name string, max float64) (control.Law, error) {
	switch strings.ToLower(name) {
	case "manual", "torque":
		return control.NewManual(max), nil
	case "spring":
		r := cfg.Spring.MaxResistance
		if r == 0 {
			r = max
		}
		return control.NewSpring(cfg.Spring.Params(), r)
	case "jumpy", "hysteresis":
		h := cfg.Hysteresis
		return control.NewHysteresis(h.Thresholds(), h.HoldTorque, h.ResistTorque)
	case "window":
		w := cfg.Window
		return control.NewWindow(w.Width, w.MaxTorque, w.SlewRate)
	}
	return nil, fmt.Errorf("unknown law %q, must be one of manual, spring, jumpy, window", name)
}

// lawParam names what a typed number retunes in a law
func lawParam(name string) string {
	switch strings.ToLower(name) {
	case "spring":
		return "max resistance"
	case "jumpy", "hysteresis":
		return "resist torque"
	case "window":
		return "window torque"
	}
	return "torque"
}

// prepare connects and reads the limits of the motor, with the banner shown
func (a *app) prepare(ctx context.Context) (*session, motor.Limits, error) {
	s, err := a.connect(ctx)
	if err != nil {
		return nil, motor.Limits{}, err
	}
	if err := s.board.ClearErrors(ctx); err != nil {
		s.close()
		return nil, motor.Limits{}, errors.Wrap(err, "clearing errors")
	}
	lim, err := s.limits(ctx)
	if err != nil {
		s.close()
		return nil, lim, errors.Wrap(err, "reading motor limits")
	}
	console.Banner(a.out, lim)
	return s, lim, nil
}

// torque is the interactive torque tester on its own
func (a *app) torque(ctx context.Context, args []string) error {
	s, err := a.connect(ctx)
	if err != nil {
		return err
	}
	defer s.close()
	lim, err := s.limits(ctx)
	if err != nil {
		return errors.Wrap(err, "reading motor limits")
	}
	return s.torqueTester(ctx, lim)
}

// spring runs the virtual spring; typed numbers retune the maximum resistance
func (a *app) spring(ctx context.Context, args []string) error {
	s, lim, err := a.prepare(ctx)
	if err != nil {
		return err
	}
	defer s.close()

	max := lim.MaxTorque()
	cfg := a.cfg
	if cfg.Spring.MaxResistance == 0 {
		r, err := s.promptMagnitude(ctx, "Enter max resistance (Nm): ", max)
		if err != nil {
			return err
		}
		cfg.Spring.MaxResistance = r
	} else {
		cfg.Spring.MaxResistance = console.LimitTorque(a.out, cfg.Spring.MaxResistance, max)
	}
	law, err := newLaw(cfg, "spring", max)
	if err != nil {
		return err
	}
	p := cfg.Spring
	fmt.Fprintf(a.out, "Virtual spring: stiffness %.1f Nm/turn, max resistance %.2f Nm\n", p.Stiffness, p.MaxResistance)
	fmt.Fprintln(a.out, "Type a new max resistance and press Enter to retune, q to quit")
	return s.runLaw(ctx, law, lim, console.Operator{Limit: max, Param: lawParam("spring")})
}

// jumpy runs the hysteresis law
func (a *app) jumpy(ctx context.Context, args []string) error {
	s, lim, err := a.prepare(ctx)
	if err != nil {
		return err
	}
	defer s.close()

	law, err := newLaw(a.cfg, "jumpy", lim.MaxTorque())
	if err != nil {
		return err
	}
	h := a.cfg.Hysteresis
	fmt.Fprintf(a.out, "HOLD %.2f Nm, RESIST %.2f Nm; resist above %.2f turns/s, hold below %.2f, runaway above %.2f\n",
		h.HoldTorque, h.ResistTorque, h.EnterResist, h.ExitToHold, h.ExitToRunaway)
	fmt.Fprintln(a.out, "Type a new resist torque and press Enter to retune, q to quit")
	return s.runLaw(ctx, law, lim, console.Operator{Limit: lim.MaxTorque(), Param: lawParam("jumpy")})
}

// window runs the position window law; Enter captures the start position
func (a *app) window(ctx context.Context, args []string) error {
	s, lim, err := a.prepare(ctx)
	if err != nil {
		return err
	}
	defer s.close()

	law, err := newLaw(a.cfg, "window", lim.MaxTorque())
	if err != nil {
		return err
	}
	w := a.cfg.Window
	fmt.Fprintf(a.out, "Window %.3f turns, %.2f Nm, slew %.2f Nm/s\n", w.Width, w.MaxTorque, w.SlewRate)
	fmt.Fprintln(a.out, "Press Enter to capture the start position, type a torque to retune, q to quit")
	return s.runLaw(ctx, law, lim, console.Operator{Limit: lim.MaxTorque(), Capture: true, Param: lawParam("window")})
}
