// Package loop runs a torque law against an axis at a fixed rate.
//
// One goroutine owns the axis: it reads telemetry, advances the law, writes
// the setpoint and hands a Status to every sink.  Operators reach the loop
// only through its command channel, which is drained once per iteration.
package loop

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/berr-exo/exodrive/control"
	"github.com/berr-exo/exodrive/motor"
	"github.com/berr-exo/exodrive/util"
	"github.com/edaniels/golog"
	"go.uber.org/multierr"
	"golang.org/x/time/rate"
)

// Config tunes a Runner
type Config struct {
	// RateHz is the loop rate, 20 to 100 Hz
	RateHz float64 `koanf:"rate_hz" yaml:"rate_hz" json:"rateHz"`

	// ErrorPause is how long to wait after a failed telemetry read, in seconds
	ErrorPause float64 `koanf:"error_pause" yaml:"error_pause" json:"errorPause"`

	// TorqueLimit caps the magnitude of every setpoint written, in Nm.
	// Zero means no cap beyond the law's own.
	TorqueLimit float64 `koanf:"torque_limit" yaml:"torque_limit" json:"torqueLimit"`

	// RampSteps and RampStep (seconds) shape the shutdown ramp
	RampSteps int     `koanf:"ramp_steps" yaml:"ramp_steps" json:"rampSteps"`
	RampStep  float64 `koanf:"ramp_step" yaml:"ramp_step" json:"rampStep"`

	// SettleWait is the pause between zero torque and idle at shutdown, in seconds
	SettleWait float64 `koanf:"settle_wait" yaml:"settle_wait" json:"settleWait"`

	// RampVelocity is the speed (turns/s) above which the shutdown ramp opposes motion
	RampVelocity float64 `koanf:"ramp_velocity" yaml:"ramp_velocity" json:"rampVelocity"`
}

// DefaultConfig returns the loop settings used on the exoskeleton
func DefaultConfig() Config {
	return Config{
		RateHz:       50,
		ErrorPause:   0.1,
		RampSteps:    20,
		RampStep:     0.01,
		SettleWait:   0.2,
		RampVelocity: 0.01,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.RateHz <= 0 {
		c.RateHz = d.RateHz
	}
	c.RateHz = util.Clamp(c.RateHz, 20, 100)
	if c.ErrorPause <= 0 {
		c.ErrorPause = d.ErrorPause
	}
	if c.RampSteps <= 0 {
		c.RampSteps = d.RampSteps
	}
	if c.RampStep <= 0 {
		c.RampStep = d.RampStep
	}
	if c.SettleWait <= 0 {
		c.SettleWait = d.SettleWait
	}
	if c.RampVelocity <= 0 {
		c.RampVelocity = d.RampVelocity
	}
	return c
}

// Status is the record of one iteration
type Status struct {
	Time      time.Time       `json:"time"`
	Elapsed   time.Duration   `json:"elapsed"`
	Telemetry motor.Telemetry `json:"telemetry"`

	// Commanded is the setpoint written, Desired the law's wish before limits
	Commanded float64 `json:"commanded"`
	Desired   float64 `json:"desired"`
	Label     string  `json:"label"`

	// Magnitude is the law's tunable magnitude, if it has one
	Magnitude float64 `json:"magnitude"`
}

// Sink receives every Status
type Sink interface {
	Emit(Status) error
}

// SinkFunc adapts a function to a Sink
type SinkFunc func(Status) error

// Emit satisfies Sink
func (f SinkFunc) Emit(s Status) error { return f(s) }

// CommandKind is what an operator asks of the loop
type CommandKind int

const (
	// Retune sets the law's magnitude to Value
	Retune CommandKind = iota
	// Capture latches the current position in the law
	Capture
	// Quit ends the loop
	Quit
)

// Command is a message to a running loop
type Command struct {
	Kind  CommandKind
	Value float64
}

// Stats count what happened in a run
type Stats struct {
	Iterations      int
	TelemetryErrors int
	WriteErrors     int
	SinkErrors      int
}

// Runner runs a law against an axis
type Runner struct {
	axis  motor.Axis
	law   control.Law
	sinks []Sink
	cmds  chan Command
	cfg   Config
	log   golog.Logger

	mu      sync.Mutex
	latest  Status
	stats   Stats
	lastCmd float64
}

// New returns a Runner.  Call Run to start it and Shutdown when it returns.
func New(axis motor.Axis, law control.Law, cfg Config, logger golog.Logger, sinks ...Sink) *Runner {
	if logger == nil {
		logger = golog.NewDevelopmentLogger("loop")
	}
	return &Runner{
		axis:  axis,
		law:   law,
		sinks: sinks,
		cmds:  make(chan Command, 16),
		cfg:   cfg.withDefaults(),
		log:   logger,
	}
}

// Config returns the effective configuration
func (r *Runner) Config() Config {
	return r.cfg
}

// Send hands a command to the loop without blocking.  It returns false if the
// command queue is full.
func (r *Runner) Send(c Command) bool {
	select {
	case r.cmds <- c:
		return true
	default:
		return false
	}
}

// Latest returns the most recent Status
func (r *Runner) Latest() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.latest
}

// Stats returns the counters of the run so far
func (r *Runner) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

// Law returns the law being run
func (r *Runner) Law() control.Law {
	return r.law
}

// drain applies every queued command.  It returns true if the loop should stop.
func (r *Runner) drain(last motor.Telemetry) bool {
	for {
		select {
		case c := <-r.cmds:
			switch c.Kind {
			case Quit:
				return true
			case Retune:
				if t, ok := r.law.(control.Tuner); ok {
					v := c.Value
					if r.cfg.TorqueLimit > 0 {
						v = util.Symmetric(r.cfg.TorqueLimit).Clamp(v)
					}
					t.SetMagnitude(v)
					r.log.Infow("law retuned", "magnitude", t.Magnitude())
				}
			case Capture:
				if c2, ok := r.law.(control.Capturer); ok {
					c2.Capture(last.Position)
					r.log.Infow("start position captured", "position", last.Position)
				}
			}
		default:
			return false
		}
	}
}

// pause waits d or until ctx is done
func pause(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// Run runs the loop until ctx is done or a Quit command arrives.  A failed
// telemetry read is logged, the setpoint is zeroed, and the loop carries on
// after a short pause.  Run returns nil when stopped; call Shutdown after.
func (r *Runner) Run(ctx context.Context) error {
	lim := rate.NewLimiter(rate.Limit(r.cfg.RateHz), 1)
	errPause := util.SecsToDuration(r.cfg.ErrorPause)
	start := time.Now()
	var last motor.Telemetry
	lastTime := start
	r.log.Infow("loop started", "rate_hz", r.cfg.RateHz)
	for {
		if err := lim.Wait(ctx); err != nil {
			return nil
		}
		if r.drain(last) {
			r.log.Info("loop stopped by operator")
			return nil
		}
		tel, err := r.axis.Telemetry(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			r.log.Warnw("telemetry read failed, zeroing torque", "error", err)
			r.count(func(s *Stats) { s.TelemetryErrors++ })
			if err := r.write(ctx, 0); err != nil {
				r.log.Errorw("zeroing torque failed", "error", err)
			}
			pause(ctx, errPause)
			continue
		}
		now := tel.Time
		if now.IsZero() {
			now = time.Now()
		}
		dt := now.Sub(lastTime).Seconds()
		lastTime = now
		last = tel

		out := r.law.Update(control.Sample{
			Position:    tel.Position,
			HasPosition: tel.HasPosition,
			Velocity:    tel.Velocity,
			DT:          dt,
		})
		cmd := out.Torque
		if r.cfg.TorqueLimit > 0 {
			cmd = util.Symmetric(r.cfg.TorqueLimit).Clamp(cmd)
		}
		if err := r.write(ctx, cmd); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			r.log.Errorw("writing torque failed", "torque", cmd, "error", err)
			r.count(func(s *Stats) { s.WriteErrors++ })
		}

		st := Status{
			Time:      now,
			Elapsed:   now.Sub(start),
			Telemetry: tel,
			Commanded: cmd,
			Desired:   out.Desired,
			Label:     out.Label,
		}
		if t, ok := r.law.(control.Tuner); ok {
			st.Magnitude = t.Magnitude()
		}
		r.mu.Lock()
		r.latest = st
		r.stats.Iterations++
		r.mu.Unlock()
		for _, s := range r.sinks {
			if err := s.Emit(st); err != nil {
				r.log.Warnw("status sink failed", "error", err)
				r.count(func(s *Stats) { s.SinkErrors++ })
			}
		}
	}
}

func (r *Runner) count(f func(*Stats)) {
	r.mu.Lock()
	f(&r.stats)
	r.mu.Unlock()
}

func (r *Runner) write(ctx context.Context, nm float64) error {
	err := r.axis.SetTorque(ctx, nm)
	if err == nil {
		r.mu.Lock()
		r.lastCmd = nm
		r.mu.Unlock()
	}
	return err
}

// Shutdown brings the axis to rest and disarms it.  The torque magnitude is
// ramped to zero, opposing the motion while the limb still moves, then zero
// torque is written and the axis goes idle.  Every step is attempted even if
// an earlier one fails.  Use a context that is not already cancelled.
func (r *Runner) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	mag := math.Abs(r.lastCmd)
	r.mu.Unlock()
	step := util.SecsToDuration(r.cfg.RampStep)
	r.log.Infow("shutting down", "from_torque", mag)
	for i := 0; i < r.cfg.RampSteps; i++ {
		ramp := mag * (1 - float64(i)/float64(r.cfg.RampSteps))
		tau := 0.
		if tel, err := r.axis.Telemetry(ctx); err == nil && math.Abs(tel.Velocity) > r.cfg.RampVelocity {
			tau = -util.Sign(tel.Velocity) * ramp
		}
		if err := r.axis.SetTorque(ctx, tau); err != nil {
			r.log.Warnw("ramp write failed", "error", err)
		}
		pause(ctx, step)
	}
	var errs error
	errs = multierr.Append(errs, r.axis.SetTorque(ctx, 0))
	pause(ctx, util.SecsToDuration(r.cfg.SettleWait))
	errs = multierr.Append(errs, r.axis.RequestState(ctx, motor.StateIdle))
	if errs != nil {
		r.log.Errorw("shutdown incomplete", "error", errs)
	} else {
		r.log.Info("axis idle, safe to power off")
	}
	return errs
}
