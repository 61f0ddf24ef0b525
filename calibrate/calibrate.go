// Package calibrate runs the calibration state machine inside a motor
// controller's firmware and reports its outcome.
//
// The sequence is: request a calibration state, poll the current state until
// it leaves the calibrating state or a timeout elapses, then inspect the error
// and disarm fields.  The firmware moves and energizes the motor while it
// calibrates.
package calibrate

import (
	"context"
	"fmt"
	"time"

	"github.com/berr-exo/exodrive/motor"
	"github.com/edaniels/golog"
	"github.com/pkg/errors"
)

const (
	// DefaultPoll is the default interval between state polls
	DefaultPoll = 250 * time.Millisecond

	// MinPoll and MaxPoll bound the poll interval
	MinPoll = 100 * time.Millisecond
	MaxPoll = 500 * time.Millisecond

	// DefaultTimeout is the default limit on a calibration
	DefaultTimeout = 30 * time.Second
)

// ErrCalibrationTimeout is generated when the firmware is still calibrating
// after the timeout
var ErrCalibrationTimeout = errors.New("calibration did not finish before the timeout")

// FailedError is generated when calibration finishes with errors reported
type FailedError struct {
	// Code is the active error bitmask
	Code uint32

	// DisarmReason is the disarm bitmask
	DisarmReason uint32

	// Describe renders a bitmask, if set
	Describe func(uint32) string
}

func (e *FailedError) Error() string {
	if e.Describe != nil {
		return fmt.Sprintf("calibration failed: %s (disarm reason %s)", e.Describe(e.Code), e.Describe(e.DisarmReason))
	}
	return fmt.Sprintf("calibration failed: error 0x%X, disarm reason 0x%X", e.Code, e.DisarmReason)
}

// Kind is a kind of calibration
type Kind int

const (
	// Motor measures phase resistance and inductance
	Motor Kind = iota
	// EncoderOffset aligns the encoder with the electrical phase
	EncoderOffset
	// Full runs motor then encoder calibration
	Full
)

// ParseKind accepts the names used on the command line
func ParseKind(s string) (Kind, error) {
	switch s {
	case "motor":
		return Motor, nil
	case "encoder", "encoder-offset":
		return EncoderOffset, nil
	case "full":
		return Full, nil
	}
	return 0, fmt.Errorf("unknown calibration %q, must be one of motor, encoder, full", s)
}

func (k Kind) String() string {
	switch k {
	case Motor:
		return "motor"
	case EncoderOffset:
		return "encoder offset"
	case Full:
		return "full"
	}
	return "unknown"
}

// State is the axis state that runs this kind of calibration
func (k Kind) State() motor.State {
	switch k {
	case Motor:
		return motor.StateMotorCalibration
	case EncoderOffset:
		return motor.StateEncoderOffsetCalibration
	}
	return motor.StateFullCalibration
}

// Options tune a calibration run
type Options struct {
	// Poll is the interval between state polls, clamped to [MinPoll, MaxPoll]
	Poll time.Duration

	// Timeout limits the whole run
	Timeout time.Duration

	// OnPoll, if not nil, is called with every state observed
	OnPoll func(motor.State, time.Duration)

	// Describe renders error bitmasks in FailedError
	Describe func(uint32) string

	// Logger reports problems stopping an aborted calibration
	Logger golog.Logger
}

func (o Options) withDefaults() Options {
	if o.Poll == 0 {
		o.Poll = DefaultPoll
	}
	if o.Poll < MinPoll {
		o.Poll = MinPoll
	}
	if o.Poll > MaxPoll {
		o.Poll = MaxPoll
	}
	if o.Timeout == 0 {
		o.Timeout = DefaultTimeout
	}
	if o.Logger == nil {
		o.Logger = golog.NewDevelopmentLogger("calibrate")
	}
	return o
}

// Result is the outcome of a calibration
type Result struct {
	Kind         Kind
	Success      bool
	ErrorCode    uint32
	DisarmReason uint32

	// PhaseResistance in ohm and PhaseInductance in H, measured by the firmware
	PhaseResistance float64
	PhaseInductance float64

	Elapsed time.Duration
}

// Run triggers a calibration and waits for it to finish.
//
// On timeout the axis is asked to go idle and ErrCalibrationTimeout is
// returned.  If the firmware reports an active error or a disarm reason after
// finishing, a *FailedError is returned along with a Result holding the codes.
func Run(ctx context.Context, axis motor.Calibrator, kind Kind, opts Options) (Result, error) {
	opts = opts.withDefaults()
	res := Result{Kind: kind}
	start := time.Now()
	if err := axis.RequestState(ctx, kind.State()); err != nil {
		return res, errors.Wrapf(err, "requesting %s calibration", kind)
	}

	deadline := time.NewTimer(opts.Timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(opts.Poll)
	defer ticker.Stop()
	seen := false
	for polls := 1; ; polls++ {
		select {
		case <-ctx.Done():
			abort(axis, opts.Logger)
			return res, ctx.Err()
		case <-deadline.C:
			abort(axis, opts.Logger)
			res.Elapsed = time.Since(start)
			return res, ErrCalibrationTimeout
		case <-ticker.C:
		}
		s, err := axis.CurrentState(ctx)
		if err != nil {
			return res, errors.Wrap(err, "polling calibration state")
		}
		if opts.OnPoll != nil {
			opts.OnPoll(s, time.Since(start))
		}
		if s.Calibrating() {
			seen = true
			continue
		}
		// the first poll may land before the firmware acts on the request
		if seen || polls > 1 {
			break
		}
	}
	res.Elapsed = time.Since(start)

	f, err := axis.Fault(ctx)
	if err != nil {
		return res, errors.Wrap(err, "reading errors after calibration")
	}
	res.ErrorCode, res.DisarmReason = f.ActiveErrors, f.DisarmReason
	if !f.OK() {
		return res, &FailedError{Code: f.ActiveErrors, DisarmReason: f.DisarmReason, Describe: opts.Describe}
	}
	if kind != EncoderOffset {
		res.PhaseResistance, res.PhaseInductance, err = axis.MotorParameters(ctx)
		if err != nil {
			return res, errors.Wrap(err, "reading motor parameters")
		}
	}
	res.Success = true
	return res, nil
}

// abort asks the axis to go idle on a context that outlives the caller's
func abort(axis motor.Calibrator, logger golog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := axis.RequestState(ctx, motor.StateIdle); err != nil {
		logger.Errorw("could not idle the axis after stopping calibration", "error", err)
	}
}
