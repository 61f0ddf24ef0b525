package console

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/berr-exo/exodrive/loop"
	"github.com/berr-exo/exodrive/util"
)

// Sender is the command side of a running loop
type Sender interface {
	Send(loop.Command) bool
}

// Operator turns typed lines into loop commands: a number retunes the law, an
// empty line captures the position, and a quit word stops the loop.
type Operator struct {
	Out io.Writer

	// Limit clamps retuned magnitudes, zero means no limit
	Limit float64

	// Signed keeps the sign of numbers; otherwise their magnitude is used
	Signed bool

	// Capture enables the empty line command
	Capture bool

	// Param names what a typed number retunes, "torque" if empty
	Param string

	// Detached leaves the loop running when the input closes, for loops that
	// are also driven from elsewhere
	Detached bool
}

// Run forwards commands until lines closes or ctx is done.  EOF quits the
// loop unless the operator is detached.
func (o Operator) Run(ctx context.Context, lines <-chan string, to Sender) {
	for {
		select {
		case <-ctx.Done():
			return
		case l, ok := <-lines:
			if !ok {
				if !o.Detached {
					to.Send(loop.Command{Kind: loop.Quit})
				}
				return
			}
			o.handle(l, to)
		}
	}
}

func (o Operator) handle(l string, to Sender) {
	switch {
	case IsQuit(l):
		to.Send(loop.Command{Kind: loop.Quit})
	case l == "":
		if o.Capture {
			to.Send(loop.Command{Kind: loop.Capture})
			Good(o.Out, "start position captured")
		}
	default:
		f, err := ParseTorque(l)
		if err != nil {
			Bad(o.Out, "%v", err)
			return
		}
		if !o.Signed && f < 0 {
			f = -f
		}
		f = LimitTorque(o.Out, f, o.Limit)
		if !to.Send(loop.Command{Kind: loop.Retune, Value: f}) {
			Warn(o.Out, "loop is busy, try again")
			return
		}
		param := o.Param
		if param == "" {
			param = "torque"
		}
		Good(o.Out, "%s set to %.2f Nm", param, f)
	}
}

// StatusLine prints one carriage-return status line per status, no faster
// than Every.  It satisfies loop.Sink.
type StatusLine struct {
	Out   io.Writer
	Every time.Duration

	mu   sync.Mutex
	last time.Time
}

// Emit satisfies loop.Sink
func (s *StatusLine) Emit(st loop.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.last.IsZero() && st.Time.Sub(s.last) < s.Every {
		return nil
	}
	s.last = st.Time
	_, err := fmt.Fprint(s.Out, Format(st))
	return err
}

// Format renders a status the way the status line shows it
func Format(st loop.Status) string {
	t := st.Telemetry
	est := "  n/a "
	if t.HasTorqueEstimate {
		est = fmt.Sprintf("%6.2f", t.TorqueEstimate)
	}
	pos := "    n/a"
	if t.HasPosition {
		pos = fmt.Sprintf("%7.3f", t.Position)
	}
	return fmt.Sprintf("\r[%-9s] Set: %6.2f Nm | Actual: %s Nm | Pos: %s | Vel: %6.1f RPM | Iq: %6.2f A",
		st.Label, st.Commanded, est, pos, util.TurnsPerSecToRPM(t.Velocity), t.IqMeasured)
}
