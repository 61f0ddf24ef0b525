// Package console is the operator's side of the interactive commands: line
// input that never blocks the control loop, prompts, and status lines.
package console

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/berr-exo/exodrive/motor"
	"github.com/fatih/color"
	"github.com/pkg/errors"
)

var (
	// ErrInvalidInput is generated when the operator types something that is not a number
	ErrInvalidInput = errors.New("invalid input, enter a number or q to quit")

	// ErrQuit is generated when the operator asks to quit at a prompt
	ErrQuit = errors.New("operator quit")

	warn = color.New(color.FgYellow)
	bad  = color.New(color.FgRed)
	good = color.New(color.FgGreen)
)

// Lines reads r line by line on its own goroutine and forwards each trimmed
// line.  The channel is closed at EOF.  The reader goroutine only forwards;
// it never touches a device.
func Lines(r io.Reader) <-chan string {
	out := make(chan string)
	go func() {
		defer close(out)
		sc := bufio.NewScanner(r)
		for sc.Scan() {
			out <- strings.TrimSpace(sc.Text())
		}
	}()
	return out
}

// Prompt writes msg and waits for one line
func Prompt(ctx context.Context, lines <-chan string, w io.Writer, msg string) (string, error) {
	fmt.Fprint(w, msg)
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case l, ok := <-lines:
		if !ok {
			return "", io.EOF
		}
		return l, nil
	}
}

// Confirm asks a yes/no question, anything but y or yes is no
func Confirm(ctx context.Context, lines <-chan string, w io.Writer, msg string) (bool, error) {
	l, err := Prompt(ctx, lines, w, msg+" (y/n): ")
	if err != nil {
		return false, err
	}
	switch strings.ToLower(l) {
	case "y", "yes":
		return true, nil
	}
	return false, nil
}

// IsQuit returns true for the operator's quit words
func IsQuit(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "q", "quit", "exit":
		return true
	}
	return false
}

// ParseTorque parses a torque in Nm
func ParseTorque(s string) (float64, error) {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, ErrInvalidInput
	}
	return f, nil
}

// PromptFloat prompts until the operator enters a number.  Invalid input is
// reported and asked for again; a quit word returns ErrQuit.
func PromptFloat(ctx context.Context, lines <-chan string, w io.Writer, msg string) (float64, error) {
	for {
		l, err := Prompt(ctx, lines, w, msg)
		if err != nil {
			return 0, err
		}
		if IsQuit(l) {
			return 0, ErrQuit
		}
		f, err := ParseTorque(l)
		if err == nil {
			return f, nil
		}
		Bad(w, "%v", err)
	}
}

// LimitTorque clamps a requested torque to ±max and warns the operator if it had to
func LimitTorque(w io.Writer, requested, max float64) float64 {
	if max <= 0 || math.Abs(requested) <= max {
		return requested
	}
	Warn(w, "requested torque (%.2f Nm) exceeds the safe limit (%.2f Nm), limiting to %.2f Nm", requested, max, max)
	return math.Copysign(max, requested)
}

// Warn prints a warning line
func Warn(w io.Writer, format string, args ...interface{}) {
	warn.Fprintf(w, "⚠ "+format+"\n", args...)
}

// Bad prints a failure line
func Bad(w io.Writer, format string, args ...interface{}) {
	bad.Fprintf(w, "✗ "+format+"\n", args...)
}

// Good prints a success line
func Good(w io.Writer, format string, args ...interface{}) {
	good.Fprintf(w, "✓ "+format+"\n", args...)
}

// Banner prints the torque capability of a motor
func Banner(w io.Writer, l motor.Limits) {
	rule := strings.Repeat("-", 60)
	fmt.Fprintln(w, rule)
	fmt.Fprintln(w, "Motor Information:")
	fmt.Fprintf(w, "  Torque Constant: %.4f Nm/A\n", l.TorqueConstant)
	fmt.Fprintf(w, "  Current Limit: %.1f A\n", l.CurrentSoftMax)
	fmt.Fprintf(w, "  Max Torque (~): %.2f Nm\n", l.MaxTorque())
	if l.TorqueConstant != 0 {
		fmt.Fprintf(w, "\n  Expected Current for 0.1 Nm: %.2f A\n", l.CurrentFor(0.1))
		fmt.Fprintf(w, "  Expected Current for 1.0 Nm: %.2f A\n", l.CurrentFor(1))
	}
	fmt.Fprintln(w, rule)
}
