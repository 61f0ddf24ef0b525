// Package discover locates ODrive controllers attached over USB.
//
// Serial ports are enumerated with go.bug.st/serial/enumerator and matched
// on USB vendor and product IDs, optionally narrowed by serial number.
// When nothing matches, libusb is consulted so the caller can tell an
// unplugged board from one that enumerated without a CDC serial interface.
package discover

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/gousb"
	"github.com/pkg/errors"
	"go.bug.st/serial/enumerator"
)

const (
	// VendorID is the pid.codes vendor the ODrive firmware enumerates with
	VendorID = "1209"

	// ProductID is the ODrive v3/Pro product ID
	ProductID = "0D32"

	// DefaultTimeout is how long FindAny keeps looking before it gives up
	DefaultTimeout = 10 * time.Second
)

var (
	// ErrNotFound is returned when no matching serial port appears before the timeout
	ErrNotFound = errors.New("no ODrive found")

	// ErrNoSerialInterface is returned when a matching device is present on
	// the USB bus but the OS did not create a serial port for it
	ErrNoSerialInterface = errors.New("ODrive present on USB bus but exposes no serial port")
)

// Options narrows the search
type Options struct {
	// VID and PID are hex strings, compared without regard to case
	VID string
	PID string

	// Serial, if not empty, must equal the port's USB serial number
	Serial string

	// Port, if not empty, bypasses enumeration entirely
	Port string

	Timeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.VID == "" {
		o.VID = VendorID
	}
	if o.PID == "" {
		o.PID = ProductID
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	return o
}

// Port is a serial port belonging to a matched device
type Port struct {
	Name    string
	Serial  string
	Product string
}

// Lister enumerates serial ports
type Lister func() ([]*enumerator.PortDetails, error)

// Prober reports whether a device with the given IDs is on the USB bus
type Prober func(vid, pid string) (bool, error)

// Match returns the ports in ports that satisfy opts, in enumeration order.
// Non-USB ports never match.
func Match(ports []*enumerator.PortDetails, opts Options) []Port {
	opts = opts.withDefaults()
	var out []Port
	for _, p := range ports {
		if p == nil || !p.IsUSB {
			continue
		}
		if !strings.EqualFold(p.VID, opts.VID) || !strings.EqualFold(p.PID, opts.PID) {
			continue
		}
		if opts.Serial != "" && !strings.EqualFold(p.SerialNumber, opts.Serial) {
			continue
		}
		out = append(out, Port{Name: p.Name, Serial: p.SerialNumber, Product: p.Product})
	}
	return out
}

// FindAny returns the first ODrive serial port matching opts, polling the
// system until one appears, ctx is done, or opts.Timeout elapses
func FindAny(ctx context.Context, opts Options) (Port, error) {
	return Find(ctx, enumerator.GetDetailedPortsList, USBPresent, opts)
}

// Find is FindAny with the enumeration and USB probe supplied by the caller.
// probe may be nil.
func Find(ctx context.Context, list Lister, probe Prober, opts Options) (Port, error) {
	opts = opts.withDefaults()
	if opts.Port != "" {
		return Port{Name: opts.Port, Serial: opts.Serial}, nil
	}
	var (
		found   Port
		lastErr error
	)
	op := func() error {
		ports, err := list()
		if err != nil {
			lastErr = err
			return err
		}
		m := Match(ports, opts)
		if len(m) == 0 {
			lastErr = ErrNotFound
			return ErrNotFound
		}
		found = m[0]
		return nil
	}
	b := &backoff.ExponentialBackOff{
		InitialInterval:     100 * time.Millisecond,
		RandomizationFactor: 0.,
		Multiplier:          1.5,
		MaxInterval:         1 * time.Second,
		MaxElapsedTime:      opts.Timeout,
		Clock:               backoff.SystemClock}
	b.Reset()
	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err == nil {
		return found, nil
	}
	if ctx.Err() != nil {
		return Port{}, errors.Wrap(ctx.Err(), "searching for ODrive")
	}
	if lastErr != nil && lastErr != ErrNotFound {
		return Port{}, errors.Wrap(lastErr, "enumerating serial ports")
	}
	if probe != nil {
		if present, err := probe(opts.VID, opts.PID); err == nil && present {
			return Port{}, errors.Wrapf(ErrNoSerialInterface, "%s:%s", opts.VID, opts.PID)
		}
	}
	desc := opts.VID + ":" + opts.PID
	if opts.Serial != "" {
		desc += " serial " + opts.Serial
	}
	return Port{}, errors.Wrapf(ErrNotFound, "%s after %s", desc, opts.Timeout)
}

// USBPresent asks libusb whether any device with the given hex IDs is attached
func USBPresent(vid, pid string) (bool, error) {
	v, err := parseID(vid)
	if err != nil {
		return false, err
	}
	p, err := parseID(pid)
	if err != nil {
		return false, err
	}
	ctx := gousb.NewContext()
	defer ctx.Close()
	seen := false
	// the opener sees every descriptor; nothing is actually opened
	_, err = ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		if desc.Vendor == v && desc.Product == p {
			seen = true
		}
		return false
	})
	if seen {
		return true, nil
	}
	return false, err
}

func parseID(s string) (gousb.ID, error) {
	u, err := strconv.ParseUint(s, 16, 16)
	if err != nil {
		return 0, errors.Wrapf(err, "USB ID %q", s)
	}
	return gousb.ID(u), nil
}
