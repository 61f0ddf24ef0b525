// Package odrive enables working with ODrive motor controllers over their
// ASCII protocol, on a USB CDC serial port or a TCP serial bridge.
//
// A Controller owns the connection and speaks the protocol; an Axis wraps one
// motor on the board and satisfies the interfaces of package motor.
package odrive

import (
	"context"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/berr-exo/exodrive/comm"
	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"github.com/tarm/serial"
)

// DefaultTimeout is the read timeout of one reply
const DefaultTimeout = time.Second

// makeSerConf makes a new serial.Config with correct parity, baud, etc, set.
func makeSerConf(addr string) *serial.Config {
	// USB CDC ignores the baud rate, but tarm/serial requires one
	return &serial.Config{
		Name:        addr,
		Baud:        115200,
		Size:        8,
		Parity:      serial.ParityNone,
		StopBits:    serial.Stop1,
		ReadTimeout: DefaultTimeout}
}

// Controller is an ODrive board
type Controller struct {
	pool *comm.Pool
	log  golog.Logger

	// Checksum appends a checksum to every command and verifies replies
	Checksum bool

	// Timeout bounds each exchange on connections that support deadlines
	Timeout time.Duration
}

// New makes a new Controller.  addr is a serial port path when connectSerial
// is true, else a host:port of a TCP serial bridge.
func New(addr string, connectSerial bool, logger golog.Logger) *Controller {
	var maker comm.CreationFunc
	if connectSerial {
		maker = comm.SerialConnMaker(makeSerConf(addr))
	} else {
		maker = comm.TCPConnMaker(addr, 3*time.Second)
	}
	return NewFromMaker(maker, logger)
}

// NewFromMaker makes a new Controller which opens connections with maker
func NewFromMaker(maker comm.CreationFunc, logger golog.Logger) *Controller {
	if logger == nil {
		logger = golog.NewDevelopmentLogger("odrive")
	}
	return &Controller{
		pool:    comm.NewPool(1, time.Minute, maker),
		log:     logger,
		Timeout: DefaultTimeout,
	}
}

// exchange leases the connection and runs f with it
func (c *Controller) exchange(ctx context.Context, f func(rw io.ReadWriter) error) (err error) {
	if err = ctx.Err(); err != nil {
		return err
	}
	conn, err := c.pool.Get()
	if err != nil {
		return errors.Wrap(err, "odrive: connecting")
	}
	defer func() {
		ret := err
		if errors.Cause(err) == ErrInvalidProperty {
			// the link is in sync, only the path was bad
			ret = nil
		}
		c.pool.ReturnWithError(conn, ret)
	}()
	comm.RefreshDeadline(conn, c.Timeout)
	return f(conn)
}

func (c *Controller) writeLine(w io.Writer, cmd string) error {
	msg := frame(cmd, c.Checksum)
	n, err := w.Write(msg)
	if err != nil {
		return err
	}
	if n != len(msg) {
		return fmt.Errorf("odrive: only %d of %d bytes of %q were written", n, len(msg), cmd)
	}
	return nil
}

func (c *Controller) readLine(r io.Reader) (string, error) {
	line, err := comm.ReadUntil(r, RxTerm, maxReply)
	if err != nil {
		return "", err
	}
	return unframe(line, c.Checksum)
}

// send writes a command that has no reply
func (c *Controller) send(ctx context.Context, cmd string) error {
	return c.exchange(ctx, func(rw io.ReadWriter) error {
		return c.writeLine(rw, cmd)
	})
}

// query writes a command and reads its one line reply
func (c *Controller) query(ctx context.Context, cmd string) (string, error) {
	var resp string
	err := c.exchange(ctx, func(rw io.ReadWriter) error {
		if err := c.writeLine(rw, cmd); err != nil {
			return err
		}
		var err error
		resp, err = c.readLine(rw)
		return err
	})
	return resp, err
}

// ReadProperty reads the value of a property as text
func (c *Controller) ReadProperty(ctx context.Context, path string) (string, error) {
	v, err := c.query(ctx, "r "+path)
	return v, errors.Wrapf(err, "reading %s", path)
}

// WriteProperty writes a property and reads it back.  The protocol gives no
// acknowledgement of a good write, so the read back is what proves the path
// exists.  Numeric values that read back differently are reported.
func (c *Controller) WriteProperty(ctx context.Context, path, value string) error {
	var back string
	err := c.exchange(ctx, func(rw io.ReadWriter) error {
		if err := c.writeLine(rw, "w "+path+" "+value); err != nil {
			return err
		}
		if err := c.writeLine(rw, "r "+path); err != nil {
			return err
		}
		var err error
		back, err = c.readLine(rw)
		if errors.Cause(err) == ErrInvalidProperty {
			// the write and the read both produced a reply, consume the second
			if _, err2 := c.readLine(rw); err2 != nil && errors.Cause(err2) != ErrInvalidProperty {
				return err2
			}
		}
		return err
	})
	if err != nil {
		return errors.Wrapf(err, "writing %s", path)
	}
	want, errW := parseFloat(value)
	got, errG := parseFloat(back)
	if errW == nil && errG == nil && !closeEnough(want, got) {
		return errors.Errorf("odrive: %s reads back %s after writing %s", path, back, value)
	}
	c.log.Debugw("wrote property", "path", path, "value", value)
	return nil
}

func closeEnough(a, b float64) bool {
	return math.Abs(a-b) <= 1e-6*math.Max(1, math.Max(math.Abs(a), math.Abs(b)))
}

// ReadFloat reads a property as a float
func (c *Controller) ReadFloat(ctx context.Context, path string) (float64, error) {
	s, err := c.ReadProperty(ctx, path)
	if err != nil {
		return 0, err
	}
	return parseFloat(s)
}

// ReadInt reads a property as an integer
func (c *Controller) ReadInt(ctx context.Context, path string) (int64, error) {
	s, err := c.ReadProperty(ctx, path)
	if err != nil {
		return 0, err
	}
	return parseInt(s)
}

// ReadBool reads a property as a boolean
func (c *Controller) ReadBool(ctx context.Context, path string) (bool, error) {
	s, err := c.ReadProperty(ctx, path)
	if err != nil {
		return false, err
	}
	return parseBool(s)
}

// WriteFloat writes a float property
func (c *Controller) WriteFloat(ctx context.Context, path string, f float64) error {
	return c.WriteProperty(ctx, path, formatFloat(f))
}

// WriteInt writes an integer property
func (c *Controller) WriteInt(ctx context.Context, path string, i int64) error {
	return c.WriteProperty(ctx, path, fmt.Sprint(i))
}

// WriteBool writes a boolean property
func (c *Controller) WriteBool(ctx context.Context, path string, b bool) error {
	v := "0"
	if b {
		v = "1"
	}
	return c.WriteProperty(ctx, path, v)
}

// Feedback reads the position (turns) and velocity (turns/s) of an axis in one exchange
func (c *Controller) Feedback(ctx context.Context, axis int) (float64, float64, error) {
	s, err := c.query(ctx, fmt.Sprintf("f %d", axis))
	if err != nil {
		return 0, 0, errors.Wrap(err, "reading feedback")
	}
	return parsePair(s)
}

// SetTorque sets the torque setpoint of an axis in Nm
func (c *Controller) SetTorque(ctx context.Context, axis int, nm float64) error {
	return c.send(ctx, fmt.Sprintf("c %d %s", axis, formatFloat(nm)))
}

// SetVelocity sets the velocity setpoint of an axis in turns/s with a torque feed forward in Nm
func (c *Controller) SetVelocity(ctx context.Context, axis int, vel, torqueFF float64) error {
	return c.send(ctx, fmt.Sprintf("v %d %s %s", axis, formatFloat(vel), formatFloat(torqueFF)))
}

// SetUnverified writes a property without reading it back, for setpoints
// updated at a high rate
func (c *Controller) SetUnverified(ctx context.Context, path, value string) error {
	return c.send(ctx, "w "+path+" "+value)
}

// SaveConfiguration saves the configuration to flash.  The board reboots
// afterwards and the connection is lost.
func (c *Controller) SaveConfiguration(ctx context.Context) error {
	err := c.send(ctx, "ss")
	c.dropConnection()
	return err
}

// EraseConfiguration restores factory configuration.  The board reboots afterwards.
func (c *Controller) EraseConfiguration(ctx context.Context) error {
	err := c.send(ctx, "se")
	c.dropConnection()
	return err
}

// Reboot restarts the board
func (c *Controller) Reboot(ctx context.Context) error {
	err := c.send(ctx, "sr")
	c.dropConnection()
	return err
}

// ClearErrors clears the errors of every axis
func (c *Controller) ClearErrors(ctx context.Context) error {
	return c.send(ctx, "sc")
}

// SerialNumber reads the serial number of the board, as hex
func (c *Controller) SerialNumber(ctx context.Context) (string, error) {
	i, err := c.ReadInt(ctx, "serial_number")
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%X", i), nil
}

// VBus reads the DC bus voltage
func (c *Controller) VBus(ctx context.Context) (float64, error) {
	return c.ReadFloat(ctx, "vbus_voltage")
}

// dropConnection closes the pooled connection so the next exchange opens a new one
func (c *Controller) dropConnection() {
	if err := c.pool.Close(); err != nil {
		c.log.Debugw("closing connection after reboot", "error", err)
	}
}

// Close closes the connection to the board
func (c *Controller) Close() error {
	return c.pool.Close()
}
