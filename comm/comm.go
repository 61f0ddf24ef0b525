/*Package comm provides connection makers, a connection pool, and line framing
for talking to motor controllers over serial or TCP links.

Most usages of this package will boil down to:
	1.  build a CreationFunc with SerialConnMaker or TCPConnMaker
	2.  wrap it in a Pool of size 1 so that every goroutine shares the link
	3.  Get a connection, write a framed command, ReadUntil the terminator,
		and ReturnWithError the connection

A minimal example for a controller that answers "r vbus_voltage" with a line
of text terminated by a newline:

	pool := comm.NewPool(1, time.Hour, comm.SerialConnMaker(conf))
	conn, err := pool.Get()
	if err != nil {
		return 0, err
	}
	defer func() { pool.ReturnWithError(conn, err) }()
	_, err = conn.Write([]byte("r vbus_voltage\n"))
	if err != nil {
		return 0, err
	}
	resp, err := comm.ReadUntil(conn, '\n', 64)
	if err != nil {
		return 0, err
	}
	return strconv.ParseFloat(string(resp), 64)
*/
package comm

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/tarm/serial"
)

var (
	// ErrNotConnected is generated when a nil connection is used
	ErrNotConnected = errors.New("conn is nil, not connected to remote")

	// ErrTerminatorNotFound is generated when the termination byte is not found in a response
	ErrTerminatorNotFound = errors.New("termination byte not found")
)

// CreationFunc is a function which returns a new "connection" to something
// a closure should be used to encapsulate the variables and functions needed
type CreationFunc func() (io.ReadWriteCloser, error)

// SerialConnMaker returns a CreationFunc that opens the serial port described by conf
func SerialConnMaker(conf *serial.Config) CreationFunc {
	return func() (io.ReadWriteCloser, error) {
		return serial.OpenPort(conf)
	}
}

// TCPConnMaker returns a CreationFunc that dials addr, retrying with an
// exponential backoff for up to three seconds.  Refused connections are
// not retried.
func TCPConnMaker(addr string, timeout time.Duration) CreationFunc {
	return func() (io.ReadWriteCloser, error) {
		var (
			conn    net.Conn
			lastErr error
		)
		refused := false
		op := func() error {
			c, err := TCPSetup(addr, timeout)
			if err != nil {
				lastErr = err
				if strings.Contains(strings.ToLower(err.Error()), "refused") {
					refused = true
					return nil
				}
				return err
			}
			conn = c
			return nil
		}
		err := backoff.Retry(op, &backoff.ExponentialBackOff{
			InitialInterval:     25 * time.Millisecond,
			RandomizationFactor: 0.,
			Multiplier:          2.,
			MaxInterval:         1 * time.Second,
			MaxElapsedTime:      3 * time.Second,
			Clock:               backoff.SystemClock})
		if refused {
			return nil, lastErr
		}
		if err != nil {
			return nil, fmt.Errorf("connection timeout to %s: %w", addr, err)
		}
		return conn, nil
	}
}

// TCPSetup opens a new TCP connection and sets a timeout on connect, read, and write
func TCPSetup(addr string, timeout time.Duration) (net.Conn, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, err
	}
	deadline := time.Now().Add(timeout)
	conn.SetReadDeadline(deadline)
	conn.SetWriteDeadline(deadline)
	return conn, nil
}

// RefreshDeadline pushes the read and write deadlines of rw forward by
// timeout, if rw is a net.Conn.  Serial ports carry their own read timeout.
func RefreshDeadline(rw io.ReadWriter, timeout time.Duration) {
	if c, ok := rw.(net.Conn); ok {
		deadline := time.Now().Add(timeout)
		c.SetReadDeadline(deadline)
		c.SetWriteDeadline(deadline)
	}
}

// ReadUntil reads from r one byte at a time until term is seen or max bytes
// have been read.  The terminator, and a preceding carriage return, are
// stripped.  Remotes reply in short lines, so creeping through the response
// never reads past the end of it.
func ReadUntil(r io.Reader, term byte, max int) ([]byte, error) {
	if r == nil {
		return nil, ErrNotConnected
	}
	buf := make([]byte, 0, max)
	var one [1]byte
	for len(buf) < max {
		n, err := r.Read(one[:])
		if n == 1 {
			if one[0] == term {
				if l := len(buf); l > 0 && buf[l-1] == '\r' {
					buf = buf[:l-1]
				}
				return buf, nil
			}
			buf = append(buf, one[0])
			continue
		}
		if err != nil {
			return buf, err
		}
		// tarm/serial returns 0, nil on read timeout
		return buf, ErrTerminatorNotFound
	}
	return buf, ErrTerminatorNotFound
}
