package odrive

import (
	"bytes"
	"strconv"
	"strings"

	"github.com/berr-exo/exodrive/motor"
	"github.com/pkg/errors"
)

// ODrive ASCII protocol primer
//
// commands are one line of ASCII terminated by a newline.  The ones used here:
//
//	r [property]            read a property, the reply is its value
//	w [property] [value]    write a property, no reply unless the property is bad
//	f [axis]                feedback, the reply is "pos vel"
//	c [axis] [torque]       set the torque setpoint (Nm)
//	v [axis] [vel] [ff]     set the velocity setpoint (turns/s) with torque feed forward
//	ss / se / sr / sc       save config / erase config / reboot / clear errors
//
// a line may carry a checksum as a suffix, " *N", where N is the XOR of every
// byte before the asterisk.  When a command has a checksum, so does its reply.
const (
	// TxTerm is the byte that ends a command
	TxTerm = '\n'

	// RxTerm is the byte that ends a reply
	RxTerm = '\n'

	// maxReply caps the length of one reply line
	maxReply = 256

	replyInvalidProperty = "invalid property"
	replyInvalidFormat   = "invalid command format"
	replyUnknownCommand  = "unknown command"
)

var (
	// ErrChecksumMismatch is generated when a reply's checksum does not match its content
	ErrChecksumMismatch = errors.New("odrive: checksum mismatch")

	// ErrInvalidProperty is generated when the device does not know a property path
	ErrInvalidProperty = errors.New("odrive: invalid property")

	// ErrBadResponse is generated when a reply cannot be understood
	ErrBadResponse = errors.New("odrive: bad response")
)

// checksum is the XOR of every byte in b
func checksum(b []byte) byte {
	var cs byte
	for _, c := range b {
		cs ^= c
	}
	return cs
}

// frame encodes a command line, optionally with a checksum, and appends the terminator
func frame(cmd string, withChecksum bool) []byte {
	buf := make([]byte, 0, len(cmd)+6)
	buf = append(buf, cmd...)
	if withChecksum {
		buf = append(buf, ' ')
		cs := checksum(buf)
		buf = append(buf, '*')
		buf = strconv.AppendUint(buf, uint64(cs), 10)
	}
	return append(buf, TxTerm)
}

// unframe validates a reply line (terminator already removed) and returns its content
func unframe(line []byte, withChecksum bool) (string, error) {
	line = bytes.TrimSpace(line)
	if withChecksum {
		idx := bytes.LastIndexByte(line, '*')
		if idx == -1 {
			// errors from the firmware are sent without a checksum
			if err := replyError(string(line)); err != nil {
				return "", err
			}
			return "", errors.Wrapf(ErrBadResponse, "reply %q has no checksum", line)
		}
		want, err := strconv.ParseUint(string(bytes.TrimSpace(line[idx+1:])), 10, 8)
		if err != nil {
			return "", errors.Wrapf(ErrBadResponse, "reply %q has a malformed checksum", line)
		}
		if checksum(line[:idx]) != byte(want) {
			return "", ErrChecksumMismatch
		}
		line = bytes.TrimSpace(line[:idx])
	}
	s := string(line)
	if err := replyError(s); err != nil {
		return "", err
	}
	return s, nil
}

// IsInvalidProperty returns true if err means a property path does not exist
func IsInvalidProperty(err error) bool {
	return errors.Is(err, ErrInvalidProperty) || errors.Is(err, motor.ErrUnknownProperty)
}

// replyError maps the firmware's error replies to errors
func replyError(s string) error {
	switch s {
	case replyInvalidProperty:
		return ErrInvalidProperty
	case replyInvalidFormat, replyUnknownCommand:
		return errors.Wrap(ErrBadResponse, s)
	}
	return nil
}

// parseFloat parses a property value as a float
func parseFloat(s string) (float64, error) {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, errors.Wrapf(ErrBadResponse, "%q is not a number", s)
	}
	return f, nil
}

// parseInt parses a property value as an integer.  The firmware prints some
// integers in floating point form, which are accepted if they are whole.
func parseInt(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i, nil
	}
	f, err := parseFloat(s)
	if err != nil {
		return 0, err
	}
	if f != float64(int64(f)) {
		return 0, errors.Wrapf(ErrBadResponse, "%q is not an integer", s)
	}
	return int64(f), nil
}

// parseBool parses a property value as a boolean
func parseBool(s string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true":
		return true, nil
	case "0", "false":
		return false, nil
	}
	return false, errors.Wrapf(ErrBadResponse, "%q is not a boolean", s)
}

// parsePair parses the two floats of a feedback reply
func parsePair(s string) (float64, float64, error) {
	fields := strings.Fields(s)
	if len(fields) != 2 {
		return 0, 0, errors.Wrapf(ErrBadResponse, "feedback %q does not have two fields", s)
	}
	a, err := parseFloat(fields[0])
	if err != nil {
		return 0, 0, err
	}
	b, err := parseFloat(fields[1])
	return a, b, err
}

// formatFloat renders a float the way the firmware accepts it
func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
