// Package util contains misc internal utilities.
package util

import (
	"math"
	"time"
)

// Limiter describes a closed interval [Min, Max] a command must stay within
type Limiter struct {
	Min float64 `json:"min" yaml:"min" koanf:"min"`
	Max float64 `json:"max" yaml:"max" koanf:"max"`
}

// Check returns true if f lies within the limits
func (l Limiter) Check(f float64) bool {
	return f >= l.Min && f <= l.Max
}

// Clamp restricts f to the limits
func (l Limiter) Clamp(f float64) float64 {
	return Clamp(f, l.Min, l.Max)
}

// Symmetric returns a Limiter spanning [-mag, +mag]
func Symmetric(mag float64) Limiter {
	mag = math.Abs(mag)
	return Limiter{Min: -mag, Max: mag}
}

// Clamp restricts input to low <= input <= high
func Clamp(input, low, high float64) float64 {
	if input < low {
		return low
	}
	if input > high {
		return high
	}
	return input
}

// Sign returns -1, 0, or 1 matching the sign of f
func Sign(f float64) float64 {
	switch {
	case f > 0:
		return 1
	case f < 0:
		return -1
	default:
		return 0
	}
}

// SecsToDuration converts a floating point number of seconds to a time.Duration
// since time.Duration is an int64, this will truncate below 1 ns
func SecsToDuration(secs float64) time.Duration {
	return time.Duration(secs * 1e9)
}

// TurnsToDegrees converts mechanical turns to degrees
func TurnsToDegrees(turns float64) float64 {
	return turns * 360
}

// TurnsPerSecToRPM converts turns/s to revolutions per minute
func TurnsPerSecToRPM(vel float64) float64 {
	return vel * 60
}
