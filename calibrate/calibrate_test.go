package calibrate

import (
	"context"
	"testing"
	"time"

	"github.com/berr-exo/exodrive/motor"
	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunSucceeds(t *testing.T) {
	m := motor.NewMock()
	m.CalibrationTime = 150 * time.Millisecond
	var seen []motor.State
	res, err := Run(context.Background(), m, Motor, Options{
		Poll:    MinPoll,
		Timeout: 2 * time.Second,
		OnPoll:  func(s motor.State, _ time.Duration) { seen = append(seen, s) },
	})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, m.Resistance, res.PhaseResistance)
	assert.Equal(t, m.Inductance, res.PhaseInductance)
	assert.Equal(t, motor.StateMotorCalibration, seen[0])
	assert.Equal(t, motor.StateIdle, seen[len(seen)-1])
	assert.Equal(t, []motor.State{motor.StateMotorCalibration}, m.Requests)
}

func TestRunTimesOut(t *testing.T) {
	m := motor.NewMock()
	m.CalibrationHangs = true
	_, err := Run(context.Background(), m, Full, Options{Poll: MinPoll, Timeout: 350 * time.Millisecond})
	assert.Equal(t, ErrCalibrationTimeout, err)
	// the axis was asked to stop
	assert.Equal(t, motor.StateIdle, m.Requests[len(m.Requests)-1])
}

func TestRunReportsFailureCode(t *testing.T) {
	m := motor.NewMock()
	m.CalibrationTime = 50 * time.Millisecond
	m.CalibrationFault = 0x40000000
	res, err := Run(context.Background(), m, EncoderOffset, Options{Poll: MinPoll, Timeout: time.Second})
	require.Error(t, err)
	fe, ok := err.(*FailedError)
	require.True(t, ok, "error should be a *FailedError")
	assert.Equal(t, uint32(0x40000000), fe.Code)
	assert.False(t, res.Success)
	assert.Equal(t, uint32(0x40000000), res.ErrorCode)
	assert.Contains(t, fe.Error(), "0x40000000")
}

func TestRunFailsOnDisarmReasonAlone(t *testing.T) {
	m := motor.NewMock()
	m.CalibrationTime = 50 * time.Millisecond
	m.CalibrationDisarm = 0x40
	res, err := Run(context.Background(), m, Motor, Options{Poll: MinPoll, Timeout: time.Second})
	require.Error(t, err)
	var fe *FailedError
	require.True(t, errors.As(err, &fe))
	assert.Zero(t, fe.Code)
	assert.Equal(t, uint32(0x40), fe.DisarmReason)
	assert.False(t, res.Success)
	assert.Equal(t, uint32(0x40), res.DisarmReason)
	assert.Zero(t, res.PhaseResistance)
}

// stuckAxis cannot be told to go idle
type stuckAxis struct {
	*motor.Mock
}

func (s stuckAxis) RequestState(ctx context.Context, st motor.State) error {
	if st == motor.StateIdle {
		return errors.New("link lost")
	}
	return s.Mock.RequestState(ctx, st)
}

func TestRunLogsFailedAbort(t *testing.T) {
	m := motor.NewMock()
	m.CalibrationHangs = true
	logger, logs := golog.NewObservedTestLogger(t)
	_, err := Run(context.Background(), stuckAxis{m}, Motor, Options{
		Poll:    MinPoll,
		Timeout: 250 * time.Millisecond,
		Logger:  logger,
	})
	assert.Equal(t, ErrCalibrationTimeout, err)
	entries := logs.FilterMessage("could not idle the axis after stopping calibration").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "link lost", entries[0].ContextMap()["error"])
}

func TestRunStopsOnCancel(t *testing.T) {
	m := motor.NewMock()
	m.CalibrationHangs = true
	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	_, err := Run(ctx, m, Motor, Options{Poll: MinPoll, Timeout: time.Minute})
	assert.Equal(t, context.DeadlineExceeded, err)
}

func TestOptionsClampPoll(t *testing.T) {
	assert.Equal(t, MinPoll, Options{Poll: time.Millisecond}.withDefaults().Poll)
	assert.Equal(t, MaxPoll, Options{Poll: time.Second}.withDefaults().Poll)
	o := Options{}.withDefaults()
	assert.Equal(t, DefaultPoll, o.Poll)
	assert.Equal(t, DefaultTimeout, o.Timeout)
}

func TestParseKind(t *testing.T) {
	k, err := ParseKind("encoder")
	require.NoError(t, err)
	assert.Equal(t, motor.StateEncoderOffsetCalibration, k.State())
	_, err = ParseKind("hall")
	assert.Error(t, err)
}

func TestFailedErrorDescribe(t *testing.T) {
	e := &FailedError{Code: 1, Describe: func(uint32) string { return "INITIALIZING" }}
	assert.Contains(t, e.Error(), "INITIALIZING")
}
