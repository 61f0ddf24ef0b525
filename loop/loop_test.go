package loop

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/berr-exo/exodrive/control"
	"github.com/berr-exo/exodrive/motor"
	"github.com/edaniels/golog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func closedLoopMock(t *testing.T) *motor.Mock {
	m := motor.NewMock()
	require.NoError(t, m.RequestState(context.Background(), motor.StateClosedLoop))
	return m
}

func fastConfig() Config {
	c := DefaultConfig()
	c.RateHz = 100
	c.ErrorPause = 0.01
	c.RampStep = 0.001
	c.SettleWait = 0.001
	return c
}

func TestRunSurvivesTelemetryFailures(t *testing.T) {
	m := closedLoopMock(t)
	m.FailTelemetry = 3
	law := control.NewManual(0)
	law.SetMagnitude(0.3)
	r := New(m, law, fastConfig(), golog.NewTestLogger(t))

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	require.NoError(t, r.Run(ctx))

	st := r.Stats()
	assert.Equal(t, 3, st.TelemetryErrors)
	assert.Greater(t, st.Iterations, 5)
	m.Lock()
	defer m.Unlock()
	// the failed samples zeroed the setpoint before the law took over
	assert.Equal(t, []float64{0, 0, 0}, m.Torques[:3])
	assert.Equal(t, 0.3, m.Torques[len(m.Torques)-1])
}

func TestRunClampsToTorqueLimit(t *testing.T) {
	m := closedLoopMock(t)
	law := control.NewManual(0)
	law.SetMagnitude(-5)
	cfg := fastConfig()
	cfg.TorqueLimit = 1
	r := New(m, law, cfg, golog.NewTestLogger(t))
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	require.NoError(t, r.Run(ctx))
	assert.Equal(t, -1., r.Latest().Commanded)
	assert.Equal(t, -5., r.Latest().Desired)
}

func TestCommandsAreAppliedThenQuit(t *testing.T) {
	m := closedLoopMock(t)
	s, err := control.NewSpring(control.DefaultSpringParams(), 1)
	require.NoError(t, err)
	r := New(m, s, fastConfig(), golog.NewTestLogger(t))
	assert.True(t, r.Send(Command{Kind: Retune, Value: 0.5}))
	assert.True(t, r.Send(Command{Kind: Quit}))

	done := make(chan error)
	go func() { done <- r.Run(context.Background()) }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not quit")
	}
	assert.Equal(t, 0.5, s.Magnitude())
}

func TestCaptureLatchesPosition(t *testing.T) {
	m := closedLoopMock(t)
	m.SetKinematics(0.75, 0)
	w, err := control.NewWindow(0.5, 1, 5)
	require.NoError(t, err)
	r := New(m, w, fastConfig(), golog.NewTestLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	var emitted int32
	r.sinks = append(r.sinks, SinkFunc(func(Status) error {
		if atomic.AddInt32(&emitted, 1) == 2 {
			r.Send(Command{Kind: Capture})
		}
		if atomic.LoadInt32(&emitted) == 5 {
			cancel()
		}
		return nil
	}))
	require.NoError(t, r.Run(ctx))
	p0, ok := w.Start()
	assert.True(t, ok)
	assert.InDelta(t, 0.75, p0, 1e-9)
}

func TestSinkErrorsAreNotFatal(t *testing.T) {
	m := closedLoopMock(t)
	var n int32
	bad := SinkFunc(func(Status) error {
		atomic.AddInt32(&n, 1)
		return errors.New("disk full")
	})
	r := New(m, control.NewManual(1), fastConfig(), golog.NewTestLogger(t), bad)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	require.NoError(t, r.Run(ctx))
	assert.Greater(t, atomic.LoadInt32(&n), int32(2))
	assert.Equal(t, int(atomic.LoadInt32(&n)), r.Stats().SinkErrors)
}

func TestShutdownRampsAgainstMotionThenIdles(t *testing.T) {
	m := closedLoopMock(t)
	law := control.NewManual(0)
	law.SetMagnitude(0.4)
	r := New(m, law, fastConfig(), golog.NewTestLogger(t))
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.NoError(t, r.Run(ctx))

	m.SetKinematics(0, 2)
	m.Lock()
	m.Inertia = 1000 // keep the rotor moving through the ramp
	before := len(m.Torques)
	m.Unlock()

	require.NoError(t, r.Shutdown(context.Background()))

	m.Lock()
	ramp := append([]float64(nil), m.Torques[before:]...)
	last := m.Requests[len(m.Requests)-1]
	m.Unlock()

	require.Len(t, ramp, r.Config().RampSteps+1)
	assert.InDelta(t, -0.4, ramp[0], 1e-9)
	for i := 1; i < len(ramp); i++ {
		assert.LessOrEqual(t, -ramp[i], -ramp[i-1]+1e-12, "ramp must shrink")
	}
	assert.Equal(t, 0., ramp[len(ramp)-1])
	assert.Equal(t, motor.StateIdle, last)
	s, err := m.CurrentState(context.Background())
	require.NoError(t, err)
	assert.Equal(t, motor.StateIdle, s)
}

func TestShutdownWritesZeroWhenStill(t *testing.T) {
	m := closedLoopMock(t)
	r := New(m, control.NewManual(0), fastConfig(), golog.NewTestLogger(t))
	r.lastCmd = 1
	require.NoError(t, r.Shutdown(context.Background()))
	for _, tau := range m.Torques {
		assert.Zero(t, tau)
	}
}

func TestConfigDefaults(t *testing.T) {
	c := Config{RateHz: 1000}.withDefaults()
	assert.Equal(t, 100., c.RateHz)
	assert.Equal(t, 20, c.RampSteps)
	assert.Equal(t, 0.1, c.ErrorPause)
}
