package motor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time      { return c.t }
func (c *fakeClock) Step(d time.Duration) { c.t = c.t.Add(d) }

func newClockedMock() (*Mock, *fakeClock) {
	clk := &fakeClock{t: time.Unix(1700000000, 0)}
	m := NewMock()
	m.Now = clk.Now
	return m, clk
}

func TestMockSatisfiesInterfaces(t *testing.T) {
	var m interface{} = NewMock()
	_, ok := m.(Axis)
	assert.True(t, ok, "Axis")
	_, ok = m.(Calibrator)
	assert.True(t, ok, "Calibrator")
	_, ok = m.(PropertyStore)
	assert.True(t, ok, "PropertyStore")
	_, ok = m.(Persister)
	assert.True(t, ok, "Persister")
	_, ok = m.(Speeder)
	assert.True(t, ok, "Speeder")
	_, ok = m.(Voltager)
	assert.True(t, ok, "Voltager")
}

func TestMockTorqueIgnoredWhenIdle(t *testing.T) {
	ctx := context.Background()
	m, clk := newClockedMock()
	_, _ = m.Telemetry(ctx)
	require.NoError(t, m.SetTorque(ctx, 1))
	clk.Step(50 * time.Millisecond)
	tel, err := m.Telemetry(ctx)
	require.NoError(t, err)
	assert.Zero(t, tel.Velocity)
	assert.Equal(t, StateIdle, tel.State)
}

func TestMockTorqueAcceleratesInClosedLoop(t *testing.T) {
	ctx := context.Background()
	m, clk := newClockedMock()
	require.NoError(t, m.RequestState(ctx, StateClosedLoop))
	require.NoError(t, m.SetTorque(ctx, 0.5))
	for i := 0; i < 10; i++ {
		clk.Step(10 * time.Millisecond)
		_, err := m.Telemetry(ctx)
		require.NoError(t, err)
	}
	pos, vel := m.Kinematics()
	assert.Greater(t, vel, 0.)
	assert.Greater(t, pos, 0.)
	assert.Equal(t, []float64{0.5}, m.Torques)
}

func TestMockCalibrationCompletes(t *testing.T) {
	ctx := context.Background()
	m, clk := newClockedMock()
	require.NoError(t, m.RequestState(ctx, StateMotorCalibration))
	s, _ := m.CurrentState(ctx)
	assert.Equal(t, StateMotorCalibration, s)
	clk.Step(m.CalibrationTime)
	s, _ = m.CurrentState(ctx)
	assert.Equal(t, StateIdle, s)
	f, _ := m.Fault(ctx)
	assert.True(t, f.OK())
}

func TestMockCalibrationFault(t *testing.T) {
	ctx := context.Background()
	m, clk := newClockedMock()
	m.CalibrationFault = 0x40000000
	require.NoError(t, m.RequestState(ctx, StateFullCalibration))
	clk.Step(time.Second)
	s, _ := m.CurrentState(ctx)
	assert.Equal(t, StateIdle, s)
	f, _ := m.Fault(ctx)
	assert.Equal(t, uint32(0x40000000), f.ActiveErrors)

	// a faulted axis refuses closed loop until cleared
	require.NoError(t, m.RequestState(ctx, StateClosedLoop))
	s, _ = m.CurrentState(ctx)
	assert.Equal(t, StateIdle, s)
	require.NoError(t, m.ClearErrors(ctx))
	require.NoError(t, m.RequestState(ctx, StateClosedLoop))
	s, _ = m.CurrentState(ctx)
	assert.Equal(t, StateClosedLoop, s)
}

func TestMockFailTelemetry(t *testing.T) {
	ctx := context.Background()
	m := NewMock()
	m.FailTelemetry = 2
	_, err := m.Telemetry(ctx)
	assert.Error(t, err)
	_, err = m.Telemetry(ctx)
	assert.Error(t, err)
	_, err = m.Telemetry(ctx)
	assert.NoError(t, err)
}

func TestMockProperties(t *testing.T) {
	ctx := context.Background()
	m := NewMock()
	_, err := m.ReadProperty(ctx, "axis0.config.motor.pole_pairs")
	assert.Error(t, err)
	require.NoError(t, m.WriteProperty(ctx, "axis0.config.motor.pole_pairs", "7"))
	v, err := m.ReadProperty(ctx, "axis0.config.motor.pole_pairs")
	require.NoError(t, err)
	assert.Equal(t, "7", v)
}

func TestLimits(t *testing.T) {
	l := Limits{TorqueConstant: 0.083, CurrentSoftMax: 20}
	assert.InDelta(t, 1.66, l.MaxTorque(), 1e-9)
	assert.InDelta(t, 12.048, l.CurrentFor(1), 1e-3)
	assert.Zero(t, Limits{}.CurrentFor(1))
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "CLOSED_LOOP_CONTROL", StateClosedLoop.String())
	assert.Equal(t, "UNKNOWN", State(99).String())
	assert.True(t, StateEncoderOffsetCalibration.Calibrating())
	assert.False(t, StateIdle.Calibrating())
}

func TestParseState(t *testing.T) {
	for in, want := range map[string]State{
		"idle":                StateIdle,
		"CLOSED_LOOP_CONTROL": StateClosedLoop,
		"closed_loop":         StateClosedLoop,
		" motor_calibration ": StateMotorCalibration,
	} {
		got, err := ParseState(in)
		assert.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseState("undefined")
	assert.Error(t, err)
	_, err = ParseState("dance")
	assert.Error(t, err)
}
