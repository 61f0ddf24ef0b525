package odrive

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/berr-exo/exodrive/motor"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameWithoutChecksum(t *testing.T) {
	assert.Equal(t, []byte("r vbus_voltage\n"), frame("r vbus_voltage", false))
}

func TestFrameChecksumCoversEverythingBeforeAsterisk(t *testing.T) {
	out := frame("r vbus_voltage", true)
	idx := bytes.LastIndexByte(out, '*')
	require.NotEqual(t, -1, idx)
	assert.Equal(t, "r vbus_voltage ", string(out[:idx]))
	s, err := unframe(bytes.TrimRight(out, "\n"), true)
	require.NoError(t, err)
	assert.Equal(t, "r vbus_voltage", s)
}

func TestUnframeErrors(t *testing.T) {
	_, err := unframe([]byte("invalid property"), false)
	assert.Equal(t, ErrInvalidProperty, err)
	_, err = unframe([]byte("invalid property"), true)
	assert.Equal(t, ErrInvalidProperty, err)
	_, err = unframe([]byte("unknown command"), false)
	assert.Equal(t, ErrBadResponse, errors.Cause(err))
	_, err = unframe([]byte("24.0 *0"), true)
	assert.Equal(t, ErrChecksumMismatch, err)
	_, err = unframe([]byte("24.0"), true)
	assert.Equal(t, ErrBadResponse, errors.Cause(err))
}

func TestParseIntAcceptsWholeFloats(t *testing.T) {
	i, err := parseInt("8")
	require.NoError(t, err)
	assert.EqualValues(t, 8, i)
	i, err = parseInt("8.0")
	require.NoError(t, err)
	assert.EqualValues(t, 8, i)
	_, err = parseInt("8.5")
	assert.Error(t, err)
}

func TestParseBool(t *testing.T) {
	for _, s := range []string{"1", "True", "true"} {
		b, err := parseBool(s)
		require.NoError(t, err)
		assert.True(t, b, s)
	}
	b, err := parseBool("False")
	require.NoError(t, err)
	assert.False(t, b)
	_, err = parseBool("maybe")
	assert.Error(t, err)
}

func TestErrorFlagsString(t *testing.T) {
	assert.Equal(t, "NONE", ErrorFlags(0).String())
	assert.Equal(t, "DRV_FAULT|CALIBRATION_ERROR", (ErrDrvFault | ErrCalibrationError).String())
	assert.Equal(t, []string{"0x80"}, ErrorFlags(0x80).Names())
	assert.Contains(t, ErrorFlags(ErrMotorOverTemp).Error(), "MOTOR_OVER_TEMP")
}

func TestReadProperty(t *testing.T) {
	b := newFakeBoard(t)
	b.set("vbus_voltage", "24.125")
	c := b.controller(t)
	v, err := c.ReadFloat(context.Background(), "vbus_voltage")
	require.NoError(t, err)
	assert.Equal(t, 24.125, v)

	_, err = c.ReadProperty(context.Background(), "no.such.thing")
	assert.True(t, IsInvalidProperty(err))
}

func TestReadPropertyWithChecksum(t *testing.T) {
	b := newFakeBoard(t)
	b.set("vbus_voltage", "24.125")
	c := b.controller(t)
	c.Checksum = true
	v, err := c.ReadFloat(context.Background(), "vbus_voltage")
	require.NoError(t, err)
	assert.Equal(t, 24.125, v)

	b.mu.Lock()
	b.badChecksum = true
	b.mu.Unlock()
	_, err = c.ReadFloat(context.Background(), "vbus_voltage")
	assert.Equal(t, ErrChecksumMismatch, errors.Cause(err))
}

func TestWritePropertyVerifies(t *testing.T) {
	ctx := context.Background()
	b := newFakeBoard(t)
	b.set("axis0.config.motor.pole_pairs", "0")
	c := b.controller(t)
	require.NoError(t, c.WriteInt(ctx, "axis0.config.motor.pole_pairs", 7))
	assert.Equal(t, "7", b.get("axis0.config.motor.pole_pairs"))
	assert.Len(t, b.received("r axis0.config.motor.pole_pairs"), 1)
}

func TestWriteInvalidPropertyStaysInSync(t *testing.T) {
	ctx := context.Background()
	b := newFakeBoard(t)
	b.set("vbus_voltage", "24")
	c := b.controller(t)
	err := c.WriteFloat(ctx, "axis0.nope", 1)
	require.Error(t, err)
	assert.True(t, IsInvalidProperty(err))

	// the next exchange must not see the stale reply
	v, err := c.ReadFloat(ctx, "vbus_voltage")
	require.NoError(t, err)
	assert.Equal(t, 24., v)
}

func TestWritePropertyReportsClampedValue(t *testing.T) {
	ctx := context.Background()
	b := newFakeBoard(t)
	b.set("axis0.controller.config.vel_limit", "2")
	b.clamp["axis0.controller.config.vel_limit"] = "10"
	c := b.controller(t)
	err := c.WriteFloat(ctx, "axis0.controller.config.vel_limit", 50)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reads back 10")
}

func TestFeedbackAndSetpoints(t *testing.T) {
	ctx := context.Background()
	b := newFakeBoard(t)
	b.pos, b.vel = 1.25, -0.5
	b.set("vbus_voltage", "24")
	c := b.controller(t)
	pos, vel, err := c.Feedback(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1.25, pos)
	assert.Equal(t, -0.5, vel)

	require.NoError(t, c.SetTorque(ctx, 0, 0.4))
	require.NoError(t, c.SetVelocity(ctx, 0, 2, 0))
	// a query after the writes proves the board has seen them
	_, err = c.VBus(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"c 0 0.4"}, b.received("c "))
	assert.Equal(t, []string{"v 0 2 0"}, b.received("v "))
}

func TestSaveConfigurationReconnects(t *testing.T) {
	ctx := context.Background()
	b := newFakeBoard(t)
	b.set("vbus_voltage", "24")
	c := b.controller(t)
	require.NoError(t, c.SaveConfiguration(ctx))
	_, err := c.VBus(ctx)
	require.NoError(t, err)
	assert.Len(t, b.received("ss"), 1)
}

func TestSerialNumberIsHex(t *testing.T) {
	b := newFakeBoard(t)
	b.set("serial_number", "61933037383991")
	c := b.controller(t)
	sn, err := c.SerialNumber(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "3853E8B17137", sn)
}

func seedAxis(b *fakeBoard) {
	b.set("axis0.motor.foc.Iq_measured", "1.5")
	b.set("axis0.motor.torque_estimate", "0.12")
	b.set("axis0.motor.motor_thermistor.temperature", "31.5")
	b.set("vbus_voltage", "24")
	b.set("ibus", "0.5")
	b.set("axis0.active_errors", "0")
	b.set("axis0.disarm_reason", "0")
	b.set("axis0.current_state", "8")
	b.set("axis0.requested_state", "0")
}

func TestAxisTelemetrySkipsMissingFields(t *testing.T) {
	ctx := context.Background()
	b := newFakeBoard(t)
	seedAxis(b)
	b.pos, b.vel = 0.5, 0.1
	a := NewAxis(b.controller(t), 0)

	tel, err := a.Telemetry(ctx)
	require.NoError(t, err)
	assert.True(t, tel.HasPosition)
	assert.Equal(t, 0.5, tel.Position)
	assert.True(t, tel.HasCurrent)
	assert.Equal(t, 1.5, tel.IqMeasured)
	assert.True(t, tel.HasMotorTemp)
	assert.False(t, tel.HasFETTemp)
	assert.True(t, tel.HasBus)
	assert.Equal(t, 12., tel.ElectricalPower())
	assert.Equal(t, motor.StateClosedLoop, tel.State)

	_, err = a.Telemetry(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, b.readCount("axis0.motor.fet_thermistor.temperature"))
	assert.Equal(t, 2, b.readCount("axis0.motor.motor_thermistor.temperature"))
}

func TestAxisPositionProbe(t *testing.T) {
	ctx := context.Background()
	b := newFakeBoard(t)
	seedAxis(b)
	a := NewAxis(b.controller(t), 0)
	ok, err := a.ProbePosition(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	b.mu.Lock()
	b.pos = 0.01
	b.mu.Unlock()
	ok, err = a.ProbePosition(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestAxisStateAndMode(t *testing.T) {
	ctx := context.Background()
	b := newFakeBoard(t)
	seedAxis(b)
	b.set("axis0.controller.config.control_mode", "3")
	b.set("axis0.controller.config.input_mode", "3")
	a := NewAxis(b.controller(t), 0)

	require.NoError(t, a.RequestState(ctx, motor.StateMotorCalibration))
	require.NoError(t, a.SetControlMode(ctx, motor.ControlTorque))
	assert.Equal(t, "4", b.get("axis0.requested_state"))
	assert.Equal(t, "1", b.get("axis0.controller.config.control_mode"))
	assert.Equal(t, "1", b.get("axis0.controller.config.input_mode"))

	assert.Error(t, a.RequestState(ctx, motor.StateOther))

	b.set("axis0.current_state", "42")
	s, err := a.CurrentState(ctx)
	require.NoError(t, err)
	assert.Equal(t, motor.StateOther, s)
}

func TestAxisFaultAndParameters(t *testing.T) {
	ctx := context.Background()
	b := newFakeBoard(t)
	seedAxis(b)
	b.set("axis0.active_errors", "1073741824")
	b.set("axis0.disarm_reason", "1073741824")
	b.set("axis0.config.motor.phase_resistance", "0.12")
	b.set("axis0.config.motor.phase_inductance", "4.5e-05")
	a := NewAxis(b.controller(t), 0)

	f, err := a.Fault(ctx)
	require.NoError(t, err)
	assert.Equal(t, "CALIBRATION_ERROR", ErrorFlags(f.ActiveErrors).String())

	require.NoError(t, a.ClearErrors(ctx))
	f, err = a.Fault(ctx)
	require.NoError(t, err)
	assert.True(t, f.OK())

	r, l, err := a.MotorParameters(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0.12, r)
	assert.Equal(t, 4.5e-5, l)
}

func TestAxisFaultNamesMissingField(t *testing.T) {
	ctx := context.Background()
	b := newFakeBoard(t)
	b.set("axis0.active_errors", "0")
	a := NewAxis(b.controller(t), 0)

	_, err := a.Fault(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disarm reason")
	assert.True(t, IsInvalidProperty(err))
}

func TestAxisExchangesHonorContext(t *testing.T) {
	b := newFakeBoard(t)
	a := NewAxis(b.controller(t), 0)
	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	time.Sleep(time.Millisecond)
	_, err := a.Telemetry(ctx)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}
