package control

import (
	"fmt"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var exampleThresholds = Thresholds{EnterResist: 0.07, ExitToHold: 0.02, ExitToRunaway: 1.2}

func ExampleHysteresis_Step() {
	h, _ := NewHysteresis(exampleThresholds, 0.02, 0.2)
	for _, v := range []float64{0, 0.05, 0.08, 0.01, 1.3, 0.08} {
		fmt.Print(h.Step(v), " ")
	}
	// Output: HOLD HOLD RESIST HOLD HOLD RESIST
}

func TestHysteresisRejectsBadThresholds(t *testing.T) {
	_, err := NewHysteresis(Thresholds{EnterResist: 0.02, ExitToHold: 0.07, ExitToRunaway: 1.2}, 0, 0)
	assert.Error(t, err)
	_, err = NewHysteresis(Thresholds{EnterResist: 0.07, ExitToHold: 0.02, ExitToRunaway: 0.05}, 0, 0)
	assert.Error(t, err)
}

func TestHysteresisRunaway(t *testing.T) {
	h, err := NewHysteresis(exampleThresholds, 0.02, 0.2)
	require.NoError(t, err)
	assert.Equal(t, Resist, h.Step(0.5))
	assert.Equal(t, Runaway, h.Step(-1.5))
	assert.Equal(t, 0.02, h.Torque())
	// still above enter_resist, stays away
	assert.Equal(t, Runaway, h.Step(0.1))
	assert.Equal(t, Hold, h.Step(0.05))
}

func TestHysteresisSlowSpeedsReachHoldInOneStep(t *testing.T) {
	for _, start := range []Mode{Hold, Resist, Runaway} {
		h, _ := NewHysteresis(exampleThresholds, 0.02, 0.2)
		h.mode = start
		assert.Equal(t, Hold, h.Step(0.019), start.String())
	}
}

func TestHysteresisTransitionsAreOrdered(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	h, _ := NewHysteresis(exampleThresholds, 0.02, 0.2)
	prev := h.Mode()
	for i := 0; i < 10000; i++ {
		next := h.Step(rng.Float64()*3 - 1.5)
		if next == Resist && prev != Resist {
			assert.Equal(t, Hold, prev, "RESIST entered from %s", prev)
		}
		if next == Runaway && prev != Runaway {
			assert.Equal(t, Resist, prev, "RUNAWAY entered from %s", prev)
		}
		prev = next
	}
}

func TestHysteresisUpdate(t *testing.T) {
	h, _ := NewHysteresis(exampleThresholds, 0.02, 0.2)
	out := h.Update(Sample{Velocity: -0.1, DT: 0.01})
	assert.Equal(t, 0.2, out.Torque)
	assert.Equal(t, "RESIST", out.Label)
	h.SetMagnitude(0.4)
	assert.Equal(t, 0.4, h.Update(Sample{Velocity: 0.1}).Torque)
}

func TestWindowNormalizedIsClamped(t *testing.T) {
	w, err := NewWindow(0.25, 1, 2)
	require.NoError(t, err)
	w.Capture(1)
	for _, p := range []float64{-10, 0.9, 1, 1.1, 1.25, 1.3, 100} {
		n := w.Normalized(p)
		assert.True(t, n >= 0 && n <= 1, "position %g gave %g", p, n)
	}
	assert.Equal(t, 0., w.Normalized(0.5))
	assert.Equal(t, 1., w.Normalized(2))
	assert.InDelta(t, 0.4, w.Normalized(1.1), 1e-12)
}

func TestWindowEdgesGiveZero(t *testing.T) {
	w, _ := NewWindow(0.25, 1, 2)
	w.Capture(1)
	assert.Equal(t, 0., w.Desired(1))
	assert.Equal(t, 0., w.Desired(1.25))
	assert.Equal(t, 1., w.Desired(1.1))
}

func TestWindowIdleUntilCaptured(t *testing.T) {
	w, _ := NewWindow(0.25, 1, 2)
	out := w.Update(Sample{Position: 0.1, HasPosition: true, DT: 1})
	assert.Zero(t, out.Torque)
	assert.Equal(t, "WAITING", out.Label)
}

func TestWindowSlewLimited(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	w, _ := NewWindow(0.5, 1.5, 3)
	w.Capture(0)
	prev := 0.
	for i := 0; i < 5000; i++ {
		dt := rng.Float64() * 0.05
		p := rng.Float64()*1.5 - 0.5
		out := w.Update(Sample{Position: p, HasPosition: true, DT: dt})
		assert.LessOrEqual(t, math.Abs(out.Torque-prev), w.SlewRate*dt+1e-12)
		prev = out.Torque
	}
}

func TestWindowRampsToMax(t *testing.T) {
	w, _ := NewWindow(1, 1, 10)
	w.Capture(0)
	var out Output
	for i := 0; i < 5; i++ {
		out = w.Update(Sample{Position: 0.5, HasPosition: true, DT: 0.01})
	}
	assert.InDelta(t, 0.5, out.Torque, 1e-12)
	for i := 0; i < 10; i++ {
		out = w.Update(Sample{Position: 0.5, HasPosition: true, DT: 0.01})
	}
	assert.Equal(t, 1., out.Torque)
	assert.Equal(t, 1., out.Desired)
}

func TestNewWindowValidates(t *testing.T) {
	_, err := NewWindow(0, 1, 1)
	assert.Error(t, err)
	_, err = NewWindow(1, 1, 0)
	assert.Error(t, err)
}

func TestSpringLocksOnFirstUpdate(t *testing.T) {
	s, err := NewSpring(DefaultSpringParams(), 1)
	require.NoError(t, err)
	out := s.Update(Sample{Position: 3, HasPosition: true, Velocity: 0.5, DT: 0.01})
	assert.Equal(t, 3., s.Locked())
	assert.Zero(t, out.Torque)
}

func TestSpringOpposesDisplacement(t *testing.T) {
	s, _ := NewSpring(DefaultSpringParams(), 1)
	s.Update(Sample{Position: 0, HasPosition: true, DT: 0.01})
	out := s.Update(Sample{Position: 0.01, HasPosition: true, Velocity: 1, DT: 0.01})
	assert.Less(t, out.Torque, 0.)
	assert.InDelta(t, -50*0.01*(1-0.5*0.01), out.Torque, 1e-9)
}

func TestSpringNeverExceedsMaxResistance(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	s, _ := NewSpring(DefaultSpringParams(), 0.75)
	for i := 0; i < 5000; i++ {
		out := s.Update(Sample{
			Position:    rng.Float64()*4 - 2,
			HasPosition: rng.Intn(4) != 0,
			Velocity:    rng.Float64()*4 - 2,
			DT:          rng.Float64() * 0.3,
		})
		assert.LessOrEqual(t, math.Abs(out.Torque), 0.75)
	}
}

func TestSpringStationaryRelocks(t *testing.T) {
	s, _ := NewSpring(DefaultSpringParams(), 5)
	s.Update(Sample{Position: 0, HasPosition: true, DT: 0.01})
	s.Update(Sample{Position: 0.2, HasPosition: true, Velocity: 1, DT: 0.01})
	out := s.Update(Sample{Position: 0.2, HasPosition: true, Velocity: 0.001, DT: 0.01})
	assert.Equal(t, 0.2, s.Locked())
	assert.Zero(t, out.Torque)
}

func TestSpringIntegratesVelocityWithoutPosition(t *testing.T) {
	s, _ := NewSpring(DefaultSpringParams(), 5)
	s.Update(Sample{Velocity: 1, DT: 0.05})
	// dt is capped at MaxDT
	out := s.Update(Sample{Velocity: 1, DT: 1})
	assert.Less(t, out.Torque, 0.)
	assert.InDelta(t, 0.1*(1-0.5*0.1), s.Displacement(), 1e-9)
}

func TestSpringRetune(t *testing.T) {
	s, _ := NewSpring(DefaultSpringParams(), 1)
	s.SetMagnitude(-2)
	assert.Equal(t, 2., s.Magnitude())
}

func TestManualClamps(t *testing.T) {
	m := NewManual(1.66)
	m.SetMagnitude(5)
	assert.Equal(t, 1.66, m.Update(Sample{}).Torque)
	m.SetMagnitude(-0.5)
	assert.Equal(t, -0.5, m.Update(Sample{}).Torque)
}
