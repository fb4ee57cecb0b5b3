package fourwire

import (
	"context"
	"math/bits"
	"sync"
	"testing"
	"time"

	"go.viam.com/rdk/components/motor"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
	"go.viam.com/test"
)

// fakePin records the last driven state so tests can inspect the coil
// pattern.
type fakePin struct {
	mu   sync.Mutex
	high bool
	duty float64
	freq uint
}

func (p *fakePin) Set(ctx context.Context, high bool, extra map[string]interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.high = high
	return nil
}

func (p *fakePin) Get(ctx context.Context, extra map[string]interface{}) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.high, nil
}

func (p *fakePin) SetPWM(ctx context.Context, dutyCyclePct float64, extra map[string]interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.duty = dutyCyclePct
	return nil
}

func (p *fakePin) PWM(ctx context.Context, extra map[string]interface{}) (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.duty, nil
}

func (p *fakePin) SetPWMFreq(ctx context.Context, freqHz uint, extra map[string]interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.freq = freqHz
	return nil
}

func (p *fakePin) PWMFreq(ctx context.Context, extra map[string]interface{}) (uint, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.freq, nil
}

func (p *fakePin) pwm() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.duty
}

// coilBits packs the digital pin levels into the table bit order.
func coilBits(pins [4]*fakePin) uint8 {
	var pattern uint8
	for i, p := range pins {
		p.mu.Lock()
		if p.high {
			pattern |= 1 << i
		}
		p.mu.Unlock()
	}
	return pattern
}

func countBits(pattern uint8) int {
	return bits.OnesCount8(pattern)
}

func makeTestMotor(t *testing.T, c Config) (*Motor, [4]*fakePin) {
	t.Helper()
	pins := [4]*fakePin{{}, {}, {}, {}}
	logger := logging.NewTestLogger(t)
	m, err := makeMotor(context.Background(), c, resource.NewName(motor.API, "motor1"), logger,
		pins[0], pins[1], pins[2], pins[3])
	test.That(t, err, test.ShouldBeNil)
	return m.(*Motor), pins
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestConfigValidate(t *testing.T) {
	pins := PinConfig{AIn1: "11", AIn2: "12", BIn1: "13", BIn2: "15"}

	c := Config{Pins: pins, TicksPerRotation: 200}
	_, _, err := c.Validate("")
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "board")

	c = Config{BoardName: "b", Pins: PinConfig{AIn1: "11", AIn2: "12", BIn1: "13"}, TicksPerRotation: 200}
	_, _, err = c.Validate("")
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "bin2")

	c = Config{BoardName: "b", Pins: pins}
	_, _, err = c.Validate("")
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "ticks_per_rotation")

	c = Config{BoardName: "b", Pins: pins, TicksPerRotation: 200, Microsteps: 3}
	_, _, err = c.Validate("")
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "even")

	c = Config{BoardName: "b", Pins: pins, TicksPerRotation: 200, Microsteps: 16, PWMFreq: 1000}
	_, _, err = c.Validate("")
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "1500")

	c = Config{BoardName: "b", Pins: pins, TicksPerRotation: 200, Stepping: "sideways"}
	_, _, err = c.Validate("")
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "sideways")

	c = Config{BoardName: "b", Pins: pins, TicksPerRotation: 200, Stepping: "microstep"}
	_, _, err = c.Validate("")
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "microsteps")

	c = Config{BoardName: "b", Pins: pins, TicksPerRotation: 200, Microsteps: 16, Stepping: "microstep"}
	deps, _, err := c.Validate("")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, deps, test.ShouldResemble, []string{"b"})
}

func TestOneStepCycle(t *testing.T) {
	ctx := context.Background()
	m, pins := makeTestMotor(t, Config{TicksPerRotation: 200, MaxRPM: 300})

	size, err := m.OneStep(ctx, Forward, Single)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, size, test.ShouldEqual, 1)
	first := coilBits(pins)
	test.That(t, countBits(first), test.ShouldEqual, 1)

	for i := 0; i < 4; i++ {
		size, err = m.OneStep(ctx, Forward, Single)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, size, test.ShouldEqual, 1)
	}
	test.That(t, coilBits(pins), test.ShouldEqual, first)

	pos, err := m.Position(ctx, nil)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, pos, test.ShouldAlmostEqual, 5.0/200)
}

func TestOneStepValidation(t *testing.T) {
	ctx := context.Background()
	m, _ := makeTestMotor(t, Config{TicksPerRotation: 200, MaxRPM: 300})

	_, err := m.OneStep(ctx, Direction(0), Single)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "direction")

	_, err = m.OneStep(ctx, Forward, Microstep)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "microsteps")

	_, err = m.OneStep(ctx, Forward, Style(42))
	test.That(t, err, test.ShouldNotBeNil)
}

func TestStepCountedMove(t *testing.T) {
	ctx := context.Background()
	m, pins := makeTestMotor(t, Config{TicksPerRotation: 200, MaxRPM: 300})

	test.That(t, m.Step(ctx, 10, Forward, Single, 300, false), test.ShouldBeNil)
	test.That(t, m.GoalReached(), test.ShouldBeTrue)
	moving, err := m.IsMoving(ctx)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, moving, test.ShouldBeFalse)
	pos, err := m.Position(ctx, nil)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, pos, test.ShouldAlmostEqual, 0.05)
	test.That(t, countBits(coilBits(pins)), test.ShouldEqual, 1)

	// Counting back down returns to zero.
	test.That(t, m.Step(ctx, 10, Backward, Single, 300, false), test.ShouldBeNil)
	pos, err = m.Position(ctx, nil)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, pos, test.ShouldAlmostEqual, 0)

	test.That(t, m.Step(ctx, -1, Forward, Single, 300, false), test.ShouldNotBeNil)

	// A zero-step move is a no-op with its goal already met.
	test.That(t, m.Step(ctx, 0, Forward, Single, 300, false), test.ShouldBeNil)
	test.That(t, m.GoalReached(), test.ShouldBeTrue)
}

func TestStepRPMValidation(t *testing.T) {
	ctx := context.Background()
	m, _ := makeTestMotor(t, Config{TicksPerRotation: 200, MaxRPM: 300})

	test.That(t, m.Step(ctx, 5, Forward, Single, 0, false), test.ShouldBeError, motor.NewZeroRPMError())
	err := m.Step(ctx, 5, Forward, Single, -60, false)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "positive")
}

func TestAngleMicrostep(t *testing.T) {
	ctx := context.Background()
	m, pins := makeTestMotor(t, Config{
		TicksPerRotation: 200,
		MaxRPM:           300,
		Microsteps:       16,
		Stepping:         "microstep",
	})

	// A quarter turn at 16 microsteps per step is 800 advances.
	test.That(t, m.Angle(ctx, 90, Forward, Microstep, 240, false), test.ShouldBeNil)
	test.That(t, m.GoalReached(), test.ShouldBeTrue)
	pos, err := m.Position(ctx, nil)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, pos, test.ShouldAlmostEqual, 0.25)

	// The index lands on a full-step boundary: one coil at full current.
	full := 0
	for _, p := range pins {
		if p.pwm() == 1 {
			full++
		}
	}
	test.That(t, full, test.ShouldEqual, 1)

	test.That(t, m.Angle(ctx, -90, Forward, Microstep, 240, false), test.ShouldNotBeNil)
}

func TestContinuousAndStop(t *testing.T) {
	ctx := context.Background()
	m, pins := makeTestMotor(t, Config{TicksPerRotation: 200, MaxRPM: 300})

	test.That(t, m.Continuous(ctx, Forward, Double, 60), test.ShouldBeNil)
	moving, err := m.IsMoving(ctx)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, moving, test.ShouldBeTrue)
	test.That(t, m.GoalReached(), test.ShouldBeFalse)

	waitFor(t, func() bool {
		pos, posErr := m.Position(context.Background(), nil)
		return posErr == nil && pos > 2.0/200
	})

	test.That(t, m.Stop(ctx, nil), test.ShouldBeNil)
	moving, err = m.IsMoving(ctx)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, moving, test.ShouldBeFalse)
	// A continuous run has no goal, stopped or not.
	test.That(t, m.GoalReached(), test.ShouldBeFalse)

	// The coils hold a valid double-step pattern for torque.
	pattern := coilBits(pins)
	found := false
	for _, entry := range doubleSteps {
		if pattern == entry {
			found = true
		}
	}
	test.That(t, found, test.ShouldBeTrue)

	// Stop again is a no-op; Release drops the pattern.
	test.That(t, m.Stop(ctx, nil), test.ShouldBeNil)
	test.That(t, m.Release(ctx), test.ShouldBeNil)
	test.That(t, coilBits(pins), test.ShouldEqual, 0)
}

func TestBackgroundStepPreempted(t *testing.T) {
	ctx := context.Background()
	m, pins := makeTestMotor(t, Config{TicksPerRotation: 200, MaxRPM: 300})

	test.That(t, m.Step(ctx, 10000, Forward, Single, 100, true), test.ShouldBeNil)
	moving, err := m.IsMoving(ctx)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, moving, test.ShouldBeTrue)
	test.That(t, m.GoalReached(), test.ShouldBeFalse)

	// A new move takes over and runs to completion.
	test.That(t, m.Step(ctx, 4, Backward, Single, 300, false), test.ShouldBeNil)
	test.That(t, m.GoalReached(), test.ShouldBeTrue)
	moving, err = m.IsMoving(ctx)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, moving, test.ShouldBeFalse)
	test.That(t, countBits(coilBits(pins)), test.ShouldEqual, 1)
}

func TestBackgroundStepCompletes(t *testing.T) {
	ctx := context.Background()
	m, _ := makeTestMotor(t, Config{TicksPerRotation: 200, MaxRPM: 300})

	test.That(t, m.Step(ctx, 5, Forward, Single, 300, true), test.ShouldBeNil)
	waitFor(t, m.GoalReached)
	pos, err := m.Position(ctx, nil)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, pos, test.ShouldAlmostEqual, 0.025)
}

func TestGoFor(t *testing.T) {
	ctx := context.Background()
	m, _ := makeTestMotor(t, Config{TicksPerRotation: 20, MaxRPM: 300})

	test.That(t, m.GoFor(ctx, 300, 0.5, nil), test.ShouldBeNil)
	pos, err := m.Position(ctx, nil)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, pos, test.ShouldAlmostEqual, 0.5)

	// Negative rpm reverses; negative rpm and revolutions cancel out.
	test.That(t, m.GoFor(ctx, -300, 0.5, nil), test.ShouldBeNil)
	pos, err = m.Position(ctx, nil)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, pos, test.ShouldAlmostEqual, 0)

	test.That(t, m.GoFor(ctx, -300, -0.5, nil), test.ShouldBeNil)
	pos, err = m.Position(ctx, nil)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, pos, test.ShouldAlmostEqual, 0.5)

	test.That(t, m.GoFor(ctx, 0, 1, nil), test.ShouldBeError, motor.NewZeroRPMError())
}

func TestGoToAndResetZero(t *testing.T) {
	ctx := context.Background()
	m, _ := makeTestMotor(t, Config{TicksPerRotation: 20, MaxRPM: 300})

	test.That(t, m.GoTo(ctx, 300, 0.5, nil), test.ShouldBeNil)
	pos, err := m.Position(ctx, nil)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, pos, test.ShouldAlmostEqual, 0.5)

	test.That(t, m.ResetZeroPosition(ctx, 0.1, nil), test.ShouldBeNil)
	pos, err = m.Position(ctx, nil)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, pos, test.ShouldAlmostEqual, -0.1)

	test.That(t, m.GoTo(ctx, 300, 0.15, nil), test.ShouldBeNil)
	pos, err = m.Position(ctx, nil)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, pos, test.ShouldAlmostEqual, 0.15)

	test.That(t, m.Continuous(ctx, Forward, Single, 60), test.ShouldBeNil)
	err = m.ResetZeroPosition(ctx, 0, nil)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "moving")
	test.That(t, m.Stop(ctx, nil), test.ShouldBeNil)
}

func TestSetPower(t *testing.T) {
	ctx := context.Background()
	m, _ := makeTestMotor(t, Config{TicksPerRotation: 20, MaxRPM: 300})

	test.That(t, m.SetPower(ctx, 0.5, nil), test.ShouldBeNil)
	on, powerPct, err := m.IsPowered(ctx, nil)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, on, test.ShouldBeTrue)
	test.That(t, powerPct, test.ShouldEqual, 0.5)

	test.That(t, m.SetPower(ctx, 0, nil), test.ShouldBeNil)
	on, powerPct, err = m.IsPowered(ctx, nil)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, on, test.ShouldBeFalse)
	test.That(t, powerPct, test.ShouldEqual, 0)

	test.That(t, m.SetPower(ctx, -2, nil), test.ShouldBeNil)
	_, powerPct, err = m.IsPowered(ctx, nil)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, powerPct, test.ShouldEqual, -1)
	test.That(t, m.Stop(ctx, nil), test.ShouldBeNil)
}

func TestProperties(t *testing.T) {
	ctx := context.Background()
	m, _ := makeTestMotor(t, Config{TicksPerRotation: 200, MaxRPM: 300})

	props, err := m.Properties(ctx, nil)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, props.PositionReporting, test.ShouldBeTrue)
}

func TestCloseReleases(t *testing.T) {
	ctx := context.Background()
	m, pins := makeTestMotor(t, Config{TicksPerRotation: 200, MaxRPM: 300})

	_, err := m.OneStep(ctx, Forward, Double)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, countBits(coilBits(pins)), test.ShouldEqual, 2)
	test.That(t, m.Close(ctx), test.ShouldBeNil)
	test.That(t, coilBits(pins), test.ShouldEqual, 0)
}

func TestDoCommand(t *testing.T) {
	ctx := context.Background()
	m, _ := makeTestMotor(t, Config{TicksPerRotation: 200, MaxRPM: 300})

	resp, err := m.DoCommand(ctx, map[string]interface{}{Command: OneStepCmd})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, resp["microsteps"], test.ShouldEqual, 1)

	_, err = m.DoCommand(ctx, map[string]interface{}{Command: OneStepCmd, DirectionVal: "sideways"})
	test.That(t, err, test.ShouldNotBeNil)

	_, err = m.DoCommand(ctx, map[string]interface{}{Command: ContinuousCmd, DirectionVal: "backward"})
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "rpm")

	_, err = m.DoCommand(ctx, map[string]interface{}{
		Command: ContinuousCmd, DirectionVal: "backward", StyleVal: "double", RPMVal: 60.0,
	})
	test.That(t, err, test.ShouldBeNil)
	moving, err := m.IsMoving(ctx)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, moving, test.ShouldBeTrue)

	resp, err = m.DoCommand(ctx, map[string]interface{}{Command: GoalCmd})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, resp["goal_reached"], test.ShouldBeFalse)

	_, err = m.DoCommand(ctx, map[string]interface{}{Command: ReleaseCmd})
	test.That(t, err, test.ShouldBeNil)
	moving, err = m.IsMoving(ctx)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, moving, test.ShouldBeFalse)

	_, err = m.DoCommand(ctx, map[string]interface{}{Command: "warp"})
	test.That(t, err, test.ShouldNotBeNil)

	_, err = m.DoCommand(ctx, map[string]interface{}{"other": true})
	test.That(t, err, test.ShouldNotBeNil)
}

// patternRecorder collects coil writes from all four pins so a test can
// reconstruct the full sequence of driven patterns. Every sequencer update
// writes all four coils under the motor mutex, so each group of four writes
// is one complete pattern.
type patternRecorder struct {
	mu       sync.Mutex
	levels   [4]bool
	writes   int
	patterns []uint8
}

func (r *patternRecorder) record(idx int, high bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.levels[idx] = high
	r.writes++
	if r.writes%4 == 0 {
		var p uint8
		for i, h := range r.levels {
			if h {
				p |= 1 << i
			}
		}
		r.patterns = append(r.patterns, p)
	}
}

func (r *patternRecorder) snapshot() []uint8 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]uint8, len(r.patterns))
	copy(out, r.patterns)
	return out
}

type recordingPin struct {
	fakePin
	rec *patternRecorder
	idx int
}

func (p *recordingPin) Set(ctx context.Context, high bool, extra map[string]interface{}) error {
	p.rec.record(p.idx, high)
	return nil
}

func TestPreemptedStepBudgetExact(t *testing.T) {
	ctx := context.Background()
	logger := logging.NewTestLogger(t)

	rec := &patternRecorder{}
	var rp [4]*recordingPin
	for i := range rp {
		rp[i] = &recordingPin{rec: rec, idx: i}
	}
	mDep, err := makeMotor(ctx, Config{TicksPerRotation: 200, MaxRPM: 600},
		resource.NewName(motor.API, "motor1"), logger, rp[0], rp[1], rp[2], rp[3])
	test.That(t, err, test.ShouldBeNil)
	m := mDep.(*Motor)

	// Each round issues a sync backward step over a hot forward run. The
	// hand-off must not let the outgoing run spend the backward budget, so
	// the pattern sequence carries exactly one backward advance per round.
	const rounds = 50
	for i := 0; i < rounds; i++ {
		test.That(t, m.Step(ctx, 1000, Forward, Single, 590, true), test.ShouldBeNil)
		test.That(t, m.Step(ctx, 1, Backward, Single, 590, false), test.ShouldBeNil)
		test.That(t, m.GoalReached(), test.ShouldBeTrue)
	}
	test.That(t, m.Stop(ctx, nil), test.ShouldBeNil)

	patterns := rec.snapshot()
	// Construction drives the de-energized pattern from phase index 0.
	test.That(t, patterns[0], test.ShouldEqual, 0)
	forward, backward := 0, 0
	prev := 0
	for _, p := range patterns[1:] {
		idx := -1
		for j, entry := range singleSteps {
			if p == entry {
				idx = j
			}
		}
		test.That(t, idx, test.ShouldNotEqual, -1)
		switch floorMod(idx-prev, 4) {
		case 1:
			forward++
		case 3:
			backward++
		default:
			t.Fatalf("pattern jumped more than one step: %d -> %d", prev, idx)
		}
		prev = idx
	}
	test.That(t, backward, test.ShouldEqual, rounds)

	pos, err := m.Position(ctx, nil)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, pos*200, test.ShouldAlmostEqual, float64(forward-backward))
}

func TestIsPoweredTracksActiveMove(t *testing.T) {
	ctx := context.Background()
	m, _ := makeTestMotor(t, Config{TicksPerRotation: 200, MaxRPM: 300})

	test.That(t, m.Continuous(ctx, Forward, Single, 150), test.ShouldBeNil)
	on, powerPct, err := m.IsPowered(ctx, nil)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, on, test.ShouldBeTrue)
	test.That(t, powerPct, test.ShouldAlmostEqual, 0.5)

	test.That(t, m.Stop(ctx, nil), test.ShouldBeNil)
	on, powerPct, err = m.IsPowered(ctx, nil)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, on, test.ShouldBeFalse)
	test.That(t, powerPct, test.ShouldEqual, 0)

	test.That(t, m.Step(ctx, 10000, Backward, Double, 300, true), test.ShouldBeNil)
	on, powerPct, err = m.IsPowered(ctx, nil)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, on, test.ShouldBeTrue)
	test.That(t, powerPct, test.ShouldAlmostEqual, -1)
	test.That(t, m.Stop(ctx, nil), test.ShouldBeNil)
}
