// Package fourwire implements a four-coil stepper motor driven directly over
// GPIO or PWM pins, with single, double, interleaved and microstepped phase
// sequencing.
package fourwire

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.viam.com/rdk/components/board"
	"go.viam.com/rdk/components/motor"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"

	"github.com/viam-modules/motor-hat/motion"
)

// Model for the motor-hat four-wire stepper.
var Model = resource.NewModel("viam", "motor-hat", "four-wire")

// PinConfig defines how the coil pins are wired. All four are required.
type PinConfig struct {
	AIn1 string `json:"ain1"`
	AIn2 string `json:"ain2"`
	BIn1 string `json:"bin1"`
	BIn2 string `json:"bin2"`
}

// Config describes the configuration of a four-wire stepper.
type Config struct {
	Pins             PinConfig `json:"pins"`
	BoardName        string    `json:"board"`
	TicksPerRotation int       `json:"ticks_per_rotation"`
	MaxRPM           float64   `json:"max_rpm,omitempty"`
	// Microsteps enables PWM microstepping with the given subdivisions per
	// full step. Zero leaves the coils in digital mode, which restricts the
	// motor to the single/double/interleave styles.
	Microsteps int `json:"microsteps,omitempty"`
	// PWMFreq is the coil PWM frequency in microstepping mode, 2000 Hz by
	// default. Frequencies under 1500 Hz are rejected.
	PWMFreq uint `json:"pwm_freq,omitempty"`
	// Stepping is the style used by the generic motor API calls (GoFor,
	// GoTo, SetRPM, SetPower): "single", "double", "interleave" or
	// "microstep". Defaults to "single".
	Stepping string `json:"stepping,omitempty"`
}

// Validate ensures all parts of the config are valid.
func (conf *Config) Validate(path string) ([]string, []string, error) {
	if conf.BoardName == "" {
		return nil, nil, resource.NewConfigValidationFieldRequiredError(path, "board")
	}
	if conf.Pins.AIn1 == "" {
		return nil, nil, resource.NewConfigValidationFieldRequiredError(path, "ain1")
	}
	if conf.Pins.AIn2 == "" {
		return nil, nil, resource.NewConfigValidationFieldRequiredError(path, "ain2")
	}
	if conf.Pins.BIn1 == "" {
		return nil, nil, resource.NewConfigValidationFieldRequiredError(path, "bin1")
	}
	if conf.Pins.BIn2 == "" {
		return nil, nil, resource.NewConfigValidationFieldRequiredError(path, "bin2")
	}
	if conf.TicksPerRotation <= 0 {
		return nil, nil, resource.NewConfigValidationFieldRequiredError(path, "ticks_per_rotation")
	}
	if conf.Microsteps < 0 {
		return nil, nil, errors.Errorf("microsteps must be positive, got %d", conf.Microsteps)
	}
	if conf.Microsteps > 0 && (conf.Microsteps < 2 || conf.Microsteps%2 == 1) {
		return nil, nil, errors.Errorf("microsteps must be an even number of at least 2, got %d", conf.Microsteps)
	}
	if conf.Microsteps > 0 && conf.PWMFreq != 0 && conf.PWMFreq < 1500 {
		return nil, nil, errors.Errorf("pwm_freq must be at least 1500 Hz for microstepping, got %d", conf.PWMFreq)
	}
	if conf.Stepping != "" {
		style, ok := styleByName[conf.Stepping]
		if !ok {
			return nil, nil, errors.Errorf("unknown stepping style %q", conf.Stepping)
		}
		if style == Microstep && conf.Microsteps == 0 {
			return nil, nil, errors.New("stepping style microstep requires microsteps to be set")
		}
	}
	return []string{conf.BoardName}, nil, nil
}

func init() {
	resource.RegisterComponent(motor.API, Model, resource.Registration[motor.Motor, *Config]{
		Constructor: newMotor,
	})
}

// A Motor is a four-coil stepper sequenced in software. Timed moves run on a
// per-motor motion runner; issuing a new move preempts the previous one at a
// step boundary, so the coil pattern is always a valid table entry.
type Motor struct {
	resource.Named
	resource.AlwaysRebuild

	logger           logging.Logger
	motorName        string
	ticksPerRotation int
	maxRPM           float64
	defaultStyle     Style
	runner           *motion.Runner

	mu  sync.Mutex
	seq *sequencer
	// posRev is the shaft position in revolutions from the zero position.
	posRev float64
	// stepsLeft is the remaining advance count of the active (or last
	// finished) counted move.
	stepsLeft int
	// goalless marks the last move as continuous: it has no target, so the
	// goal is never reached.
	goalless bool
	// powerPct is the commanded fraction of maxRPM for the active motion,
	// signed by direction.
	powerPct float64
}

// newMotor resolves the coil pins from the configured board.
func newMotor(ctx context.Context, deps resource.Dependencies, c resource.Config, logger logging.Logger,
) (motor.Motor, error) {
	conf, err := resource.NativeConfig[*Config](c)
	if err != nil {
		return nil, err
	}
	b, err := board.FromDependencies(deps, conf.BoardName)
	if err != nil {
		return nil, errors.Errorf("%q is not a board", conf.BoardName)
	}
	var pins [4]board.GPIOPin
	for i, name := range []string{conf.Pins.AIn1, conf.Pins.AIn2, conf.Pins.BIn1, conf.Pins.BIn2} {
		pins[i], err = b.GPIOPinByName(name)
		if err != nil {
			return nil, err
		}
	}
	return makeMotor(ctx, *conf, c.ResourceName(), logger, pins[0], pins[1], pins[2], pins[3])
}

// makeMotor builds the motor over explicit pins. It is separate from
// newMotor, above, so tests can inject fake pins.
func makeMotor(ctx context.Context, c Config, name resource.Name, logger logging.Logger,
	ain1, ain2, bin1, bin2 board.GPIOPin,
) (motor.Motor, error) {
	if c.MaxRPM == 0 {
		logger.CWarn(ctx, "max_rpm not set, setting to 200 rpm")
		c.MaxRPM = 200
	}
	if c.TicksPerRotation <= 0 {
		return nil, errors.New("ticks_per_rotation isn't set")
	}
	style := Single
	if c.Stepping != "" {
		var ok bool
		if style, ok = styleByName[c.Stepping]; !ok {
			return nil, errors.Errorf("unknown stepping style %q", c.Stepping)
		}
	}

	m := &Motor{
		Named:            name.AsNamed(),
		logger:           logger,
		motorName:        name.ShortName(),
		ticksPerRotation: c.TicksPerRotation,
		maxRPM:           c.MaxRPM,
		defaultStyle:     style,
		runner:           motion.NewRunner(name.ShortName(), logger),
		seq:              newSequencer(ain1, ain2, bin1, bin2, c.Microsteps),
	}
	if style == Microstep && m.seq.microsteps == 0 {
		return nil, errors.New("stepping style microstep requires microsteps to be set")
	}

	if m.seq.microsteps > 0 {
		freq := c.PWMFreq
		if freq == 0 {
			freq = 2000
		}
		var err error
		for _, coil := range m.seq.coils {
			err = multierr.Combine(err, coil.SetPWMFreq(ctx, freq, nil))
		}
		if err != nil {
			return nil, errors.Wrapf(err, "error setting coil PWM frequency on motor (%s)", m.motorName)
		}
	}
	// Drive the initial pattern: de-energized in digital mode, the index-0
	// microstep pattern in PWM mode.
	if err := m.seq.update(ctx, false); err != nil {
		return nil, errors.Wrapf(err, "error driving initial coil state on motor (%s)", m.motorName)
	}

	return m, nil
}

func (m *Motor) validateStyle(style Style) error {
	switch style {
	case Single, Double, Interleave:
		return nil
	case Microstep:
		if m.seq.microsteps == 0 {
			return errors.Errorf("microstep style requires a microsteps count in the config of motor (%s)", m.motorName)
		}
		return nil
	}
	return errors.Errorf("unknown step style %d", style)
}

func validateDirection(d Direction) error {
	if d != Forward && d != Backward {
		return errors.Errorf("unknown step direction %d", d)
	}
	return nil
}

// checkRPM validates a requested cadence before any pin is driven.
func (m *Motor) checkRPM(ctx context.Context, rpm float64) error {
	if rpm < 0 {
		return errors.Errorf("rpm must be positive when a direction is given, got %f", rpm)
	}
	warning, err := motor.CheckSpeed(rpm, m.maxRPM)
	if warning != "" {
		m.logger.CWarn(ctx, warning)
	}
	return err
}

// interval is the inter-advance delay implied by an rpm for a style.
func (m *Motor) interval(rpm float64, style Style) time.Duration {
	callsPerRev := float64(m.ticksPerRotation * m.callsPerFullStep(style))
	return time.Duration(float64(time.Minute) / (rpm * callsPerRev))
}

// advanceLocked performs one sequencer step and tracks the shaft position.
// m.mu must be held.
func (m *Motor) advanceLocked(ctx context.Context, d Direction, style Style) (int, error) {
	size, err := m.seq.advance(ctx, d, style)
	if err != nil {
		return 0, err
	}
	var deltaRev float64
	if m.seq.microsteps > 0 {
		deltaRev = float64(size) / float64(m.ticksPerRotation*m.seq.microsteps)
	} else {
		deltaRev = 1 / float64(m.ticksPerRotation*m.callsPerFullStep(style))
	}
	if d == Backward {
		deltaRev = -deltaRev
	}
	m.posRev += deltaRev
	return size, nil
}

// OneStep performs a single immediate step, preempting any motion in flight.
// It returns the phase displacement applied, in microsteps when the motor is
// configured for microstepping and in table entries otherwise.
func (m *Motor) OneStep(ctx context.Context, d Direction, style Style) (int, error) {
	if err := validateDirection(d); err != nil {
		return 0, err
	}
	if err := m.validateStyle(style); err != nil {
		return 0, err
	}
	m.runner.Stop()
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.advanceLocked(ctx, d, style)
}

// Step performs exactly steps advances in the given direction and style at
// the cadence implied by rpm, blocking the caller unless background is set.
func (m *Motor) Step(ctx context.Context, steps int, d Direction, style Style, rpm float64, background bool) error {
	if steps < 0 {
		return errors.Errorf("step count must be non-negative, got %d", steps)
	}
	return m.timedMove(ctx, steps, d, style, rpm, background)
}

// Angle converts an angle in degrees to a step count for the style and
// performs it via Step.
func (m *Motor) Angle(ctx context.Context, degrees float64, d Direction, style Style, rpm float64, background bool) error {
	if degrees < 0 {
		return errors.Errorf("angle must be non-negative when a direction is given, got %f", degrees)
	}
	if err := m.validateStyle(style); err != nil {
		return err
	}
	fullSteps := math.Round(degrees / 360 * float64(m.ticksPerRotation))
	steps := int(fullSteps) * m.callsPerFullStep(style)
	return m.Step(ctx, steps, d, style, rpm, background)
}

// Continuous runs the motor indefinitely in the given direction and style
// until Stop or Release. It always runs in the background.
func (m *Motor) Continuous(ctx context.Context, d Direction, style Style, rpm float64) error {
	if err := validateDirection(d); err != nil {
		return err
	}
	if err := m.validateStyle(style); err != nil {
		return err
	}
	if err := m.checkRPM(ctx, rpm); err != nil {
		return err
	}

	// Preempt before publishing, as in timedMove.
	m.runner.Stop()
	m.mu.Lock()
	m.goalless = true
	m.powerPct = rpm / m.maxRPM
	if d == Backward {
		m.powerPct = -m.powerPct
	}
	m.mu.Unlock()

	m.runner.Start(m.interval(rpm, style), func(ctx context.Context) (bool, error) {
		m.mu.Lock()
		defer m.mu.Unlock()
		_, err := m.advanceLocked(ctx, d, style)
		return false, err
	})
	return nil
}

func (m *Motor) timedMove(ctx context.Context, steps int, d Direction, style Style, rpm float64, background bool) error {
	if err := validateDirection(d); err != nil {
		return err
	}
	if err := m.validateStyle(style); err != nil {
		return err
	}
	if err := m.checkRPM(ctx, rpm); err != nil {
		return err
	}

	// Preempt before publishing the new budget: the outgoing motion shares
	// these fields under m.mu and must not spend them with an advance in the
	// old direction.
	m.runner.Stop()
	m.mu.Lock()
	m.stepsLeft = steps
	m.goalless = false
	m.powerPct = rpm / m.maxRPM
	if d == Backward {
		m.powerPct = -m.powerPct
	}
	m.mu.Unlock()
	if steps == 0 {
		return nil
	}

	advance := func(ctx context.Context) (bool, error) {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.stepsLeft <= 0 {
			return true, nil
		}
		if _, err := m.advanceLocked(ctx, d, style); err != nil {
			return false, err
		}
		m.stepsLeft--
		return m.stepsLeft == 0, nil
	}

	interval := m.interval(rpm, style)
	if background {
		m.runner.Start(interval, advance)
		return nil
	}
	return m.runner.Run(ctx, interval, advance)
}

// GoalReached reports whether no motion is in flight and the last requested
// step budget has been fully spent. A continuous run has no goal and never
// reports true, even once stopped.
func (m *Motor) GoalReached() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.goalless {
		return false
	}
	return !m.runner.IsMoving() && m.stepsLeft == 0
}

// Release stops any motion and de-energizes the coils so the shaft spins
// freely. The phase index is kept, so the next motion resumes in phase.
func (m *Motor) Release(ctx context.Context) error {
	m.runner.Stop()
	m.mu.Lock()
	defer m.mu.Unlock()
	return errors.Wrapf(m.seq.release(ctx), "error in Release from motor (%s)", m.motorName)
}

// GoFor turns in the given direction the given number of revolutions at the
// given speed, using the configured stepping style. Both the RPM and the
// revolutions can be negative to move backward; if both are negative the
// motor moves forward. If revolutions is zero the motor runs at rpm until
// stopped.
func (m *Motor) GoFor(ctx context.Context, rpm, revolutions float64, extra map[string]interface{}) error {
	if revolutions == 0 {
		return m.SetRPM(ctx, rpm, extra)
	}
	d := Forward
	if math.Signbit(revolutions) != math.Signbit(rpm) {
		d = Backward
	}
	steps := int(math.Round(math.Abs(revolutions) * float64(m.ticksPerRotation*m.callsPerFullStep(m.defaultStyle))))
	err := m.timedMove(ctx, steps, d, m.defaultStyle, math.Abs(rpm), false)
	return errors.Wrapf(err, "error in GoFor from motor (%s)", m.motorName)
}

// GoTo moves to the given position in revolutions from the zero position,
// moving toward the target regardless of the sign of the rpm.
func (m *Motor) GoTo(ctx context.Context, rpm, positionRevolutions float64, extra map[string]interface{}) error {
	m.mu.Lock()
	delta := positionRevolutions - m.posRev
	m.mu.Unlock()

	d := Forward
	if delta < 0 {
		d = Backward
	}
	steps := int(math.Round(math.Abs(delta) * float64(m.ticksPerRotation*m.callsPerFullStep(m.defaultStyle))))
	err := m.timedMove(ctx, steps, d, m.defaultStyle, math.Abs(rpm), false)
	return errors.Wrapf(err, "error in GoTo from motor (%s)", m.motorName)
}

// SetRPM runs the motor at the given speed until stopped, backward when the
// rpm is negative.
func (m *Motor) SetRPM(ctx context.Context, rpm float64, extra map[string]interface{}) error {
	d := Forward
	if rpm < 0 {
		d = Backward
	}
	return m.Continuous(ctx, d, m.defaultStyle, math.Abs(rpm))
}

// SetPower runs the motor at a fraction of its maximum speed, between -1
// and 1. Zero power stops the motor.
func (m *Motor) SetPower(ctx context.Context, powerPct float64, extra map[string]interface{}) error {
	powerPct = math.Max(-1, math.Min(1, powerPct))
	if powerPct == 0 {
		return m.Stop(ctx, extra)
	}
	return m.SetRPM(ctx, powerPct*m.maxRPM, extra)
}

// Position reports the shaft position in revolutions from the zero position.
func (m *Motor) Position(ctx context.Context, extra map[string]interface{}) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.posRev, nil
}

// ResetZeroPosition sets the current position, adjusted by the given offset,
// to be the new zero position.
func (m *Motor) ResetZeroPosition(ctx context.Context, offset float64, extra map[string]interface{}) error {
	if m.runner.IsMoving() {
		return errors.Errorf("can't zero motor (%s) while moving", m.motorName)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.posRev = -offset
	return nil
}

// Properties returns the status of optional properties on the motor.
func (m *Motor) Properties(ctx context.Context, extra map[string]interface{}) (motor.Properties, error) {
	return motor.Properties{
		PositionReporting: true,
	}, nil
}

// IsPowered returns whether the motor is currently moving and the commanded
// fraction of its maximum speed, signed by direction.
func (m *Motor) IsPowered(ctx context.Context, extra map[string]interface{}) (bool, float64, error) {
	moving, err := m.IsMoving(ctx)
	if err != nil || !moving {
		return false, 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return true, m.powerPct, nil
}

// IsMoving returns true if the motor is currently moving.
func (m *Motor) IsMoving(ctx context.Context) (bool, error) {
	return m.runner.IsMoving(), nil
}

// Stop halts any in-flight motion at a step boundary. The coils stay
// energized at the last pattern, so the motor keeps its holding torque;
// use Release to de-energize.
func (m *Motor) Stop(ctx context.Context, extra map[string]interface{}) error {
	m.runner.Stop()
	return nil
}

// Close stops the motor and releases the coils.
func (m *Motor) Close(ctx context.Context) error {
	return m.Release(ctx)
}

// DoCommand() related constants.
const (
	Command       = "command"
	OneStepCmd    = "onestep"
	ReleaseCmd    = "release"
	ContinuousCmd = "continuous"
	GoalCmd       = "goal_reached"
	DirectionVal  = "direction"
	StyleVal      = "style"
	RPMVal        = "rpm"
)

// DoCommand executes additional commands beyond the Motor{} interface.
func (m *Motor) DoCommand(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	name, ok := cmd[Command]
	if !ok {
		return nil, errors.Errorf("missing %s value", Command)
	}
	switch name {
	case OneStepCmd:
		d, style, err := parseMove(cmd, m.defaultStyle)
		if err != nil {
			return nil, err
		}
		size, err := m.OneStep(ctx, d, style)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"microsteps": size}, nil
	case ReleaseCmd:
		return nil, m.Release(ctx)
	case ContinuousCmd:
		d, style, err := parseMove(cmd, m.defaultStyle)
		if err != nil {
			return nil, err
		}
		rpmRaw, ok := cmd[RPMVal]
		if !ok {
			return nil, errors.Errorf("need %s value for continuous", RPMVal)
		}
		rpm, ok := rpmRaw.(float64)
		if !ok {
			return nil, errors.New("rpm value must be floating point")
		}
		return nil, m.Continuous(ctx, d, style, rpm)
	case GoalCmd:
		return map[string]interface{}{"goal_reached": m.GoalReached()}, nil
	default:
		return nil, errors.Errorf("no such command: %s", name)
	}
}

func parseMove(cmd map[string]interface{}, defaultStyle Style) (Direction, Style, error) {
	d := Forward
	if raw, ok := cmd[DirectionVal]; ok {
		s, ok := raw.(string)
		if !ok {
			return 0, 0, errors.New("direction value must be a string")
		}
		switch s {
		case "forward":
			d = Forward
		case "backward":
			d = Backward
		default:
			return 0, 0, errors.Errorf("unknown direction %q", s)
		}
	}
	style := defaultStyle
	if raw, ok := cmd[StyleVal]; ok {
		s, ok := raw.(string)
		if !ok {
			return 0, 0, errors.New("style value must be a string")
		}
		style, ok = styleByName[s]
		if !ok {
			return 0, 0, errors.Errorf("unknown step style %q", s)
		}
	}
	return d, style, nil
}
