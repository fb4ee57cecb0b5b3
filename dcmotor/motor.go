// Package dcmotor implements a brushed DC motor behind a two-pin H-bridge
// driver, with selectable fast or slow current decay.
package dcmotor

import (
	"context"
	"math"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.viam.com/rdk/components/board"
	"go.viam.com/rdk/components/motor"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
)

// Model for the motor-hat dc motor.
var Model = resource.NewModel("viam", "motor-hat", "dc-motor")

// Config describes the configuration of a dc motor.
type Config struct {
	PinA      string `json:"pina"`
	PinB      string `json:"pinb"`
	BoardName string `json:"board"`
	// PWMFreq defaults to 50 Hz.
	PWMFreq uint `json:"pwm_freq,omitempty"`
	// SlowDecay selects slow current decay; the default is fast decay.
	SlowDecay bool `json:"slow_decay,omitempty"`
}

// Validate ensures all parts of the config are valid.
func (conf *Config) Validate(path string) ([]string, []string, error) {
	if conf.BoardName == "" {
		return nil, nil, resource.NewConfigValidationFieldRequiredError(path, "board")
	}
	if conf.PinA == "" {
		return nil, nil, resource.NewConfigValidationFieldRequiredError(path, "pina")
	}
	if conf.PinB == "" {
		return nil, nil, resource.NewConfigValidationFieldRequiredError(path, "pinb")
	}
	return []string{conf.BoardName}, nil, nil
}

func init() {
	resource.RegisterComponent(motor.API, Model, resource.Registration[motor.Motor, *Config]{
		Constructor: newMotor,
	})
}

// A Motor maps a signed power fraction onto the two H-bridge inputs. It is
// stateless apart from the last commanded power and the decay mode.
type Motor struct {
	resource.Named
	resource.AlwaysRebuild
	resource.TriviallyCloseable

	logger     logging.Logger
	motorName  string
	pinA, pinB board.GPIOPin

	mu        sync.Mutex
	powerPct  float64
	fastDecay bool
}

// newMotor resolves the bridge pins from the configured board.
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
	pinA, err := b.GPIOPinByName(conf.PinA)
	if err != nil {
		return nil, err
	}
	pinB, err := b.GPIOPinByName(conf.PinB)
	if err != nil {
		return nil, err
	}
	return makeMotor(ctx, *conf, c.ResourceName(), logger, pinA, pinB)
}

// makeMotor builds the motor over explicit pins. It is separate from
// newMotor, above, so tests can inject fake pins.
func makeMotor(ctx context.Context, c Config, name resource.Name, logger logging.Logger,
	pinA, pinB board.GPIOPin,
) (motor.Motor, error) {
	if c.PWMFreq == 0 {
		c.PWMFreq = 50
	}

	m := &Motor{
		Named:     name.AsNamed(),
		logger:    logger,
		motorName: name.ShortName(),
		pinA:      pinA,
		pinB:      pinB,
		fastDecay: !c.SlowDecay,
	}

	err := multierr.Combine(
		pinA.SetPWMFreq(ctx, c.PWMFreq, nil),
		pinB.SetPWMFreq(ctx, c.PWMFreq, nil),
		pinA.SetPWM(ctx, 0, nil),
		pinB.SetPWM(ctx, 0, nil),
	)
	if err != nil {
		return nil, errors.Wrapf(err, "error initializing pins on motor (%s)", m.motorName)
	}
	return m, nil
}

// SetPower drives the motor at a fraction of full speed between -1 and 1,
// negative for reverse. Out-of-range values are clamped with a warning.
func (m *Motor) SetPower(ctx context.Context, powerPct float64, extra map[string]interface{}) error {
	if math.Abs(powerPct) > 1 {
		m.logger.CWarnf(ctx, "power %f out of [-1, 1], clamping", powerPct)
		powerPct = math.Copysign(1, powerPct)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.powerPct = powerPct
	return errors.Wrapf(m.applyLocked(ctx), "error in SetPower from motor (%s)", m.motorName)
}

// applyLocked drives the bridge pins for the current power and decay mode.
// Fast decay PWMs one input and grounds the other; slow decay holds one
// input high and PWMs the complement on the other. m.mu must be held.
func (m *Motor) applyLocked(ctx context.Context) error {
	duty := math.Abs(m.powerPct)
	high, low := m.pinA, m.pinB
	if m.powerPct < 0 {
		high, low = m.pinB, m.pinA
	}
	if m.fastDecay {
		return multierr.Combine(
			high.SetPWM(ctx, duty, nil),
			low.SetPWM(ctx, 0, nil),
		)
	}
	return multierr.Combine(
		high.SetPWM(ctx, 1, nil),
		low.SetPWM(ctx, 1-duty, nil),
	)
}

// SetDecay switches between fast and slow current decay and reapplies the
// current power.
func (m *Motor) SetDecay(ctx context.Context, fast bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fastDecay = fast
	return errors.Wrapf(m.applyLocked(ctx), "error in SetDecay from motor (%s)", m.motorName)
}

// GoFor is unsupported: the motor has no position feedback.
func (m *Motor) GoFor(ctx context.Context, rpm, revolutions float64, extra map[string]interface{}) error {
	return errors.Errorf("motor (%s) has no encoder and cannot GoFor", m.motorName)
}

// GoTo is unsupported: the motor has no position feedback.
func (m *Motor) GoTo(ctx context.Context, rpm, positionRevolutions float64, extra map[string]interface{}) error {
	return errors.Errorf("motor (%s) has no encoder and cannot GoTo", m.motorName)
}

// SetRPM is unsupported: the motor has no speed feedback.
func (m *Motor) SetRPM(ctx context.Context, rpm float64, extra map[string]interface{}) error {
	return errors.Errorf("motor (%s) has no encoder and cannot SetRPM", m.motorName)
}

// ResetZeroPosition is unsupported: the motor has no position feedback.
func (m *Motor) ResetZeroPosition(ctx context.Context, offset float64, extra map[string]interface{}) error {
	return errors.Errorf("motor (%s) has no encoder and cannot reset its position", m.motorName)
}

// Position is unsupported: the motor has no position feedback.
func (m *Motor) Position(ctx context.Context, extra map[string]interface{}) (float64, error) {
	return 0, errors.Errorf("motor (%s) has no encoder and cannot report a position", m.motorName)
}

// Properties returns the status of optional properties on the motor.
func (m *Motor) Properties(ctx context.Context, extra map[string]interface{}) (motor.Properties, error) {
	return motor.Properties{
		PositionReporting: false,
	}, nil
}

// IsPowered returns whether the motor is driven and at what power fraction.
func (m *Motor) IsPowered(ctx context.Context, extra map[string]interface{}) (bool, float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.powerPct != 0, m.powerPct, nil
}

// IsMoving returns true if the motor is currently driven.
func (m *Motor) IsMoving(ctx context.Context) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.powerPct != 0, nil
}

// Stop cuts the power.
func (m *Motor) Stop(ctx context.Context, extra map[string]interface{}) error {
	return m.SetPower(ctx, 0, extra)
}

// DoCommand() related constants.
const (
	Command  = "command"
	DecayCmd = "set_decay"
	FastVal  = "fast"
)

// DoCommand executes additional commands beyond the Motor{} interface.
func (m *Motor) DoCommand(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	name, ok := cmd[Command]
	if !ok {
		return nil, errors.Errorf("missing %s value", Command)
	}
	switch name {
	case DecayCmd:
		fast, ok := cmd[FastVal].(bool)
		if !ok {
			return nil, errors.Errorf("need %s value for set_decay", FastVal)
		}
		return nil, m.SetDecay(ctx, fast)
	default:
		return nil, errors.Errorf("no such command: %s", name)
	}
}
