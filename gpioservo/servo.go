// Package gpioservo implements a hobby servo on a PWM pin, with optional
// speed-limited movement toward a target angle.
package gpioservo

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.viam.com/rdk/components/board"
	"go.viam.com/rdk/components/servo"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"

	"github.com/viam-modules/motor-hat/motion"
)

// Model for the motor-hat gpio servo.
var Model = resource.NewModel("viam", "motor-hat", "gpio-servo")

// Speed-limited moves interpolate in one-degree frames.
const degreesPerFrame = 1.0

// Config describes the configuration of a servo.
type Config struct {
	Pin       string `json:"pin"`
	BoardName string `json:"board"`
	// StartAngle is the angle driven at startup, in degrees.
	StartAngle float64 `json:"start_angle,omitempty"`
	MinAngle   float64 `json:"min_angle,omitempty"`
	// MaxAngle defaults to 180 degrees.
	MaxAngle float64 `json:"max_angle,omitempty"`
	// PWMFreq defaults to the standard 50 Hz servo frame rate.
	PWMFreq uint `json:"pwm_freq,omitempty"`
	// MinPulseUS and MaxPulseUS are the pulse widths driven at MinAngle and
	// MaxAngle, 500 and 2500 microseconds by default.
	MinPulseUS float64 `json:"min_pulse_us,omitempty"`
	MaxPulseUS float64 `json:"max_pulse_us,omitempty"`
}

// Validate ensures all parts of the config are valid.
func (conf *Config) Validate(path string) ([]string, []string, error) {
	if conf.BoardName == "" {
		return nil, nil, resource.NewConfigValidationFieldRequiredError(path, "board")
	}
	if conf.Pin == "" {
		return nil, nil, resource.NewConfigValidationFieldRequiredError(path, "pin")
	}
	if conf.MaxAngle != 0 && conf.MaxAngle <= conf.MinAngle {
		return nil, nil, errors.Errorf("max_angle (%f) must be greater than min_angle (%f)", conf.MaxAngle, conf.MinAngle)
	}
	if conf.MinPulseUS < 0 || conf.MaxPulseUS < 0 {
		return nil, nil, errors.New("pulse widths must be positive")
	}
	if conf.MinPulseUS != 0 && conf.MaxPulseUS != 0 && conf.MaxPulseUS <= conf.MinPulseUS {
		return nil, nil, errors.Errorf("max_pulse_us (%f) must be greater than min_pulse_us (%f)", conf.MaxPulseUS, conf.MinPulseUS)
	}
	return []string{conf.BoardName}, nil, nil
}

func init() {
	resource.RegisterComponent(servo.API, Model, resource.Registration[servo.Servo, *Config]{
		Constructor: newServo,
	})
}

// A Servo drives a single PWM pin with the pulse width mapped from its
// current angle. Timed moves interpolate the angle on a per-servo motion
// runner; a new move preempts the previous one at a frame boundary.
type Servo struct {
	resource.Named
	resource.AlwaysRebuild

	logger    logging.Logger
	servoName string
	pin       board.GPIOPin
	pwmFreq   uint

	minAngle, maxAngle     float64
	minPulseUS, maxPulseUS float64

	runner *motion.Runner

	mu      sync.Mutex
	current float64
	target  float64
}

// newServo resolves the pin from the configured board.
func newServo(ctx context.Context, deps resource.Dependencies, c resource.Config, logger logging.Logger,
) (servo.Servo, error) {
	conf, err := resource.NativeConfig[*Config](c)
	if err != nil {
		return nil, err
	}
	b, err := board.FromDependencies(deps, conf.BoardName)
	if err != nil {
		return nil, errors.Errorf("%q is not a board", conf.BoardName)
	}
	pin, err := b.GPIOPinByName(conf.Pin)
	if err != nil {
		return nil, err
	}
	return makeServo(ctx, *conf, c.ResourceName(), logger, pin)
}

// makeServo builds the servo over an explicit pin. It is separate from
// newServo, above, so tests can inject a fake pin.
func makeServo(ctx context.Context, c Config, name resource.Name, logger logging.Logger, pin board.GPIOPin,
) (servo.Servo, error) {
	if c.MaxAngle == 0 {
		c.MaxAngle = 180
	}
	if c.MaxAngle <= c.MinAngle {
		return nil, errors.Errorf("max_angle (%f) must be greater than min_angle (%f)", c.MaxAngle, c.MinAngle)
	}
	if c.MinPulseUS == 0 {
		c.MinPulseUS = 500
	}
	if c.MaxPulseUS == 0 {
		c.MaxPulseUS = 2500
	}
	if c.MaxPulseUS <= c.MinPulseUS {
		return nil, errors.Errorf("max_pulse_us (%f) must be greater than min_pulse_us (%f)", c.MaxPulseUS, c.MinPulseUS)
	}
	if c.PWMFreq == 0 {
		c.PWMFreq = 50
	}

	s := &Servo{
		Named:      name.AsNamed(),
		logger:     logger,
		servoName:  name.ShortName(),
		pin:        pin,
		pwmFreq:    c.PWMFreq,
		minAngle:   c.MinAngle,
		maxAngle:   c.MaxAngle,
		minPulseUS: c.MinPulseUS,
		maxPulseUS: c.MaxPulseUS,
		runner:     motion.NewRunner(name.ShortName(), logger),
	}

	if err := pin.SetPWMFreq(ctx, c.PWMFreq, nil); err != nil {
		return nil, errors.Wrapf(err, "error setting PWM frequency on servo (%s)", s.servoName)
	}

	start := s.clamp(c.StartAngle)
	if start != c.StartAngle {
		logger.CWarnf(ctx, "start_angle %f outside [%f, %f], clamping", c.StartAngle, s.minAngle, s.maxAngle)
	}
	s.current = start
	s.target = start
	if err := s.drive(ctx, start); err != nil {
		return nil, err
	}

	return s, nil
}

func (s *Servo) clamp(angle float64) float64 {
	return math.Max(s.minAngle, math.Min(s.maxAngle, angle))
}

// pulseWidthUS maps an angle to a pulse width. The mapping is affine and
// exact at both angle bounds.
func (s *Servo) pulseWidthUS(angle float64) float64 {
	norm := (angle - s.minAngle) / (s.maxAngle - s.minAngle)
	return s.minPulseUS + norm*(s.maxPulseUS-s.minPulseUS)
}

// drive sets the pin duty cycle for the pulse width of the given angle.
func (s *Servo) drive(ctx context.Context, angle float64) error {
	duty := s.pulseWidthUS(angle) * float64(s.pwmFreq) / 1e6
	if err := s.pin.SetPWM(ctx, duty, nil); err != nil {
		return errors.Wrapf(err, "error driving pulse on servo (%s)", s.servoName)
	}
	return nil
}

// Move drives the servo straight to the given angle, clamped to the
// configured range.
func (s *Servo) Move(ctx context.Context, angleDeg uint32, extra map[string]interface{}) error {
	return s.MoveTo(ctx, float64(angleDeg))
}

// MoveTo drives the servo straight to the given angle, clamped to the
// configured range. The target is considered reached immediately.
func (s *Servo) MoveTo(ctx context.Context, angle float64) error {
	angle = s.clamp(angle)
	s.runner.Stop()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.target = angle
	if err := s.drive(ctx, angle); err != nil {
		return err
	}
	s.current = angle
	return nil
}

// MoveAt sweeps the servo toward the given angle, clamped to the configured
// range, at the given angular speed in degrees per second. With background
// set the call returns immediately and the sweep proceeds on the servo's
// motion runner; otherwise it blocks until the target is reached or the
// motion is stopped.
func (s *Servo) MoveAt(ctx context.Context, angle, speedDegsPerSec float64, background bool) error {
	if speedDegsPerSec <= 0 {
		return errors.Errorf("speed must be greater than zero, got %f", speedDegsPerSec)
	}
	angle = s.clamp(angle)

	// Preempt before publishing the new target: the outgoing sweep shares it
	// under s.mu and must not drive toward it before the hand-off.
	s.runner.Stop()
	s.mu.Lock()
	s.target = angle
	s.mu.Unlock()

	interval := time.Duration(degreesPerFrame / speedDegsPerSec * float64(time.Second))
	if background {
		s.runner.Start(interval, s.stepToward)
		return nil
	}
	return s.runner.Run(ctx, interval, s.stepToward)
}

// stepToward advances the current angle one frame toward the target, the
// final frame snapping to the exact target.
func (s *Servo) stepToward(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == s.target {
		return true, nil
	}
	delta := s.target - s.current
	next := s.target
	if math.Abs(delta) > degreesPerFrame {
		next = s.current + math.Copysign(degreesPerFrame, delta)
	}
	if err := s.drive(ctx, next); err != nil {
		return false, err
	}
	s.current = next
	return s.current == s.target, nil
}

// GoalReached reports whether no motion is in flight and the current angle
// equals the last requested target.
func (s *Servo) GoalReached() bool {
	if s.runner.IsMoving() {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current == s.target
}

// Position reports the current angle, rounded to the nearest degree.
func (s *Servo) Position(ctx context.Context, extra map[string]interface{}) (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return uint32(math.Round(s.current)), nil
}

// CurrentAngle reports the current angle in degrees.
func (s *Servo) CurrentAngle() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// IsMoving returns true if the servo is currently sweeping.
func (s *Servo) IsMoving(ctx context.Context) (bool, error) {
	return s.runner.IsMoving(), nil
}

// Stop halts any in-flight sweep at a frame boundary. The pin keeps driving
// the pulse for the last angle, so the servo holds its position; use Detach
// to stop driving entirely.
func (s *Servo) Stop(ctx context.Context, extra map[string]interface{}) error {
	s.runner.Stop()
	return nil
}

// Detach stops any sweep and ceases driving the pin, so the horn can be
// moved by hand without resistance. Any subsequent move re-energizes the
// output.
func (s *Servo) Detach(ctx context.Context) error {
	s.runner.Stop()
	if err := s.pin.SetPWM(ctx, 0, nil); err != nil {
		return errors.Wrapf(err, "error detaching servo (%s)", s.servoName)
	}
	return nil
}

// Close stops the servo and detaches the output.
func (s *Servo) Close(ctx context.Context) error {
	return s.Detach(ctx)
}

// DoCommand() related constants.
const (
	Command       = "command"
	MoveAtCmd     = "move_at"
	DetachCmd     = "detach"
	GoalCmd       = "goal_reached"
	AngleVal      = "angle"
	SpeedVal      = "speed"
	BackgroundVal = "background"
)

// DoCommand executes additional commands beyond the Servo{} interface.
func (s *Servo) DoCommand(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	name, ok := cmd[Command]
	if !ok {
		return nil, errors.Errorf("missing %s value", Command)
	}
	switch name {
	case MoveAtCmd:
		angle, ok := cmd[AngleVal].(float64)
		if !ok {
			return nil, errors.Errorf("need %s value for move_at", AngleVal)
		}
		speed, ok := cmd[SpeedVal].(float64)
		if !ok {
			return nil, errors.Errorf("need %s value for move_at", SpeedVal)
		}
		background, _ := cmd[BackgroundVal].(bool)
		return nil, s.MoveAt(ctx, angle, speed, background)
	case DetachCmd:
		return nil, s.Detach(ctx)
	case GoalCmd:
		return map[string]interface{}{"goal_reached": s.GoalReached()}, nil
	default:
		return nil, errors.Errorf("no such command: %s", name)
	}
}
