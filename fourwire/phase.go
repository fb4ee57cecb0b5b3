package fourwire

import (
	"context"
	"math"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.viam.com/rdk/components/board"
)

// Direction selects which way the shaft turns.
type Direction int

// Step directions.
const (
	Forward Direction = iota + 1
	Backward
)

func (d Direction) String() string {
	switch d {
	case Forward:
		return "forward"
	case Backward:
		return "backward"
	}
	return "unknown"
}

// Style selects how the coils are energized for each step.
type Style int

// Step styles.
const (
	// Single energizes one coil per step.
	Single Style = iota + 1
	// Double energizes two coils per step for more torque.
	Double
	// Interleave alternates single and double for half steps.
	Interleave
	// Microstep drives neighboring coils at intermediate duty levels.
	Microstep
)

func (s Style) String() string {
	switch s {
	case Single:
		return "single"
	case Double:
		return "double"
	case Interleave:
		return "interleave"
	case Microstep:
		return "microstep"
	}
	return "unknown"
}

// styleByName maps config/DoCommand strings to styles.
var styleByName = map[string]Style{
	"single":     Single,
	"double":     Double,
	"interleave": Interleave,
	"microstep":  Microstep,
}

// Coil activation patterns, one bit per coil in (ain1, ain2, bin1, bin2)
// order. Interleave is twice the length of the full-step tables because it
// moves in half steps.
var (
	singleSteps     = []uint8{0b0010, 0b0100, 0b0001, 0b1000}
	doubleSteps     = []uint8{0b1010, 0b0110, 0b0101, 0b1001}
	interleaveSteps = []uint8{0b1010, 0b0010, 0b0110, 0b0100, 0b0101, 0b0001, 0b1001, 0b1000}
)

func digitalTable(style Style) ([]uint8, error) {
	switch style {
	case Single:
		return singleSteps, nil
	case Double:
		return doubleSteps, nil
	case Interleave:
		return interleaveSteps, nil
	case Microstep:
		return nil, errors.New("microstep style requires a microsteps count in the config")
	}
	return nil, errors.Errorf("unknown step style %d", style)
}

// callsPerFullStep is how many sequencer advances make up one full motor
// step for a style. It sets both the step-count conversion for Angle and the
// cadence of a timed move.
func (m *Motor) callsPerFullStep(style Style) int {
	switch style {
	case Interleave:
		return 2
	case Microstep:
		return m.seq.microsteps
	default:
		return 1
	}
}

// floorDiv and floorMod round toward negative infinity so the phase index
// wraps correctly in both directions of travel.
func floorDiv(a, b int) int {
	q := a / b
	if a%b != 0 && (a < 0) != (b < 0) {
		q--
	}
	return q
}

func floorMod(a, b int) int {
	return a - floorDiv(a, b)*b
}

// sequencer owns the signed phase index and the coil pins, and advances the
// coil pattern one table step at a time. With a microsteps count it drives
// the coils with PWM duty pairs along a quarter-sine current curve;
// without one it drives plain digital levels from the style's table.
type sequencer struct {
	// coils in (ain1, ain2, bin1, bin2) order for digital drive, reordered
	// to (ain2, bin1, ain1, bin2) at construction for PWM drive.
	coils      [4]board.GPIOPin
	microsteps int
	curve      []float64

	// index is the current microstep. It is unbounded; table lookups take it
	// with floor-modulo.
	index int

	// table is the digital style table selected by the last advance. Empty
	// until the first step, which leaves the coils de-energized.
	table []uint8
}

func newSequencer(ain1, ain2, bin1, bin2 board.GPIOPin, microsteps int) *sequencer {
	s := &sequencer{microsteps: microsteps}
	if microsteps > 0 {
		// Trailing/leading pair selection below expects this coil order.
		s.coils = [4]board.GPIOPin{ain2, bin1, ain1, bin2}
		s.curve = make([]float64, microsteps+1)
		for i := range s.curve {
			s.curve[i] = math.Sin(math.Pi / float64(2*microsteps) * float64(i))
		}
	} else {
		s.coils = [4]board.GPIOPin{ain1, ain2, bin1, bin2}
	}
	return s
}

// advance moves the phase index one table step in the given direction and
// drives the resulting pattern. It returns the index displacement applied,
// in the sequencer's native units: one table entry in digital mode, one or
// more microsteps in PWM mode. Non-microstep styles on a PWM sequencer first
// re-align the index to a half-step boundary, following the Adafruit motor
// HAT stepping sequence.
func (s *sequencer) advance(ctx context.Context, d Direction, style Style) (int, error) {
	var size int
	if s.microsteps == 0 {
		table, err := digitalTable(style)
		if err != nil {
			return 0, err
		}
		s.table = table
		size = 1
	} else {
		if style == Microstep {
			size = 1
		} else {
			halfStep := s.microsteps / 2
			fullStep := s.microsteps

			if extra := floorMod(s.index, halfStep); extra != 0 {
				// Off a half-step boundary: snap to the next one.
				if d == Forward {
					s.index += halfStep - extra
				} else {
					s.index -= extra
				}
				size = 0
			} else if style == Interleave {
				size = halfStep
			}

			interleavePos := floorDiv(s.index, halfStep)
			if (style == Single && floorMod(interleavePos, 2) == 1) ||
				(style == Double && floorMod(interleavePos, 2) == 0) {
				size = halfStep
			} else if style == Single || style == Double {
				size = fullStep
			}
		}
	}

	if d == Forward {
		s.index += size
	} else {
		s.index -= size
	}

	if err := s.update(ctx, style == Microstep); err != nil {
		return 0, err
	}
	return size, nil
}

// update drives the coil pattern for the current index.
func (s *sequencer) update(ctx context.Context, microstepping bool) error {
	if s.microsteps == 0 {
		var pattern uint8
		if s.table != nil {
			pattern = s.table[floorMod(s.index, len(s.table))]
		}
		var err error
		for i, coil := range s.coils {
			err = multierr.Combine(err, coil.Set(ctx, pattern>>i&1 == 1, nil))
		}
		return err
	}

	var duty [4]float64
	trailing := floorMod(floorDiv(s.index, s.microsteps), 4)
	leading := (trailing + 1) % 4
	micro := floorMod(s.index, s.microsteps)
	duty[leading] = s.curve[micro]
	duty[trailing] = s.curve[s.microsteps-micro]

	// On a half-step boundary both coils carry equal partial current; full
	// step styles drive them at full duty instead for maximum torque.
	if !microstepping && duty[leading] == duty[trailing] && duty[leading] > 0 {
		duty[leading] = 1
		duty[trailing] = 1
	}

	var err error
	for i, coil := range s.coils {
		err = multierr.Combine(err, coil.SetPWM(ctx, duty[i], nil))
	}
	return err
}

// release de-energizes every coil, leaving the phase index unchanged so a
// later motion resumes phase-continuous.
func (s *sequencer) release(ctx context.Context) error {
	var err error
	for _, coil := range s.coils {
		if s.microsteps == 0 {
			err = multierr.Combine(err, coil.Set(ctx, false, nil))
		} else {
			err = multierr.Combine(err, coil.SetPWM(ctx, 0, nil))
		}
	}
	return err
}
