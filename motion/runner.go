// Package motion drives an actuator's advance callback at a fixed cadence,
// either inline on the caller or on a background goroutine.
package motion

import (
	"context"
	"sync"
	"time"

	"go.viam.com/rdk/logging"
	"go.viam.com/utils"
)

// An Advance moves the owning actuator by one unit (one table step or one
// interpolation frame). It reports done once the motion's goal is reached.
// Continuous motions simply never report done.
type Advance func(ctx context.Context) (done bool, err error)

// Runner owns at most one in-flight motion for a single actuator. Issuing a
// new motion, inline or background, first cancels the prior one and waits for
// it to exit at an advance boundary, so two motions never race on the same
// pins and cancellation never leaves a partial coil pattern behind.
type Runner struct {
	name   string
	logger logging.Logger

	// opMu serializes motion hand-off so concurrent requests can't both
	// believe they preempted the previous motion.
	opMu sync.Mutex

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewRunner returns a Runner for the named actuator.
func NewRunner(name string, logger logging.Logger) *Runner {
	return &Runner{name: name, logger: logger}
}

// Run preempts any in-flight motion and drives advance inline, blocking the
// caller until the motion reports done, ctx is cancelled, or Stop is called.
func (r *Runner) Run(ctx context.Context, interval time.Duration, advance Advance) error {
	ctx, finish := r.begin(ctx)
	defer finish()
	return r.loop(ctx, interval, advance)
}

// Start preempts any in-flight motion and drives advance on a background
// goroutine. Validation belongs to the caller: an error out of a background
// advance is a peripheral fault and is only logged.
func (r *Runner) Start(interval time.Duration, advance Advance) {
	ctx, finish := r.begin(context.Background())
	utils.PanicCapturingGo(func() {
		defer finish()
		if err := r.loop(ctx, interval, advance); err != nil {
			r.logger.Errorw("background motion failed", "actuator", r.name, "error", err)
		}
	})
}

// Stop cancels any in-flight motion and waits for it to reach an advance
// boundary. It is a no-op if nothing is running.
func (r *Runner) Stop() {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel, r.done = nil, nil
	r.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// IsMoving reports whether a motion is currently in flight.
func (r *Runner) IsMoving() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done == nil {
		return false
	}
	select {
	case <-r.done:
		return false
	default:
		return true
	}
}

// begin performs the single-active-motion hand-off: cancel and join whatever
// is running, then register the new motion. The returned finish func must be
// called when the motion's loop exits.
func (r *Runner) begin(parent context.Context) (context.Context, func()) {
	r.opMu.Lock()
	defer r.opMu.Unlock()

	r.Stop()

	ctx, cancel := context.WithCancel(parent)
	done := make(chan struct{})
	r.mu.Lock()
	r.cancel = cancel
	r.done = done
	r.mu.Unlock()

	return ctx, func() {
		close(done)
		cancel()
		r.mu.Lock()
		if r.done == done {
			r.cancel, r.done = nil, nil
		}
		r.mu.Unlock()
	}
}

// loop is the shared cadence loop. Cancellation is a normal outcome, not an
// error: the actuator simply holds its last-driven state.
func (r *Runner) loop(ctx context.Context, interval time.Duration, advance Advance) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		done, err := advance(ctx)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		if !utils.SelectContextOrWait(ctx, interval) {
			return nil
		}
	}
}
