// Package watchdog implements the process-wide deadline that terminates
// mrdserver if it is still running when the timer fires.
//
// The deadline is armed once, before the listener starts accepting, and
// is never re-armed by session activity.  Per-connection liveness is the
// job of the idle timeout, not this package.
package watchdog

import (
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"mrdserver/internal/errors"
)

// Watchdog fires Exit once its duration elapses.
type Watchdog struct {
	// Exit terminates the process.  Defaults to os.Exit; tests swap it.
	Exit func(code int)

	logger zerolog.Logger
	once   sync.Once
	timer  *time.Timer
	fired  chan struct{}
}

// New returns an unarmed watchdog that logs through logger.
func New(logger zerolog.Logger) *Watchdog {
	return &Watchdog{
		Exit:   os.Exit,
		logger: logger,
		fired:  make(chan struct{}),
	}
}

// Arm starts the deadline.  Only the first call has any effect, and a
// non-positive duration leaves the watchdog disabled.
func (w *Watchdog) Arm(d time.Duration) {
	w.once.Do(func() {
		if d <= 0 {
			w.logger.Debug().Msg("watchdog disabled")
			return
		}
		w.logger.Debug().Dur("after", d).Msg("watchdog armed")
		w.timer = time.AfterFunc(d, func() { w.expire(d) })
	})
}

// Armed reports whether the deadline is pending.
func (w *Watchdog) Armed() bool {
	select {
	case <-w.fired:
		return false
	default:
		return w.timer != nil
	}
}

// Fired is closed once the deadline has expired.
func (w *Watchdog) Fired() <-chan struct{} { return w.fired }

func (w *Watchdog) expire(d time.Duration) {
	close(w.fired)
	w.logger.WithLevel(zerolog.FatalLevel).
		Err(errors.ErrWatchdogExpired).
		Dur("after", d).
		Msg("watchdog expired, terminating")
	w.Exit(1)
}
