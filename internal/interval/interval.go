// Package interval runs callbacks on a fixed cadence aligned to wall-clock
// boundaries. A five minute cadence fires at :00, :05, :10 and so on, which
// keeps timer-driven scans predictable across restarts.
package interval

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Runner owns a cron instance shared by all registered intervals.
type Runner struct {
	cron *cron.Cron
	log  zerolog.Logger
}

func NewRunner(log zerolog.Logger) *Runner {
	return &Runner{cron: cron.New(), log: log}
}

func (r *Runner) Start() { r.cron.Start() }

// Stop stops the scheduler; already-running callbacks finish on their own.
func (r *Runner) Stop() { <-r.cron.Stop().Done() }

// Handle cancels one registered interval. Re-registering under the same name
// after Stop is how cadence changes take effect.
type Handle struct {
	r  *Runner
	id cron.EntryID
}

func (h *Handle) Stop() {
	if h == nil {
		return
	}
	h.r.cron.Remove(h.id)
}

// Every registers fn to run on the given cadence. The name is used only for
// logging. Callback panics are contained per tick.
func (r *Runner) Every(every time.Duration, name string, fn func()) (*Handle, error) {
	if every <= 0 {
		return nil, fmt.Errorf("interval %s: cadence must be positive, got %v", name, every)
	}
	id, err := r.cron.AddFunc(SpecFor(every), func() {
		defer func() {
			if rec := recover(); rec != nil {
				r.log.Error().Str("interval", name).Interface("panic", rec).Msg("interval callback panicked")
			}
		}()
		fn()
	})
	if err != nil {
		return nil, fmt.Errorf("interval %s: %w", name, err)
	}
	return &Handle{r: r, id: id}, nil
}

// SpecFor maps a cadence to a cron spec. Whole-minute and whole-hour cadences
// become wall-clock-aligned specs; anything else falls back to a fixed delay.
func SpecFor(d time.Duration) string {
	switch {
	case d == 24*time.Hour:
		return "0 0 * * *"
	case d%time.Hour == 0 && d < 24*time.Hour:
		return fmt.Sprintf("0 */%d * * *", int(d/time.Hour))
	case d%time.Minute == 0 && d < time.Hour:
		return fmt.Sprintf("*/%d * * * *", int(d/time.Minute))
	default:
		return "@every " + d.String()
	}
}
