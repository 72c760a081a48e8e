package operations

import (
	"time"

	"github.com/harbourtools/stevedore-agent/internal/progress"
)

// progressThrottle rate-limits progress events on an operation's outbound
// stream. Only events of kind progress are subject to the window; every
// other kind passes through untouched. When a progress event is withheld
// it replaces the previously withheld one, so the stream stays fresh: the
// next flush forwards the newest counters, not a stale intermediate.
//
// The throttle is not safe for concurrent use. Each operation owns one and
// only the run goroutine touches it.
type progressThrottle struct {
	interval    time.Duration
	lastForward time.Time
	pending     *progress.Event

	now func() time.Time
}

func newProgressThrottle(interval time.Duration) *progressThrottle {
	return &progressThrottle{
		interval: interval,
		now:      time.Now,
	}
}

// Offer hands the throttle one event and returns the events to forward
// now, oldest first. A nil result means the event was withheld.
func (t *progressThrottle) Offer(ev progress.Event) []progress.Event {
	if t.interval <= 0 {
		return []progress.Event{ev}
	}

	if ev.Kind != progress.KindProgress {
		out := make([]progress.Event, 0, 2)
		if t.pending != nil {
			out = append(out, *t.pending)
			t.pending = nil
			t.lastForward = t.now()
		}
		return append(out, ev)
	}

	n := t.now()
	if t.lastForward.IsZero() || n.Sub(t.lastForward) >= t.interval {
		t.lastForward = n
		t.pending = nil
		return []progress.Event{ev}
	}

	t.pending = &ev
	return nil
}

// Flush forwards the withheld event, if any. Callers run it before the
// terminal notification so the last counters observers see are the true
// ones.
func (t *progressThrottle) Flush() []progress.Event {
	if t.pending == nil {
		return nil
	}
	ev := *t.pending
	t.pending = nil
	t.lastForward = t.now()
	return []progress.Event{ev}
}
