package mqtt

import (
	"context"
	"sync"
	"time"

	"github.com/nugget/insight-relay/internal/events"
)

// DailyDeliveries counts insight deliveries and failures since local
// midnight in the relay's zone. It is safe for concurrent use.
type DailyDeliveries struct {
	mu        sync.Mutex
	delivered int
	failed    int
	last      time.Time
	day       string // YYYY-MM-DD of the current window
	loc       *time.Location
	now       func() time.Time
}

// NewDailyDeliveries creates a counter whose day rolls over at midnight
// in loc. A nil loc means time.Local.
func NewDailyDeliveries(loc *time.Location) *DailyDeliveries {
	if loc == nil {
		loc = time.Local
	}
	d := &DailyDeliveries{loc: loc, now: time.Now}
	d.day = d.dayOf(d.now())
	return d
}

func (d *DailyDeliveries) dayOf(t time.Time) string {
	return t.In(d.loc).Format(time.DateOnly)
}

// StartOfDay returns local midnight of the current day.
func (d *DailyDeliveries) StartOfDay() time.Time {
	t := d.now().In(d.loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, d.loc)
}

// Seed sets today's counts, typically from persisted execution history
// at startup.
func (d *DailyDeliveries) Seed(delivered, failed int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rollover()
	d.delivered, d.failed = delivered, failed
}

// Record counts one delivery attempt at the given time.
func (d *DailyDeliveries) Record(ok bool, at time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rollover()
	if ok {
		d.delivered++
		if at.After(d.last) {
			d.last = at
		}
	} else {
		d.failed++
	}
}

// Snapshot returns today's counts and the time of the most recent
// successful delivery (zero if none since start).
func (d *DailyDeliveries) Snapshot() (delivered, failed int, last time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rollover()
	return d.delivered, d.failed, d.last
}

// rollover zeroes the counts when the local date changes. Must be
// called with d.mu held. The last delivery time is kept.
func (d *DailyDeliveries) rollover() {
	if today := d.dayOf(d.now()); today != d.day {
		d.delivered, d.failed = 0, 0
		d.day = today
	}
}

// Observe records insight events from ch until ctx is cancelled or ch
// is closed.
func (d *DailyDeliveries) Observe(ctx context.Context, ch <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			if e.Source != events.SourceInsight {
				continue
			}
			switch e.Kind {
			case events.KindDelivered:
				d.Record(true, e.Timestamp)
			case events.KindDeliveryFailed:
				d.Record(false, e.Timestamp)
			}
		}
	}
}
