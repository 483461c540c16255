package dispatch

import (
	"context"
	"errors"
	"log"
	"time"

	"flowhost/internal/core/ports"
	"flowhost/internal/domain"
	"flowhost/internal/engine"
	"flowhost/internal/metrics"

	"github.com/robfig/cron/v3"
)

// TimerDispatcher periodically scans for due timer bookmarks and resumes
// them. Multiple host processes may scan concurrently: atomic bookmark
// consumption guarantees each timer fires at most once regardless of how
// many scanners see it due.
type TimerDispatcher struct {
	bookmarks ports.BookmarkStore
	engine    *engine.Engine
	schedule  string // cron spec, e.g. "@every 5s"
	clock     func() time.Time
}

func NewTimerDispatcher(bookmarks ports.BookmarkStore, eng *engine.Engine, schedule string, clock func() time.Time) *TimerDispatcher {
	if clock == nil {
		clock = time.Now
	}
	return &TimerDispatcher{
		bookmarks: bookmarks,
		engine:    eng,
		schedule:  schedule,
		clock:     clock,
	}
}

// Start schedules the scan at the configured cadence and blocks until ctx
// is done. Call it in a goroutine from main.
func (d *TimerDispatcher) Start(ctx context.Context) error {
	c := cron.New()
	if _, err := c.AddFunc(d.schedule, func() { d.Scan(ctx) }); err != nil {
		return err
	}
	log.Printf("timer dispatcher started, schedule %q", d.schedule)
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	log.Println("timer dispatcher stopped")
	return nil
}

// Scan resumes every timer bookmark due at or before now. Exported so
// tests and admin tooling can force a pass.
func (d *TimerDispatcher) Scan(ctx context.Context) {
	due, err := d.bookmarks.DueTimers(ctx, d.clock())
	if err != nil {
		log.Printf("dispatch: timer scan: %v", err)
		return
	}
	for _, bm := range due {
		fired := map[string]any{"fired_at": d.clock().Format(time.RFC3339Nano)}
		if _, err := d.engine.Resume(ctx, bm.ID, bm.Token, fired); err != nil {
			if errors.Is(err, domain.ErrBookmarkNotFound) {
				continue // another scanner consumed it
			}
			log.Printf("dispatch: timer resume instance %s: %v", bm.InstanceID, err)
			continue
		}
		metrics.TimerResumes.Inc()
	}
}
