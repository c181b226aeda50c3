// Package announcer drives periodic re-announces to one tracker tier
// list (§4.C): trackers within a tier are tried in order on failure,
// a successful announce promotes its tracker to the front of its tier
// (BEP-12), and the next announce is scheduled at max(tracker interval,
// MinAnnounceInterval) with exponential backoff on repeated failure,
// capped at the last successful announce interval.
package announcer

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cenkalti/rain/internal/logger"
	"github.com/cenkalti/rain/internal/tracker"
)

// Result is published on Announcer's Notify channel after each attempt.
type Result struct {
	Response *tracker.AnnounceResponse
	Error    error
	Tracker  tracker.Tracker
}

// Announcer owns the tier list for one torrent and announces on its own
// schedule, independent of the torrent engine's main loop, publishing
// results on a channel the engine select-reads (§5).
type Announcer struct {
	tiers   [][]tracker.Tracker
	minInterval time.Duration

	Notify chan Result

	stopC chan struct{}
	doneC chan struct{}
}

// New returns an Announcer over the given tiers (outer slice: tiers in
// priority order; inner slice: trackers within a tier, already in
// BEP-12 order).
func New(tiers [][]tracker.Tracker, minInterval time.Duration) *Announcer {
	return &Announcer{
		tiers:       tiers,
		minInterval: minInterval,
		Notify:      make(chan Result, 1),
		stopC:       make(chan struct{}),
		doneC:       make(chan struct{}),
	}
}

// Stop requests the announcer's loop to exit and waits for it.
func (a *Announcer) Stop() {
	close(a.stopC)
	<-a.doneC
}

// Run announces event once immediately, then periodically using the
// interval returned by whichever tracker answered, or backoff when
// every tracker in every tier fails. progress is called before each
// attempt to get the current upload/download/left counters.
func (a *Announcer) Run(ctx context.Context, progress func() *tracker.Torrent, event func() tracker.Event, numWant int) {
	defer close(a.doneC)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 5 * time.Second
	b.MaxInterval = 30 * time.Minute
	b.MaxElapsedTime = 0 // retry forever; the torrent loop decides when to stop us

	var timer *time.Timer
	var lastInterval time.Duration // last successful announce interval
	for {
		res, interval := a.announceOnce(ctx, progress(), event(), numWant)
		select {
		case a.Notify <- res:
		case <-a.stopC:
			return
		}

		if res.Error != nil {
			interval = b.NextBackOff()
			if lastInterval > 0 && interval > lastInterval {
				interval = lastInterval
			}
		} else {
			b.Reset()
			if interval < a.minInterval {
				interval = a.minInterval
			}
			lastInterval = interval
		}
		timer = time.NewTimer(interval)
		select {
		case <-timer.C:
		case <-a.stopC:
			timer.Stop()
			return
		case <-ctx.Done():
			timer.Stop()
			return
		}
	}
}

// announceOnce tries each tier in order, and within a tier each tracker
// in order, returning on the first success and promoting that tracker
// to the front of its tier (BEP-12).
func (a *Announcer) announceOnce(ctx context.Context, t *tracker.Torrent, e tracker.Event, numWant int) (Result, time.Duration) {
	var lastErr error
	for _, tier := range a.tiers {
		for i, tr := range tier {
			resp, err := tr.Announce(ctx, t, e, numWant)
			if err != nil {
				lastErr = err
				logger.New("announcer").Debugln("announce failed:", tr.URL(), err)
				continue
			}
			if i != 0 {
				promote(tier, i)
			}
			return Result{Response: resp, Tracker: tr}, resp.Interval
		}
	}
	return Result{Error: lastErr}, 0
}

func promote(tier []tracker.Tracker, i int) {
	t := tier[i]
	copy(tier[1:i+1], tier[0:i])
	tier[0] = t
}
