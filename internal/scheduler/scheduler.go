// Package scheduler runs the poll loop: every tick each feed is fetched,
// filtered and published in its own goroutine.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"skyfeed/internal/fetcher"
	"skyfeed/internal/filter"
	"skyfeed/internal/metrics"
	"skyfeed/internal/model"
	"skyfeed/internal/publisher"
	"skyfeed/internal/storage"
)

// Fetcher is the interface for downloading and normalizing a feed.
type Fetcher interface {
	Fetch(ctx context.Context, source model.FeedSource) ([]model.Entry, error)
}

// Publisher is the interface for posting a batch of eligible entries.
type Publisher interface {
	Publish(ctx context.Context, feed model.FeedSource, entries []model.Entry) (publisher.Report, error)
}

// Scheduler periodically checks feeds and publishes new entries.
type Scheduler struct {
	feeds     []model.FeedSource
	running   []atomic.Bool
	fetcher   Fetcher
	store     storage.Storage
	publisher Publisher
	backdate  time.Duration
	log       *slog.Logger
	tick      time.Duration
	now       func() time.Time
}

// New creates a Scheduler that polls feeds every 5 minutes and publishes
// entries no older than backdate.
func New(feeds []model.FeedSource, f Fetcher, store storage.Storage, pub Publisher, backdate time.Duration, log *slog.Logger) *Scheduler {
	return &Scheduler{
		feeds:     feeds,
		running:   make([]atomic.Bool, len(feeds)),
		fetcher:   f,
		store:     store,
		publisher: pub,
		backdate:  backdate,
		log:       log,
		tick:      5 * time.Minute,
		now:       time.Now,
	}
}

// SetTickInterval overrides the default 5-minute check interval.
func (s *Scheduler) SetTickInterval(d time.Duration) {
	s.tick = d
}

// SetClock overrides the wall clock used for the backdate window.
func (s *Scheduler) SetClock(now func() time.Time) {
	s.now = now
}

// Run starts the scheduler loop, blocking until ctx is cancelled and every
// in-flight feed task has returned.
func (s *Scheduler) Run(ctx context.Context) {
	var g errgroup.Group
	defer func() { _ = g.Wait() }()

	s.dispatch(ctx, &g)

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info("scheduler stopping, waiting for running feeds")
			return
		case <-ticker.C:
			s.dispatch(ctx, &g)
		}
	}
}

// checkAll runs one cycle for every feed and waits for it to finish.
func (s *Scheduler) checkAll(ctx context.Context) {
	var g errgroup.Group
	s.dispatch(ctx, &g)
	_ = g.Wait()
}

// dispatch starts a task for every feed that is not still busy with the
// previous tick. Busy feeds are skipped, never queued.
func (s *Scheduler) dispatch(ctx context.Context, g *errgroup.Group) {
	for i, feed := range s.feeds {
		flag := &s.running[i]
		if !flag.CompareAndSwap(false, true) {
			s.log.Warn("previous cycle still running, skipping tick", "feed", feed.URL)
			metrics.RecordSkippedTick(feed.URL)
			continue
		}
		g.Go(func() error {
			defer flag.Store(false)
			s.processFeed(ctx, feed)
			return nil
		})
	}
}

func (s *Scheduler) processFeed(ctx context.Context, feed model.FeedSource) {
	log := s.log.With("feed", feed.URL)
	log.Debug("checking feed")

	start := time.Now()
	entries, err := s.fetcher.Fetch(ctx, feed)
	if err != nil {
		metrics.RecordFetch(feed.URL, "error", time.Since(start))
		if ctx.Err() != nil {
			return
		}
		log.Error("fetch feed", "kind", fetcher.KindOf(err), "error", err)
		return
	}
	metrics.RecordFetch(feed.URL, "ok", time.Since(start))

	res, err := filter.Apply(entries, s.now(), s.backdate, func(id string) (bool, error) {
		return s.store.HasPosted(ctx, id)
	})
	if err != nil {
		log.Error("filter entries", "error", err)
		return
	}
	for _, d := range res.Decisions {
		metrics.RecordDecision(feed.URL, string(d.Action), string(d.Reason))
	}

	report, err := s.publisher.Publish(ctx, feed, res.Eligible)

	skipped := res.Skipped()
	log.Info("feed cycle",
		"fetched", len(entries),
		"eligible", len(res.Eligible),
		"published", report.Posted,
		"failed", report.Failed,
		"too_old", skipped[model.ReasonTooOld],
		"already_posted", skipped[model.ReasonAlreadyPosted],
	)

	switch {
	case err == nil:
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		log.Debug("publish interrupted", "error", err)
	case errors.Is(err, publisher.ErrUnrecorded):
		log.Error("store write failed, halting batch", "error", err)
	default:
		log.Error("publish halted, remaining entries retried next cycle", "error", err)
	}
}
