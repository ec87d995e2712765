// Package publisher turns eligible entries into posts, one at a time, and
// records every successful post before moving on.
package publisher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"skyfeed/internal/metrics"
	"skyfeed/internal/model"
	"skyfeed/internal/storage"
)

// ErrUnrecorded is returned when a post succeeded but its record could not be
// written. The entry is held in memory so this process never posts it again.
var ErrUnrecorded = errors.New("posted but unrecorded")

// recordTimeout bounds a record write. The write ignores cancellation of the
// batch context: once a post exists it must be recorded even during shutdown.
const recordTimeout = 10 * time.Second

// Poster is the interface for the posting service.
type Poster interface {
	Post(ctx context.Context, post model.Post) (string, error)
}

// ImageLoader fetches and prepares link card thumbnails.
type ImageLoader interface {
	Load(ctx context.Context, url string) (*model.Image, error)
}

// Options controls how posts are rendered and paced.
type Options struct {
	// Langs are used for feeds without a locale.
	Langs           []string
	DisableComments bool
	// Interval is the minimum spacing between two posts across all feeds.
	Interval time.Duration
}

// Report summarizes one Publish call.
type Report struct {
	Attempted int
	Posted    int
	Failed    int
	Skipped   int
}

// Publisher is shared by all feed tasks.
type Publisher struct {
	store   storage.Storage
	poster  Poster
	images  ImageLoader
	limiter *rate.Limiter
	opts    Options
	log     *slog.Logger
	now     func() time.Time

	mu      sync.Mutex
	pending map[string]model.EntryRecord
	claims  map[string]string
}

// New creates a Publisher. images may be nil, in which case posts never carry
// a thumbnail.
func New(store storage.Storage, poster Poster, images ImageLoader, opts Options, log *slog.Logger) *Publisher {
	limit := rate.Inf
	if opts.Interval > 0 {
		limit = rate.Every(opts.Interval)
	}
	return &Publisher{
		store:   store,
		poster:  poster,
		images:  images,
		limiter: rate.NewLimiter(limit, 1),
		opts:    opts,
		log:     log,
		now:     time.Now,
		pending: make(map[string]model.EntryRecord),
		claims:  make(map[string]string),
	}
}

// Publish posts entries in the given order. It stops at the first entry that
// cannot be posted or recorded and returns the error; entries after it are
// left for the next cycle.
func (p *Publisher) Publish(ctx context.Context, feed model.FeedSource, entries []model.Entry) (Report, error) {
	var report Report

	if err := p.flushPending(ctx); err != nil {
		return report, err
	}

	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		ok, err := p.claim(ctx, feed, e)
		if err != nil {
			return report, err
		}
		if !ok {
			report.Skipped++
			continue
		}

		report.Attempted++
		err = p.publishOne(ctx, feed, e)
		p.release(e.ID)

		switch {
		case err == nil:
			report.Posted++
		case errors.Is(err, ErrUnrecorded):
			report.Posted++
			return report, err
		default:
			report.Failed++
			return report, err
		}
	}
	return report, nil
}

// Pending returns the ids that were posted but are not yet recorded.
func (p *Publisher) Pending() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.pending))
	for id := range p.pending {
		ids = append(ids, id)
	}
	return ids
}

func (p *Publisher) publishOne(ctx context.Context, feed model.FeedSource, e model.Entry) error {
	log := p.log.With("feed", feed.URL, "entry_id", e.ID)

	post := p.render(ctx, feed, e)

	if err := p.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("wait for post slot: %w", err)
	}

	start := time.Now()
	uri, err := p.poster.Post(ctx, post)
	if err != nil {
		metrics.RecordPost(feed.URL, "error", time.Since(start))
		return fmt.Errorf("post %q: %w", e.ID, err)
	}
	metrics.RecordPost(feed.URL, "ok", time.Since(start))
	log.Info("posted entry", "uri", uri, "title", e.Title)

	rec := model.EntryRecord{
		EntryID:     e.ID,
		FeedURL:     feed.URL,
		PostURI:     uri,
		PublishedAt: e.PublishedAt,
		PostedAt:    p.now(),
	}
	err = p.record(ctx, rec)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, storage.ErrAlreadyRecorded):
		log.Warn("entry was recorded concurrently", "uri", uri)
		return nil
	}

	p.mu.Lock()
	p.pending[e.ID] = rec
	n := len(p.pending)
	p.mu.Unlock()
	metrics.SetPending(n)

	log.Error("posted but unrecorded, entry may be reposted after a restart", "uri", uri, "error", err)
	return fmt.Errorf("%w: entry %q: %w", ErrUnrecorded, e.ID, err)
}

// claim reserves an entry for this feed task. It reports false when the
// entry is pending, held by another feed or already recorded.
func (p *Publisher) claim(ctx context.Context, feed model.FeedSource, e model.Entry) (bool, error) {
	p.mu.Lock()
	if _, ok := p.pending[e.ID]; ok {
		p.mu.Unlock()
		p.log.Debug("entry awaiting record write", "feed", feed.URL, "entry_id", e.ID)
		return false, nil
	}
	if owner, ok := p.claims[e.ID]; ok {
		p.mu.Unlock()
		p.log.Info("entry is being published by another feed", "feed", feed.URL, "entry_id", e.ID, "owner", owner)
		return false, nil
	}
	p.claims[e.ID] = feed.URL
	p.mu.Unlock()

	// Another feed may have posted the same id since this batch was filtered.
	posted, err := p.store.HasPosted(ctx, e.ID)
	if err != nil {
		p.release(e.ID)
		return false, fmt.Errorf("check posted %q: %w", e.ID, err)
	}
	if posted {
		p.release(e.ID)
		p.log.Info("entry already posted by another feed", "feed", feed.URL, "entry_id", e.ID)
		return false, nil
	}
	return true, nil
}

func (p *Publisher) record(ctx context.Context, rec model.EntryRecord) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()
	return p.store.RecordPosted(ctx, rec)
}

func (p *Publisher) release(id string) {
	p.mu.Lock()
	delete(p.claims, id)
	p.mu.Unlock()
}

// flushPending retries record writes left over from earlier batches.
func (p *Publisher) flushPending(ctx context.Context) error {
	p.mu.Lock()
	recs := make([]model.EntryRecord, 0, len(p.pending))
	for _, rec := range p.pending {
		recs = append(recs, rec)
	}
	p.mu.Unlock()

	if len(recs) == 0 {
		return nil
	}

	var failed error
	for _, rec := range recs {
		err := p.record(ctx, rec)
		if err != nil && !errors.Is(err, storage.ErrAlreadyRecorded) {
			p.log.Error("retry record write", "entry_id", rec.EntryID, "error", err)
			if failed == nil {
				failed = fmt.Errorf("%w: entry %q: %w", ErrUnrecorded, rec.EntryID, err)
			}
			continue
		}
		p.mu.Lock()
		delete(p.pending, rec.EntryID)
		p.mu.Unlock()
		p.log.Info("recorded pending entry", "entry_id", rec.EntryID, "uri", rec.PostURI)
	}

	p.mu.Lock()
	n := len(p.pending)
	p.mu.Unlock()
	metrics.SetPending(n)
	return failed
}
