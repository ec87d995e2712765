package publisher

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"skyfeed/internal/model"
	"skyfeed/internal/storage"
)

var published = time.Date(2024, 5, 6, 10, 0, 0, 0, time.UTC)

type fakePoster struct {
	mu    sync.Mutex
	posts []model.Post
	fail  map[string]error
}

func (f *fakePoster) Post(_ context.Context, post model.Post) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.posts = append(f.posts, post)
	if post.Embed != nil {
		if err := f.fail[post.Embed.URL]; err != nil {
			return "", err
		}
	}
	return "at://did:plc:test/app.bsky.feed.post/" + string(rune('a'+len(f.posts))), nil
}

func (f *fakePoster) urls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, p := range f.posts {
		out = append(out, p.Embed.URL)
	}
	return out
}

type fakeImages struct {
	img *model.Image
	err error
}

func (f fakeImages) Load(context.Context, string) (*model.Image, error) {
	return f.img, f.err
}

// flakyStore fails record writes while failRecord is set.
type flakyStore struct {
	*storage.SQLite
	mu         sync.Mutex
	failRecord bool
}

func (s *flakyStore) setFail(v bool) {
	s.mu.Lock()
	s.failRecord = v
	s.mu.Unlock()
}

func (s *flakyStore) RecordPosted(ctx context.Context, rec model.EntryRecord) error {
	s.mu.Lock()
	fail := s.failRecord
	s.mu.Unlock()
	if fail {
		return errors.New("disk I/O error")
	}
	return s.SQLite.RecordPosted(ctx, rec)
}

func newTestStore(t *testing.T) *storage.SQLite {
	t.Helper()
	db, err := storage.NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func newTestPublisher(store storage.Storage, poster Poster, images ImageLoader) *Publisher {
	return New(store, poster, images, Options{Langs: []string{"en"}, DisableComments: true},
		slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func testEntry(id string) model.Entry {
	return model.Entry{
		ID:          id,
		FeedURL:     "https://example.com/feed.xml",
		URL:         "https://example.com/" + id,
		Title:       "Entry " + id,
		Summary:     "About " + id,
		PublishedAt: published,
	}
}

var feed = model.FeedSource{URL: "https://example.com/feed.xml"}

func recordedIDs(t *testing.T, store storage.Storage) []string {
	t.Helper()
	recs, err := store.ListRecords(context.Background())
	if err != nil {
		t.Fatalf("list records: %v", err)
	}
	var ids []string
	for _, r := range recs {
		ids = append(ids, r.EntryID)
	}
	return ids
}

func TestPublishHaltsOnFailure(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	poster := &fakePoster{fail: map[string]error{"https://example.com/b": errors.New("service unavailable")}}
	pub := newTestPublisher(store, poster, nil)

	entries := []model.Entry{testEntry("a"), testEntry("b"), testEntry("c")}
	report, err := pub.Publish(ctx, feed, entries)
	if err == nil {
		t.Fatal("expected error from failing post")
	}
	if diff := cmp.Diff(Report{Attempted: 2, Posted: 1, Failed: 1}, report); diff != "" {
		t.Errorf("report mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"a"}, recordedIDs(t, store)); diff != "" {
		t.Errorf("records mismatch (-want +got):\n%s", diff)
	}

	// Next cycle: the service recovered and the filter hands back b and c.
	poster.fail = nil
	report, err = pub.Publish(ctx, feed, entries[1:])
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if diff := cmp.Diff(Report{Attempted: 2, Posted: 2}, report); diff != "" {
		t.Errorf("report mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"a", "b", "c"}, recordedIDs(t, store)); diff != "" {
		t.Errorf("records mismatch (-want +got):\n%s", diff)
	}

	wantCalls := []string{
		"https://example.com/a",
		"https://example.com/b",
		"https://example.com/b",
		"https://example.com/c",
	}
	if diff := cmp.Diff(wantCalls, poster.urls()); diff != "" {
		t.Errorf("post calls mismatch (-want +got):\n%s", diff)
	}
}

func TestPublishIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	poster := &fakePoster{}
	pub := newTestPublisher(store, poster, nil)

	entries := []model.Entry{testEntry("a")}
	if _, err := pub.Publish(ctx, feed, entries); err != nil {
		t.Fatalf("first publish: %v", err)
	}
	report, err := pub.Publish(ctx, feed, entries)
	if err != nil {
		t.Fatalf("second publish: %v", err)
	}
	if diff := cmp.Diff(Report{Skipped: 1}, report); diff != "" {
		t.Errorf("report mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"https://example.com/a"}, poster.urls()); diff != "" {
		t.Errorf("post calls mismatch (-want +got):\n%s", diff)
	}
}

func TestPublishRecordFailure(t *testing.T) {
	ctx := context.Background()
	store := &flakyStore{SQLite: newTestStore(t), failRecord: true}
	poster := &fakePoster{}
	pub := newTestPublisher(store, poster, nil)

	entries := []model.Entry{testEntry("a"), testEntry("b")}
	report, err := pub.Publish(ctx, feed, entries)
	if !errors.Is(err, ErrUnrecorded) {
		t.Fatalf("expected ErrUnrecorded, got %v", err)
	}
	if diff := cmp.Diff(Report{Attempted: 1, Posted: 1}, report); diff != "" {
		t.Errorf("report mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"a"}, pub.Pending()); diff != "" {
		t.Errorf("pending mismatch (-want +got):\n%s", diff)
	}

	// The store is still failing: the batch halts before posting anything.
	if _, err := pub.Publish(ctx, feed, entries); !errors.Is(err, ErrUnrecorded) {
		t.Fatalf("expected ErrUnrecorded while store is down, got %v", err)
	}

	store.setFail(false)
	report, err = pub.Publish(ctx, feed, entries)
	if err != nil {
		t.Fatalf("publish after recovery: %v", err)
	}
	if diff := cmp.Diff(Report{Attempted: 1, Posted: 1, Skipped: 1}, report); diff != "" {
		t.Errorf("report mismatch (-want +got):\n%s", diff)
	}
	if len(pub.Pending()) != 0 {
		t.Errorf("expected no pending entries, got %v", pub.Pending())
	}
	if diff := cmp.Diff([]string{"https://example.com/a", "https://example.com/b"}, poster.urls()); diff != "" {
		t.Errorf("post calls mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"a", "b"}, recordedIDs(t, store)); diff != "" {
		t.Errorf("records mismatch (-want +got):\n%s", diff)
	}
}

func TestPublishSkipsClaimedEntries(t *testing.T) {
	store := newTestStore(t)
	poster := &fakePoster{}
	pub := newTestPublisher(store, poster, nil)
	pub.claims["a"] = "https://other.example.com/feed.xml"

	report, err := pub.Publish(context.Background(), feed, []model.Entry{testEntry("a"), testEntry("b")})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if diff := cmp.Diff(Report{Attempted: 1, Posted: 1, Skipped: 1}, report); diff != "" {
		t.Errorf("report mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"https://example.com/b"}, poster.urls()); diff != "" {
		t.Errorf("post calls mismatch (-want +got):\n%s", diff)
	}
	if _, held := pub.claims["b"]; held {
		t.Error("claim for b was not released")
	}
}

func TestPublishConcurrentFeedsPostOnce(t *testing.T) {
	store := newTestStore(t)
	poster := &fakePoster{}
	pub := newTestPublisher(store, poster, nil)

	shared := testEntry("shared")
	var wg sync.WaitGroup
	for _, url := range []string{"https://one.example.com/feed.xml", "https://two.example.com/feed.xml"} {
		wg.Add(1)
		go func(src model.FeedSource) {
			defer wg.Done()
			if _, err := pub.Publish(context.Background(), src, []model.Entry{shared}); err != nil {
				t.Errorf("publish %s: %v", src.URL, err)
			}
		}(model.FeedSource{URL: url})
	}
	wg.Wait()

	if diff := cmp.Diff([]string{"https://example.com/shared"}, poster.urls()); diff != "" {
		t.Errorf("post calls mismatch (-want +got):\n%s", diff)
	}
}

func TestPublishRendersPayload(t *testing.T) {
	thumb := &model.Image{Data: []byte{0xff, 0xd8}, MIMEType: "image/jpeg"}
	tests := []struct {
		name   string
		feed   model.FeedSource
		images ImageLoader
		entry  func() model.Entry
		want   model.Post
	}{
		{
			name:   "default languages and thumbnail",
			feed:   feed,
			images: fakeImages{img: thumb},
			entry: func() model.Entry {
				e := testEntry("a")
				e.ImageURL = "https://example.com/a.png"
				return e
			},
			want: model.Post{
				Text:            "Entry a - https://example.com/a",
				Langs:           []string{"en"},
				CreatedAt:       published,
				DisableComments: true,
				Embed: &model.LinkCard{
					URL:         "https://example.com/a",
					Title:       "Entry a",
					Description: "About a",
					Thumb:       thumb,
				},
			},
		},
		{
			name:   "feed locale and failing image",
			feed:   model.FeedSource{URL: feed.URL, Locale: "de"},
			images: fakeImages{err: errors.New("unexpected status 404")},
			entry: func() model.Entry {
				e := testEntry("b")
				e.ImageURL = "https://example.com/missing.png"
				e.Summary = strings.Repeat("x", 400)
				return e
			},
			want: model.Post{
				Text:            "Entry b - https://example.com/b",
				Langs:           []string{"de"},
				CreatedAt:       published,
				DisableComments: true,
				Embed: &model.LinkCard{
					URL:         "https://example.com/b",
					Title:       "Entry b",
					Description: strings.Repeat("x", 299) + "…",
				},
			},
		},
		{
			name:   "no loader",
			feed:   feed,
			images: nil,
			entry: func() model.Entry {
				e := testEntry("c")
				e.ImageURL = "https://example.com/c.png"
				return e
			},
			want: model.Post{
				Text:            "Entry c - https://example.com/c",
				Langs:           []string{"en"},
				CreatedAt:       published,
				DisableComments: true,
				Embed: &model.LinkCard{
					URL:         "https://example.com/c",
					Title:       "Entry c",
					Description: "About c",
				},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			poster := &fakePoster{}
			pub := newTestPublisher(newTestStore(t), poster, tt.images)
			if _, err := pub.Publish(context.Background(), tt.feed, []model.Entry{tt.entry()}); err != nil {
				t.Fatalf("publish: %v", err)
			}
			if diff := cmp.Diff([]model.Post{tt.want}, poster.posts); diff != "" {
				t.Errorf("post mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestPublishRateLimit(t *testing.T) {
	poster := &fakePoster{}
	pub := New(newTestStore(t), poster, nil, Options{Interval: 50 * time.Millisecond},
		slog.New(slog.NewTextHandler(io.Discard, nil)))

	start := time.Now()
	if _, err := pub.Publish(context.Background(), feed, []model.Entry{testEntry("a"), testEntry("b"), testEntry("c")}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 100*time.Millisecond {
		t.Errorf("expected posts to be spaced out, took %v", elapsed)
	}
}

func TestPublishCancelled(t *testing.T) {
	poster := &fakePoster{}
	pub := newTestPublisher(newTestStore(t), poster, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := pub.Publish(ctx, feed, []model.Entry{testEntry("a")})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if len(poster.urls()) != 0 {
		t.Errorf("expected no posts, got %v", poster.urls())
	}
}

// cancellingPoster cancels the batch context once the post has been created.
type cancellingPoster struct {
	fakePoster
	cancel context.CancelFunc
}

func (c *cancellingPoster) Post(ctx context.Context, post model.Post) (string, error) {
	uri, err := c.fakePoster.Post(ctx, post)
	c.cancel()
	return uri, err
}

func TestPublishRecordsAfterCancel(t *testing.T) {
	store := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	poster := &cancellingPoster{cancel: cancel}
	pub := newTestPublisher(store, poster, nil)

	report, err := pub.Publish(ctx, feed, []model.Entry{testEntry("a"), testEntry("b")})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if diff := cmp.Diff(Report{Attempted: 1, Posted: 1}, report); diff != "" {
		t.Errorf("report mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"a"}, recordedIDs(t, store)); diff != "" {
		t.Errorf("records mismatch (-want +got):\n%s", diff)
	}
	if len(pub.Pending()) != 0 {
		t.Errorf("expected no pending entries, got %v", pub.Pending())
	}
}

func TestPublishFlushesPendingAfterCancel(t *testing.T) {
	store := &flakyStore{SQLite: newTestStore(t), failRecord: true}
	pub := newTestPublisher(store, &fakePoster{}, nil)

	if _, err := pub.Publish(context.Background(), feed, []model.Entry{testEntry("a")}); !errors.Is(err, ErrUnrecorded) {
		t.Fatalf("expected ErrUnrecorded, got %v", err)
	}
	store.setFail(false)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := pub.Publish(ctx, feed, []model.Entry{testEntry("b")}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if len(pub.Pending()) != 0 {
		t.Errorf("expected no pending entries, got %v", pub.Pending())
	}
	if diff := cmp.Diff([]string{"a"}, recordedIDs(t, store)); diff != "" {
		t.Errorf("records mismatch (-want +got):\n%s", diff)
	}
}
