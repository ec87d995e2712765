// Package fetcher downloads RSS/Atom feeds and normalises their items into
// candidate entries.
package fetcher

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"html"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/microcosm-cc/bluemonday"
	"github.com/mmcdole/gofeed"

	"skyfeed/internal/model"
)

const (
	userAgent   = "skyfeed/1.0 (+https://github.com/skyfeed/skyfeed)"
	maxBodySize = 5 * 1024 * 1024
)

// HTTPClient is the interface for performing HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// ErrorKind classifies fetch failures. Every kind is transient for the
// caller: it aborts only the current cycle of one feed.
type ErrorKind string

// Supported error kinds.
const (
	KindNetwork ErrorKind = "network"
	KindHTTP    ErrorKind = "http"
	KindParse   ErrorKind = "parse"
)

// Error is returned by Fetch.
type Error struct {
	Kind   ErrorKind
	URL    string
	Status int
	Err    error
}

func (e *Error) Error() string {
	if e.Kind == KindHTTP {
		return fmt.Sprintf("fetch %s: unexpected status %d", e.URL, e.Status)
	}
	return fmt.Sprintf("fetch %s: %s: %v", e.URL, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the kind of a fetch error, or "" if err is not one.
func KindOf(err error) ErrorKind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}

// Fetcher downloads and parses feeds.
type Fetcher struct {
	client   HTTPClient
	timeout  time.Duration
	now      func() time.Time
	log      *slog.Logger
	sanitize *bluemonday.Policy
}

// New creates a Fetcher with the given HTTP client.
func New(client HTTPClient, log *slog.Logger) *Fetcher {
	return &Fetcher{
		client:   client,
		timeout:  30 * time.Second,
		now:      time.Now,
		log:      log,
		sanitize: bluemonday.StrictPolicy(),
	}
}

// SetClock overrides the time source used for entries without a date.
func (f *Fetcher) SetClock(now func() time.Time) {
	f.now = now
}

// Fetch downloads the feed and returns its entries in feed order.
func (f *Fetcher) Fetch(ctx context.Context, source model.FeedSource) ([]model.Entry, error) {
	feed, err := f.download(ctx, source.URL)
	if err != nil {
		return nil, err
	}

	fetchedAt := f.now().UTC()
	entries := make([]model.Entry, 0, len(feed.Items))
	for _, item := range feed.Items {
		if item == nil {
			continue
		}
		entry := f.normalize(item, source.URL)
		if entry.PublishedAt.IsZero() {
			f.log.Warn("entry has no date, using fetch time",
				"feed", source.URL, "entry_id", entry.ID)
			entry.PublishedAt = fetchedAt
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (f *Fetcher) download(ctx context.Context, feedURL string) (*gofeed.Feed, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, feedURL, nil)
	if err != nil {
		return nil, &Error{Kind: KindNetwork, URL: feedURL, Err: fmt.Errorf("create request: %w", err)}
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/rss+xml, application/atom+xml, application/xml;q=0.9, */*;q=0.8")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, &Error{Kind: KindNetwork, URL: feedURL, Err: fmt.Errorf("http get: %w", err)}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, &Error{Kind: KindHTTP, URL: feedURL, Status: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, &Error{Kind: KindNetwork, URL: feedURL, Err: fmt.Errorf("read body: %w", err)}
	}

	parser := gofeed.NewParser()
	feed, err := parser.ParseString(string(body))
	if err != nil {
		return nil, &Error{Kind: KindParse, URL: feedURL, Err: fmt.Errorf("parse feed: %w", err)}
	}
	return feed, nil
}

func (f *Fetcher) normalize(item *gofeed.Item, feedURL string) model.Entry {
	link := entryLink(item)

	summary := item.Description
	if summary == "" {
		summary = item.Content
	}

	entry := model.Entry{
		ID:       EntryID(item, feedURL),
		FeedURL:  feedURL,
		URL:      link,
		Title:    f.plainText(item.Title),
		Summary:  f.plainText(summary),
		ImageURL: imageURL(item, link),
	}
	switch {
	case item.PublishedParsed != nil:
		entry.PublishedAt = item.PublishedParsed.UTC()
	case item.UpdatedParsed != nil:
		entry.PublishedAt = item.UpdatedParsed.UTC()
	}
	return entry
}

// plainText strips markup and collapses whitespace.
func (f *Fetcher) plainText(s string) string {
	if s == "" {
		return ""
	}
	text := html.UnescapeString(f.sanitize.Sanitize(s))
	return strings.Join(strings.Fields(text), " ")
}

// EntryID returns the stable identifier of a feed item: its GUID, else its
// link, else a SHA-256 hash of title and feed URL.
func EntryID(item *gofeed.Item, feedURL string) string {
	if guid := strings.TrimSpace(item.GUID); guid != "" {
		return guid
	}
	if link := entryLink(item); link != "" {
		return link
	}
	h := sha256.Sum256([]byte(item.Title + "|" + feedURL))
	return fmt.Sprintf("sha256:%x", h[:16])
}

// entryLink is the item's link, falling back to the first non-empty entry
// of its link list.
func entryLink(item *gofeed.Item) string {
	if link := strings.TrimSpace(item.Link); link != "" {
		return link
	}
	for _, l := range item.Links {
		if l = strings.TrimSpace(l); l != "" {
			return l
		}
	}
	return ""
}

func imageURL(item *gofeed.Item, base string) string {
	if item.Image != nil && item.Image.URL != "" {
		return resolve(base, item.Image.URL)
	}
	for _, enc := range item.Enclosures {
		if enc != nil && enc.URL != "" && strings.HasPrefix(enc.Type, "image/") {
			return resolve(base, enc.URL)
		}
	}
	if media, ok := item.Extensions["media"]; ok {
		for _, name := range []string{"thumbnail", "content"} {
			for _, ext := range media[name] {
				u := ext.Attrs["url"]
				if u == "" {
					continue
				}
				if medium := ext.Attrs["medium"]; name == "content" && medium != "" && medium != "image" {
					continue
				}
				return resolve(base, u)
			}
		}
	}
	for _, s := range []string{item.Content, item.Description} {
		if src := firstImage(s); src != "" {
			return resolve(base, src)
		}
	}
	return ""
}

func firstImage(s string) string {
	if !strings.Contains(s, "<img") {
		return ""
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(s))
	if err != nil {
		return ""
	}
	src, _ := doc.Find("img[src]").First().Attr("src")
	return strings.TrimSpace(src)
}

func resolve(base, ref string) string {
	r, err := url.Parse(ref)
	if err != nil {
		return ""
	}
	if r.IsAbs() {
		return r.String()
	}
	b, err := url.Parse(base)
	if err != nil || !b.IsAbs() {
		return ""
	}
	return b.ResolveReference(r).String()
}
