package publisher

import (
	"context"
	"strings"

	"github.com/rivo/uniseg"

	"skyfeed/internal/model"
)

const (
	// MaxPostGraphemes is the posting service's text limit.
	MaxPostGraphemes = 300
	// MaxDescriptionGraphemes caps the link card description.
	MaxDescriptionGraphemes = 300

	ellipsis  = "…"
	separator = " - "
)

func (p *Publisher) render(ctx context.Context, feed model.FeedSource, e model.Entry) model.Post {
	post := model.Post{
		Text:            PostText(e.Title, e.URL),
		Langs:           p.langs(feed),
		CreatedAt:       e.PublishedAt,
		DisableComments: p.opts.DisableComments,
	}
	if e.URL == "" {
		return post
	}

	post.Embed = &model.LinkCard{
		URL:         e.URL,
		Title:       e.Title,
		Description: limit(e.Summary, MaxDescriptionGraphemes),
	}
	if p.images != nil && e.ImageURL != "" {
		img, err := p.images.Load(ctx, e.ImageURL)
		if err != nil {
			p.log.Warn("load thumbnail, posting without it", "feed", feed.URL, "entry_id", e.ID, "image", e.ImageURL, "error", err)
		} else {
			post.Embed.Thumb = img
		}
	}
	return post
}

func (p *Publisher) langs(feed model.FeedSource) []string {
	if feed.Locale != "" {
		return []string{feed.Locale}
	}
	return append([]string(nil), p.opts.Langs...)
}

// PostText renders "title - url" within MaxPostGraphemes. When the text is
// too long the title is shortened so the URL stays intact; if even the URL
// does not fit, the whole text is cut.
func PostText(title, url string) string {
	title = strings.TrimSpace(title)
	switch {
	case url == "":
		return limit(title, MaxPostGraphemes)
	case title == "":
		return limit(url, MaxPostGraphemes)
	}

	full := title + separator + url
	if uniseg.GraphemeClusterCount(full) <= MaxPostGraphemes {
		return full
	}

	budget := MaxPostGraphemes - uniseg.GraphemeClusterCount(separator+url) - 1
	if budget > 0 {
		short := strings.TrimRight(truncate(title, budget), " ")
		if short != "" {
			return short + ellipsis + separator + url
		}
	}
	return limit(full, MaxPostGraphemes)
}

// limit returns s unchanged if it has at most n grapheme clusters, otherwise
// its first n-1 clusters followed by an ellipsis.
func limit(s string, n int) string {
	if uniseg.GraphemeClusterCount(s) <= n {
		return s
	}
	return truncate(s, n-1) + ellipsis
}

// truncate returns the first n grapheme clusters of s.
func truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	g := uniseg.NewGraphemes(s)
	end, count := 0, 0
	for count < n && g.Next() {
		_, end = g.Positions()
		count++
	}
	return s[:end]
}
