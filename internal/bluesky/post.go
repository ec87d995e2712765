package bluesky

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"skyfeed/internal/model"
)

// Lexicon identifiers used by the poster.
const (
	CollectionPost       = "app.bsky.feed.post"
	CollectionThreadgate = "app.bsky.feed.threadgate"

	typeExternalEmbed = "app.bsky.embed.external"
	typeLinkFacet     = "app.bsky.richtext.facet#link"
)

const createdAtLayout = "2006-01-02T15:04:05.000Z"

const threadgateTimeout = 15 * time.Second

type postRecord struct {
	Type      string         `json:"$type"`
	Text      string         `json:"text"`
	CreatedAt string         `json:"createdAt"`
	Langs     []string       `json:"langs,omitempty"`
	Facets    []facet        `json:"facets,omitempty"`
	Embed     *externalEmbed `json:"embed,omitempty"`
}

type facet struct {
	Index    facetIndex     `json:"index"`
	Features []facetFeature `json:"features"`
}

type facetIndex struct {
	ByteStart int `json:"byteStart"`
	ByteEnd   int `json:"byteEnd"`
}

type facetFeature struct {
	Type string `json:"$type"`
	URI  string `json:"uri"`
}

type externalEmbed struct {
	Type     string   `json:"$type"`
	External external `json:"external"`
}

type external struct {
	URI         string          `json:"uri"`
	Title       string          `json:"title"`
	Description string          `json:"description"`
	Thumb       json.RawMessage `json:"thumb,omitempty"`
}

type threadgateRecord struct {
	Type      string     `json:"$type"`
	Post      string     `json:"post"`
	Allow     []struct{} `json:"allow"`
	CreatedAt string     `json:"createdAt"`
}

// Poster publishes posts for the account held by a SessionManager.
type Poster struct {
	client   *Client
	sessions *SessionManager
	log      *slog.Logger
	now      func() time.Time
}

// NewPoster creates a Poster.
func NewPoster(client *Client, sessions *SessionManager, log *slog.Logger) *Poster {
	return &Poster{
		client:   client,
		sessions: sessions,
		log:      log,
		now:      time.Now,
	}
}

// Post creates the post and returns its AT-URI.
//
// Thumbnail upload and the reply-disabling threadgate are best effort: their
// failures are logged and never turn a created post into an error.
func (p *Poster) Post(ctx context.Context, post model.Post) (string, error) {
	sess, err := p.sessions.Session(ctx)
	if err != nil {
		return "", err
	}

	record := postRecord{
		Type:      CollectionPost,
		Text:      post.Text,
		CreatedAt: post.CreatedAt.UTC().Format(createdAtLayout),
		Langs:     post.Langs,
		Facets:    linkFacets(post.Text),
	}
	if post.CreatedAt.IsZero() {
		record.CreatedAt = p.now().UTC().Format(createdAtLayout)
	}

	if card := post.Embed; card != nil {
		record.Embed = &externalEmbed{
			Type: typeExternalEmbed,
			External: external{
				URI:         card.URL,
				Title:       card.Title,
				Description: card.Description,
			},
		}
		if card.Thumb != nil {
			blob, err := p.client.UploadBlob(ctx, sess.AccessJwt, *card.Thumb)
			if err != nil {
				p.log.Warn("upload thumbnail, posting without it", "url", card.URL, "error", err)
			} else {
				record.Embed.External.Thumb = blob
			}
		}
	}

	ref, err := p.client.CreateRecord(ctx, sess.AccessJwt, sess.DID, CollectionPost, "", record)
	if err != nil {
		if KindOf(err) == KindAuth {
			p.sessions.Invalidate()
		}
		return "", fmt.Errorf("create post: %w", err)
	}

	if post.DisableComments {
		// The post already exists, so the gate is created even if ctx was
		// cancelled meanwhile.
		gateCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), threadgateTimeout)
		defer cancel()
		if err := p.disableReplies(gateCtx, sess, ref.URI); err != nil {
			p.log.Warn("post created but replies are still open", "uri", ref.URI, "error", err)
		}
	}
	return ref.URI, nil
}

func (p *Poster) disableReplies(ctx context.Context, sess Session, postURI string) error {
	i := strings.LastIndex(postURI, "/")
	if i < 0 || i == len(postURI)-1 {
		return fmt.Errorf("no record key in %q", postURI)
	}
	gate := threadgateRecord{
		Type:      CollectionThreadgate,
		Post:      postURI,
		Allow:     []struct{}{},
		CreatedAt: p.now().UTC().Format(createdAtLayout),
	}
	if _, err := p.client.CreateRecord(ctx, sess.AccessJwt, sess.DID, CollectionThreadgate, postURI[i+1:], gate); err != nil {
		return fmt.Errorf("create threadgate: %w", err)
	}
	return nil
}

var urlPattern = regexp.MustCompile(`https?://[^\s<>"]+`)

// linkFacets marks every URL in text as a link. Offsets are UTF-8 byte
// positions as the lexicon requires.
func linkFacets(text string) []facet {
	var facets []facet
	for _, loc := range urlPattern.FindAllStringIndex(text, -1) {
		start, end := loc[0], loc[1]
		end = start + len(strings.TrimRight(text[start:end], ".,;:!?)]}'…"))
		if end <= start {
			continue
		}
		facets = append(facets, facet{
			Index:    facetIndex{ByteStart: start, ByteEnd: end},
			Features: []facetFeature{{Type: typeLinkFacet, URI: text[start:end]}},
		})
	}
	return facets
}
