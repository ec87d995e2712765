// Package model defines the domain types used across the application.
package model

import "time"

// FeedSource identifies one subscribed feed. It is built from configuration
// at startup and never changes afterwards.
type FeedSource struct {
	URL string
	// Locale is an optional ISO-639-1 tag. When set it replaces the default
	// post languages for entries of this feed.
	Locale string
}

// Entry is a candidate feed entry produced by a single poll cycle.
type Entry struct {
	ID          string
	FeedURL     string
	URL         string
	Title       string
	Summary     string
	ImageURL    string
	PublishedAt time.Time
}

// EntryRecord is the persistent proof that an entry has been posted.
type EntryRecord struct {
	EntryID     string
	FeedURL     string
	PostURI     string
	PublishedAt time.Time
	PostedAt    time.Time
}

// Action is the verdict of the filter for a single entry.
type Action string

// Supported actions.
const (
	ActionPublish Action = "publish"
	ActionSkip    Action = "skip"
)

// SkipReason explains why an entry was not selected for publishing.
type SkipReason string

// Supported skip reasons.
const (
	ReasonNone             SkipReason = ""
	ReasonAlreadyPosted    SkipReason = "already_posted"
	ReasonTooOld           SkipReason = "too_old"
	ReasonDuplicateInBatch SkipReason = "duplicate_in_batch"
)

// Decision records the filter verdict for one entry.
type Decision struct {
	EntryID string
	Action  Action
	Reason  SkipReason
}

// Post is the rendered payload handed to the posting service.
type Post struct {
	Text            string
	Langs           []string
	CreatedAt       time.Time
	DisableComments bool
	Embed           *LinkCard
}

// LinkCard is the external link preview attached to a post.
type LinkCard struct {
	URL         string
	Title       string
	Description string
	Thumb       *Image
}

// Image is an encoded image ready for upload.
type Image struct {
	Data     []byte
	MIMEType string
}
