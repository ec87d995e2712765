// Package filter decides which candidate entries are eligible for posting.
package filter

import (
	"fmt"
	"sort"
	"time"

	"skyfeed/internal/model"
)

// PostedFunc reports whether an entry id has already been posted.
type PostedFunc func(entryID string) (bool, error)

// Result is the outcome of one filter pass.
type Result struct {
	// Eligible entries, oldest first.
	Eligible  []model.Entry
	Decisions []model.Decision
}

// Skipped counts decisions per skip reason.
func (r Result) Skipped() map[model.SkipReason]int {
	counts := make(map[model.SkipReason]int)
	for _, d := range r.Decisions {
		if d.Action == model.ActionSkip {
			counts[d.Reason]++
		}
	}
	return counts
}

// Apply returns the entries that were published at or after now-backdate and
// have not been posted yet, ordered by ascending publish time.
//
// Entries sharing an id are collapsed to the occurrence with the earliest
// publish time. Apply never writes anywhere; the only outside call it makes
// is to posted.
func Apply(entries []model.Entry, now time.Time, backdate time.Duration, posted PostedFunc) (Result, error) {
	cutoff := now.Add(-backdate)

	unique, dups := collapse(entries)

	res := Result{Decisions: dups}
	for _, e := range unique {
		if e.PublishedAt.Before(cutoff) {
			res.Decisions = append(res.Decisions, skip(e.ID, model.ReasonTooOld))
			continue
		}
		done, err := posted(e.ID)
		if err != nil {
			return Result{}, fmt.Errorf("check posted %q: %w", e.ID, err)
		}
		if done {
			res.Decisions = append(res.Decisions, skip(e.ID, model.ReasonAlreadyPosted))
			continue
		}
		res.Eligible = append(res.Eligible, e)
		res.Decisions = append(res.Decisions, model.Decision{EntryID: e.ID, Action: model.ActionPublish})
	}

	sort.SliceStable(res.Eligible, func(i, j int) bool {
		return res.Eligible[i].PublishedAt.Before(res.Eligible[j].PublishedAt)
	})
	return res, nil
}

// collapse keeps one entry per id, the one published first. Ties keep the
// occurrence that appears first in the feed.
func collapse(entries []model.Entry) ([]model.Entry, []model.Decision) {
	index := make(map[string]int, len(entries))
	unique := make([]model.Entry, 0, len(entries))
	var dups []model.Decision

	for _, e := range entries {
		i, seen := index[e.ID]
		if !seen {
			index[e.ID] = len(unique)
			unique = append(unique, e)
			continue
		}
		dups = append(dups, skip(e.ID, model.ReasonDuplicateInBatch))
		if e.PublishedAt.Before(unique[i].PublishedAt) {
			unique[i] = e
		}
	}
	return unique, dups
}

func skip(id string, reason model.SkipReason) model.Decision {
	return model.Decision{EntryID: id, Action: model.ActionSkip, Reason: reason}
}
