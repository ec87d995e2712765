// Package storage defines the persistence interface and its implementations.
package storage

import (
	"context"
	"errors"

	"skyfeed/internal/model"
)

// ErrAlreadyRecorded is returned by RecordPosted when the entry id already
// has a record.
var ErrAlreadyRecorded = errors.New("entry already recorded")

// Storage is the interface for all persistence operations. Implementations
// must be safe for concurrent use by multiple feed tasks.
type Storage interface {
	HasPosted(ctx context.Context, entryID string) (bool, error)
	RecordPosted(ctx context.Context, rec model.EntryRecord) error
	ListRecords(ctx context.Context) ([]model.EntryRecord, error)

	Close() error
}
