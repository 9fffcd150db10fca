package catalog

import (
	"fmt"

	"github.com/elwinar/bowkin"
)

// Store is the persistent index of the catalog.
type Store interface {
	// Replace the whole set of records in one step: readers see either
	// the previous set or the new one.
	Replace(records []bowkin.LibcRecord) error
	// QueryByBuildID returns the records with the given build-id,
	// ordered by location.
	QueryByBuildID(id string) ([]bowkin.LibcRecord, error)
	// Each calls fn for every record, ordered by location, and stops at
	// the first error.
	Each(fn func(bowkin.LibcRecord) error) error
	// Close the store.
	Close() error
}

// Backends.
const (
	BackendBleve  = "bleve"
	BackendSQLite = "sqlite"
)

// OpenStore opens the index at path with the given backend.
func OpenStore(backend, path string) (Store, error) {
	switch backend {
	case BackendBleve:
		return NewBleveStore(path)
	case BackendSQLite:
		return NewSQLiteStore(path)
	default:
		return nil, fmt.Errorf("unknown catalog backend %q", backend)
	}
}

// wrap an error using the provided message and arguments.
func wrap(err error, msg string, args ...interface{}) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(msg, args...), err)
}
