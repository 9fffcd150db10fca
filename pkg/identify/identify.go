// Package identify recognizes a libc by its build-id.
package identify

import (
	"fmt"

	"github.com/elwinar/bowkin"
	"github.com/elwinar/bowkin/pkg/elfx"
	"github.com/inconshreveable/log15"
)

// Index is the part of the catalog used for identification.
type Index interface {
	QueryByBuildID(id string) ([]bowkin.LibcRecord, error)
}

// Identification is the outcome of Identify.
type Identification struct {
	// BuildID of the file, empty if Present is false.
	BuildID string `json:"build_id"`
	// Present is false when the file has no build-id, in which case the
	// catalog isn't queried.
	Present bool `json:"present"`
	// Records with the same build-id, ordered by location.
	Records []bowkin.LibcRecord `json:"records"`
}

// Service identifies files against an index.
type Service struct {
	index Index
	log   log15.Logger
}

// NewService returns a Service querying the given index.
func NewService(index Index, log log15.Logger) *Service {
	if log == nil {
		log = log15.New()
		log.SetHandler(log15.DiscardHandler())
	}
	return &Service{
		index: index,
		log:   log,
	}
}

// Identify extracts the build-id of the file at path and returns the records
// sharing it.
func (s *Service) Identify(path string) (Identification, error) {
	id, ok, err := elfx.BuildID(path)
	if err != nil {
		return Identification{}, err
	}

	if !ok {
		s.log.Info("no build-id", "path", path)
		return Identification{Present: false}, nil
	}

	records, err := s.index.QueryByBuildID(id)
	if err != nil {
		return Identification{}, fmt.Errorf("querying build-id %s: %w", id, err)
	}

	s.log.Debug("identified", "path", path, "build_id", id, "records", len(records))
	return Identification{
		BuildID: id,
		Present: true,
		Records: records,
	}, nil
}
