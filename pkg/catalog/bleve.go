package catalog

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/blevesearch/bleve"
	"github.com/blevesearch/bleve/analysis/analyzer/keyword"
	"github.com/blevesearch/bleve/mapping"
	"github.com/blevesearch/bleve/search/query"
	"github.com/elwinar/bowkin"
	"github.com/rs/xid"
	structmapper "gopkg.in/anexia-it/go-structmapper.v1"
)

// bleveBatchSize is the number of documents per batch on rebuild and per page
// on scans.
const bleveBatchSize = 256

// BleveStore keeps the records in a bleve index.
//
// The index is never modified in place: each Replace builds a new generation
// in a directory next to the index path, then atomically points the index
// path, a symlink, to it.
type BleveStore struct {
	// path of the symlink to the current generation.
	path string

	// index is the current generation, opened read-only. It is nil when
	// the catalog was never built.
	index bleve.Index

	// the mapper is used to convert between the LibcRecord struct and the
	// map[string]interface{} used internally by the bleve index.
	mapper *structmapper.Mapper
}

// compile-time check that the BleveStore actually implements the Store
// interface.
var _ Store = new(BleveStore)

// NewBleveStore opens the bleve index at path, if it exists.
func NewBleveStore(path string) (*BleveStore, error) {
	// Initialize the structmapper to use the JSON tag. This avoid having
	// to re-define every field with yet another tag.
	mapper, err := structmapper.NewMapper(structmapper.OptionTagName("json"))
	if err != nil {
		return nil, wrap(err, `initializing mapper`)
	}

	s := &BleveStore{
		path:   path,
		mapper: mapper,
	}

	_, err = os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, wrap(err, `checking for index`)
	}

	s.index, err = openReadOnly(path)
	if err != nil {
		return nil, err
	}

	return s, nil
}

func openReadOnly(path string) (bleve.Index, error) {
	index, err := bleve.OpenUsing(path, map[string]interface{}{
		"read_only": true,
	})
	if err != nil {
		return nil, wrap(err, `opening index`)
	}
	return index, nil
}

// recordMapping returns the index mapping for records: every field is a
// single keyword, matched and sorted as is.
func recordMapping() *mapping.IndexMappingImpl {
	m := bleve.NewIndexMapping()
	m.DefaultAnalyzer = keyword.Name
	return m
}

// Replace builds a new generation of the index with the given records and
// swaps it in place of the current one.
func (s *BleveStore) Replace(records []bowkin.LibcRecord) error {
	generation := fmt.Sprintf("%s.gen-%s", s.path, xid.New().String())

	index, err := bleve.New(generation, recordMapping())
	if err != nil {
		return wrap(err, `creating index generation`)
	}

	err = s.fill(index, records)
	cerr := index.Close()
	if err == nil {
		err = cerr
	}
	if err != nil {
		os.RemoveAll(generation)
		return err
	}

	// Renaming a symlink over another is atomic, renaming a directory
	// over a non-empty one isn't possible.
	next := s.path + ".next"
	os.Remove(next)
	err = os.Symlink(filepath.Base(generation), next)
	if err != nil {
		os.RemoveAll(generation)
		return wrap(err, `linking index generation`)
	}

	err = os.Rename(next, s.path)
	if err != nil {
		os.Remove(next)
		os.RemoveAll(generation)
		return wrap(err, `swapping index generation`)
	}

	if s.index != nil {
		s.index.Close()
	}

	s.index, err = openReadOnly(s.path)
	if err != nil {
		return err
	}

	return s.prune(generation)
}

func (s *BleveStore) fill(index bleve.Index, records []bowkin.LibcRecord) error {
	batch := index.NewBatch()
	for _, r := range records {
		m, err := s.mapper.ToMap(r)
		if err != nil {
			return wrap(err, `mapping record %s`, r.Location)
		}

		err = batch.Index(r.Location, m)
		if err != nil {
			return wrap(err, `indexing record %s`, r.Location)
		}

		if batch.Size() >= bleveBatchSize {
			err = index.Batch(batch)
			if err != nil {
				return wrap(err, `writing batch`)
			}
			batch = index.NewBatch()
		}
	}

	err := index.Batch(batch)
	if err != nil {
		return wrap(err, `writing batch`)
	}
	return nil
}

// prune removes the generations other than the current one.
func (s *BleveStore) prune(current string) error {
	generations, err := filepath.Glob(s.path + ".gen-*")
	if err != nil {
		return wrap(err, `listing index generations`)
	}

	for _, g := range generations {
		if g == current {
			continue
		}
		err := os.RemoveAll(g)
		if err != nil {
			return wrap(err, `removing index generation %s`, g)
		}
	}
	return nil
}

// QueryByBuildID implements Store.
func (s *BleveStore) QueryByBuildID(id string) ([]bowkin.LibcRecord, error) {
	if s.index == nil {
		return nil, bowkin.ErrCatalogUnavailable
	}

	if id == "" {
		return nil, nil
	}

	q := bleve.NewTermQuery(id)
	q.SetField("build_id")

	var records []bowkin.LibcRecord
	err := s.search(q, func(r bowkin.LibcRecord) error {
		records = append(records, r)
		return nil
	})
	if err != nil {
		return nil, wrap(err, `searching for build-id %s`, id)
	}
	return records, nil
}

// Each implements Store.
func (s *BleveStore) Each(fn func(bowkin.LibcRecord) error) error {
	if s.index == nil {
		return bowkin.ErrCatalogUnavailable
	}

	return s.search(bleve.NewMatchAllQuery(), fn)
}

// search pages through the results of the query, ordered by document id,
// which is the location of the record.
func (s *BleveStore) search(q query.Query, fn func(bowkin.LibcRecord) error) error {
	for from := 0; ; from += bleveBatchSize {
		req := bleve.NewSearchRequestOptions(q, bleveBatchSize, from, false)
		req.Fields = []string{"*"}
		req.SortBy([]string{"_id"})

		res, err := s.index.Search(req)
		if err != nil {
			return wrap(err, `searching records`)
		}

		for _, d := range res.Hits {
			var r bowkin.LibcRecord
			err := s.mapper.ToStruct(d.Fields, &r)
			if err != nil {
				return wrap(err, `mapping result to record`)
			}
			// The location is the document id, keep it even if the
			// stored field is missing.
			r.Location = d.ID

			err = fn(r)
			if err != nil {
				return err
			}
		}

		if len(res.Hits) < bleveBatchSize {
			return nil
		}
	}
}

// Close implements Store.
func (s *BleveStore) Close() error {
	if s.index == nil {
		return nil
	}
	return s.index.Close()
}
