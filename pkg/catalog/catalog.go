// Package catalog indexes a directory tree of libc builds and their loaders.
//
// The files of the tree follow a naming convention (see ParseLocation) from
// which the metadata of each record is taken, and the build-id of each file is
// extracted when the catalog is rebuilt. The records are kept in a Store, and
// every access to it goes through a lock file so a rebuild is never observed
// halfway through.
package catalog

import (
	"errors"
	"os"
	"path/filepath"

	"github.com/c2h5oh/datasize"
	"github.com/elwinar/bowkin"
	"github.com/elwinar/bowkin/pkg/metrics"
	"github.com/inconshreveable/log15"
)

// Config of a Catalog.
type Config struct {
	// Root of the directory tree holding the files.
	Root string
	// Index is the path of the store.
	Index string
	// Backend of the store, BackendBleve by default.
	Backend string
	// MaxSize of the files considered by a rebuild. Zero means no limit.
	MaxSize datasize.ByteSize
	// Logger, discarding by default.
	Logger log15.Logger
	// Metrics, unregistered collectors by default.
	Metrics *metrics.Metrics
}

// Catalog is a handle on the records of a directory tree.
type Catalog struct {
	root    string
	index   string
	backend string
	maxSize datasize.ByteSize
	log     log15.Logger
	metrics *metrics.Metrics
}

// New returns a handle on the catalog described by cfg. Nothing is opened
// before the first operation.
func New(cfg Config) (*Catalog, error) {
	if cfg.Root == "" {
		return nil, errors.New("no catalog root")
	}
	if cfg.Index == "" {
		return nil, errors.New("no catalog index")
	}

	root, err := filepath.Abs(cfg.Root)
	if err != nil {
		return nil, wrap(err, "resolving catalog root")
	}

	index, err := filepath.Abs(cfg.Index)
	if err != nil {
		return nil, wrap(err, "resolving catalog index")
	}

	c := &Catalog{
		root:    root,
		index:   index,
		backend: cfg.Backend,
		maxSize: cfg.MaxSize,
		log:     cfg.Logger,
		metrics: cfg.Metrics,
	}

	if c.backend == "" {
		c.backend = BackendBleve
	}
	if c.backend != BackendBleve && c.backend != BackendSQLite {
		return nil, errors.New("unknown catalog backend " + c.backend)
	}

	if c.log == nil {
		c.log = log15.New()
		c.log.SetHandler(log15.DiscardHandler())
	}
	if c.metrics == nil {
		c.metrics = metrics.New()
	}

	return c, nil
}

// Root returns the absolute path of the catalog's root.
func (c *Catalog) Root() string {
	return c.root
}

// Path returns the absolute path of the file of a record.
func (c *Catalog) Path(rec bowkin.LibcRecord) string {
	return filepath.Join(c.root, filepath.FromSlash(rec.Location))
}

// DebugPath returns the absolute path of the debug companion of a record, and
// whether it exists.
func (c *Catalog) DebugPath(rec bowkin.LibcRecord) (string, bool) {
	path := c.Path(rec) + DebugSuffix
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return path, false
	}
	return path, true
}

// Rebuild walks the root and replaces the whole set of records with the files
// found. Files that can't be indexed are skipped and listed in the report;
// only an unreadable root or a failure to write the index is an error, in
// which case the previous records are kept.
func (c *Catalog) Rebuild() (Report, error) {
	err := os.MkdirAll(filepath.Dir(c.index), 0755)
	if err != nil {
		return Report{}, wrap(err, "creating index directory")
	}

	l, err := acquire(c.lockPath(), true)
	if err != nil {
		return Report{}, err
	}
	defer l.release()

	p := &rebuildProcess{
		log:     c.log.New("root", c.root),
		metrics: c.metrics,
		root:    c.root,
		maxSize: c.maxSize,
	}

	p.resolveRoot()
	p.walk()
	p.checkDuplicates()
	if p.err != nil {
		return p.report, p.err
	}

	store, err := OpenStore(c.backend, c.index)
	if err != nil {
		return p.report, wrap(bowkin.ErrCatalogUnavailable, "opening index: %s", err)
	}
	defer store.Close()

	p.commit(store)
	if p.err != nil {
		return p.report, p.err
	}

	c.log.Info("catalog rebuilt", "records", len(p.report.Records), "skipped", len(p.report.Skipped), "debug", p.report.Debug)
	return p.report, nil
}

// QueryByBuildID returns the records with the given build-id, ordered by
// location. An empty build-id matches nothing.
func (c *Catalog) QueryByBuildID(id string) ([]bowkin.LibcRecord, error) {
	var records []bowkin.LibcRecord
	err := c.read(func(s Store) error {
		var err error
		records, err = s.QueryByBuildID(id)
		return err
	})
	return records, err
}

// Each calls fn for every record, ordered by location, and stops at the
// first error returned by fn. The records can't change during the scan.
func (c *Catalog) Each(fn func(bowkin.LibcRecord) error) error {
	return c.read(func(s Store) error {
		return s.Each(fn)
	})
}

// Records returns every record, ordered by location.
func (c *Catalog) Records() ([]bowkin.LibcRecord, error) {
	var records []bowkin.LibcRecord
	err := c.Each(func(r bowkin.LibcRecord) error {
		records = append(records, r)
		return nil
	})
	return records, err
}

// read opens the store under the shared lock for the duration of fn.
func (c *Catalog) read(fn func(Store) error) error {
	_, err := os.Stat(c.index)
	if errors.Is(err, os.ErrNotExist) {
		return wrap(bowkin.ErrCatalogUnavailable, "no index at %s, run rebuild first", c.index)
	}
	if err != nil {
		return wrap(bowkin.ErrCatalogUnavailable, "checking index: %s", err)
	}

	l, err := acquire(c.lockPath(), false)
	if err != nil {
		return wrap(bowkin.ErrCatalogUnavailable, "%s", err)
	}
	defer l.release()

	store, err := OpenStore(c.backend, c.index)
	if err != nil {
		return wrap(bowkin.ErrCatalogUnavailable, "opening index: %s", err)
	}
	defer store.Close()

	return fn(store)
}

func (c *Catalog) lockPath() string {
	return c.index + ".lock"
}
