package catalog

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/c2h5oh/datasize"
	"github.com/elwinar/bowkin"
	"github.com/elwinar/bowkin/pkg/elfx"
	"github.com/elwinar/bowkin/pkg/metrics"
	"github.com/inconshreveable/log15"
)

// Skipped is a file the rebuild couldn't index.
type Skipped struct {
	Location string `json:"location"`
	Reason   string `json:"reason"`
	Err      error  `json:"-"`
}

// Report of a rebuild.
type Report struct {
	Records []bowkin.LibcRecord
	Skipped []Skipped
	// Debug is the number of debug companions met.
	Debug int
}

// rebuildProcess walks the catalog root and collects the records to index.
// Like the other processes, each step is a no-op once an error occurred.
type rebuildProcess struct {
	log     log15.Logger
	metrics *metrics.Metrics
	root    string
	maxSize datasize.ByteSize

	err    error
	report Report
}

// resolveRoot checks the root is a readable directory. The root may be a
// symlink to the actual directory, which WalkDir wouldn't descend into.
func (p *rebuildProcess) resolveRoot() {
	if p.err != nil {
		return
	}

	root, err := filepath.EvalSymlinks(p.root)
	if err != nil {
		p.err = wrap(bowkin.ErrIO, "resolving catalog root: %s", err)
		return
	}

	info, err := os.Stat(root)
	if err != nil {
		p.err = wrap(bowkin.ErrIO, "reading catalog root: %s", err)
		return
	}
	if !info.IsDir() {
		p.err = wrap(bowkin.ErrIO, "catalog root %s is not a directory", root)
		return
	}

	_, err = os.ReadDir(root)
	if err != nil {
		p.err = wrap(bowkin.ErrIO, "reading catalog root: %s", err)
		return
	}

	p.root = root
}

// walk the root and index every file following the naming convention.
func (p *rebuildProcess) walk() {
	if p.err != nil {
		return
	}

	p.err = filepath.WalkDir(p.root, func(path string, d fs.DirEntry, err error) error {
		rel, rerr := filepath.Rel(p.root, path)
		if rerr != nil {
			return rerr
		}

		// An unreadable directory inside the tree doesn't prevent
		// indexing the rest of it.
		if err != nil {
			if path == p.root {
				return wrap(bowkin.ErrIO, "walking catalog root: %s", err)
			}
			p.skip(rel, metrics.ReasonUnreadable, err)
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		if d.IsDir() {
			return nil
		}

		rec, debug, ok := parseLocation(rel)
		if !ok {
			return nil
		}
		if debug {
			p.report.Debug++
			return nil
		}

		p.index(path, rec)
		return nil
	})
}

// index a single file, or skip it if its build-id can't be extracted.
func (p *rebuildProcess) index(path string, rec bowkin.LibcRecord) {
	log := p.log.New("location", rec.Location)

	// Stat follows symlinks, which are fine as long as they point to a
	// regular file.
	info, err := os.Stat(path)
	if err != nil {
		p.skip(rec.Location, metrics.ReasonUnreadable, err)
		return
	}
	if !info.Mode().IsRegular() {
		return
	}

	size := datasize.ByteSize(info.Size())
	if p.maxSize != 0 && size > p.maxSize {
		p.skip(rec.Location, metrics.ReasonTooLarge, errors.New("file larger than "+p.maxSize.HumanReadable()))
		return
	}

	id, ok, err := elfx.BuildID(path)
	if errors.Is(err, bowkin.ErrParse) {
		p.skip(rec.Location, metrics.ReasonParse, err)
		return
	}
	if err != nil {
		p.skip(rec.Location, metrics.ReasonUnreadable, err)
		return
	}

	if !ok {
		log.Warn("no build-id, the file can only be found by symbols")
	}
	rec.BuildID = id

	log.Info("importing", "build_id", rec.BuildID, "size", size.HumanReadable())
	p.metrics.Indexed.Inc()
	p.report.Records = append(p.report.Records, rec)
}

func (p *rebuildProcess) skip(location, reason string, err error) {
	p.log.Warn("skipping", "location", location, "reason", reason, "err", err)
	p.metrics.Skipped.WithLabelValues(reason).Inc()
	p.report.Skipped = append(p.report.Skipped, Skipped{
		Location: location,
		Reason:   reason,
		Err:      err,
	})
}

// checkDuplicates warns about files sharing the same content: it means the
// same build was added twice to the tree.
func (p *rebuildProcess) checkDuplicates() {
	if p.err != nil {
		return
	}

	type key struct {
		kind, version, patch, buildID string
	}

	seen := make(map[key]string)
	for _, r := range p.report.Records {
		if r.BuildID == "" {
			continue
		}

		k := key{r.Kind, r.Version, r.Patch, r.BuildID}
		if first, ok := seen[k]; ok {
			p.log.Warn("duplicate build", "location", r.Location, "first", first, "build_id", r.BuildID)
			continue
		}
		seen[k] = r.Location
	}
}

// commit replaces the content of the store with the collected records.
func (p *rebuildProcess) commit(store Store) {
	if p.err != nil {
		return
	}

	p.log.Debug("committing records", "count", len(p.report.Records))
	err := store.Replace(p.report.Records)
	if err != nil {
		p.err = wrap(err, "replacing records")
		return
	}
	p.metrics.Records.Set(float64(len(p.report.Records)))
}
