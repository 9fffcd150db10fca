package bowkin

import (
	"errors"
	"fmt"
)

// Kinds of catalog records.
const (
	KindLibc   = "libc"
	KindLoader = "ld"
)

// LibcRecord is a libc or loader build as indexed by the catalog.
type LibcRecord struct {
	// Kind of the file, either KindLibc or KindLoader.
	Kind string `json:"kind"`
	// Architecture the build targets (i386, amd64, armhf, ...).
	Architecture string `json:"architecture"`
	// Distribution the build was taken from, if known.
	Distro string `json:"distro"`
	// Release codename of the distribution, if known.
	Release string `json:"release"`
	// Upstream version of the libc, like 2.27.
	Version string `json:"version"`
	// Distribution patch level, like 3ubuntu1.
	Patch string `json:"patch"`
	// GNU build-id of the file, in lowercase hex. Empty when the file
	// doesn't carry one.
	BuildID string `json:"build_id"`
	// Path of the file relative to the catalog root. This is the unique
	// key of the record.
	Location string `json:"location"`
}

// String returns a short human-readable description of the record.
func (r LibcRecord) String() string {
	if r.Patch == "" {
		return fmt.Sprintf("%s-%s-%s (%s)", r.Kind, r.Architecture, r.Version, r.Location)
	}
	return fmt.Sprintf("%s-%s-%s-%s (%s)", r.Kind, r.Architecture, r.Version, r.Patch, r.Location)
}

// Constraint is a leaked address of a known symbol, observed at runtime.
// Only the page offset of the address is meaningful, as the base address is
// randomized.
type Constraint struct {
	Symbol  string `json:"symbol"`
	Address uint64 `json:"address"`
}

func (c Constraint) String() string {
	return fmt.Sprintf("%s=%#x", c.Symbol, c.Address)
}

var (
	// ErrFileNotFound is returned when a required input path doesn't
	// exist.
	ErrFileNotFound = errors.New(`file not found`)
	// ErrParse is returned when a binary can't be parsed as expected:
	// malformed ELF, no dynamic symbol table.
	ErrParse = errors.New(`parse error`)
	// ErrNotELF is a ParseError for files that aren't ELF containers at
	// all.
	ErrNotELF = fmt.Errorf(`not an ELF file: %w`, ErrParse)
	// ErrNotFound is the semantic "no match" result.
	ErrNotFound = errors.New(`not found in catalog`)
	// ErrCatalogUnavailable is returned when the catalog index can't be
	// opened or read.
	ErrCatalogUnavailable = errors.New(`catalog unavailable`)
	// ErrIO is returned when the catalog root can't be read.
	ErrIO = errors.New(`i/o error`)
	// ErrExternalTool is returned when an external program exits with an
	// error.
	ErrExternalTool = errors.New(`external tool failure`)
	// ErrNoConstraints is returned by the matcher when called without any
	// constraint, which would match the whole catalog.
	ErrNoConstraints = errors.New(`no constraint given`)
	// ErrInconsistentCatalog is returned when a companion file of a record
	// is missing on disk.
	ErrInconsistentCatalog = errors.New(`inconsistent catalog`)
	// ErrNotLibc is returned when a loader record is given where a libc
	// is expected.
	ErrNotLibc = errors.New(`not a libc`)
	// ErrAborted is returned when the user declines a confirmation.
	ErrAborted = errors.New(`aborted by user`)
)
