// Package fingerprint finds the libc builds compatible with a set of leaked
// symbol addresses.
//
// ASLR randomizes the base address of a library but keeps it page-aligned,
// so only the offset of an address inside its page tells something about the
// build: two addresses are equivalent when their low PageOffsetBits bits are
// equal.
package fingerprint

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/elwinar/bowkin"
	"github.com/elwinar/bowkin/pkg/elfx"
	"github.com/elwinar/bowkin/pkg/metrics"
	"github.com/inconshreveable/log15"
)

// Page offset of an address.
const (
	PageOffsetBits = 12
	PageOffsetMask = 1<<PageOffsetBits - 1
)

// MaskOffset returns the page offset of the address.
func MaskOffset(addr uint64) uint64 {
	return addr & PageOffsetMask
}

// Matches returns true if the two addresses have the same page offset.
func Matches(a, b uint64) bool {
	return MaskOffset(a) == MaskOffset(b)
}

// ParseConstraint parses a constraint of the form SYMBOL=ADDRESS, the address
// being hexadecimal with an optional 0x prefix.
func ParseConstraint(s string) (bowkin.Constraint, error) {
	i := strings.LastIndexByte(s, '=')
	if i <= 0 {
		return bowkin.Constraint{}, fmt.Errorf("invalid constraint %q: expected SYMBOL=ADDRESS", s)
	}

	symbol, raw := s[:i], s[i+1:]
	raw = strings.TrimPrefix(strings.TrimPrefix(raw, "0x"), "0X")
	addr, err := strconv.ParseUint(raw, 16, 64)
	if err != nil {
		return bowkin.Constraint{}, fmt.Errorf("invalid address in constraint %q: %w", s, err)
	}

	return bowkin.Constraint{Symbol: symbol, Address: addr}, nil
}

// Source is the set of candidates a Matcher scans.
type Source interface {
	// Each calls fn for every record, in a deterministic order.
	Each(fn func(bowkin.LibcRecord) error) error
	// Path returns the path of the file of a record.
	Path(rec bowkin.LibcRecord) string
}

// Matcher scans a catalog for the records satisfying a set of constraints.
type Matcher struct {
	source  Source
	log     log15.Logger
	metrics *metrics.Metrics
}

// NewMatcher returns a Matcher scanning the given source.
func NewMatcher(source Source, log log15.Logger, m *metrics.Metrics) *Matcher {
	if log == nil {
		log = log15.New()
		log.SetHandler(log15.DiscardHandler())
	}
	if m == nil {
		m = metrics.New()
	}
	return &Matcher{
		source:  source,
		log:     log,
		metrics: m,
	}
}

// FindCandidates returns the records whose dynamic symbol table defines every
// symbol of the constraints at an address with the observed page offset, in
// the scan order of the source.
//
// Only libc records are candidates. A candidate whose symbol table can't be
// read is skipped. Only a failure of the source is returned as an error.
func (m *Matcher) FindCandidates(constraints []bowkin.Constraint) ([]bowkin.LibcRecord, error) {
	if len(constraints) == 0 {
		return nil, bowkin.ErrNoConstraints
	}

	var candidates []bowkin.LibcRecord
	err := m.source.Each(func(rec bowkin.LibcRecord) error {
		// Old loaders export their own malloc and free, which would
		// match as well as the libc's.
		if rec.Kind != bowkin.KindLibc {
			return nil
		}

		m.metrics.Scanned.Inc()
		log := m.log.New("location", rec.Location)

		table, err := elfx.LoadDynamicSymbols(m.source.Path(rec))
		if err != nil {
			reason := metrics.ReasonUnreadable
			if errors.Is(err, bowkin.ErrParse) {
				reason = metrics.ReasonParse
			}
			log.Warn("skipping candidate", "err", err)
			m.metrics.Rejected.WithLabelValues(reason).Inc()
			return nil
		}

		ok, reason := satisfies(table, constraints)
		if !ok {
			log.Debug("rejecting candidate", "reason", reason)
			m.metrics.Rejected.WithLabelValues(reason).Inc()
			return nil
		}

		log.Debug("found candidate")
		candidates = append(candidates, rec)
		return nil
	})
	if err != nil {
		return nil, err
	}

	return candidates, nil
}

// satisfies checks the constraints in order and stops at the first one not
// satisfied, returning the reason of the rejection.
func satisfies(table elfx.SymbolTable, constraints []bowkin.Constraint) (bool, string) {
	for _, c := range constraints {
		value, ok := table.Lookup(c.Symbol)
		if !ok {
			return false, metrics.ReasonAbsent
		}
		if !Matches(value, c.Address) {
			return false, metrics.ReasonMismatch
		}
	}
	return true, ""
}
