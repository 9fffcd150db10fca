// Package elfx wraps debug/elf with the few reading primitives bowkin needs:
// build-id notes, dynamic symbol tables, debug links, and the resolution of
// the libraries an executable depends on.
package elfx

import (
	"bytes"
	"debug/elf"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/elwinar/bowkin"
)

// File wraps an elf.File to add additional utility methods on it.
type File struct {
	Path string
	*elf.File
}

// Open the ELF file at path. A missing file is reported as
// bowkin.ErrFileNotFound, and a file that isn't a recognizable ELF container
// as bowkin.ErrNotELF.
func Open(path string) (File, error) {
	path, err := filepath.Abs(path)
	if err != nil {
		return File{}, err
	}

	f, err := elf.Open(path)
	if err != nil {
		return File{}, classify(path, err)
	}

	return File{Path: path, File: f}, nil
}

// classify maps the errors of debug/elf to bowkin's error kinds.
func classify(path string, err error) error {
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%s: %w", path, bowkin.ErrFileNotFound)
	}

	// debug/elf returns a FormatError for bad magic or headers, and
	// io.EOF-like errors for files too short to hold a header.
	var ferr *elf.FormatError
	if errors.As(err, &ferr) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%s: %w (%s)", path, bowkin.ErrNotELF, err)
	}

	return wrap(err, "opening %s", path)
}

// Interpreter returns the program interpreter requested by the file, if any.
func (f File) Interpreter() (string, bool) {
	for _, p := range f.Progs {
		if p.Type != elf.PT_INTERP {
			continue
		}

		raw, err := io.ReadAll(p.Open())
		if err != nil {
			return "", false
		}
		return strings.TrimRight(string(raw), "\x00"), true
	}
	return "", false
}

// ResolveNeeded return the path of the given DT_NEEDED or interpreter entry
// and a boolean indicating if the designated file exists on the system.
//
// Only entries containing a slash are resolved: those are the ones written by
// bowkin when patching a binary, and they are looked up relatively to the
// binary's directory, after $ORIGIN expansion. Bare library names are
// returned as is and reported missing.
func (f File) ResolveNeeded(library string) (path string, ok bool, err error) {
	library = f.Expand(library)
	if !strings.Contains(library, "/") {
		return library, false, nil
	}

	path = library
	if !filepath.IsAbs(path) {
		path = filepath.Join(filepath.Dir(f.Path), library)
	}

	_, err = os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return path, false, nil
	}
	if err != nil {
		return path, false, err
	}
	return path, true, nil
}

// Expand a rpath specification for tokens like $ORIGIN and $LIB. Versions with
// curly braces (${ORIGIN}) are also handled.
func (f File) Expand(path string) string {
	return expand(path, func(name string) (value string, ok bool) {
		switch name {
		case "ORIGIN":
			return filepath.Dir(f.Path), true

		case "LIB":
			if f.File != nil && f.Class == elf.ELFCLASS64 {
				return "lib64", true
			}
			return "lib", true

		default:
			return "", false
		}
	})
}

// expand a string by using a translation function for tokens like $NAME or
// ${NAME}. The functor takes the name of the token and returns the replacement
// string and a boolean indicating if the token should be replaced or not.
func expand(s string, f func(string) (string, bool)) string {
	var buf bytes.Buffer

	// Read byte by byte. As $, { and } are all ASCII, this is enough.
	for i := 0; i < len(s); i++ {
		if s[i] != '$' {
			buf.WriteByte(s[i])
			continue
		}

		// A trailing $ is kept as is.
		j := i + 1
		if j >= len(s) {
			buf.WriteByte(s[i])
			break
		}

		braced := s[j] == '{'
		if braced {
			j++
		}

		for ; j < len(s) && isAlphaNum(s[j]); j++ {
		}

		name := s[i+1 : j]
		if braced {
			name = name[1:]
		}

		value, ok := f(name)
		if ok {
			buf.WriteString(value)
		} else {
			buf.WriteString(s[i:j])
		}

		// The char that stopped the token must be kept, unless it is
		// the closing brace of the token.
		if j < len(s) && (!braced || s[j] != '}') {
			buf.WriteByte(s[j])
		}

		i = j
	}

	return buf.String()
}

// isAlphaNum reports whether the byte is an ASCII letter, number, or underscore
func isAlphaNum(c uint8) bool {
	return c == '_' || '0' <= c && c <= '9' || 'a' <= c && c <= 'z' || 'A' <= c && c <= 'Z'
}

// wrap an error using the provided message and arguments.
func wrap(err error, msg string, args ...interface{}) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(msg, args...), err)
}
