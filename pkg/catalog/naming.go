package catalog

import (
	"path/filepath"
	"regexp"
	"strings"

	"github.com/elwinar/bowkin"
)

// DebugSuffix marks the companion file holding the debug symbols of a library.
const DebugSuffix = ".debug"

// Architectures known to the naming convention.
var Architectures = []string{"i386", "i686", "amd64", "x86_64", "armel", "armhf", "arm64"}

// filenamePattern matches the names given to the files of the catalog:
// {libc|ld}-<architecture>-<version>[-<patch>].so[.debug], where the version
// has two or more numeric components (2.27, 2.3.6).
var filenamePattern = regexp.MustCompile(
	`^(?P<kind>libc|ld)-(?P<architecture>` + strings.Join(Architectures, "|") + `)-(?P<version>\d+(?:\.\d+)+)(?:-(?P<patch>.+?))?\.so(?P<debug>\.debug)?$`,
)

// ParseLocation extracts the record described by a path relative to the
// catalog root. The directories above the file, if any, are the distribution
// and its release: `ubuntu/bionic/libc-amd64-2.27-3ubuntu1.so`.
//
// Debug companions aren't records, and ParseLocation returns false for them
// as for any file not following the naming convention.
func ParseLocation(rel string) (bowkin.LibcRecord, bool) {
	rec, debug, ok := parseLocation(rel)
	if !ok || debug {
		return bowkin.LibcRecord{}, false
	}
	return rec, true
}

func parseLocation(rel string) (rec bowkin.LibcRecord, debug bool, ok bool) {
	rel = filepath.ToSlash(filepath.Clean(rel))
	if strings.HasPrefix(rel, "../") || filepath.IsAbs(rel) {
		return rec, false, false
	}

	dir, name := "", rel
	if i := strings.LastIndexByte(rel, '/'); i >= 0 {
		dir, name = rel[:i], rel[i+1:]
	}

	m := filenamePattern.FindStringSubmatch(name)
	if m == nil {
		return rec, false, false
	}

	rec = bowkin.LibcRecord{
		Kind:         m[filenamePattern.SubexpIndex("kind")],
		Architecture: m[filenamePattern.SubexpIndex("architecture")],
		Version:      m[filenamePattern.SubexpIndex("version")],
		Patch:        m[filenamePattern.SubexpIndex("patch")],
		Location:     rel,
	}

	if dir != "" {
		chunks := strings.SplitN(dir, "/", 2)
		rec.Distro = chunks[0]
		if len(chunks) == 2 {
			rec.Release = chunks[1]
		}
	}

	return rec, m[filenamePattern.SubexpIndex("debug")] != "", true
}

// LoaderLocation returns the location of the loader paired with a libc
// record: same directory, same name with the libc- prefix replaced by ld-.
func LoaderLocation(rec bowkin.LibcRecord) string {
	dir, name := filepath.Split(filepath.FromSlash(rec.Location))
	return filepath.ToSlash(filepath.Join(dir, "ld-"+strings.TrimPrefix(name, "libc-")))
}
