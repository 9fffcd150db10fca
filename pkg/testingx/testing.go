// testingx contains testing helpers meant to simplify unit testing. Most of
// the helpers are simple wrapper for other libraries functions with a few
// tweaks meant to simplify the unit tests:
// - they don't return an error and instead fail the test,
// - relative filepath are prefixed by testdata/,
// - synthetic ELF files are written from a description (see ELF).
package testingx

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

// ReadFile returns the content of the file at path. See os.ReadFile.
func ReadFile(t *testing.T, path string) []byte {
	t.Helper()
	if !filepath.IsAbs(path) {
		path = filepath.Join(`testdata`, path)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf(`reading file %q: %s`, path, err)
	}
	return raw
}

// WriteFile set the content of the file at path, creating the parent
// directories if needed. See os.WriteFile.
func WriteFile(t *testing.T, path string, raw []byte) {
	t.Helper()
	if !filepath.IsAbs(path) {
		path = filepath.Join(`testdata`, path)
	}
	err := os.MkdirAll(filepath.Dir(path), 0755)
	if err != nil {
		t.Fatalf(`creating directory for %q: %s`, path, err)
	}
	err = os.WriteFile(path, raw, 0755)
	if err != nil {
		t.Fatalf(`writing file %q: %s`, path, err)
	}
}

// UnmarshalJSON parse the JSON raw string into dest. See json.Unmarshal.
func UnmarshalJSON(t *testing.T, raw []byte, dest interface{}) {
	t.Helper()
	err := json.Unmarshal(raw, dest)
	if err != nil {
		t.Fatalf(`unmarshaling: %s`, err)
	}
}
