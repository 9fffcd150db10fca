package elfx

import (
	"debug/elf"
	"errors"
	"path/filepath"
	"testing"

	"github.com/elwinar/bowkin"
	"github.com/elwinar/bowkin/pkg/testingx"
)

func TestOpen(t *testing.T) {
	dir := t.TempDir()
	testingx.WriteELF(t, filepath.Join(dir, "libc.so"), testingx.ELF{})
	testingx.WriteFile(t, filepath.Join(dir, "text.so"), []byte("definitely not an ELF file, but long enough to hold a header......"))
	testingx.WriteFile(t, filepath.Join(dir, "short.so"), []byte("\x7fELF"))

	type testcase struct {
		input string
		want  error
	}

	for n, c := range map[string]testcase{
		"elf": testcase{
			input: "libc.so",
			want:  nil,
		},
		"missing": testcase{
			input: "missing.so",
			want:  bowkin.ErrFileNotFound,
		},
		"not elf": testcase{
			input: "text.so",
			want:  bowkin.ErrNotELF,
		},
		"truncated": testcase{
			input: "short.so",
			want:  bowkin.ErrNotELF,
		},
	} {
		t.Run(n, func(t *testing.T) {
			f, err := Open(filepath.Join(dir, c.input))
			if c.want == nil {
				if err != nil {
					t.Fatalf(`Open(%q): unexpected error: %s`, c.input, err)
				}
				f.Close()
				return
			}

			if !errors.Is(err, c.want) {
				t.Errorf(`Open(%q): wanted error %q, got %v`, c.input, c.want, err)
			}
		})
	}
}

func TestFile_ResolveNeeded(t *testing.T) {
	dir := t.TempDir()
	testingx.WriteFile(t, filepath.Join(dir, "libc-amd64-2.27.so"), []byte{})

	type testcase struct {
		input    string
		wantPath string
		wantOK   bool
	}

	for n, c := range map[string]testcase{
		"relative": testcase{
			input:    "./libc-amd64-2.27.so",
			wantPath: filepath.Join(dir, "libc-amd64-2.27.so"),
			wantOK:   true,
		},
		"missing relative": testcase{
			input:    "./ld-amd64-2.27.so",
			wantPath: filepath.Join(dir, "ld-amd64-2.27.so"),
			wantOK:   false,
		},
		"origin": testcase{
			input:    "$ORIGIN/libc-amd64-2.27.so",
			wantPath: filepath.Join(dir, "libc-amd64-2.27.so"),
			wantOK:   true,
		},
		"absolute": testcase{
			input:    filepath.Join(dir, "libc-amd64-2.27.so"),
			wantPath: filepath.Join(dir, "libc-amd64-2.27.so"),
			wantOK:   true,
		},
		"bare name": testcase{
			input:    "libc.so.6",
			wantPath: "libc.so.6",
			wantOK:   false,
		},
	} {
		t.Run(n, func(t *testing.T) {
			// We don't bother having a real executable, as we don't
			// read anything from it.
			file := File{
				Path: filepath.Join(dir, "executable"),
				File: &elf.File{
					FileHeader: elf.FileHeader{
						Class: elf.ELFCLASS64,
					},
				},
			}

			path, ok, err := file.ResolveNeeded(c.input)
			if err != nil {
				t.Fatalf(`ResolveNeeded(%q): unexpected error: %s`, c.input, err)
			}

			if path != c.wantPath || ok != c.wantOK {
				t.Errorf(`ResolveNeeded(%q): wanted %q, %t, got %q, %t`, c.input, c.wantPath, c.wantOK, path, ok)
			}
		})
	}
}

func TestFile_Expand(t *testing.T) {
	type testcase struct {
		input string
		want  string
	}

	for n, c := range map[string]testcase{
		"origin": testcase{
			input: "$ORIGIN/foo",
			want:  "testdata/foo",
		},
		"curly_origin": testcase{
			input: "${ORIGIN}/foo",
			want:  "testdata/foo",
		},
		"lib": testcase{
			input: "foo/$LIB/bar",
			want:  "foo/lib64/bar",
		},
		"lib_end": testcase{
			input: "foo/$LIB",
			want:  "foo/lib64",
		},
		"curly_lib_end": testcase{
			input: "foo/${LIB}",
			want:  "foo/lib64",
		},
		"unknown": testcase{
			input: "foo/$PLATFORM/bar",
			want:  "foo/$PLATFORM/bar",
		},
		"trailing dollar": testcase{
			input: "foo$",
			want:  "foo$",
		},
	} {
		t.Run(n, func(t *testing.T) {
			file := File{
				Path: "testdata/executable",
				File: &elf.File{
					FileHeader: elf.FileHeader{
						Class: elf.ELFCLASS64,
					},
				},
			}

			got := file.Expand(c.input)
			if got != c.want {
				t.Errorf(`File.Expand(%q): wanted %q, got %q`, c.input, c.want, got)
			}
		})
	}
}

func TestFile_Interpreter(t *testing.T) {
	dir := t.TempDir()
	testingx.WriteELF(t, filepath.Join(dir, "with"), testingx.ELF{Interp: "./ld-amd64-2.27.so"})
	testingx.WriteELF(t, filepath.Join(dir, "without"), testingx.ELF{})

	f, err := Open(filepath.Join(dir, "with"))
	if err != nil {
		t.Fatalf(`Open: unexpected error: %s`, err)
	}
	defer f.Close()

	got, ok := f.Interpreter()
	if !ok || got != "./ld-amd64-2.27.so" {
		t.Errorf(`Interpreter(): wanted %q, true, got %q, %t`, "./ld-amd64-2.27.so", got, ok)
	}

	g, err := Open(filepath.Join(dir, "without"))
	if err != nil {
		t.Fatalf(`Open: unexpected error: %s`, err)
	}
	defer g.Close()

	if got, ok := g.Interpreter(); ok {
		t.Errorf(`Interpreter(): wanted no interpreter, got %q`, got)
	}
}

func TestFile_DebugLink(t *testing.T) {
	dir := t.TempDir()
	testingx.WriteELF(t, filepath.Join(dir, "libc.so"), testingx.ELF{DebugLink: "libc-2.27.so"})

	f, err := Open(filepath.Join(dir, "libc.so"))
	if err != nil {
		t.Fatalf(`Open: unexpected error: %s`, err)
	}
	defer f.Close()

	got, ok := f.DebugLink()
	if !ok || got != "libc-2.27.so" {
		t.Errorf(`DebugLink(): wanted %q, true, got %q, %t`, "libc-2.27.so", got, ok)
	}
}
