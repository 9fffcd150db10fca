package main

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/elwinar/bowkin/pkg/testingx"
	"github.com/google/go-cmp/cmp"
)

const (
	bionicID  = "2c3b4e5f6a7b8c9d0e1f2a3b4c5d6e7f8091a2b3"
	focalID   = "a91e0b2d3c4f5e6d7c8b9a0f1e2d3c4b5a697887"
	focalLdID = "5d2a9c0e8b7f6a5e4d3c2b1a0f9e8d7c6b5a4f3e"
)

type env struct {
	dir  string
	root string
	conf string
}

// newEnv writes a catalog tree and a configuration file pointing to it.
func newEnv(t *testing.T) env {
	t.Helper()
	dir := t.TempDir()
	e := env{
		dir:  dir,
		root: filepath.Join(dir, "libcs"),
		conf: filepath.Join(dir, "bowkin.conf"),
	}

	testingx.WriteELF(t, filepath.Join(e.root, "ubuntu/bionic/libc-amd64-2.27-3ubuntu1.so"), testingx.ELF{
		BuildID: bionicID,
		Symbols: []testingx.Symbol{
			{Name: "malloc", Value: 0x97120},
			{Name: "free", Value: 0x97340},
		},
	})
	testingx.WriteELF(t, filepath.Join(e.root, "ubuntu/bionic/libc-amd64-2.27-3ubuntu1.so.debug"), testingx.ELF{})
	testingx.WriteELF(t, filepath.Join(e.root, "ubuntu/bionic/ld-amd64-2.27-3ubuntu1.so"), testingx.ELF{})
	testingx.WriteELF(t, filepath.Join(e.root, "ubuntu/focal/libc-amd64-2.31-0ubuntu9.so"), testingx.ELF{
		BuildID: focalID,
		Symbols: []testingx.Symbol{
			{Name: "malloc", Value: 0x9a120},
			{Name: "free", Value: 0x9a360},
		},
	})

	// Old loaders export their own allocator.
	testingx.WriteELF(t, filepath.Join(e.root, "ubuntu/focal/ld-amd64-2.31-0ubuntu9.so"), testingx.ELF{
		BuildID: focalLdID,
		Symbols: []testingx.Symbol{
			{Name: "malloc", Value: 0x1e120},
		},
	})

	testingx.WriteFile(t, e.conf, []byte("# test configuration\ndir="+e.root+"\nlog.level=crit\n"))
	return e
}

// run the command line and return the exit code and outputs.
func (e env) run(t *testing.T, stdin string, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	s := newService(strings.NewReader(stdin), &stdout, &stderr)
	code := s.execute(append([]string{"--conf", e.conf}, args...))
	return code, stdout.String(), stderr.String()
}

// locations of the entries printed by a command.
func locations(t *testing.T, out string) []string {
	t.Helper()
	var entries []entry
	testingx.UnmarshalJSON(t, []byte(out), &entries)

	var locations []string
	for _, e := range entries {
		locations = append(locations, e.Location)
	}
	return locations
}

func TestCommands(t *testing.T) {
	e := newEnv(t)

	code, _, stderr := e.run(t, "", "rebuild")
	if code != exitOK {
		t.Fatalf(`rebuild: wanted exit code %d, got %d (%s)`, exitOK, code, stderr)
	}

	type testcase struct {
		args          []string
		wantCode      int
		wantLocations []string
	}

	for n, c := range map[string]testcase{
		"list": testcase{
			args:     []string{"list"},
			wantCode: exitOK,
			wantLocations: []string{
				"ubuntu/bionic/ld-amd64-2.27-3ubuntu1.so",
				"ubuntu/bionic/libc-amd64-2.27-3ubuntu1.so",
				"ubuntu/focal/ld-amd64-2.31-0ubuntu9.so",
				"ubuntu/focal/libc-amd64-2.31-0ubuntu9.so",
			},
		},
		"find shared offset": testcase{
			args:     []string{"find", "malloc=0x7f3a5c8b2120"},
			wantCode: exitOK,
			wantLocations: []string{
				"ubuntu/bionic/libc-amd64-2.27-3ubuntu1.so",
				"ubuntu/focal/libc-amd64-2.31-0ubuntu9.so",
			},
		},
		"find discriminating offset": testcase{
			args:     []string{"find", "malloc=0x7f3a5c8b2120", "free=7f3a5c8b2340"},
			wantCode: exitOK,
			wantLocations: []string{
				"ubuntu/bionic/libc-amd64-2.27-3ubuntu1.so",
			},
		},
		"find no match": testcase{
			args:     []string{"find", "malloc=0x7f3a5c8b2130"},
			wantCode: exitNotFound,
		},
		"find invalid constraint": testcase{
			args:     []string{"find", "malloc"},
			wantCode: exitUsage,
		},
		"find no constraint": testcase{
			args:     []string{"find"},
			wantCode: exitUsage,
		},
		"identify": testcase{
			args:     []string{"identify", filepath.Join(e.root, "ubuntu/focal/libc-amd64-2.31-0ubuntu9.so")},
			wantCode: exitOK,
			wantLocations: []string{
				"ubuntu/focal/libc-amd64-2.31-0ubuntu9.so",
			},
		},
		"identify without build-id": testcase{
			args:     []string{"identify", filepath.Join(e.root, "ubuntu/bionic/ld-amd64-2.27-3ubuntu1.so")},
			wantCode: exitNotFound,
		},
		"identify missing file": testcase{
			args:     []string{"identify", filepath.Join(e.dir, "missing.so")},
			wantCode: exitError,
		},
		"unknown command": testcase{
			args:     []string{"fetch"},
			wantCode: exitUsage,
		},
		"unknown flag": testcase{
			args:     []string{"list", "--ubuntu-only"},
			wantCode: exitUsage,
		},
	} {
		t.Run(n, func(t *testing.T) {
			code, stdout, stderr := e.run(t, "", c.args...)
			if code != c.wantCode {
				t.Fatalf(`%v: wanted exit code %d, got %d (%s)`, c.args, c.wantCode, code, stderr)
			}
			if c.wantCode != exitOK {
				return
			}

			if diff := cmp.Diff(c.wantLocations, locations(t, stdout)); diff != "" {
				t.Errorf(`%v: unexpected output (-want +got):\n%s`, c.args, diff)
			}
		})
	}
}

func TestCommands_output(t *testing.T) {
	e := newEnv(t)

	code, _, stderr := e.run(t, "", "rebuild", "--catalog.backend", "sqlite")
	if code != exitOK {
		t.Fatalf(`rebuild: wanted exit code %d, got %d (%s)`, exitOK, code, stderr)
	}

	code, stdout, stderr := e.run(t, "", "identify", "--catalog.backend", "sqlite", filepath.Join(e.root, "ubuntu/bionic/libc-amd64-2.27-3ubuntu1.so"))
	if code != exitOK {
		t.Fatalf(`identify: wanted exit code %d, got %d (%s)`, exitOK, code, stderr)
	}

	var got []map[string]string
	testingx.UnmarshalJSON(t, []byte(stdout), &got)

	realroot, err := filepath.EvalSymlinks(e.root)
	if err != nil {
		t.Fatalf(`resolving root: %s`, err)
	}

	want := []map[string]string{{
		"kind":         "libc",
		"architecture": "amd64",
		"distro":       "ubuntu",
		"release":      "bionic",
		"version":      "2.27",
		"patch":        "3ubuntu1",
		"build_id":     bionicID,
		"location":     "ubuntu/bionic/libc-amd64-2.27-3ubuntu1.so",
		"realpath":     filepath.Join(realroot, "ubuntu/bionic/libc-amd64-2.27-3ubuntu1.so"),
		"debug":        filepath.Join(e.root, "ubuntu/bionic/libc-amd64-2.27-3ubuntu1.so.debug"),
	}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf(`identify: unexpected output (-want +got):\n%s`, diff)
	}
}

func TestCommands_unavailable(t *testing.T) {
	e := newEnv(t)

	code, _, stderr := e.run(t, "", "find", "malloc=0x120")
	if code != exitError {
		t.Errorf(`find: wanted exit code %d, got %d (%s)`, exitError, code, stderr)
	}
	if !strings.Contains(stderr, "rebuild") {
		t.Errorf(`find: wanted a hint to rebuild the catalog, got %q`, stderr)
	}
}

func TestCommands_metrics(t *testing.T) {
	e := newEnv(t)
	path := filepath.Join(e.dir, "bowkin.prom")

	code, _, stderr := e.run(t, "", "rebuild", "--metrics.file", path)
	if code != exitOK {
		t.Fatalf(`rebuild: wanted exit code %d, got %d (%s)`, exitOK, code, stderr)
	}

	raw := string(testingx.ReadFile(t, path))
	for _, want := range []string{
		"bowkin_rebuild_indexed_total 4",
		"bowkin_catalog_records 4",
		`bowkin_command_duration_seconds_count{command="rebuild"} 1`,
	} {
		if !strings.Contains(raw, want) {
			t.Errorf(`rebuild: wanted %q in metrics, got:\n%s`, want, raw)
		}
	}
}

func TestCommands_patch(t *testing.T) {
	e := newEnv(t)

	code, _, stderr := e.run(t, "", "rebuild")
	if code != exitOK {
		t.Fatalf(`rebuild: wanted exit code %d, got %d (%s)`, exitOK, code, stderr)
	}

	binary := filepath.Join(e.dir, "work", "chall")
	testingx.WriteELF(t, binary, testingx.ELF{Interp: "/lib64/ld-linux-x86-64.so.2"})
	testingx.WriteELF(t, filepath.Join(e.dir, "tools", "patched.elf"), testingx.ELF{
		Interp: "./ld-amd64-2.27-3ubuntu1.so",
		Needed: []string{"./libc-amd64-2.27-3ubuntu1.so"},
	})
	patchelf := filepath.Join(e.dir, "tools", "patchelf")
	testingx.WriteFile(t, patchelf, []byte(`#!/bin/sh
case "$1" in
--add-needed) cp "$(dirname "$0")/patched.elf" "$3" ;;
esac
`))

	libc := filepath.Join(e.root, "ubuntu/bionic/libc-amd64-2.27-3ubuntu1.so")

	type testcase struct {
		stdin    string
		args     []string
		wantCode int
	}

	for n, c := range map[string]testcase{
		"declined": testcase{
			stdin:    "n\n",
			args:     []string{"patch", "--patchelf", patchelf, binary, libc},
			wantCode: exitError,
		},
		"confirmed": testcase{
			stdin:    "y\nyes\n",
			args:     []string{"patch", "--patchelf", patchelf, binary, libc},
			wantCode: exitOK,
		},
		"unknown libc": testcase{
			args:     []string{"patch", "--yes", "--patchelf", patchelf, binary, binary},
			wantCode: exitNotFound,
		},
		"loader": testcase{
			args:     []string{"patch", "--yes", "--patchelf", patchelf, binary, filepath.Join(e.root, "ubuntu/focal/ld-amd64-2.31-0ubuntu9.so")},
			wantCode: exitUsage,
		},
		"missing argument": testcase{
			args:     []string{"patch", binary},
			wantCode: exitUsage,
		},
	} {
		t.Run(n, func(t *testing.T) {
			code, _, stderr := e.run(t, c.stdin, c.args...)
			if code != c.wantCode {
				t.Errorf(`%v: wanted exit code %d, got %d (%s)`, c.args, c.wantCode, code, stderr)
			}
		})
	}

	patched := binary + "-2.27-3ubuntu1"
	got := testingx.ReadFile(t, patched)
	want := testingx.ReadFile(t, filepath.Join(e.dir, "tools", "patched.elf"))
	if !bytes.Equal(want, got) {
		t.Errorf(`patch: %s isn't the patched binary`, patched)
	}

	code, stdout, stderr := e.run(t, "", "ldd", patched)
	if code != exitOK {
		t.Fatalf(`ldd: wanted exit code %d, got %d (%s)`, exitOK, code, stderr)
	}

	var deps dependencies
	testingx.UnmarshalJSON(t, []byte(stdout), &deps)

	work := filepath.Dir(patched)
	wantDeps := dependencies{
		Interpreter: &dependency{
			Name:  "./ld-amd64-2.27-3ubuntu1.so",
			Path:  filepath.Join(work, "ld-amd64-2.27-3ubuntu1.so"),
			Found: true,
		},
		Libraries: []dependency{{
			Name:  "./libc-amd64-2.27-3ubuntu1.so",
			Path:  filepath.Join(work, "libc-amd64-2.27-3ubuntu1.so"),
			Found: true,
		}},
	}
	if diff := cmp.Diff(wantDeps, deps); diff != "" {
		t.Errorf(`ldd: unexpected output (-want +got):\n%s`, diff)
	}
}
