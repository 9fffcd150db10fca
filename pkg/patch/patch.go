// Package patch makes an executable load a libc of the catalog instead of the
// one of the system.
//
// The libc and its loader are copied next to the executable, and a patched
// copy of the executable is written with patchelf, its interpreter set to the
// copied loader and the copied libc added to its needed libraries.
package patch

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/elwinar/bowkin"
	"github.com/elwinar/bowkin/pkg/catalog"
	"github.com/elwinar/bowkin/pkg/elfx"
	"github.com/inconshreveable/log15"
	"github.com/rs/xid"
)

// DefaultPatchelf is the patchelf program looked up in the PATH.
const DefaultPatchelf = "patchelf"

// Patcher patches executables.
type Patcher struct {
	// Patchelf is the path of the patchelf program.
	Patchelf string
	// Confirm is asked before writing anything. A nil Confirm accepts
	// everything.
	Confirm func(question string) bool
	// Logger, discarding by default.
	Logger log15.Logger
}

// Result of a patch.
type Result struct {
	// Binary is the path of the patched executable.
	Binary string `json:"binary"`
	// Loader is the path of the copied loader.
	Loader string `json:"loader"`
	// Libc is the path of the copied libc.
	Libc string `json:"libc"`
	// Debug is the path of the copied debug symbols of the libc, named
	// after its debug link so debuggers find them. Empty when the catalog
	// has no debug companion for the libc.
	Debug string `json:"debug,omitempty"`
}

// Patch writes a copy of binary named after the version of rec, which loads
// the libc at libcPath and its loader.
func (p Patcher) Patch(rec bowkin.LibcRecord, libcPath, binary string) (Result, error) {
	log := p.Logger
	if log == nil {
		log = log15.New()
		log.SetHandler(log15.DiscardHandler())
	}

	patchelf := p.Patchelf
	if patchelf == "" {
		patchelf = DefaultPatchelf
	}

	confirm := p.Confirm
	if confirm == nil {
		confirm = func(string) bool { return true }
	}

	proc := &patchProcess{
		log:      log.New("binary", binary, "libc", rec.Location),
		patchelf: patchelf,
		confirm:  confirm,
		record:   rec,
		libc:     libcPath,
		binary:   binary,
	}

	proc.checkInputs()
	proc.copyLibraries()
	proc.patchCopy()
	proc.verify()
	proc.commit()
	proc.cleanup()

	if proc.err != nil {
		return Result{}, proc.err
	}

	return Result{
		Binary: proc.target,
		Loader: proc.loaderCopy,
		Libc:   proc.libcCopy,
		Debug:  proc.debugCopy,
	}, nil
}

// patchProcess holds the state of a patch. Each step is a no-op once an error
// occurred, except cleanup.
type patchProcess struct {
	log      log15.Logger
	patchelf string
	confirm  func(string) bool
	record   bowkin.LibcRecord

	// inputs
	libc   string
	loader string
	binary string

	// outputs
	dir        string
	libcCopy   string
	loaderCopy string
	debugCopy  string
	tmp        string
	target     string

	err error
}

// checkInputs resolves the paths of the process and checks the files exist.
func (p *patchProcess) checkInputs() {
	if p.err != nil {
		return
	}

	if p.record.Kind != bowkin.KindLibc {
		p.err = fmt.Errorf("%s is a %s: %w", p.record.Location, p.record.Kind, bowkin.ErrNotLibc)
		return
	}

	binary, err := filepath.Abs(p.binary)
	if err != nil {
		p.err = wrap(err, "resolving binary path")
		return
	}
	p.binary = binary

	info, err := os.Stat(p.binary)
	if errors.Is(err, os.ErrNotExist) {
		p.err = fmt.Errorf("%s: %w", p.binary, bowkin.ErrFileNotFound)
		return
	}
	if err != nil {
		p.err = wrap(err, "checking binary")
		return
	}
	if !info.Mode().IsRegular() {
		p.err = fmt.Errorf("%s is not a regular file", p.binary)
		return
	}

	p.libc, err = filepath.Abs(p.libc)
	if err != nil {
		p.err = wrap(err, "resolving libc path")
		return
	}

	_, err = os.Stat(p.libc)
	if err != nil {
		p.err = fmt.Errorf("libc %s: %w", p.libc, bowkin.ErrInconsistentCatalog)
		return
	}

	p.loader = filepath.FromSlash(catalog.LoaderLocation(bowkin.LibcRecord{
		Location: filepath.ToSlash(p.libc),
	}))
	_, err = os.Stat(p.loader)
	if err != nil {
		p.err = fmt.Errorf("loader %s for %s: %w", p.loader, p.record.Location, bowkin.ErrInconsistentCatalog)
		return
	}

	p.dir = filepath.Dir(p.binary)
	p.libcCopy = filepath.Join(p.dir, filepath.Base(p.libc))
	p.loaderCopy = filepath.Join(p.dir, filepath.Base(p.loader))
	p.target = p.binary + "-" + p.record.Version
	if p.record.Patch != "" {
		p.target += "-" + p.record.Patch
	}
}

// copyLibraries copies the libc and the loader next to the binary.
func (p *patchProcess) copyLibraries() {
	if p.err != nil {
		return
	}

	if !p.confirm(fmt.Sprintf("copy %s and %s to %s?", filepath.Base(p.loader), filepath.Base(p.libc), p.dir)) {
		p.err = bowkin.ErrAborted
		return
	}

	for _, c := range [][2]string{
		{p.libc, p.libcCopy},
		{p.loader, p.loaderCopy},
	} {
		p.log.Info("copying library", "src", c[0], "dst", c[1])
		err := copyFile(c[0], c[1])
		if err != nil {
			p.err = wrap(err, "copying %s", c[0])
			return
		}
	}

	p.copyDebug()
}

// copyDebug copies the debug companion of the libc, if any, under the name
// given by the libc's debug link.
func (p *patchProcess) copyDebug() {
	debug := p.libc + catalog.DebugSuffix
	info, err := os.Stat(debug)
	if err != nil || !info.Mode().IsRegular() {
		return
	}

	f, err := elfx.Open(p.libc)
	if err != nil {
		p.log.Warn("reading debug link", "err", err)
		return
	}
	defer f.Close()

	link, ok := f.DebugLink()
	if !ok {
		p.log.Debug("no debug link, not copying debug symbols")
		return
	}

	dst := filepath.Join(p.dir, filepath.Base(link))
	p.log.Info("copying debug symbols", "src", debug, "dst", dst)
	err = copyFile(debug, dst)
	if err != nil {
		p.err = wrap(err, "copying %s", debug)
		return
	}
	p.debugCopy = dst
}

// patchCopy writes a patched copy of the binary to a temporary file.
func (p *patchProcess) patchCopy() {
	if p.err != nil {
		return
	}

	if !p.confirm(fmt.Sprintf("write patched binary to %s?", p.target)) {
		p.err = bowkin.ErrAborted
		return
	}

	p.tmp = filepath.Join(p.dir, fmt.Sprintf(".%s.%s", filepath.Base(p.binary), xid.New().String()))
	err := copyFile(p.binary, p.tmp)
	if err != nil {
		p.err = wrap(err, "copying binary")
		return
	}

	for _, args := range [][]string{
		{"--set-interpreter", "./" + filepath.Base(p.loaderCopy), p.tmp},
		{"--add-needed", "./" + filepath.Base(p.libcCopy), p.tmp},
	} {
		err := p.run(args...)
		if err != nil {
			p.err = err
			return
		}
	}
}

// run patchelf with the given arguments.
func (p *patchProcess) run(args ...string) error {
	p.log.Debug("running patchelf", "args", strings.Join(args, " "))

	var stderr bytes.Buffer
	cmd := exec.Command(p.patchelf, args...)
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err != nil {
		return fmt.Errorf("%w: %s %s: %s (%s)", bowkin.ErrExternalTool, p.patchelf, args[0], err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

// verify the patched copy actually requests the copied libraries.
func (p *patchProcess) verify() {
	if p.err != nil {
		return
	}

	f, err := elfx.Open(p.tmp)
	if err != nil {
		p.err = fmt.Errorf("%w: reading patched binary: %s", bowkin.ErrExternalTool, err)
		return
	}
	defer f.Close()

	interp, ok := f.Interpreter()
	if !ok || interp != "./"+filepath.Base(p.loaderCopy) {
		p.err = fmt.Errorf("%w: patched binary has interpreter %q", bowkin.ErrExternalTool, interp)
		return
	}

	libraries, err := f.ImportedLibraries()
	if err != nil {
		p.err = fmt.Errorf("%w: reading needed libraries: %s", bowkin.ErrExternalTool, err)
		return
	}

	for _, l := range libraries {
		path, ok, err := f.ResolveNeeded(l)
		if err != nil || !ok || path != p.libcCopy {
			continue
		}
		return
	}
	p.err = fmt.Errorf("%w: patched binary doesn't need %s", bowkin.ErrExternalTool, filepath.Base(p.libcCopy))
}

// commit renames the patched copy to its final name.
func (p *patchProcess) commit() {
	if p.err != nil {
		return
	}

	err := os.Rename(p.tmp, p.target)
	if err != nil {
		p.err = wrap(err, "renaming patched binary")
		return
	}
	p.tmp = ""
	p.log.Info("patched binary", "target", p.target)
}

// cleanup removes the temporary copy, if any.
func (p *patchProcess) cleanup() {
	if p.tmp == "" {
		return
	}

	err := os.Remove(p.tmp)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		p.log.Warn("removing temporary copy", "path", p.tmp, "err", err)
	}
}

// copyFile copies src to dst with the permissions of src. Copying a file on
// itself, whatever the path it is reached by, is a no-op.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}

	existing, err := os.Stat(dst)
	if err == nil && os.SameFile(info, existing) {
		return nil
	}

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}

	_, err = io.Copy(out, in)
	if err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// wrap an error using the provided message and arguments.
func wrap(err error, msg string, args ...interface{}) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(msg, args...), err)
}
