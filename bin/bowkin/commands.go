package main

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/elwinar/bowkin"
	"github.com/elwinar/bowkin/pkg/conf"
	"github.com/elwinar/bowkin/pkg/elfx"
	"github.com/elwinar/bowkin/pkg/fingerprint"
	"github.com/elwinar/bowkin/pkg/identify"
	"github.com/elwinar/bowkin/pkg/patch"
	"github.com/spf13/cobra"
)

func (s *service) findCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "find SYMBOL=ADDRESS...",
		Short: "Find the libcs matching leaked symbol addresses",
		Long: `Find the libcs matching leaked symbol addresses.

Only the page offset of each address (its 12 lowest bits) is compared, so the
addresses can be given as leaked from a randomized process.`,
		Args: usageArgs(cobra.MinimumNArgs(1)),
		RunE: s.find,
	}
}

func (s *service) find(cmd *cobra.Command, args []string) error {
	constraints := make([]bowkin.Constraint, 0, len(args))
	for _, arg := range args {
		c, err := fingerprint.ParseConstraint(arg)
		if err != nil {
			return usageError{err}
		}
		constraints = append(constraints, c)
	}

	matcher := fingerprint.NewMatcher(s.catalog, s.logger.New("component", "fingerprint"), s.metrics)
	records, err := matcher.FindCandidates(constraints)
	if err != nil {
		return err
	}

	if len(records) == 0 {
		return fmt.Errorf("no libc matching %s: %w", joinConstraints(constraints), bowkin.ErrNotFound)
	}

	return s.print(s.entries(records))
}

func joinConstraints(constraints []bowkin.Constraint) string {
	var chunks []string
	for _, c := range constraints {
		chunks = append(chunks, c.String())
	}
	return strings.Join(chunks, " ")
}

func (s *service) identifyCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "identify LIBC_FILE",
		Short: "Find a libc in the catalog by its build-id",
		Args:  usageArgs(cobra.ExactArgs(1)),
		RunE:  s.identify,
	}
}

func (s *service) identify(cmd *cobra.Command, args []string) error {
	records, err := s.lookup(args[0])
	if err != nil {
		return err
	}
	return s.print(s.entries(records))
}

// lookup the records with the same build-id as the given file.
func (s *service) lookup(path string) ([]bowkin.LibcRecord, error) {
	id, err := identify.NewService(s.catalog, s.logger.New("component", "identify")).Identify(path)
	if err != nil {
		return nil, err
	}

	if !id.Present {
		return nil, fmt.Errorf("%s has no build-id: %w", path, bowkin.ErrNotFound)
	}

	if len(id.Records) == 0 {
		return nil, fmt.Errorf("build-id %s of %s: %w", id.BuildID, path, bowkin.ErrNotFound)
	}

	return id.Records, nil
}

func (s *service) rebuildCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rebuild",
		Short: "Rebuild the catalog index from the libcs directory",
		Args:  usageArgs(cobra.NoArgs),
		RunE:  s.rebuild,
	}
	cmd.Flags().Var(conf.ByteSizeFlag(&s.maxSize), "rebuild.max-size", "maximum size of the files to index (default no limit)")
	return cmd
}

// rebuildSummary is the output of the rebuild command.
type rebuildSummary struct {
	Records int       `json:"records"`
	Debug   int       `json:"debug"`
	Skipped []skipped `json:"skipped"`
}

type skipped struct {
	Location string `json:"location"`
	Reason   string `json:"reason"`
	Error    string `json:"error"`
}

func (s *service) rebuild(cmd *cobra.Command, args []string) error {
	report, err := s.catalog.Rebuild()
	if err != nil {
		return err
	}

	summary := rebuildSummary{
		Records: len(report.Records),
		Debug:   report.Debug,
		Skipped: []skipped{},
	}
	for _, sk := range report.Skipped {
		summary.Skipped = append(summary.Skipped, skipped{
			Location: sk.Location,
			Reason:   sk.Reason,
			Error:    fmt.Sprint(sk.Err),
		})
	}
	return s.print(summary)
}

func (s *service) patchCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "patch BINARY LIBC_FILE",
		Short: "Patch a binary to use a libc of the catalog",
		Long: `Patch a binary to use a libc of the catalog.

The libc is identified by its build-id, then copied with its loader next to the
binary, and a patched copy of the binary named after the libc version is
written with patchelf.`,
		Args: usageArgs(cobra.ExactArgs(2)),
		RunE: s.patch,
	}
	cmd.Flags().BoolVarP(&s.yes, "yes", "y", false, "don't ask for confirmation")
	cmd.Flags().StringVar(&s.patchelf, "patchelf", patch.DefaultPatchelf, "path of the patchelf program")
	return cmd
}

func (s *service) patch(cmd *cobra.Command, args []string) error {
	binary, libc := args[0], args[1]

	records, err := s.lookup(libc)
	if err != nil {
		return err
	}

	var libcs []bowkin.LibcRecord
	for _, r := range records {
		if r.Kind == bowkin.KindLibc {
			libcs = append(libcs, r)
		}
	}
	if len(libcs) == 0 {
		return usageError{fmt.Errorf("%s is a %s: %w", libc, records[0].Kind, bowkin.ErrNotLibc)}
	}

	rec, err := s.choose(libcs)
	if err != nil {
		return err
	}

	res, err := s.patcher().Patch(rec, s.catalog.Path(rec), binary)
	if err != nil {
		return err
	}
	return s.print(res)
}

// choose one of the records, asking the user if there is more than one.
func (s *service) choose(records []bowkin.LibcRecord) (bowkin.LibcRecord, error) {
	if len(records) == 1 {
		return records[0], nil
	}

	if s.yes {
		s.logger.Warn("several libcs match, using the first one", "location", records[0].Location)
		return records[0], nil
	}

	for {
		fmt.Fprintln(s.stderr, "Possible entries:")
		for i, r := range records {
			fmt.Fprintf(s.stderr, "%d) %s\n", i, r)
		}
		fmt.Fprint(s.stderr, "Choose one entry (-1 to exit): ")

		line, err := s.stdin.ReadString('\n')
		if err != nil && line == "" {
			fmt.Fprintln(s.stderr)
			return bowkin.LibcRecord{}, bowkin.ErrAborted
		}

		choice, err := strconv.Atoi(strings.TrimSpace(line))
		if err != nil || choice < -1 || choice >= len(records) {
			fmt.Fprintln(s.stderr, "Not valid.")
			continue
		}
		if choice == -1 {
			return bowkin.LibcRecord{}, bowkin.ErrAborted
		}
		return records[choice], nil
	}
}

func (s *service) listCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the libcs of the catalog",
		Args:  usageArgs(cobra.NoArgs),
		RunE:  s.list,
	}
}

func (s *service) list(cmd *cobra.Command, args []string) error {
	records, err := s.catalog.Records()
	if err != nil {
		return err
	}
	return s.print(s.entries(records))
}

// entry is the output form of a record, with the location of its files.
type entry struct {
	bowkin.LibcRecord
	Realpath string `json:"realpath"`
	Debug    string `json:"debug,omitempty"`
}

func (s *service) entries(records []bowkin.LibcRecord) []entry {
	entries := make([]entry, 0, len(records))
	for _, r := range records {
		e := entry{
			LibcRecord: r,
			Realpath:   s.catalog.Path(r),
		}

		path, err := filepath.EvalSymlinks(e.Realpath)
		if err == nil {
			e.Realpath = path
		}

		if debug, ok := s.catalog.DebugPath(r); ok {
			e.Debug = debug
		}

		entries = append(entries, e)
	}
	return entries
}

// print v as indented JSON on the standard output.
func (s *service) print(v interface{}) error {
	enc := json.NewEncoder(s.stdout)
	enc.SetIndent("", "    ")
	err := enc.Encode(v)
	if err != nil {
		return wrap(err, "writing output")
	}
	return nil
}

func (s *service) lddCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "ldd BINARY",
		Short: "Show the loader and libraries a patched binary resolves to",
		Args:  usageArgs(cobra.ExactArgs(1)),
		RunE:  s.ldd,
	}
}

// dependency is a library or interpreter requested by a binary.
type dependency struct {
	Name  string `json:"name"`
	Path  string `json:"path"`
	Found bool   `json:"found"`
}

// dependencies is the output of the ldd command.
type dependencies struct {
	Interpreter *dependency  `json:"interpreter"`
	Libraries   []dependency `json:"libraries"`
}

func (s *service) ldd(cmd *cobra.Command, args []string) error {
	file, err := elfx.Open(args[0])
	if err != nil {
		return err
	}
	defer file.Close()

	libraries, err := file.ImportedLibraries()
	if err != nil {
		return wrap(err, "parsing imported libraries")
	}

	var out dependencies
	if interp, ok := file.Interpreter(); ok {
		out.Interpreter = s.resolve(file, interp)
	}

	out.Libraries = []dependency{}
	for _, library := range libraries {
		out.Libraries = append(out.Libraries, *s.resolve(file, library))
	}

	return s.print(out)
}

func (s *service) resolve(file elfx.File, name string) *dependency {
	path, ok, err := file.ResolveNeeded(name)
	if err != nil {
		s.logger.Warn("resolving library", "name", name, "err", err)
	}
	return &dependency{
		Name:  name,
		Path:  path,
		Found: ok,
	}
}
