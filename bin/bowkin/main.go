package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/elwinar/bowkin"
	"github.com/elwinar/bowkin/pkg/catalog"
	"github.com/elwinar/bowkin/pkg/conf"
	"github.com/elwinar/bowkin/pkg/metrics"
	"github.com/elwinar/bowkin/pkg/patch"
	"github.com/inconshreveable/log15"
	"github.com/spf13/cobra"
)

var Version = "N/C"

// Exit codes.
const (
	exitOK       = 0
	exitError    = 1
	exitUsage    = 2
	exitNotFound = 3
)

// main is tasked to bootstrap the service and exit with the status of the
// command.
func main() {
	s := newService(os.Stdin, os.Stdout, os.Stderr)
	os.Exit(s.execute(os.Args[1:]))
}

type service struct {
	conf        string
	dir         string
	index       string
	backend     string
	log         string
	metricsFile string
	maxSize     datasize.ByteSize
	yes         bool
	patchelf    string

	stdin  *bufio.Reader
	stdout io.Writer
	stderr io.Writer

	logger  log15.Logger
	metrics *metrics.Metrics
	catalog *catalog.Catalog
	root    *cobra.Command
}

func newService(stdin io.Reader, stdout, stderr io.Writer) *service {
	s := &service{
		stdin:   bufio.NewReader(stdin),
		stdout:  stdout,
		stderr:  stderr,
		metrics: metrics.New(),
	}

	// Errors happening before the configuration is read are still logged.
	s.logger = log15.New()
	s.logger.SetHandler(log15.StreamHandler(s.stderr, log15.LogfmtFormat()))

	s.configure()
	return s
}

// usageError is an error in the invocation of a command, as opposed to an
// error in its execution.
type usageError struct {
	error
}

func (e usageError) Unwrap() error {
	return e.error
}

// usageArgs marks the errors of a positional arguments validator as usage
// errors.
func usageArgs(fn cobra.PositionalArgs) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		err := fn(cmd, args)
		if err != nil {
			return usageError{err}
		}
		return nil
	}
}

// configure builds the commands and their flags.
func (s *service) configure() {
	s.root = &cobra.Command{
		Use:               "bowkin",
		Short:             "Identify and fingerprint libc builds",
		Version:           Version,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: s.init,
		Args:              cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return cmd.Help()
			}
			return usageError{fmt.Errorf("unknown command %q", args[0])}
		},
	}
	s.root.SetIn(s.stdin)
	s.root.SetOut(s.stdout)
	s.root.SetErr(s.stderr)
	s.root.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return usageError{err}
	})

	fs := s.root.PersistentFlags()
	fs.StringVar(&s.conf, "conf", defaultConf(), "configuration file to load")
	fs.StringVar(&s.dir, "dir", "libcs", "path of the directory holding the libcs")
	fs.StringVar(&s.index, "index", "", "path of the catalog index (default next to the libcs directory)")
	fs.StringVar(&s.backend, "catalog.backend", catalog.BackendBleve, "storage of the catalog index (bleve or sqlite)")
	fs.StringVar(&s.log, "log.level", "info", "log level (debug, info, warn, error, crit)")
	fs.StringVar(&s.metricsFile, "metrics.file", "", "file to write the metrics to, in the textfile collector format")

	s.root.AddCommand(
		s.findCommand(),
		s.identifyCommand(),
		s.rebuildCommand(),
		s.patchCommand(),
		s.listCommand(),
		s.lddCommand(),
	)
}

// defaultConf returns the path of the default configuration file.
func defaultConf() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "bowkin", "bowkin.conf")
}

// init does the actual bootstraping of the service, once the command line is
// parsed: configuration file, logger, catalog.
func (s *service) init(cmd *cobra.Command, _ []string) error {
	err := conf.Load(cmd.Flags(), "conf")
	if err != nil {
		return usageError{wrap(err, "loading configuration")}
	}

	// Logger
	lvl, err := log15.LvlFromString(s.log)
	if err != nil {
		return usageError{wrap(err, "parsing log level")}
	}
	s.logger.SetHandler(log15.LvlFilterHandler(lvl, log15.StreamHandler(s.stderr, log15.LogfmtFormat())))

	// Catalog
	if s.index == "" {
		ext := ".bleve"
		if s.backend == catalog.BackendSQLite {
			ext = ".db"
		}
		s.index = filepath.Clean(s.dir) + ext
	}

	s.logger.Debug("opening catalog", "dir", s.dir, "index", s.index, "backend", s.backend)
	s.catalog, err = catalog.New(catalog.Config{
		Root:    s.dir,
		Index:   s.index,
		Backend: s.backend,
		MaxSize: s.maxSize,
		Logger:  s.logger.New("component", "catalog"),
		Metrics: s.metrics,
	})
	if err != nil {
		return usageError{wrap(err, "configuring catalog")}
	}

	return nil
}

// execute runs the command line and returns the exit code.
func (s *service) execute(args []string) int {
	s.root.SetArgs(args)

	start := time.Now()
	cmd, err := s.root.ExecuteC()
	if cmd != nil && cmd != s.root {
		s.metrics.Duration.WithLabelValues(cmd.Name()).Observe(time.Since(start).Seconds())
	}

	if s.metricsFile != "" {
		merr := s.metrics.WriteToTextfile(s.metricsFile)
		if merr != nil {
			s.logger.Error("writing metrics", "err", merr)
		}
	}

	return s.exit(cmd, err)
}

// exit logs the error and maps it to an exit code.
func (s *service) exit(cmd *cobra.Command, err error) int {
	if err == nil {
		return exitOK
	}

	var uerr usageError
	switch {
	case errors.As(err, &uerr):
		fmt.Fprintln(s.stderr, "Error:", err)
		if cmd != nil {
			fmt.Fprint(s.stderr, cmd.UsageString())
		}
		return exitUsage

	case errors.Is(err, bowkin.ErrNotFound):
		fmt.Fprintln(s.stderr, err)
		return exitNotFound

	case errors.Is(err, bowkin.ErrAborted):
		fmt.Fprintln(s.stderr, "Aborted.")
		return exitError

	default:
		s.logger.Crit("running command", "err", err)
		return exitError
	}
}

// confirm asks a yes/no question on the terminal, unless -yes was given.
func (s *service) confirm(question string) bool {
	if s.yes {
		return true
	}

	fmt.Fprintf(s.stderr, "%s (y/[N]) ", question)
	answer, err := s.stdin.ReadString('\n')
	if err != nil && answer == "" {
		fmt.Fprintln(s.stderr)
		return false
	}

	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "y", "yes":
		return true
	default:
		return false
	}
}

func (s *service) patcher() patch.Patcher {
	return patch.Patcher{
		Patchelf: s.patchelf,
		Confirm:  s.confirm,
		Logger:   s.logger.New("component", "patch"),
	}
}

// wrap an error using the provided message and arguments.
func wrap(err error, msg string, args ...interface{}) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(msg, args...), err)
}
