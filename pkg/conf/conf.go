// Package conf loads configuration files into command-line flag sets.
package conf

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/c2h5oh/datasize"
	"github.com/spf13/pflag"
)

// Parse the given FlagSet using the given arguments and the file pointed by
// the conf flag value. See Load.
func Parse(fs *pflag.FlagSet, args []string, conf string) error {
	// Can't work on an empty flagset.
	if fs == nil {
		return errors.New(`nil flagset`)
	}

	err := fs.Parse(args)
	if err != nil {
		return err
	}

	return Load(fs, conf)
}

// Load the file pointed by the conf flag value into the flags of the given
// FlagSet that weren't set on the command line.
//
// The parser ignore empty lines and lines that start with a #.
// Lines without a = sign will be considered as a boolean flag and the value
// will default to true.
// The priority order is command line, conf file, then default value.
func Load(fs *pflag.FlagSet, conf string) error {
	if fs == nil {
		return errors.New(`nil flagset`)
	}

	// If there is no configuration flag given, there is nothing to do.
	if conf == "" {
		return nil
	}

	f := fs.Lookup(conf)
	if f == nil {
		return fmt.Errorf("configuration flag %q not found", conf)
	}

	if f.Value.Type() != "string" {
		return fmt.Errorf("non-string configuration flag %q given", conf)
	}
	path := f.Value.String()

	file, err := os.Open(path)

	// If the conf flag wasn't set by hand and it doesn't exist, ignore the
	// error.
	if errors.Is(err, os.ErrNotExist) && !f.Changed {
		return nil
	}

	if err != nil {
		return fmt.Errorf("opening configuration file: %w", err)
	}
	defer file.Close()

	// Parse the configuration file line by line. Only set the flags that
	// weren't encountered on the command line.
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if len(line) == 0 {
			continue
		}

		if strings.HasPrefix(line, "#") {
			continue
		}

		// Ignore dashes at the start of lines.
		line = strings.TrimLeft(line, "-")

		chunks := strings.SplitN(line, "=", 2)
		if len(chunks) == 1 {
			chunks = append(chunks, "true")
		}
		key, val := strings.TrimSpace(chunks[0]), strings.TrimSpace(chunks[1])

		// The file is shared by all the commands, so a key may belong
		// to the flags of another one.
		flag := fs.Lookup(key)
		if flag == nil || flag.Changed {
			continue
		}

		if len(val) != 0 && val[0] == '"' {
			val, err = strconv.Unquote(val)
			if err != nil {
				return fmt.Errorf("unquoting value %q for key %q: %w", val, key, err)
			}
		}

		// Going through the FlagSet marks the flag as changed, which
		// is what we want: a value from the configuration file is
		// still a value set by the user.
		err := fs.Set(key, val)
		if err != nil {
			return fmt.Errorf("setting flag %q to %q: %w", key, val, err)
		}
	}

	return scanner.Err()
}

// ByteSizeFlag returns a pflag.Value that will be parsed into the given
// datasize.ByteSize. Accepted values are the ones of
// datasize.ByteSize.UnmarshalText, like 64MB or 1.5 GB.
func ByteSizeFlag(s *datasize.ByteSize) *byteSizeFlag {
	return &byteSizeFlag{
		s: s,
	}
}

type byteSizeFlag struct {
	s *datasize.ByteSize
}

// String return the textual representation of the size.
func (f *byteSizeFlag) String() string {
	if f.s == nil || *f.s == 0 {
		return ""
	}
	return f.s.HumanReadable()
}

// Set the size from the raw string given.
func (f *byteSizeFlag) Set(raw string) error {
	return f.s.UnmarshalText([]byte(raw))
}

// Type is used by pflag in usage messages.
func (f *byteSizeFlag) Type() string {
	return "size"
}
