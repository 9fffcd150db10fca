package conf

import (
	"testing"

	"github.com/c2h5oh/datasize"
	"github.com/google/go-cmp/cmp"
	"github.com/spf13/pflag"
)

func TestParse(t *testing.T) {
	type dummy struct {
		FromDefault  string
		FromCLI      string
		FromConf     string
		PriorityCLI  string
		PriorityConf string
		QuotedConf   string

		NakedBool       bool
		NormalBool      bool
		NormalFalseBool bool
		QuotedBool      bool

		MaxSize datasize.ByteSize
	}

	got := dummy{
		NormalFalseBool: true,
	}
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.StringVar(&got.FromDefault, "from-default", "value-default", "value taken from default")
	fs.StringVar(&got.FromCLI, "from-cli", "value-default", "value taken from CLI")
	fs.StringVar(&got.FromConf, "from-conf", "value-default", "value taken from conf")
	fs.StringVar(&got.PriorityCLI, "priority-cli", "value-default", "value taken from CLI over others")
	fs.StringVar(&got.PriorityConf, "priority-conf", "value-default", "value taken from conf over default")
	fs.StringVar(&got.QuotedConf, "quoted-conf", "value-default", "value taken from conf and unquoted")
	fs.BoolVar(&got.NakedBool, "naked-bool", false, "value taken from a naked flag in conf")
	fs.BoolVar(&got.NormalBool, "normal-bool", false, "value taken from conf")
	fs.BoolVar(&got.NormalFalseBool, "normal-false-bool", true, "value taken from conf")
	fs.BoolVar(&got.QuotedBool, "quoted-bool", false, "value taken from conf and unquoted")
	fs.Var(ByteSizeFlag(&got.MaxSize), "max-size", "value taken from conf and parsed as a size")
	fs.String("c", "./testdata/test.conf", "configuration file path")

	args := []string{
		"--from-cli", "value-cli",
		"--priority-cli", "value-cli",
	}

	err := Parse(fs, args, "c")
	if err != nil {
		t.Errorf(`unexpected error: got %#v`, err)
	}

	expected := dummy{
		FromDefault:     "value-default",
		FromCLI:         "value-cli",
		FromConf:        "value-conf",
		PriorityCLI:     "value-cli",
		PriorityConf:    "value-conf",
		QuotedConf:      "value-conf",
		NakedBool:       true,
		NormalBool:      true,
		NormalFalseBool: false,
		QuotedBool:      true,
		MaxSize:         64 * datasize.MB,
	}

	if !cmp.Equal(expected, got) {
		t.Errorf(`Parse(): unexpected result`)
		t.Log(cmp.Diff(expected, got))
	}
}

func TestLoad_missingFile(t *testing.T) {
	type testcase struct {
		args    []string
		wantErr bool
	}

	for n, c := range map[string]testcase{
		"default path": testcase{
			args:    nil,
			wantErr: false,
		},
		"explicit path": testcase{
			args:    []string{"--c", "./testdata/missing.conf"},
			wantErr: true,
		},
	} {
		t.Run(n, func(t *testing.T) {
			fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
			fs.String("c", "./testdata/missing.conf", "configuration file path")

			err := Parse(fs, c.args, "c")
			if (err != nil) != c.wantErr {
				t.Errorf(`Parse(%q): wanted error %t, got %v`, c.args, c.wantErr, err)
			}
		})
	}
}

func TestLoad_unknownFlag(t *testing.T) {
	var fromConf string
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.StringVar(&fromConf, "from-conf", "value-default", "value taken from conf")
	fs.String("c", "./testdata/test.conf", "configuration file path")

	err := Parse(fs, nil, "c")
	if err != nil {
		t.Fatalf(`Parse(): unexpected error: %s`, err)
	}

	if fromConf != "value-conf" {
		t.Errorf(`Parse(): wanted %q, got %q`, "value-conf", fromConf)
	}
}
