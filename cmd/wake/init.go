package main

import (
	"fmt"
	"io"

	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	flag "github.com/spf13/pflag"

	"github.com/ariyn/wake/internal/wake/query"
)

// flagKeys maps the flags that override the run section onto config keys.
var flagKeys = map[string]string{
	"batch-size":  "run.batch_size",
	"log-level":   "run.log_level",
	"dev":         "run.development",
	"parallelism": "run.parallelism",
	"tpch-dir":    "run.tpch_dir",
}

func initFlags(out io.Writer) *flag.FlagSet {
	f := flag.NewFlagSet("wake", flag.ContinueOnError)
	f.SetOutput(out)
	f.Usage = func() {
		fmt.Fprintln(out, "usage: wake --config run.yaml [--query name ...] [--all]")
		fmt.Fprintln(out, f.FlagUsages())
	}

	f.StringSlice("config", nil, "path to one or more yaml config files (merged in order)")
	f.StringSlice("query", nil, "query to run, repeatable; a, b and d name the built-in TPC-H queries")
	f.Bool("all", false, "run every configured query concurrently")
	f.Int("batch-size", 0, "rows per source batch (0 keeps the table or config default)")
	f.String("log-level", "info", "log level: trace, debug, info, warn, error")
	f.Bool("dev", false, "human readable console logs")
	f.Int("parallelism", 0, "maximum number of queries running at once (0 means no bound)")
	f.String("tpch-dir", "", "directory with <table>.tbl files for the built-in TPC-H queries")
	f.String("metrics-addr", "", "serve Prometheus metrics on this address, e.g. :9090")
	f.Bool("version", false, "show current version of the build")
	return f
}

// initConfig merges the config files and then the flags that were set, or
// whose key the files left empty, into one Config.
func initConfig(f *flag.FlagSet) (*query.Config, error) {
	ko := koanf.New(".")
	paths, _ := f.GetStringSlice("config")
	for _, p := range paths {
		if err := query.LoadFile(ko, p); err != nil {
			return nil, err
		}
	}

	provider := posflag.ProviderWithFlag(f, ".", ko, func(fl *flag.Flag) (string, interface{}) {
		key, ok := flagKeys[fl.Name]
		if !ok {
			return "", nil
		}
		return key, posflag.FlagVal(f, fl)
	})
	if err := ko.Load(provider, nil); err != nil {
		return nil, fmt.Errorf("error reading flag config: %w", err)
	}
	return query.Decode(ko)
}
