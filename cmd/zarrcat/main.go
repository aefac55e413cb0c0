// Command zarrcat prints a group, a dataset or a slice of dataset data from
// a remote zarr store.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/fxamacker/cbor/v2"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	zarr "github.com/qri-io/remote-zarr"
)

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, stdout io.Writer) error {
	var (
		configPath string
		logLevel   string
		format     string
		sliceFlag  string
		data       bool
		wide       bool
		cacheBust  bool
	)

	flagSet := pflag.NewFlagSet("zarrcat", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "path to a YAML config file")
	flagSet.StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error (overrides config)")
	flagSet.StringVarP(&format, "format", "f", "json", "output format: json, yaml or cbor")
	flagSet.StringVarP(&sliceFlag, "slice", "s", "", "per-axis bounds, e.g. 0:10,5:20 (implies --data)")
	flagSet.BoolVarP(&data, "data", "d", false, "print dataset data instead of the descriptor")
	flagSet.BoolVar(&wide, "wide", false, "keep 64-bit integers instead of narrowing them")
	flagSet.BoolVar(&cacheBust, "cache-bust", false, "bypass intermediate HTTP caches")
	flagSet.Usage = func() { printHelp(flagSet) }

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	rest := flagSet.Args()
	if len(rest) < 1 || len(rest) > 2 {
		printHelp(flagSet)
		return errors.New("expected URL and optional PATH arguments")
	}
	url, nodePath := rest[0], "/"
	if len(rest) == 2 {
		nodePath = rest[1]
	}

	cfg := zarr.DefaultConfig()
	if configPath != "" {
		var err error
		if cfg, err = zarr.LoadConfig(configPath); err != nil {
			return err
		}
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if cacheBust {
		cfg.CacheBust = true
	}

	logger := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	logger = log.With(logger, "ts", log.DefaultTimestampUTC, "caller", log.DefaultCaller)
	logger, err := cfg.FilterLogger(logger)
	if err != nil {
		return err
	}

	bounds, err := parseSlice(sliceFlag)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	opts, err := cfg.Options(ctx, logger, nil)
	if err != nil {
		return err
	}
	f, err := zarr.Open(ctx, url, opts...)
	if err != nil {
		return fmt.Errorf("opening %s: %w", url, err)
	}
	level.Debug(logger).Log("msg", "opened", "file", f)

	var out interface{}
	switch {
	case data || bounds != nil:
		d, err := f.DatasetData(ctx, nodePath, zarr.DataOptions{Slice: bounds, PreserveWideInt: wide})
		if err != nil {
			return err
		}
		out = dataOutput(d)
	default:
		g, err := f.Group(ctx, nodePath)
		if errors.Is(err, zarr.ErrNotFound) {
			ds, dsErr := f.Dataset(ctx, nodePath)
			if dsErr != nil {
				return dsErr
			}
			out = datasetOutput(ds)
			break
		}
		if err != nil {
			return err
		}
		out = groupOutput(g)
	}
	return write(stdout, format, out)
}

func printHelp(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `zarrcat prints the contents of a remote zarr store.

Usage:
  zarrcat [flags] URL [PATH]

URL is a directory store (https://host/data.zarr) or a packed reference
filesystem blob (.json or .tar). PATH defaults to the root group. A group
prints its attributes and children; a dataset prints its descriptor, or its
data with --data or --slice.

Flags:
`)
	flagSet.PrintDefaults()
}

// parseSlice parses "start:end,start:end". An empty string means no bounds.
func parseSlice(s string) ([]zarr.Bound, error) {
	if s == "" {
		return nil, nil
	}
	var bounds []zarr.Bound
	for _, axis := range strings.Split(s, ",") {
		lo, hi, ok := strings.Cut(axis, ":")
		if !ok {
			return nil, fmt.Errorf("invalid slice axis %q, want start:end", axis)
		}
		start, err := strconv.ParseFloat(strings.TrimSpace(lo), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid slice start %q: %w", lo, err)
		}
		end, err := strconv.ParseFloat(strings.TrimSpace(hi), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid slice end %q: %w", hi, err)
		}
		bounds = append(bounds, zarr.Bound{Start: start, End: end})
	}
	return bounds, nil
}

func groupOutput(g *zarr.Group) zarr.Value {
	subgroups := make([]zarr.Value, 0, len(g.Subgroups))
	for _, sg := range g.Subgroups {
		subgroups = append(subgroups, zarr.MapValue(map[string]zarr.Value{
			"name":  zarr.StringValue(sg.Name),
			"path":  zarr.StringValue(sg.Path),
			"attrs": zarr.MapValue(sg.Attrs),
		}))
	}
	datasets := make([]zarr.Value, 0, len(g.Datasets))
	for _, ds := range g.Datasets {
		datasets = append(datasets, datasetOutput(ds))
	}
	return zarr.MapValue(map[string]zarr.Value{
		"path":      zarr.StringValue(g.Path),
		"attrs":     zarr.MapValue(g.Attrs),
		"subgroups": zarr.ListValue(subgroups...),
		"datasets":  zarr.ListValue(datasets...),
	})
}

func datasetOutput(ds *zarr.Dataset) zarr.Value {
	return zarr.MapValue(map[string]zarr.Value{
		"name":  zarr.StringValue(ds.Name),
		"path":  zarr.StringValue(ds.Path),
		"shape": intsValue(ds.Shape),
		"dtype": zarr.StringValue(ds.Dtype),
		"attrs": zarr.MapValue(ds.Attrs),
	})
}

func dataOutput(d *zarr.Data) zarr.Value {
	values := d.Float64s()
	out := map[string]zarr.Value{
		"dtype": zarr.StringValue(d.Dtype.String()),
		"shape": intsValue(d.Shape),
	}
	if d.Scalar {
		out["value"] = zarr.NumberValue(values[0])
	} else {
		items := make([]zarr.Value, len(values))
		for i, v := range values {
			items[i] = zarr.NumberValue(v)
		}
		out["values"] = zarr.ListValue(items...)
	}
	return zarr.MapValue(out)
}

func intsValue(ns []int) zarr.Value {
	items := make([]zarr.Value, len(ns))
	for i, n := range ns {
		items[i] = zarr.NumberValue(float64(n))
	}
	return zarr.ListValue(items...)
}

func write(w io.Writer, format string, v interface{}) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml":
		enc := yaml.NewEncoder(w)
		defer enc.Close()
		return enc.Encode(v)
	case "cbor":
		return cbor.NewEncoder(w).Encode(v)
	}
	return fmt.Errorf("unknown format %q", format)
}
