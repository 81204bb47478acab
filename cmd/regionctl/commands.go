package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/INLOpen/regionstore/config"
	"github.com/INLOpen/regionstore/core"
	"github.com/INLOpen/regionstore/engine"
	"github.com/INLOpen/regionstore/iterator"
	"github.com/INLOpen/regionstore/metadata"
	"github.com/INLOpen/regionstore/region"
	"github.com/INLOpen/regionstore/server"
)

type usageError struct{ msg string }

func (e usageError) Error() string { return e.msg }

func usagef(format string, args ...any) error {
	return usageError{msg: fmt.Sprintf(format, args...)}
}

type cmdEnv struct {
	cfg    *config.Config
	engine *engine.Engine
	logger *slog.Logger
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
}

type command struct {
	run            func(ctx context.Context, env *cmdEnv, args []string) error
	publishMetrics bool
}

var commands = map[string]command{
	"list":   {run: runList},
	"create": {run: runCreate},
	"stats":  {run: runStats},
	"write":  {run: runWrite},
	"flush":  {run: runFlush},
	"scan":   {run: runScan},
	"alter":  {run: runAlter},
	"serve":  {run: runServe, publishMetrics: true},
}

func newFlagSet(name string, env *cmdEnv) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(env.stderr)
	return fs
}

// singleRegion parses fs and returns its only positional argument.
func singleRegion(fs *flag.FlagSet, args []string) (string, error) {
	if err := fs.Parse(args); err != nil {
		return "", usagef("%s: %v", fs.Name(), err)
	}
	if fs.NArg() != 1 {
		return "", usagef("%s needs exactly one region name", fs.Name())
	}
	return fs.Arg(0), nil
}

func runList(ctx context.Context, env *cmdEnv, args []string) error {
	names, err := env.engine.ListRegions(ctx)
	if err != nil {
		return err
	}
	if len(names) == 0 {
		fmt.Fprintln(env.stdout, "No regions found.")
		return nil
	}
	for _, name := range names {
		fmt.Fprintln(env.stdout, name)
	}
	return nil
}

func runCreate(ctx context.Context, env *cmdEnv, args []string) error {
	fs := newFlagSet("create", env)
	schemaPath := fs.String("schema", "", "YAML schema file (required)")
	name, err := singleRegion(fs, args)
	if err != nil {
		return err
	}
	if *schemaPath == "" {
		return usagef("create: -schema is required")
	}
	f, err := os.Open(*schemaPath)
	if err != nil {
		return fmt.Errorf("failed to open schema file: %w", err)
	}
	defer f.Close()
	schema, err := loadSchema(f)
	if err != nil {
		return err
	}
	meta, err := schema.build(name)
	if err != nil {
		return err
	}
	r, err := env.engine.CreateRegion(ctx, meta)
	if err != nil {
		return err
	}
	fmt.Fprintf(env.stdout, "Created region %s: %s\n", r.Name(), r.Metadata())
	return nil
}

func runStats(ctx context.Context, env *cmdEnv, args []string) error {
	names := args
	if len(names) == 0 {
		var err error
		if names, err = env.engine.ListRegions(ctx); err != nil {
			return err
		}
	}
	if err := env.engine.OpenRegions(ctx, names); err != nil {
		return err
	}
	enc := json.NewEncoder(env.stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(env.engine.Stats())
}

func runWrite(ctx context.Context, env *cmdEnv, args []string) error {
	fs := newFlagSet("write", env)
	file := fs.String("file", "", "JSON lines file to read rows from (default stdin)")
	name, err := singleRegion(fs, args)
	if err != nil {
		return err
	}
	in := env.stdin
	if *file != "" {
		f, err := os.Open(*file)
		if err != nil {
			return fmt.Errorf("failed to open rows file: %w", err)
		}
		defer f.Close()
		in = f
	}

	r, err := env.engine.OpenRegion(ctx, name)
	if err != nil {
		return err
	}
	wb, err := decodeRows(r.Metadata(), in)
	if err != nil {
		return err
	}
	resp, err := r.Write(ctx, wb)
	if err != nil {
		return err
	}
	fmt.Fprintf(env.stdout, "Wrote %d rows to %s at sequences %s\n", resp.RowsAffected, name, resp.Sequences)
	return nil
}

func runFlush(ctx context.Context, env *cmdEnv, args []string) error {
	name, err := singleRegion(newFlagSet("flush", env), args)
	if err != nil {
		return err
	}
	r, err := env.engine.OpenRegion(ctx, name)
	if err != nil {
		return err
	}
	if err := r.Flush(ctx); err != nil {
		return err
	}
	st := r.Stats()
	fmt.Fprintf(env.stdout, "Flushed %s up to sequence %d; level 0 holds %d files\n", name, st.FlushedSequence, st.FilesPerLevel[0])
	return nil
}

func runScan(ctx context.Context, env *cmdEnv, args []string) error {
	fs := newFlagSet("scan", env)
	columns := fs.String("columns", "", "Comma separated columns to return (default all)")
	start := fs.Int64("start", math.MinInt64, "Inclusive start timestamp in milliseconds")
	end := fs.Int64("end", math.MaxInt64, "Exclusive end timestamp in milliseconds")
	sequence := fs.Uint64("sequence", 0, "Visibility sequence (default the committed sequence)")
	batchSize := fs.Int("batch-size", 1024, "Rows per chunk")
	name, err := singleRegion(fs, args)
	if err != nil {
		return err
	}

	req := region.ScanRequest{BatchSize: *batchSize}
	if *columns != "" {
		req.Projection = strings.Split(*columns, ",")
	}
	if *start != math.MinInt64 || *end != math.MaxInt64 {
		req.TimeRange = &core.TimeRange{Start: *start, End: *end}
	}
	fs.Visit(func(f *flag.Flag) {
		if f.Name == "sequence" {
			seq := *sequence
			req.Sequence = &seq
		}
	})

	r, err := env.engine.OpenRegion(ctx, name)
	if err != nil {
		return err
	}
	resp, err := r.Snapshot(ctx).Scan(ctx, req)
	if err != nil {
		return err
	}
	defer resp.Reader.Close()
	return printChunks(ctx, env.stdout, resp.Reader)
}

func printChunks(ctx context.Context, out io.Writer, reader iterator.ChunkReader) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	schema := reader.Schema()
	names := make([]string, len(schema))
	for i, col := range schema {
		names[i] = strings.ToUpper(col.Name)
	}
	fmt.Fprintln(w, strings.Join(names, "\t"))

	rows := 0
	for {
		chunk, err := reader.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		for i := 0; i < chunk.NumRows(); i++ {
			row := chunk.Row(i)
			cells := make([]string, len(row))
			for j, v := range row {
				cells[j] = v.String()
			}
			fmt.Fprintln(w, strings.Join(cells, "\t"))
		}
		rows += chunk.NumRows()
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(out, "(%d rows)\n", rows)
	return nil
}

func runAlter(ctx context.Context, env *cmdEnv, args []string) error {
	fs := newFlagSet("alter", env)
	add := fs.String("add", "", "Column to add as name:type")
	drop := fs.String("drop", "", "Value column to drop")
	name, err := singleRegion(fs, args)
	if err != nil {
		return err
	}
	var req metadata.AlterRequest
	if *add != "" {
		colName, typeName, ok := strings.Cut(*add, ":")
		if !ok {
			return usagef("alter: -add wants name:type, got %q", *add)
		}
		t, err := core.ParseDataType(typeName)
		if err != nil {
			return err
		}
		req.AddColumns = append(req.AddColumns, metadata.ColumnSchema{
			Name: colName, Type: t, Nullable: true, Semantic: metadata.SemanticField,
		})
	}
	if *drop != "" {
		req.DropColumns = append(req.DropColumns, *drop)
	}
	if len(req.AddColumns) == 0 && len(req.DropColumns) == 0 {
		return usagef("alter: nothing to do, pass -add or -drop")
	}

	r, err := env.engine.OpenRegion(ctx, name)
	if err != nil {
		return err
	}
	meta, err := r.Alter(ctx, req)
	if err != nil {
		return err
	}
	fmt.Fprintf(env.stdout, "Altered region %s: %s\n", name, meta)
	return nil
}

func runServe(ctx context.Context, env *cmdEnv, args []string) error {
	if err := env.engine.OpenAll(ctx); err != nil {
		return err
	}
	env.logger.Info("Regions opened", "regions", env.engine.OpenRegionNames())

	debugCfg := env.cfg.Debug
	srv := server.NewDebugServer(&debugCfg, env.engine, env.logger)
	collector := server.NewSystemCollector(env.cfg.Storage.DataDir,
		config.ParseDuration(debugCfg.SystemMetricsInterval, 0, env.logger), env.logger)
	collector.Start()
	defer collector.Stop()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case <-ctx.Done():
		env.logger.Info("Shutdown signal received")
		srv.Stop(context.WithoutCancel(ctx))
		return <-errCh
	case err := <-errCh:
		return err
	}
}
