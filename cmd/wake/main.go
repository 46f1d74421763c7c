package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	flag "github.com/spf13/pflag"

	"github.com/ariyn/wake/internal/logger"
	"github.com/ariyn/wake/internal/wake/forecast"
	"github.com/ariyn/wake/internal/wake/metrics"
	"github.com/ariyn/wake/internal/wake/sink"
	"github.com/ariyn/wake/wake"
)

var buildString = "unknown"

// convergedWithin is the percent error under which a forecast is reported
// as converged.
const convergedWithin = 1.0

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, metrics.Default())
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout io.Writer, m *metrics.Metrics) int {
	f := initFlags(stdout)
	if err := f.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		fmt.Fprintf(os.Stderr, "error loading flags: %v\n", err)
		return 2
	}
	if v, _ := f.GetBool("version"); v {
		fmt.Fprintln(stdout, buildString)
		return 0
	}

	cfg, err := initConfig(f)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	logger.SetDevelopment(cfg.Run.Development)
	if cfg.Run.LogLevel != "" {
		if err := logger.SetLevel(cfg.Run.LogLevel); err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			return 1
		}
	}
	log := logger.New("cli")
	log.Debug().Str("build", buildString).Msg("starting")

	all, _ := f.GetBool("all")
	names, _ := f.GetStringSlice("query")
	engine := wake.NewEngine(cfg, wake.WithMetrics(m))
	switch {
	case all:
		names = uniqueNames(append(engine.Names(), names...))
	case len(names) == 0 && len(cfg.Queries) == 1:
		names = engine.Names()
	case len(names) == 0:
		log.Error().Int("configured", len(cfg.Queries)).Msg("no query selected, use --query or --all")
		return 1
	default:
		// queries named one by one run in order
		names = uniqueNames(names)
		cfg.Run.Parallelism = 1
	}
	if len(names) > 1 && sink.SharesPath(cfg.Sink) {
		log.Warn().Interface("path", cfg.Sink.Options["path"]).Msg("queries share one sink file, add {query} to the path to split them")
	}

	if addr, _ := f.GetString("metrics-addr"); addr != "" {
		srv := serveMetrics(log, addr)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	log.Info().Strs("queries", names).Int("batch_size", cfg.Run.BatchSize).Msg("running queries")
	results, err := engine.RunAll(ctx, names, engine.ConfiguredSink)
	for _, res := range results {
		if res.RunID == "" {
			continue
		}
		report(log, res)
	}
	if err != nil {
		if ctx.Err() != nil {
			log.Warn().Msg("shutdown requested, exiting")
			return 130
		}
		log.Error().Err(err).Msg("query failed")
		return 1
	}
	return 0
}

// uniqueNames drops repeated query names, keeping the first occurrence.
func uniqueNames(names []string) []string {
	seen := make(map[string]struct{}, len(names))
	out := names[:0:0]
	for _, n := range names {
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}

func serveMetrics(log zerolog.Logger, addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		log.Info().Str("addr", addr).Msg("serving metrics")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("metrics server stopped")
		}
	}()
	return srv
}

// report logs the per-node statistics of a run and, for a query with a
// forecast, how every prediction scored against the final answer.
func report(log zerolog.Logger, res wake.Result) {
	l := log.With().Str("query", res.Query).Str("run_id", res.RunID).Logger()
	for _, s := range res.Stats {
		l.Info().
			Str("node", s.Name).
			Str("kind", s.Kind.String()).
			Int64("steps", s.Steps).
			Int64("rows_in", s.RowsIn).
			Int64("rows_out", s.RowsOut).
			Dur("busy", s.Busy).
			Msg("node stats")
	}
	for _, e := range res.Evaluations {
		l.Info().
			Float64("rows", e.Rows).
			Float64("predicted", e.Predicted).
			Str("model", e.Model).
			Float64("percent_error", e.PercentError).
			Msg("forecast")
	}
	if first, ok := forecast.FirstWithin(res.Evaluations, convergedWithin); ok {
		l.Info().Float64("rows", first.Rows).Float64("percent_error", first.PercentError).Msg("forecast converged")
	}
	l.Info().Int("batches", res.Batches).Dur("duration", res.Duration).Msg("query finished")
}
