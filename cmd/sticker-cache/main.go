// Command sticker-cache mirrors a sticker catalog and its images locally.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/lmittmann/tint"

	"github.com/wolfeidau/sticker-cache/manager"
	"github.com/wolfeidau/sticker-cache/telemetry"
	"github.com/wolfeidau/sticker-cache/upstream"
)

var version = "dev"

// Globals are the flags shared by every command.
type Globals struct {
	Project      string        `name:"project" help:"Project identifier." env:"STICKER_PROJECT" required:""`
	CacheDir     string        `name:"cache-dir" help:"Cache root directory." env:"STICKER_CACHE_DIR" type:"path"`
	SharedDir    string        `name:"shared-dir" help:"Shared container directory, used as the cache root when --cache-dir is unset." env:"STICKER_SHARED_DIR" type:"path"`
	NoAnalytics  bool          `name:"no-analytics" help:"Do not send usage events." env:"STICKER_NO_ANALYTICS"`
	CatalogURL   string        `name:"catalog-url" help:"Catalog endpoint base." default:"${catalog_url}"`
	EventsURL    string        `name:"events-url" help:"Analytics endpoint base." default:"${events_url}"`
	HTTPTimeout  time.Duration `name:"http-timeout" help:"Timeout for upstream requests." default:"30s"`
	LogLevel     string        `name:"log-level" help:"Log level." enum:"debug,info,warn,error" default:"info"`
	LogFormat    string        `name:"log-format" help:"Log format." enum:"text,json" default:"text"`
	OTLPEndpoint string        `name:"otlp-endpoint" help:"OTLP gRPC endpoint for metrics." env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	Prometheus   bool          `name:"prometheus" help:"Expose Prometheus metrics at /metrics."`
}

// CLI is the command line of sticker-cache.
type CLI struct {
	Globals

	Version  kong.VersionFlag `help:"Print version and exit."`
	Sync     SyncCmd          `cmd:"" help:"Sync the catalog and print what was served."`
	Assets   AssetsCmd        `cmd:"" help:"Sync the catalog and list its stickers."`
	Fetch    FetchCmd         `cmd:"" help:"Print the local path of a sticker, downloading it if needed."`
	Prefetch PrefetchCmd      `cmd:"" help:"Download every sticker in the catalog."`
	Status   StatusCmd        `cmd:"" help:"Show the local cache state."`
	Serve    ServeCmd         `cmd:"" help:"Serve the local mirror over HTTP."`
}

// runtime is bound into every command's Run method.
type runtime struct {
	ctx     context.Context
	globals *Globals
	logger  *slog.Logger
	out     io.Writer
}

// open creates a manager from the global flags. opts adjust the config
// for a single command.
func (rt *runtime) open(opts ...func(*manager.Config)) (*manager.Manager, error) {
	g := rt.globals
	cfg := manager.Config{
		ProjectID:        g.Project,
		CacheDir:         g.CacheDir,
		SharedDir:        g.SharedDir,
		DisableAnalytics: g.NoAnalytics,
		CatalogURL:       g.CatalogURL,
		EventsURL:        g.EventsURL,
		HTTPTimeout:      g.HTTPTimeout,
		Logger:           rt.logger,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return manager.New(rt.ctx, cfg)
}

func (rt *runtime) printJSON(v any) error {
	enc := json.NewEncoder(rt.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func kongOptions() []kong.Option {
	return []kong.Option{
		kong.Name("sticker-cache"),
		kong.Description("Keep a local mirror of a sticker catalog and its images."),
		kong.UsageOnError(),
		kong.Vars{
			"version":     version,
			"catalog_url": upstream.DefaultCatalogURL,
			"events_url":  upstream.DefaultEventsURL,
		},
	}
}

func main() {
	var cli CLI
	kctx := kong.Parse(&cli, kongOptions()...)

	if err := run(kctx, &cli); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(kctx *kong.Context, cli *CLI) error {
	logger, err := newLogger(cli.LogLevel, cli.LogFormat, os.Stderr)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	shutdownMetrics, err := telemetry.InitMetrics(ctx, telemetry.MetricsConfig{
		ServiceName:      "sticker-cache",
		ServiceVersion:   version,
		OTLPEndpoint:     cli.OTLPEndpoint,
		EnablePrometheus: cli.Prometheus,
	})
	if err != nil {
		return fmt.Errorf("initialising metrics: %w", err)
	}
	defer func() {
		flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer flushCancel()
		if err := shutdownMetrics(flushCtx); err != nil {
			logger.Warn("flushing metrics", "error", err)
		}
	}()

	return kctx.Run(&runtime{ctx: ctx, globals: &cli.Globals, logger: logger, out: os.Stdout})
}

func newLogger(level, format string, w io.Writer) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level: %s", level)
	}

	var handler slog.Handler
	switch format {
	case "text":
		handler = tint.NewHandler(w, &tint.Options{Level: lvl, TimeFormat: time.Kitchen})
	case "json":
		handler = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl})
	default:
		return nil, fmt.Errorf("invalid log format: %s", format)
	}
	return slog.New(handler), nil
}
