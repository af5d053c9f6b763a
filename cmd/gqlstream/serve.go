package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	eventbus "github.com/hanpama/gqlstream/internal/eventbus"
	"github.com/hanpama/gqlstream/internal/metrics"
	"github.com/hanpama/gqlstream/internal/otel"
	"github.com/hanpama/gqlstream/internal/server"
)

type serveFlags struct {
	addr           string
	path           string
	timeout        time.Duration
	maxBodyBytes   int64
	pretty         bool
	cors           []string
	forwardHeaders []string
	otelEndpoint   string
	otelService    string
}

func newServeCommand(root *rootOptions) *cobra.Command {
	var sf serveFlags
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the page render endpoint in front of an upstream",
		Long: `Serve accepts POSTed page requests, preloads their operations against
the upstream, and streams the transport back as NDJSON or msgpack frames.
Prometheus metrics are served at /metrics.

Example:
  gqlstream serve --url http://localhost:4000/graphql --addr :8080`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			sf.apply(cmd, root.cfg)
			return runServe(cmd.Context(), root.cfg, root.logger)
		},
	}
	f := cmd.Flags()
	f.StringVar(&sf.addr, "addr", "", "HTTP listen address (default :8080)")
	f.StringVar(&sf.path, "path", "", "path of the page endpoint (default /page)")
	f.DurationVar(&sf.timeout, "timeout", 0, "per-request timeout, e.g. 10s")
	f.Int64Var(&sf.maxBodyBytes, "max-body-bytes", 0, "maximum request body size")
	f.BoolVar(&sf.pretty, "pretty", false, "pretty-print JSON error responses")
	f.StringSliceVar(&sf.cors, "cors", nil, "allowed CORS origins")
	f.StringSliceVar(&sf.forwardHeaders, "forward-header", nil, "request header to forward upstream. Repeatable")
	f.StringVar(&sf.otelEndpoint, "otel-endpoint", "", "OTLP collector endpoint")
	f.StringVar(&sf.otelService, "otel-service", "", "OpenTelemetry service name")
	return cmd
}

// apply overrides cfg with the flags set on cmd.
func (sf *serveFlags) apply(cmd *cobra.Command, cfg *Config) {
	f := cmd.Flags()
	if f.Changed("addr") {
		cfg.Server.Addr = sf.addr
	}
	if f.Changed("path") {
		cfg.Server.Path = sf.path
	}
	if f.Changed("timeout") {
		cfg.Server.Timeout = sf.timeout
	}
	if f.Changed("max-body-bytes") {
		cfg.Server.MaxBodyBytes = sf.maxBodyBytes
	}
	if f.Changed("pretty") {
		cfg.Server.Pretty = sf.pretty
	}
	if f.Changed("cors") {
		cfg.Server.CORS = sf.cors
	}
	if f.Changed("forward-header") {
		cfg.Server.ForwardHeaders = sf.forwardHeaders
	}
	if f.Changed("otel-endpoint") {
		cfg.Otel.Endpoint = sf.otelEndpoint
	}
	if f.Changed("otel-service") {
		cfg.Otel.Service = sf.otelService
	}
}

// newServeMux wires the page handler and the metrics endpoint.
func newServeMux(cfg *Config, logger *zap.Logger, bus *eventbus.Bus) (*http.ServeMux, error) {
	if cfg.Upstream.URL == "" {
		return nil, errors.New("no upstream url: set --url or upstream.url")
	}
	upstream, err := cfg.Upstream.environmentOptions(logger, bus)
	if err != nil {
		return nil, err
	}
	sopts := []server.Option{
		server.WithTimeout(cfg.Server.Timeout),
		server.WithMaxBodyBytes(cfg.Server.MaxBodyBytes),
		server.WithLogger(logger),
		server.WithBus(bus),
	}
	if cfg.Server.Pretty {
		sopts = append(sopts, server.WithPretty())
	}
	if len(cfg.Server.CORS) > 0 {
		sopts = append(sopts, server.WithCORS(cfg.Server.CORS...))
	}
	if len(cfg.Server.ForwardHeaders) > 0 {
		sopts = append(sopts, server.WithForwardHeaders(cfg.Server.ForwardHeaders...))
	}

	mux := http.NewServeMux()
	mux.Handle(cfg.Server.Path, server.New(upstream, sopts...))
	mux.Handle("/metrics", metrics.New(bus).Handler())
	return mux, nil
}

func runServe(ctx context.Context, cfg *Config, logger *zap.Logger) error {
	bus := eventbus.New()
	shutdown, err := otel.Setup(bus, cfg.Otel.Endpoint, cfg.Otel.Service)
	if err != nil {
		return fmt.Errorf("otel setup: %w", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	mux, err := newServeMux(cfg, logger, bus)
	if err != nil {
		return err
	}
	srv := &http.Server{Addr: cfg.Server.Addr, Handler: mux}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	logger.Info("page server listening",
		zap.String("addr", cfg.Server.Addr),
		zap.String("path", cfg.Server.Path),
		zap.String("upstream", cfg.Upstream.URL))

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	logger.Info("shutting down")
	return srv.Shutdown(shutdownCtx)
}
