package main

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/hazyhaar/leakwatch/httpapi"
	"github.com/hazyhaar/leakwatch/mcpquic"
	"github.com/hazyhaar/leakwatch/mcptools"
	"github.com/hazyhaar/leakwatch/pipeline"
	"github.com/hazyhaar/leakwatch/privstore"
	"github.com/hazyhaar/leakwatch/shield"
	"github.com/hazyhaar/leakwatch/watch"
)

type serveOptions struct {
	listen    string
	rate      float64
	burst     int
	quicAddr  string
	tlsCert   string
	tlsKey    string
	filterTTL time.Duration
}

func serveCmd(a *app) *cobra.Command {
	var o serveOptions
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve health, peer filter, indicator lookups, metrics and MCP tools",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if o.listen == "" {
				o.listen = a.cfg.Listen
			}
			return serve(cmd.Context(), a, o)
		},
	}
	cmd.Flags().StringVar(&o.listen, "listen", "", "HTTP listen address (default config listen)")
	cmd.Flags().Float64Var(&o.rate, "rate", 20, "requests per second per client (0 disables)")
	cmd.Flags().IntVar(&o.burst, "burst", 40, "rate limit burst")
	cmd.Flags().StringVar(&o.quicAddr, "mcp-quic", "", "also serve MCP over QUIC on this UDP address")
	cmd.Flags().StringVar(&o.tlsCert, "tls-cert", "", "QUIC certificate (self-signed when empty)")
	cmd.Flags().StringVar(&o.tlsKey, "tls-key", "", "QUIC private key")
	cmd.Flags().DurationVar(&o.filterTTL, "filter-ttl", time.Minute, "how long a built peer filter is served")
	return cmd
}

func serve(ctx context.Context, a *app, o serveOptions) error {
	logger := a.logger
	store, err := a.openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	built, err := pipeline.Build(ctx, a.cfg, store, reg, logger)
	if err != nil {
		return err
	}
	defer built.Close()

	mcpSrv := mcp.NewServer(&mcp.Implementation{Name: "leakwatch", Version: version}, nil)
	mcptools.Register(mcpSrv, store, built.Pipeline, logger)

	rl := shield.NewRateLimiter(shield.RateLimitConfig{PerSecond: o.rate, Burst: o.burst}, "/v1/health", "/metrics")
	rl.StartGC(ctx.Done())

	api := httpapi.New(store,
		httpapi.WithBreakers(built.Enricher),
		httpapi.WithGatherer(reg),
		httpapi.WithRateLimiter(rl),
		httpapi.WithMCP(mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return mcpSrv }, nil)),
		httpapi.WithPeerFilter(a.cfg.Peers.Capacity, a.cfg.Peers.FPRate, o.filterTTL),
		httpapi.WithLogger(logger),
	)

	if o.quicAddr != "" {
		ql, err := listenQUIC(o, mcpSrv, logger)
		if err != nil {
			return err
		}
		defer ql.Close()
		go func() {
			if err := ql.Serve(ctx); err != nil && ctx.Err() == nil {
				logger.Error("leakwatch: mcp quic", "error", err)
			}
		}()
	}

	// Ingests and imports from other processes refresh the published filter.
	w := watch.New(store.Generation, watch.Options{Interval: 2 * time.Second, Debounce: time.Second, Logger: logger})
	go w.OnChange(ctx, func() error { return api.RebuildPeerFilter(ctx) })

	if maxAge := a.cfg.Retention.MaxAge; maxAge > 0 {
		go retentionLoop(ctx, store, maxAge, api, logger)
	}

	srv := &http.Server{
		Addr:              o.listen,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		logger.Info("leakwatch: server starting", "addr", o.listen)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	logger.Info("leakwatch: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("leakwatch: shutdown", "error", err)
	}
	logger.Info("leakwatch: server stopped")
	return nil
}

func listenQUIC(o serveOptions, mcpSrv *mcp.Server, logger *slog.Logger) (*mcpquic.Listener, error) {
	var (
		tlsCfg *tls.Config
		err    error
	)
	if o.tlsCert != "" && o.tlsKey != "" {
		tlsCfg, err = mcpquic.ServerTLSConfig(o.tlsCert, o.tlsKey)
	} else {
		logger.Warn("leakwatch: mcp quic uses a self-signed certificate")
		tlsCfg, err = mcpquic.SelfSignedTLSConfig()
	}
	if err != nil {
		return nil, err
	}
	return mcpquic.NewListener(o.quicAddr, tlsCfg, mcpSrv, logger)
}

// retentionLoop purges expired indicators hourly and drops them from the
// published filter.
func retentionLoop(ctx context.Context, store *privstore.Store, maxAge time.Duration, api *httpapi.Server, logger *slog.Logger) {
	tick := time.NewTicker(time.Hour)
	defer tick.Stop()
	for {
		res, err := store.PurgeLastSeenBefore(ctx, time.Now().Add(-maxAge))
		if err != nil {
			logger.Error("leakwatch: retention purge", "error", err)
		} else if res.Indicators > 0 {
			logger.Info("leakwatch: retention purge", "indicators", res.Indicators, "anomalies", res.Anomalies)
			if err := api.RebuildPeerFilter(ctx); err != nil {
				logger.Warn("leakwatch: peer filter rebuild", "error", err)
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
		}
	}
}
