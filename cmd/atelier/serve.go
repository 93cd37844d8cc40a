package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/cobra"

	"github.com/hazyhaar/atelier/compiler"
	"github.com/hazyhaar/atelier/config"
	"github.com/hazyhaar/atelier/datasync"
	"github.com/hazyhaar/atelier/dbopen"
	"github.com/hazyhaar/atelier/observability"
	"github.com/hazyhaar/atelier/preview"
	"github.com/hazyhaar/atelier/recordstore"
	"github.com/hazyhaar/atelier/shield"
	"github.com/hazyhaar/atelier/thumbnail"
)

const shutdownTimeout = 10 * time.Second

type serveOptions struct {
	*rootOptions
	listen  string
	records bool
}

func newServeCommand(root *rootOptions) *cobra.Command {
	opts := &serveOptions{rootOptions: root}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the preview host, its MCP endpoint and optionally the record store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), opts)
		},
	}
	cmd.Flags().StringVarP(&opts.listen, "listen", "l", "", "override listen address")
	cmd.Flags().BoolVar(&opts.records, "records", false, "enable the embedded record store")
	return cmd
}

func runServe(ctx context.Context, opts *serveOptions) error {
	cfg, logger, closeLog, err := opts.load()
	if err != nil {
		return err
	}
	defer closeLog()
	if opts.listen != "" {
		cfg.Listen = opts.listen
	}
	if opts.records {
		cfg.Recordstore.Enabled = true
	}

	var metrics observability.Recorder = observability.Discard
	if cfg.Observability.DBPath != "" {
		obsDB, err := dbopen.Open(cfg.Observability.DBPath, dbopen.WithMkdirAll())
		if err != nil {
			return fmt.Errorf("observability db: %w", err)
		}
		defer obsDB.Close()
		if err := observability.Init(obsDB); err != nil {
			return fmt.Errorf("observability schema: %w", err)
		}
		mm := observability.NewMetricsManager(obsDB, cfg.Observability.BufferSize, cfg.Observability.FlushInterval, logger)
		defer mm.Close()
		metrics = mm
	}

	compilerOpts := []compiler.Option{compiler.WithLogger(logger), compiler.WithMetrics(metrics)}
	if cfg.ArtifactDB != "" {
		artifactDB, err := dbopen.Open(cfg.ArtifactDB, dbopen.WithMkdirAll())
		if err != nil {
			return fmt.Errorf("artifact db: %w", err)
		}
		defer artifactDB.Close()
		store, err := compiler.NewSQLiteStore(artifactDB)
		if err != nil {
			return err
		}
		compilerOpts = append(compilerOpts, compiler.WithStore(store))
	}
	svc := compiler.New(cfg.Compiler, compilerOpts...)
	defer svc.Close()

	r := chi.NewRouter()
	for _, mw := range shield.Stack(cfg.Shield) {
		r.Use(mw)
	}

	dataOpts := []datasync.Option{datasync.WithLogger(logger)}
	if cfg.Datasync.Cooldown > 0 {
		dataOpts = append(dataOpts, datasync.WithCooldown(cfg.Datasync.Cooldown))
	}
	if cfg.Datasync.FetchTimeout > 0 {
		dataOpts = append(dataOpts, datasync.WithFetchTimeout(cfg.Datasync.FetchTimeout))
	}
	hostOpts := []preview.Option{
		preview.WithLogger(logger),
		preview.WithMetrics(metrics),
		preview.WithSandbox(cfg.Sandbox),
		preview.WithDataOptions(dataOpts...),
	}
	var clientOpts []datasync.ClientOption
	if cfg.Datasync.PathTemplate != "" {
		clientOpts = append(clientOpts, datasync.WithPathTemplate(cfg.Datasync.PathTemplate))
	}
	hostOpts = append(hostOpts, preview.WithClientOptions(clientOpts...))

	realtimeURL := cfg.Datasync.RealtimeURL
	switch {
	case cfg.Datasync.BackendURL != "":
		hostOpts = append(hostOpts, preview.WithBackend(datasync.NewClient(cfg.Datasync.BackendURL, clientOpts...)))
	case cfg.Recordstore.Enabled:
		st, closeStore, err := openRecords(ctx, cfg.Recordstore, logger)
		if err != nil {
			return err
		}
		defer closeStore()
		records := st.Routes()
		for _, pattern := range []string{"/api/collections/*", "/api/files/*", "/api/realtime", "/api/realtime/*"} {
			r.Handle(pattern, records)
		}
		hostOpts = append(hostOpts, preview.WithBackend(st))
		if realtimeURL == "" {
			realtimeURL = "http://" + loopback(cfg.Listen) + "/api/realtime"
		}
	}
	if realtimeURL != "" {
		hostOpts = append(hostOpts, preview.WithRealtimeURL(realtimeURL))
	}

	if cfg.Thumbnail.Enabled {
		shooter := thumbnail.New(cfg.Thumbnail.Config, logger)
		defer shooter.Close()
		hostOpts = append(hostOpts, preview.WithThumbnails(shooter))
	}

	host := preview.New(cfg.Preview, svc, hostOpts...)
	defer host.Close()

	mcpSrv := mcp.NewServer(&mcp.Implementation{Name: "atelier", Version: version}, nil)
	host.RegisterMCP(mcpSrv)
	r.Mount("/", host.Routes(mcpSrv))

	return listen(ctx, logger, cfg.Listen, r)
}

// openRecords opens the record store and starts its change feed. The
// returned closer stops the feed and closes the database.
func openRecords(ctx context.Context, cfg config.RecordstoreConfig, logger *slog.Logger) (*recordstore.Store, func(), error) {
	db, err := dbopen.Open(cfg.DBPath, dbopen.WithMkdirAll())
	if err != nil {
		return nil, nil, fmt.Errorf("records db: %w", err)
	}
	st, err := recordstore.New(db, recordstore.WithLogger(logger), recordstore.WithPoll(cfg.Poll, cfg.Debounce))
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	feedCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := st.Run(feedCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("atelier: record feed stopped", "error", err)
		}
	}()
	logger.Info("atelier: record store ready", "db", cfg.DBPath)
	return st, func() {
		cancel()
		<-done
		db.Close()
	}, nil
}

// listen serves h until ctx ends, then shuts down gracefully.
func listen(ctx context.Context, logger *slog.Logger, addr string, h http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		// Event streams end with ctx instead of holding Shutdown open.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}
	errc := make(chan error, 1)
	go func() {
		logger.Info("atelier: listening", "addr", addr)
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
	logger.Info("atelier: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// loopback turns a listen address into one the process can dial itself.
func loopback(addr string) string {
	if strings.HasPrefix(addr, ":") {
		return "127.0.0.1" + addr
	}
	if host, port, ok := strings.Cut(addr, ":"); ok && (host == "0.0.0.0" || host == "") {
		return "127.0.0.1:" + port
	}
	return addr
}
