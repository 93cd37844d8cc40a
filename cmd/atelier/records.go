package main

import (
	"context"

	"github.com/go-chi/chi/v5"
	"github.com/spf13/cobra"

	"github.com/hazyhaar/atelier/shield"
)

type recordsOptions struct {
	*rootOptions
	listen string
	db     string
}

func newRecordsCommand(root *rootOptions) *cobra.Command {
	opts := &recordsOptions{rootOptions: root}
	cmd := &cobra.Command{
		Use:   "records",
		Short: "Run only the development collection backend",
		Long: `Serve the record store: the collection HTTP surface, file downloads
and the SSE and websocket realtime feeds, for previews hosted elsewhere.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runRecords(cmd.Context(), opts)
		},
	}
	cmd.Flags().StringVarP(&opts.listen, "listen", "l", "", "override recordstore.listen")
	cmd.Flags().StringVar(&opts.db, "db", "", "override recordstore.db_path")
	return cmd
}

func runRecords(ctx context.Context, opts *recordsOptions) error {
	cfg, logger, closeLog, err := opts.load()
	if err != nil {
		return err
	}
	defer closeLog()
	if opts.listen != "" {
		cfg.Recordstore.Listen = opts.listen
	}
	if opts.db != "" {
		cfg.Recordstore.DBPath = opts.db
	}

	st, closeStore, err := openRecords(ctx, cfg.Recordstore, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	r := chi.NewRouter()
	for _, mw := range shield.Stack(cfg.Shield) {
		r.Use(mw)
	}
	r.Mount("/", st.Routes())
	return listen(ctx, logger, cfg.Recordstore.Listen, r)
}
