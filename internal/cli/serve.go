package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/coder/quartz"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/pulsemetrics/pulse/internal/authcache"
	"github.com/pulsemetrics/pulse/internal/config"
	"github.com/pulsemetrics/pulse/internal/httpapi"
	"github.com/pulsemetrics/pulse/internal/ingest"
	"github.com/pulsemetrics/pulse/internal/query"
	"github.com/pulsemetrics/pulse/internal/retention"
	"github.com/pulsemetrics/pulse/internal/store"
)

// NewServeCommand creates the serve command.
func NewServeCommand(root *RootOptions) *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the analytics HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), root, cfg)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to config file (YAML)")

	return cmd
}

func serve(ctx context.Context, root *RootOptions, cfg config.Config) error {
	log := root.Logger()
	clock := quartz.NewReal()

	db, err := openStore(cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close()

	auth := authcache.New(db, clock,
		authcache.WithTTL(time.Duration(cfg.Auth.CacheTTLSeconds)*time.Second),
		authcache.WithStaticTokens(cfg.Auth.ProjectTokens),
		authcache.WithStaticKeys(cfg.Auth.APIKeys),
	)
	pipeline := ingest.New(db, auth, clock)
	engine := query.New(db, clock)
	handler := httpapi.NewHandler(log, db, auth, pipeline, engine, cfg.Auth.AdminKey)

	router := httpapi.NewRouter(handler, httpapi.RouterOptions{
		RequestBodyLimit: cfg.Limits.RequestBodyBytes,
		RequestsPerMin:   cfg.Limits.RequestsPerMin,
	})

	server := &http.Server{
		Addr:              cfg.Listen,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	sweeper := retention.New(db, clock,
		time.Duration(cfg.Retention.SweepIntervalMinutes)*time.Minute, log)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("server listening", "addr", cfg.Listen, "driver", cfg.Database.Driver)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		if err := sweeper.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("retention: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("server stopped")
	return nil
}

func openStore(cfg config.Database) (store.Adapter, error) {
	switch cfg.Driver {
	case "postgres":
		return store.OpenPostgres(cfg.DSN)
	default:
		return store.OpenSQLite(cfg.Path)
	}
}
