package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"locallibrary/internal/auth"
	"locallibrary/internal/catalog"
	"locallibrary/internal/circulation"
	"locallibrary/internal/config"
	"locallibrary/internal/logging"
	"locallibrary/internal/store/memory"
	"locallibrary/internal/store/sqlstore"
)

type app struct {
	configPath string
	cfg        *config.Config
	logger     *slog.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "library",
		Short:         "Local library catalog and loan service",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(a.configPath)
			if err != nil {
				return err
			}
			logger, err := logging.New(os.Stderr, cfg.Log.Format, cfg.Log.Level)
			if err != nil {
				return err
			}
			a.cfg = cfg
			a.logger = logger
			slog.SetDefault(logger)
			return nil
		},
	}
	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", os.Getenv("LIBRARY_CONFIG"), "path to the YAML config file")

	root.AddCommand(newServeCmd(a), newMigrateCmd(a), newCreateUserCmd(a))
	return root
}

// backend is a store serving every repository.
type backend interface {
	auth.Repository
	catalog.Repository
	circulation.Repository
	Ping(ctx context.Context) error
}

// openBackend opens the configured store. SQL stores are migrated when
// migrate is set.
func (a *app) openBackend(ctx context.Context, migrate bool) (backend, func() error, error) {
	if a.cfg.Database.Driver == "memory" {
		a.logger.Warn("using the in-memory store, data is lost on exit")
		return memory.New(), func() error { return nil }, nil
	}

	store, err := sqlstore.Open(ctx, a.cfg.Database.Driver, a.cfg.Database.DSN, a.logger)
	if err != nil {
		return nil, nil, err
	}
	if migrate {
		if err := store.Migrate(ctx); err != nil {
			store.Close()
			return nil, nil, fmt.Errorf("failed to migrate: %w", err)
		}
	}
	return store, store.Close, nil
}

func (a *app) authConfig() auth.Config {
	return auth.Config{
		TokenSecret:       a.cfg.Auth.TokenSecret,
		TokenTTL:          a.cfg.Auth.TokenTTL,
		RequestsPerMinute: a.cfg.Auth.RequestsPerMinute,
		Burst:             a.cfg.Auth.Burst,
		EmailPolicy:       auth.EmailPolicy(a.cfg.Auth.EmailPolicy),
	}
}
