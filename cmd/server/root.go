package main

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/warp/token-ledger/config"
	"github.com/warp/token-ledger/ledger"
	"github.com/warp/token-ledger/ledger/store"
	"github.com/warp/token-ledger/logging"
	"github.com/warp/token-ledger/store/postgres"
	"github.com/warp/token-ledger/store/sqlite"
)

var rootCmd = &cobra.Command{
	Use:          "server",
	Short:        "Token ledger service",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to a TOML config file")
}

// setup loads configuration and builds the logger for a command.
func setup(cmd *cobra.Command) (config.Config, *logrus.Logger, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, nil, err
	}
	log, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return config.Config{}, nil, err
	}
	return cfg, log, nil
}

// =============================================================================
// STORAGE BACKENDS
// =============================================================================

// backend is what every storage driver provides to the commands.
type backend interface {
	ledger.TxStore
	ledger.UserLister
	Ping(ctx context.Context) error
	Close() error
}

type memoryBackend struct {
	*store.TxMemory
}

func (memoryBackend) Ping(context.Context) error { return nil }
func (memoryBackend) Close() error { return nil }

func openBackend(ctx context.Context, cfg config.StorageConfig, log logrus.FieldLogger) (backend, error) {
	log = log.WithField("driver", cfg.Driver)
	switch cfg.Driver {
	case config.DriverMemory:
		log.Warn("using in-memory storage, balances are lost on exit")
		return memoryBackend{store.NewTxMemory()}, nil
	case config.DriverSQLite:
		s, err := sqlite.New(cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize database: %w", err)
		}
		if cfg.SQLitePath == ":memory:" {
			log.Warn("sqlite :memory: uses a single connection, reads wait behind writes")
		}
		log.WithField("path", cfg.SQLitePath).Info("sqlite storage ready")
		return s, nil
	case config.DriverPostgres:
		s, err := postgres.Open(ctx, cfg.PostgresDSN, postgres.Options{}, log)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize database: %w", err)
		}
		log.Info("postgres storage ready")
		return s, nil
	default:
		return nil, fmt.Errorf("%w: %q", config.ErrUnknownDriver, cfg.Driver)
	}
}
