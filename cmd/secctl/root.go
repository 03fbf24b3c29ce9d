package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"security-core/internal/app"
	"security-core/internal/config"
	"security-core/internal/schema"
	"security-core/pkg/logger"
	"security-core/pkg/utils"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// env holds what commands need from the outside world.
type env struct {
	loadConfig func() (config.Config, error)
	openApp    func(ctx context.Context, cfg config.Config, log *zap.Logger) (*app.App, error)
	migrate    func(ctx context.Context, cfg config.Config) error
	newLogger  func(appEnv string) *zap.Logger
}

func defaultEnv() env {
	return env{
		loadConfig: config.Load,
		openApp:    app.New,
		migrate:    migrateDB,
		newLogger:  logger.New,
	}
}

func newRootCmd(e env) *cobra.Command {
	root := &cobra.Command{
		Use:           "secctl",
		Short:         "Operator tasks for the security core",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		newMigrateCmd(e),
		newCleanupCmd(e),
		newVerifyAuditCmd(e),
		newTokenCmd(e),
	)
	return root
}

// withApp loads config, builds the app and closes it after fn returns.
func (e env) withApp(cmd *cobra.Command, fn func(cfg config.Config, a *app.App) error) error {
	cfg, err := e.loadConfig()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	log := e.newLogger(cfg.App.Env)
	defer func() { _ = log.Sync() }()

	a, err := e.openApp(cmd.Context(), cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			log.Warn("close failed", zap.Error(err))
		}
	}()
	return fn(cfg, a)
}

func migrateDB(ctx context.Context, cfg config.Config) error {
	db, err := utils.OpenPostgres(ctx, cfg.PostgresDSN(), utils.PostgresPoolConfig{MaxOpenConns: 2})
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	defer db.Close()
	return schema.Apply(ctx, db)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
