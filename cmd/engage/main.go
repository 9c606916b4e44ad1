package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/spf13/cobra"

	appconfig "github.com/ugcreach/engage/config"
	"github.com/ugcreach/engage/internal/gateway"
	"github.com/ugcreach/engage/internal/index"
	srv "github.com/ugcreach/engage/internal/server"
	"github.com/ugcreach/engage/internal/store"
	"github.com/ugcreach/engage/internal/telemetry"
)

func main() {
	var root = &cobra.Command{Use: "engage"}

	var configPath string
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to config directory")

	var serveAddr string
	var serve = &cobra.Command{
		Use:   "serve",
		Short: "Run HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			if serveAddr == "" {
				serveAddr = os.Getenv("ENGAGE_HTTP_ADDR")
			}
			return srv.Run(configPath, serveAddr)
		},
	}
	serve.Flags().StringVar(&serveAddr, "addr", "", "listen address (defaults to server.address)")

	var migDir string
	var direction string
	var steps int
	var migrate = &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := appconfig.LoadConfig(configPath)
			if err != nil {
				return err
			}
			return srv.Migrate(migDir, cfg.Storage.Postgres.DSN(), direction, steps)
		},
	}
	migrate.Flags().StringVar(&migDir, "dir", "file://migrations", "migrations source (file://migrations)")
	migrate.Flags().StringVar(&direction, "direction", "up", "up or down")
	migrate.Flags().IntVar(&steps, "steps", 0, "number of steps (0 = all)")

	var reindex = &cobra.Command{
		Use:   "reindex",
		Short: "Rebuild the retrieval index from stored documents",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := appconfig.LoadConfig(configPath)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Minute)
			defer cancel()
			st, err := store.NewWithDSN(ctx, cfg.Storage.Postgres.DSN())
			if err != nil {
				return err
			}
			logger := log.New(os.Stderr, "[REINDEX] ", log.LstdFlags)
			tele := telemetry.New(logger, nil)
			gw, err := gateway.New(cfg.LLM, logger, tele)
			if err != nil {
				return err
			}
			ix := index.New(cfg.Index, gw, gw, st, logger, tele)
			if err := ix.Load(ctx); err != nil {
				return err
			}
			if err := ix.Rebuild(ctx); err != nil {
				return err
			}
			logger.Printf("reindexed %d documents", ix.Size())
			return nil
		},
	}

	var email, password string
	var adduser = &cobra.Command{
		Use:   "adduser",
		Short: "Create an API user",
		RunE: func(cmd *cobra.Command, args []string) error {
			if email == "" || len(password) < 8 {
				return fmt.Errorf("email and password (min 8 chars) required")
			}
			cfg, err := appconfig.LoadConfig(configPath)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			st, err := store.NewWithDSN(ctx, cfg.Storage.Postgres.DSN())
			if err != nil {
				return err
			}
			return srv.CreateUser(ctx, st, email, password)
		},
	}
	adduser.Flags().StringVar(&email, "email", "", "user email")
	adduser.Flags().StringVar(&password, "password", "", "user password")

	var providers = &cobra.Command{
		Use:   "providers",
		Short: "Print configured providers and their health",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := appconfig.LoadConfig(configPath)
			if err != nil {
				return err
			}
			logger := log.New(os.Stderr, "[GATEWAY] ", log.LstdFlags)
			gw, err := gateway.New(cfg.LLM, logger, telemetry.New(logger, nil))
			if err != nil {
				return err
			}
			out := map[string]interface{}{}
			for _, p := range gw.Providers() {
				out[p.Name] = map[string]interface{}{
					"model":  p.Model,
					"health": gw.HealthScore(p.Name),
				}
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}

	root.AddCommand(serve, migrate, reindex, adduser, providers, newDemoCmd(&configPath))
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
