// Package main provides the CLI entry point for the DSSE server.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/vaultmesh/apocm/internal/config"
	"github.com/vaultmesh/apocm/internal/dsseserver"
	"github.com/vaultmesh/apocm/internal/logging"
	"github.com/vaultmesh/apocm/internal/serverstore"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "dsse-server",
		Short: "DSSE server - untrusted storage and search backend",
		Long: `dsse-server stores the encrypted index and document blobs DSSE
clients upload, and answers their oblivious two-round search requests
without ever learning a keyword, a document's plaintext, or the mapping
between the two beyond what the access pattern necessarily discloses.`,
	}

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(compactCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the DSSE server",
		Long:  "Start the DSSE server with the specified configuration.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadServerConfig(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			logger := logging.NewLogger(cfg.LogLevel, cfg.LogFormat)

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			logger.Info("starting dsse-server",
				logging.KeyPath, cfg.StorageRoot)

			if err := dsseserver.Run(ctx, cfg, logger); err != nil && ctx.Err() == nil {
				return fmt.Errorf("server exited: %w", err)
			}
			logger.Info("dsse-server stopped")
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./dsse-server.yaml", "Path to configuration file")
	return cmd
}

func compactCmd() *cobra.Command {
	var configPath string
	var userID string

	cmd := &cobra.Command{
		Use:   "compact",
		Short: "Run a one-off Se.enc compaction pass",
		Long: `compact rewrites the encrypted index for the user named by
--user (or, without --user, every user directory found under storage_root), collapsing any
duplicate or torn rows an earlier crash may have left behind. It has no
effect on a store with no torn writes.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadServerConfig(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			logger := logging.NewLogger(cfg.LogLevel, cfg.LogFormat)

			store := serverstore.New(cfg.StorageRoot)

			ids := []string{userID}
			if userID == "" {
				ids, err = store.ListUsers()
				if err != nil {
					return fmt.Errorf("failed to list users: %w", err)
				}
			}

			for _, id := range ids {
				dropped, err := store.Compact(id)
				if err != nil {
					return fmt.Errorf("compact %s: %w", id, err)
				}
				logger.Info("compacted", logging.KeyUserID, id, logging.KeyCount, dropped)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./dsse-server.yaml", "Path to configuration file")
	cmd.Flags().StringVar(&userID, "user", "", "user id to compact (default: every user under storage_root)")
	return cmd
}
