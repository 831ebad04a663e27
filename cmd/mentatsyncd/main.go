// Package main provides the mentatsyncd CLI entry point.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/spf13/cobra"

	"github.com/orneryd/mentatsync/pkg/config"
	"github.com/orneryd/mentatsync/pkg/ids"
	"github.com/orneryd/mentatsync/pkg/mentatsync"
	"github.com/orneryd/mentatsync/pkg/server"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "mentatsyncd",
		Short: "MentatSync - append-only per-user transaction chains over content-addressed chunks",
		Long: `MentatSync is a server-side store for a linearly-committed chain of
transactions per user, each referencing immutable content-addressed chunks.

Clients PUT chunks, then PUT a pending transaction naming a parent and an
ordered chunk list, then PUT head to commit a chosen pending transaction.`,
	}

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("mentatsyncd v%s (%s)\n", version, commit)
		},
	})

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the mentatsyncd HTTP server",
		RunE:  runServe,
	}
	rootCmd.AddCommand(serveCmd)

	resetCmd := &cobra.Command{
		Use:   "reset-user [userid]",
		Short: "Discard a user's entire transaction graph (chunks are kept)",
		Args:  cobra.ExactArgs(1),
		RunE:  runResetUser,
	}
	rootCmd.AddCommand(resetCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func openService(cfg *config.Config) (*mentatsync.Service, error) {
	opts := badger.DefaultOptions(cfg.Database.DataDir).WithSyncWrites(cfg.Database.SyncWrites)
	if cfg.Database.InMemory {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	return mentatsync.New(db, cfg.Database.MaxConcurrentOps, cfg.Database.MaxBacklog), nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := config.LoadFromEnv()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	fmt.Printf("mentatsyncd v%s\n", version)
	fmt.Printf("  data dir:   %s\n", cfg.Database.DataDir)
	fmt.Printf("  listen on:  %s\n", cfg.Server.ListenAddress)
	fmt.Println()

	svc, err := openService(cfg)
	if err != nil {
		return err
	}
	defer svc.Close()

	srv, err := server.New(svc, cfg.Server, cfg.Database.DefaultTransactionsLimit)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigCh:
		fmt.Printf("received %s, shutting down\n", sig)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return srv.Stop(ctx)
}

func runResetUser(cmd *cobra.Command, args []string) error {
	cfg := config.LoadFromEnv()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	userid := ids.UserID(args[0])
	if err := ids.ValidateUserID(userid); err != nil {
		return fmt.Errorf("invalid userid: %w", err)
	}

	svc, err := openService(cfg)
	if err != nil {
		return err
	}
	defer svc.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := svc.Reset(ctx, userid); err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	fmt.Printf("reset transaction graph for %s\n", userid)
	return nil
}
