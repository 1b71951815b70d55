// Package main provides the suset CLI entry point.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/orneryd/suset/pkg/clone"
	"github.com/orneryd/suset/pkg/config"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "suset",
		Short: "suset - replicated RDF quad store",
		Long: `suset is a decentralized, eventually-consistent RDF quad store:
a tree-structured logical clock, a TID-indexed journaled dataset, and a
pub/sub remoting protocol that lets any number of clones converge on the
same domain without a central coordinator.`,
	}

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("suset v%s (%s)\n", version, commit)
		},
	})

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start a clone and join its domain",
		Long:  "Start a clone: open storage, connect to the broker, bootstrap (genesis or fork-and-snapshot from a peer), and serve remote requests until terminated.",
		RunE:  runServe,
	}
	serveCmd.Flags().String("data-dir", "", "Data directory (overrides SUSET_DATA_DIR)")
	serveCmd.Flags().Bool("in-memory", false, "Use an in-memory store instead of disk (overrides SUSET_IN_MEMORY)")
	serveCmd.Flags().String("domain", "", "Domain name (overrides SUSET_DOMAIN)")
	serveCmd.Flags().String("clone-id", "", "This clone's identity (overrides SUSET_CLONE_ID)")
	serveCmd.Flags().String("broker-url", "", "MQTT broker URL (overrides SUSET_BROKER_URL)")
	serveCmd.Flags().String("log-level", "", "debug|info|warn|error (overrides SUSET_LOG_LEVEL)")
	serveCmd.Flags().String("constraints", "", "Path to a YAML constraint-tree file (overrides SUSET_CONSTRAINTS_FILE)")
	rootCmd.AddCommand(serveCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := config.LoadFromEnv()
	applyFlagOverrides(cmd, cfg)

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	fmt.Printf("starting suset clone\n")
	fmt.Printf("  %s\n", cfg.String())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	engine, err := clone.Open(ctx, cfg, nil)
	if err != nil {
		return fmt.Errorf("opening clone: %w", err)
	}

	fmt.Println("clone bootstrapped, serving until interrupted")
	<-ctx.Done()

	fmt.Println("shutting down...")
	if err := engine.Close(); err != nil {
		return fmt.Errorf("closing clone: %w", err)
	}
	fmt.Println("stopped")
	return nil
}

func applyFlagOverrides(cmd *cobra.Command, cfg *config.Config) {
	if v, _ := cmd.Flags().GetString("data-dir"); v != "" {
		cfg.Storage.DataDir = v
	}
	if v, _ := cmd.Flags().GetBool("in-memory"); v {
		cfg.Storage.InMemory = v
	}
	if v, _ := cmd.Flags().GetString("domain"); v != "" {
		cfg.Domain.Name = v
	}
	if v, _ := cmd.Flags().GetString("clone-id"); v != "" {
		cfg.Domain.CloneID = v
	}
	if v, _ := cmd.Flags().GetString("broker-url"); v != "" {
		cfg.Broker.URL = v
	}
	if v, _ := cmd.Flags().GetString("log-level"); v != "" {
		cfg.Logging.Level = v
	}
	if v, _ := cmd.Flags().GetString("constraints"); v != "" {
		cfg.Constraints.File = v
	}
}
