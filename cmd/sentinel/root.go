// Package cli holds the sentinel command tree.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/sentinelops/sentinel/internal/config"
	"github.com/sentinelops/sentinel/internal/server"
)

// NewRootCmd builds the sentinel CLI. Running with no subcommand serves.
func NewRootCmd(version string) *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "sentinel",
		Short:         "Reverse-proxy gateway in front of LLM providers",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(configPath)
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "optional YAML config file (environment wins)")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(configPath)
		},
	}
	root.AddCommand(serveCmd)

	return root
}

func serve(configPath string) error {
	// Load .env file if present (ignore error if not found)
	_ = godotenv.Load()

	var (
		c   config.Config
		err error
	)
	if configPath != "" {
		data, readErr := os.ReadFile(configPath)
		if readErr != nil {
			return fmt.Errorf("read config %s: %w", configPath, readErr)
		}
		c, err = config.LoadFromBytes(data)
	} else {
		c, err = config.Load()
	}
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return server.Run(ctx, c)
}
