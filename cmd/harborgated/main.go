// Command harborgated is the thin CLI entry point (spec.md §1's
// out-of-scope boundary): flag/env parsing and process lifecycle only,
// no CORE logic.
//
// Grounded on bnema/gordon's cmd/root.go + cmd/start.go: a cobra root
// command with a --config flag, a long-running serve command that
// builds the dependency graph then blocks on signal-driven shutdown.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/bnema/harborgate/internal/app"
	"github.com/bnema/harborgate/internal/harborconfig"
	"github.com/bnema/harborgate/internal/harborlog"
)

// version is overridden at build time via -ldflags "-X main.version=...".
var version = "dev"

var (
	configPath string
	dockerSock string
)

var rootCmd = &cobra.Command{
	Use:   "harborgated",
	Short: "HarborGate container-aware reverse proxy",
	RunE:  runServe,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config.yml (defaults applied if absent)")
	rootCmd.PersistentFlags().StringVar(&dockerSock, "docker-sock", "", "Docker Engine API socket (defaults to DOCKER_HOST/environment)")
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version and exit",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("harborgated " + version)
	},
}

func runServe(cmd *cobra.Command, args []string) error {
	log := harborlog.Get()
	log.ConfigureFromEnv()

	app.Version = version

	cfg, err := harborconfig.Load(configPath)
	if err != nil {
		var cfgErr *harborconfig.ConfigError
		if errors.As(err, &cfgErr) {
			log.Fatal("invalid configuration", "reason", cfgErr.Reason)
		}
		log.Fatal("failed to load configuration", "error", err)
	}

	instance, err := app.New(cfg, dockerSock)
	if err != nil {
		log.Fatal("failed to initialize harborgate", "error", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := instance.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("harborgate exited with error", "error", err)
		return err
	}
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
