// Package cli exposes the operation surface as a cobra CLI: one
// subcommand per row of the operation table, each a thin adapter that
// parses flags, calls into core.Core, and prints the result as JSON.
// It stands in for the outer tool-dispatch framework this control
// plane is designed to be embedded in.
package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/relaywire/beamctl/internal/beam/core"
	"github.com/relaywire/beamctl/internal/config"
	"github.com/relaywire/beamctl/internal/logger"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// SetVersionInfo records build-time version metadata for the version
// command, mirroring the ldflags wiring in cmd/beamctl.
func SetVersionInfo(v, c, d string) {
	version, commit, date = v, c, d
}

var beamCore *core.Core

var rootCmd = &cobra.Command{
	Use:   "beamctl",
	Short: "Remote control-plane for a fleet of BEAM nodes",
	Long: `beamctl launches, inspects, and tears down Erlang/Elixir nodes on
SSH-accessible hosts, and drives gen_server processes and message
tracing on them once they're running.

Configuration is environment-only: SSH_HOSTS, SSH_PRIVATE_KEY (or
SSH_PRIVATE_KEY_B64), PORT, and MCP_URL. See each subcommand's --help
for its inputs.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "version" {
			return nil
		}
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		beamCore = core.New(cfg, logger.NewEnvLogger("[beamctl]"))

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		go func() {
			<-sigCh
			beamCore.Shutdown()
			os.Exit(0)
		}()
		return nil
	},
}

// Execute runs the root command; cobra's own usage/parsing failures
// exit non-zero, but every operation failure is reported inline as
// {"err": ...} JSON with exit code 0, per the operation surface's
// contract.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(startNodeCmd, stopNodeCmd, restartNodeCmd, listNodesCmd, inspectNodeCmd)
	rootCmd.AddCommand(deployModuleCmd)
	rootCmd.AddCommand(startGenServerCmd, callGenServerCmd, stopGenServerCmd)
	rootCmd.AddCommand(startTraceCmd, stopTraceCmd, pollTraceCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Printf("beamctl %s (commit %s, built %s)\n", version, commit, date)
		return nil
	},
}

// printResult prints a core.Result as indented JSON. It never returns
// an error for the caller's operation itself failing; only a JSON
// encoding failure (which should never happen for these types)
// propagates.
func printResult(r core.Result) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}
