package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/agentsea/nebulous/pkg/config"
	"github.com/agentsea/nebulous/pkg/log"
	"github.com/agentsea/nebulous/pkg/manager"
	"github.com/agentsea/nebulous/pkg/metrics"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	flagListenAddr string
	flagDataDir    string
	flagLogLevel   string
	flagLogJSON    bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "nebu",
	Short: "Nebu - cross-cloud container control plane",
	Long: `Nebu runs containers on GPU clouds, EC2, Kubernetes, Docker hosts,
and peer control planes behind one declarative API. Workloads join a
mesh VPN and get scoped object-store credentials for data sync.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Nebu version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	serveCmd.Flags().StringVar(&flagListenAddr, "listen-addr", "", "API bind address (default $NEBU_LISTEN_ADDR or :3000)")
	serveCmd.Flags().StringVar(&flagDataDir, "data-dir", "", "state directory (default $NEBU_DATA_DIR or ~/.nebu/data)")
	serveCmd.Flags().StringVar(&flagLogLevel, "log-level", "info", "log level: debug, info, warn, error")
	serveCmd.Flags().BoolVar(&flagLogJSON, "log-json", false, "emit JSON logs instead of console output")
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the control plane",
	Long: `Start the API server and the reconcile loop. Configuration comes
from the environment (NEBU_*, VPN_*, adapter credentials); flags
override the bind address and data directory.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		log.Init(log.Config{
			Level:      log.Level(flagLogLevel),
			JSONOutput: flagLogJSON,
		})

		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if flagListenAddr != "" {
			cfg.ListenAddr = flagListenAddr
		}
		if flagDataDir != "" {
			cfg.DataDir = flagDataDir
		}

		metrics.SetVersion(Version)

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		m, err := manager.New(ctx, cfg)
		if err != nil {
			return err
		}
		return m.Run(ctx)
	},
}
