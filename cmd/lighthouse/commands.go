package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/melih/lighthouse/internal/config"
	"github.com/melih/lighthouse/internal/logging"
)

var (
	configPath string
	cfg        *config.Config

	noAPI     bool
	noWorkers bool

	reconcileApp int64
	reconcileFix bool
	cleanupFix   bool
	waitTimeout  time.Duration

	rootCmd = &cobra.Command{
		Use:           "lighthouse",
		Short:         "Deploy and manage Streamlit apps on a single container host",
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			if configPath != "" {
				cfg, err = config.LoadFrom(configPath)
			} else {
				cfg, err = config.Load()
			}
			if err != nil {
				return err
			}
			logging.Init(cfg.Logging)
			return nil
		},
	}

	serverCmd = &cobra.Command{
		Use:   "server",
		Short: "Run the API, job workers and maintenance scheduler",
		RunE:  runServer,
	}

	// workerCmd is server without the HTTP API.
	workerCmd = &cobra.Command{
		Use:   "worker",
		Short: "Run job workers and the maintenance scheduler only",
		RunE: func(cmd *cobra.Command, args []string) error {
			noAPI = true
			return runServer(cmd, args)
		},
	}

	reconcileCmd = &cobra.Command{
		Use:   "reconcile",
		Short: "Compare recorded app status with the runtime and proxy",
		Long: `Submits a reconcile job and waits for its report. Without --app every
application is checked. --fix applies the allowed downgrades
(running to stopped, stopped to not_deployed).`,
		Args: cobra.NoArgs,
		RunE: runReconcile,
	}

	cleanupCmd = &cobra.Command{
		Use:       "cleanup [routes|orphans|system]",
		Short:     "Remove stale routes, orphan containers or unused engine resources",
		Args:      cobra.MatchAll(cobra.MaximumNArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"routes", "orphans", "system"},
		RunE:      runCleanup,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", fmt.Sprintf("config file (default: $%s or ./lighthouse.yaml)", config.ConfigPathEnvVar))

	serverCmd.Flags().BoolVar(&noAPI, "no-api", false, "do not start the HTTP API")
	serverCmd.Flags().BoolVar(&noWorkers, "no-workers", false, "do not start job workers or the scheduler")

	reconcileCmd.Flags().Int64Var(&reconcileApp, "app", 0, "reconcile a single app by id")
	reconcileCmd.Flags().BoolVar(&reconcileFix, "fix", false, "apply status downgrades")
	cleanupCmd.Flags().BoolVar(&cleanupFix, "fix", false, "also remove orphan containers when running every step")
	for _, c := range []*cobra.Command{reconcileCmd, cleanupCmd} {
		c.Flags().DurationVar(&waitTimeout, "timeout", 5*time.Minute, "how long to wait for the job")
	}

	rootCmd.AddCommand(serverCmd, workerCmd, reconcileCmd, cleanupCmd)
}
