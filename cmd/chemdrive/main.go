package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"

	"github.com/spf13/cobra"

	"chemdrive/internal/config"
	applog "chemdrive/internal/log"
)

var (
	cfg      *config.Config
	driveCfg *config.DriveConfig

	flagConfigFilePath string // value of --config flag
	flagVerbose        bool   // value of --verbose flag
	flagVirtual        bool
	flagKillStray      bool
)

func main() {
	// root flags
	rootCmd.PersistentFlags().StringVar(&flagConfigFilePath, "config", "", "Worker settings file - default is chemdrive.yaml or $CHEMDRIVE_WORKER")
	rootCmd.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "verbose logging")

	runCmd.Flags().BoolVar(&flagVirtual, "virtual", false, "start the worker against simulated devices")
	runCmd.Flags().BoolVar(&flagKillStray, "kill-stray", false, "terminate worker processes left over from an earlier session first")
	testCmd.Flags().BoolVar(&flagVirtual, "virtual", false, "start the worker against simulated devices")

	// never print messages
	rootCmd.SilenceErrors = true

	// load settings, setup logging
	rootCmd.PersistentPreRunE = initChemdrive

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(testCmd)
	rootCmd.AddCommand(killStrayCmd)
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		slog.Error("chemdrive failed", "err", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "chemdrive",
	Short:        "Edit flow chemistry device configurations and supervise the worker serving them",
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "serve the web dashboard and API",
	Args:  cobra.NoArgs,
	RunE:  doServe,
}

var runCmd = &cobra.Command{
	Use:   "run <devices.toml>",
	Short: "run the worker on a configuration until interrupted or the worker exits",
	Args:  cobra.ExactArgs(1),
	RunE:  doRun,
}

var testCmd = &cobra.Command{
	Use:   "test <devices.toml>",
	Short: "start every device in isolation and report which ones came up",
	Args:  cobra.ExactArgs(1),
	RunE:  doTest,
}

var killStrayCmd = &cobra.Command{
	Use:   "kill-stray",
	Short: "terminate a worker process left running by an earlier session",
	Args:  cobra.NoArgs,
	RunE:  doKillStray,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "print version information",
	Run: func(cmd *cobra.Command, args []string) {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			fmt.Println("chemdrive: version info not available")
			return
		}

		if cfg != nil {
			fmt.Printf("config: %s\n", cfg.Worker)
		}
		fmt.Printf("chemdrive: %s\n", info.Main.Version)
		fmt.Printf("go:        %s\n", info.GoVersion)
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				fmt.Printf("commit:    %s\n", s.Value)
			case "vcs.time":
				fmt.Printf("date:      %s\n", s.Value)
			case "vcs.modified":
				fmt.Printf("dirty:     %s\n", s.Value)
			}
		}
	},
}

func initChemdrive(cmd *cobra.Command, _ []string) error {
	cfg = config.LoadConfig()
	if flagConfigFilePath != "" {
		cfg.Worker = flagConfigFilePath
	}
	if flagVerbose {
		cfg.Verbose = true
	}

	slog.SetDefault(applog.New(cfg.Verbose))

	var err error
	driveCfg, err = config.LoadDriveConfig(cfg.Worker)
	switch {
	case err == nil:
		slog.Debug("worker settings loaded", "path", cfg.Worker)
	case errors.Is(err, os.ErrNotExist) && flagConfigFilePath == "":
		slog.Warn("worker settings not found, using defaults", "path", cfg.Worker)
		driveCfg = config.DefaultDriveConfig()
	default:
		return fmt.Errorf("loading worker settings %s: %w", cfg.Worker, err)
	}
	if flagVirtual {
		driveCfg.Virtual = true
	}
	return nil
}
