package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"

	"github.com/spf13/cobra"

	"github.com/labwatch/labwatch/internal/config"
	"github.com/labwatch/labwatch/internal/log"
)

var (
	userConfigPath string // default config dir for labwatch on given OS
	configPath     string // actual config file used (if loaded)
	cfg            config.Config

	flagConfigFilePath string // value of --config flag
	flagVerbose        bool   // value of --verbose flag
	flagTimetable      string // value of run --timetable flag
)

func init() {
	d, err := os.UserConfigDir()
	if err != nil {
		panic(err)
	}
	userConfigPath = filepath.Join(d, "labwatch")
}

func main() {
	rootCmd.PersistentFlags().StringVar(&flagConfigFilePath, "config", "", "Config file to load - default is labwatch.yaml in current directory or in "+userConfigPath)
	rootCmd.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "verbose logging")

	runCmd.Flags().StringVar(&flagTimetable, "timetable", "", "xlsx timetable to sync before serving")

	// never print messages
	rootCmd.SilenceErrors = true

	// parse or create a config, setup logging
	rootCmd.PersistentPreRunE = initLabwatch

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		slog.Error("labwatch failed", "err", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "labwatch",
	Short:        "Camera-based lab occupancy monitoring service",
	SilenceUsage: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "run the monitoring service: capture schedules, calendar jobs and the live dashboard feed",
	RunE:  doRun,
}

var syncCmd = &cobra.Command{
	Use:   "sync <timetable.xlsx>",
	Short: "replace all timetable-derived sessions with the rows of the given workbook",
	Args:  cobra.ExactArgs(1),
	RunE:  doSync,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "version provides version of labwatch",
	Run: func(cmd *cobra.Command, args []string) {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			fmt.Println("labwatch: version info not available")
			return
		}

		if configPath != "" {
			fmt.Printf("config:   %s\n", configPath)
		}
		fmt.Printf("labwatch: %s\n", info.Main.Version)
		fmt.Printf("go:       %s\n", info.GoVersion)
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				fmt.Printf("commit:   %s\n", s.Value)
			case "vcs.time":
				fmt.Printf("date:     %s\n", s.Value)
			case "vcs.modified":
				fmt.Printf("dirty:    %s\n", s.Value)
			}
		}
	},
}

func initLabwatch(cmd *cobra.Command, _ []string) error {
	if envConfig, ok := os.LookupEnv("LABWATCH_CONFIG"); ok {
		configPath = envConfig
	} else if flagConfigFilePath != "" {
		configPath = flagConfigFilePath
	} else {
		for _, d := range []string{userConfigPath, "."} {
			path := filepath.Join(d, "labwatch.yaml")
			if exists(path) {
				configPath = path
				break
			}
		}
	}

	if configPath == "" {
		// first run: store the default configuration
		cfg = config.Default()
		configPath = filepath.Join(userConfigPath, "labwatch.yaml")
		if err := cfg.Write(configPath); err != nil {
			return err
		}
	} else {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
	}

	// --verbose has a precedence over config file
	if flagVerbose {
		cfg.Verbose = true
	}

	slog.SetDefault(log.New(os.Stderr, cfg.Verbose))
	slog.Debug("labwatch", "configPath", configPath)
	return nil
}

func exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
