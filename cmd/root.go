package cmd

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/scorefollow/scorefollow-go/cmd/benchmark"
	"github.com/scorefollow/scorefollow-go/cmd/clicktrack"
	"github.com/scorefollow/scorefollow-go/cmd/devices"
	"github.com/scorefollow/scorefollow-go/cmd/file"
	"github.com/scorefollow/scorefollow-go/cmd/realtime"
	"github.com/scorefollow/scorefollow-go/internal/conf"
	"github.com/scorefollow/scorefollow-go/internal/logging"
)

// RootCommand creates and returns the root command
func RootCommand(settings *conf.Settings) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "scorefollow",
		Short: "ScoreFollow CLI",
		Long:  "Follow a live performance against a precomputed song map and publish the tracked position to everything listening.",
	}

	// Set up the global flags for the root command.
	setupFlags(rootCmd, settings)

	// Add sub-commands to the root command.
	subcommands := []*cobra.Command{
		realtime.Command(settings),
		file.Command(settings),
		devices.Command(),
		benchmark.Command(settings),
		clicktrack.Command(settings),
	}
	rootCmd.AddCommand(subcommands...)

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		// Parse the command line flags
		if err := cmd.Flags().Parse(args); err != nil {
			return err
		}
		return initialize(cmd, settings)
	}

	return rootCmd
}

// setupFlags configures the global flags for the root command.
func setupFlags(rootCmd *cobra.Command, settings *conf.Settings) {
	rootCmd.PersistentFlags().String("config", "", "path to a config file overriding the default search paths")
	rootCmd.PersistentFlags().StringVar(&settings.Map.Path, "map", viper.GetString("map.path"), "song map to follow, a JSON file path or a name resolved in map.directory")
	rootCmd.PersistentFlags().String("log-level", "", "log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&settings.Debug, "debug", viper.GetBool("debug"), "enable debug logging")

	if err := viper.BindPFlags(rootCmd.PersistentFlags()); err != nil {
		fmt.Printf("error binding root flags: %v\n", err)
	}
}

// initialize applies the global flags once they are parsed: an alternate
// config file, the log level and the rotating log file.
func initialize(cmd *cobra.Command, settings *conf.Settings) error {
	if cfgPath, _ := cmd.Flags().GetString("config"); cfgPath != "" {
		viper.SetConfigFile(cfgPath)
		if err := viper.ReadInConfig(); err != nil {
			return fmt.Errorf("error reading config file %s: %w", cfgPath, err)
		}
		if err := viper.Unmarshal(settings); err != nil {
			return fmt.Errorf("error unmarshaling config file %s: %w", cfgPath, err)
		}
		if err := conf.ValidateSettings(settings); err != nil {
			return err
		}
	}

	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		parsed, err := parseLogLevel(level)
		if err != nil {
			return err
		}
		logging.SetLevel(parsed)
	} else if settings.Debug {
		logging.SetLevel(slog.LevelDebug)
	}

	if settings.Main.Log.Enabled && settings.Main.Log.Path != "" {
		maxSizeMB, maxBackups, maxAgeDays := settings.Main.Log.FileRotationSettings()
		closeLog, err := logging.UseFile(settings.Main.Log.Path, logging.FileRotation{
			MaxSizeMB:  maxSizeMB,
			MaxBackups: maxBackups,
			MaxAgeDays: maxAgeDays,
		})
		if err != nil {
			return fmt.Errorf("error opening log file %s: %w", settings.Main.Log.Path, err)
		}
		cobra.OnFinalize(func() {
			_ = closeLog()
		})
	}

	return nil
}

func parseLogLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "trace":
		return logging.LevelTrace, nil
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level %q", level)
	}
}
