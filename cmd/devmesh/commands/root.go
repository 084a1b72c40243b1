package commands

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/devmesh/devmesh/internal/logging"
)

const Version = "0.1.0"

var (
	logLevelFlags []string // supports multiple --log-level flags
	configPath    string
)

var rootCmd = &cobra.Command{
	Use:   "devmesh",
	Short: "DevMesh - semantic log memory for small fleets",
	Long: `DevMesh ingests raw journal logs, deduplicates them into canonical
templates, embeds the templates, and serves semantic search over the result.`,
	Version: Version,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	// Global flags available to all subcommands.
	// Supports per-package log levels: --log-level debug --log-level storage=debug
	rootCmd.PersistentFlags().StringSliceVar(&logLevelFlags, "log-level",
		[]string{"info"},
		"Log level for packages. Use a bare level for the default, or 'package=level' for overrides.\n"+
			"Examples: --log-level debug (all), --log-level storage=debug --log-level api=warn")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "",
		"Path to the YAML configuration file (optional)")

	rootCmd.AddCommand(serverCmd)
	rootCmd.AddCommand(backfillCmd)
	rootCmd.AddCommand(retentionCmd)
}

// HandleError prints error and exits
func HandleError(err error, msg string) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", msg, err)
		os.Exit(1)
	}
}

// setupLog initializes the logging system with parsed log level flags.
// Priority: CLI flags > environment variables > config default.
func setupLog(flags []string, configDefault string) error {
	defaultLevel, packageLevels, err := parseLogLevelFlags(flags, configDefault)
	if err != nil {
		return err
	}
	return logging.Initialize(defaultLevel, packageLevels)
}

// parseLogLevelFlags parses CLI flags and LOG_LEVEL_* environment
// variables into a default level plus per-package overrides.
//
// CLI format: ["debug"], ["default=info", "storage=debug"], or ["info"].
// Env vars: LOG_LEVEL_STORAGE=debug (package name uppercased, dots to
// underscores).
func parseLogLevelFlags(flags []string, configDefault string) (string, map[string]string, error) {
	result := make(map[string]string)

	// Environment first (lower priority than flags).
	for _, envPair := range os.Environ() {
		if strings.HasPrefix(envPair, "LOG_LEVEL_") {
			parts := strings.SplitN(envPair, "=", 2)
			if len(parts) != 2 {
				continue
			}
			result[envKeyToPackageName(parts[0])] = parts[1]
		}
	}

	for _, flag := range flags {
		if !strings.Contains(flag, "=") {
			result["default"] = flag
			continue
		}
		parts := strings.SplitN(flag, "=", 2)
		if len(parts) == 2 {
			result[parts[0]] = parts[1]
		}
	}

	defaultLevel := configDefault
	if defaultLevel == "" {
		defaultLevel = "info"
	}
	if level, exists := result["default"]; exists {
		defaultLevel = level
		delete(result, "default")
	}

	if err := validateLogLevel(defaultLevel); err != nil {
		return "", nil, err
	}
	for pkg, level := range result {
		if err := validateLogLevel(level); err != nil {
			return "", nil, fmt.Errorf("invalid log level for package %q: %v", pkg, err)
		}
	}
	return defaultLevel, result, nil
}

// envKeyToPackageName converts LOG_LEVEL_STORAGE_TEMPLATES -> storage.templates
func envKeyToPackageName(envKey string) string {
	name := strings.TrimPrefix(envKey, "LOG_LEVEL_")
	return strings.ToLower(strings.ReplaceAll(name, "_", "."))
}

func validateLogLevel(level string) error {
	validLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
		"fatal": true,
	}
	if !validLevels[strings.ToLower(level)] {
		return fmt.Errorf("invalid log level: %s (must be one of: debug, info, warn, error, fatal)", level)
	}
	return nil
}
