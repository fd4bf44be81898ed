package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"unicode"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// formatVersion adds 'v' prefix if version starts with a digit
func formatVersion(ver string) string {
	if len(ver) > 0 && unicode.IsDigit(rune(ver[0])) {
		return "v" + ver
	}
	return ver
}

var rootCmd = &cobra.Command{
	Use:   "rvlink",
	Short: "BLE peripheral to MQTT bridge",
	Long: `Bridges RV and battery peripherals reachable over Bluetooth Low Energy to an
MQTT broker with Home Assistant discovery:

- Keeps one authenticated session per configured peripheral, reconnecting on loss
- Decodes the bus, jsonctl and ascii device families into entity state topics
- Accepts control commands and guards them against stale device echoes
- Caches friendly entity names across restarts`,
	Version: formatVersion(version),
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		// Ctrl+C is a normal exit, not an error - exit silently
		if errors.Is(err, context.Canceled) {
			return
		}
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", FormatUserError(err))
		os.Exit(1)
	}
}

func init() {
	// Silence Cobra's "Error:" prefix - main() prints clean errors
	rootCmd.SilenceErrors = true
	rootCmd.SetVersionTemplate(fmt.Sprintf("rvlink {{.Version}} (commit %s, built %s)\n", commit, date))

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(cacheCmd)
	rootCmd.AddCommand(keygenCmd)
	rootCmd.AddCommand(scanCmd)

	rootCmd.PersistentFlags().String("log-level", "", "Log level (trace, debug, info, warn, error); overrides the config file")

	// Add -v as a short flag for --version
	rootCmd.Flags().BoolP("version", "v", false, "Show version information")
}
