package main

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/rvlink/internal/device"
	goble "github.com/srg/rvlink/internal/device/go-ble"
	"github.com/srg/rvlink/internal/protocol/ascii"
	"github.com/srg/rvlink/internal/protocol/bus"
	"github.com/srg/rvlink/internal/protocol/jsonctl"
	"github.com/srg/rvlink/scanner"
	"gopkg.in/yaml.v3"
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Find nearby peripherals and guess their family",
	Long: `Listens for BLE advertisements and lists every peripheral seen, strongest
signal first. The family column is inferred from the advertised service; an
empty family means the peripheral advertised nothing rvlink recognizes.

With --format yaml the recognized peripherals are printed as a peripherals:
block ready to paste into the config file.`,
	Example: `  rvlink scan
  rvlink scan --duration 30s --known --format yaml`,
	Args: cobra.NoArgs,
	RunE: runScan,
}

var (
	scanDuration time.Duration
	scanFormat   string
	scanKnown    bool
)

// newScanSource is replaced in tests.
var newScanSource = func(logger *logrus.Logger) device.Scanner {
	return goble.NewBLETransport(logger)
}

// advertisedFamilies maps each family's primary service to the family.
var advertisedFamilies = map[string]device.Family{
	bus.ServiceUUID:     device.FamilyBus,
	jsonctl.ServiceUUID: device.FamilyJSONCtl,
	ascii.ServiceUUID:   device.FamilyASCII,
}

func init() {
	scanCmd.Flags().DurationVarP(&scanDuration, "duration", "d", 10*time.Second, "Scan duration")
	scanCmd.Flags().StringVarP(&scanFormat, "format", "f", "table", "Output format (table, yaml)")
	scanCmd.Flags().BoolVar(&scanKnown, "known", false, "Only list peripherals with a recognized family")
}

func runScan(cmd *cobra.Command, _ []string) error {
	if scanFormat != "table" && scanFormat != "yaml" {
		return fmt.Errorf("invalid format '%s': must be table or yaml", scanFormat)
	}
	if scanDuration <= 0 {
		return fmt.Errorf("--duration must be positive")
	}
	logger, err := configureLogger(cmd, "")
	if err != nil {
		return err
	}
	cmd.SilenceUsage = true

	ctx, stop := signal.NotifyContext(cmdContext(cmd), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sc := scanner.NewScanner(newScanSource(logger), advertisedFamilies, logger)
	results, err := sc.Scan(ctx, &scanner.ScanOptions{Duration: scanDuration, KnownOnly: scanKnown || scanFormat == "yaml"})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if scanFormat == "yaml" {
		return writeScanYAML(out, results)
	}
	return writeScanTable(out, results)
}

func cmdContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func writeScanTable(out io.Writer, results []scanner.Result) error {
	if len(results) == 0 {
		fmt.Fprintln(out, "No peripherals found")
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ADDRESS\tFAMILY\tRSSI\tNAME")
	for _, r := range results {
		family := string(r.Family)
		if family == "" {
			family = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", r.Address, family, r.RSSI, r.Name)
	}
	return w.Flush()
}

type scanEntry struct {
	Name    string `yaml:"name,omitempty"`
	Address string `yaml:"address"`
	Family  string `yaml:"family"`
}

func writeScanYAML(out io.Writer, results []scanner.Result) error {
	entries := make([]scanEntry, 0, len(results))
	for _, r := range results {
		entries = append(entries, scanEntry{Name: r.Name, Address: r.Address, Family: string(r.Family)})
	}
	enc := yaml.NewEncoder(out)
	enc.SetIndent(2)
	if err := enc.Encode(map[string][]scanEntry{"peripherals": entries}); err != nil {
		return err
	}
	return enc.Close()
}
