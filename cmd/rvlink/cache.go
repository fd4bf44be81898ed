package main

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/srg/rvlink/internal/entity"
	"github.com/srg/rvlink/pkg/config"
	"golang.org/x/term"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect or clear the friendly-name cache",
	Long: `The name cache keeps entity names resolved from device metadata so discovery
records carry them right after a restart. Names are keyed by peripheral
(family/address) and entity (table/id).`,
}

var cacheListCmd = &cobra.Command{
	Use:   "list [family/address]",
	Short: "List cached names",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runCacheList,
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear [family/address]",
	Short: "Forget cached names for one peripheral, or all with --all",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runCacheClear,
}

var (
	cachePath       string
	cacheConfigPath string
	cacheClearAll   bool
	cacheNoColor    bool
)

func init() {
	cacheCmd.PersistentFlags().StringVar(&cachePath, "cache", "", "Path to the name cache (default: cache_path from --config)")
	cacheCmd.PersistentFlags().StringVarP(&cacheConfigPath, "config", "c", "", "Config file to take cache_path from")
	cacheCmd.PersistentFlags().BoolVar(&cacheNoColor, "no-color", false, "Disable colored output")
	cacheClearCmd.Flags().BoolVar(&cacheClearAll, "all", false, "Clear every peripheral")

	cacheCmd.AddCommand(cacheListCmd)
	cacheCmd.AddCommand(cacheClearCmd)
}

// resolveCachePath prefers --cache, then the config file, then the default.
func resolveCachePath() (string, error) {
	if cachePath != "" {
		return cachePath, nil
	}
	if cacheConfigPath != "" {
		cfg, err := config.Load(cacheConfigPath)
		if err != nil {
			return "", err
		}
		return cfg.CachePath, nil
	}
	return config.DefaultConfig().CachePath, nil
}

func openCache(cmd *cobra.Command) (*entity.NameCache, error) {
	path, err := resolveCachePath()
	if err != nil {
		return nil, err
	}
	cmd.SilenceUsage = true
	return entity.OpenNameCache(path)
}

func runCacheList(cmd *cobra.Command, args []string) error {
	cache, err := openCache(cmd)
	if err != nil {
		return err
	}

	idents := cache.Identities()
	if len(args) == 1 {
		idents = filterIdent(idents, args[0])
	}
	out := cmd.OutOrStdout()
	if len(idents) == 0 {
		fmt.Fprintf(out, "No cached names in %s\n", cache.Path())
		return nil
	}

	heading := color.New(color.FgCyan, color.Bold)
	if useColor(out) {
		heading.EnableColor()
	} else {
		heading.DisableColor()
	}

	for i, ident := range idents {
		if i > 0 {
			fmt.Fprintln(out)
		}
		fmt.Fprintln(out, heading.Sprint(ident))

		names := cache.Names(ident)
		keys := make([]string, 0, len(names))
		for k := range names {
			keys = append(keys, k)
		}
		sort.Slice(keys, func(a, b int) bool { return keyLess(keys[a], keys[b]) })

		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		for _, k := range keys {
			fmt.Fprintf(w, "  %s\t%s\n", k, names[k])
		}
		if err := w.Flush(); err != nil {
			return err
		}
	}
	return nil
}

func runCacheClear(cmd *cobra.Command, args []string) error {
	if len(args) == 0 && !cacheClearAll {
		return fmt.Errorf("name a peripheral (family/address) or pass --all")
	}
	if len(args) == 1 && cacheClearAll {
		return fmt.Errorf("--all cannot be combined with a peripheral")
	}
	cache, err := openCache(cmd)
	if err != nil {
		return err
	}

	if cacheClearAll {
		if err := cache.Clear(""); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Cleared all cached names")
		return nil
	}

	matches := filterIdent(cache.Identities(), args[0])
	if len(matches) == 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "Nothing cached for %s\n", args[0])
		return nil
	}
	for _, ident := range matches {
		if err := cache.Clear(ident); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Cleared cached names for %s\n", ident)
	}
	return nil
}

// filterIdent matches family/address case-insensitively; a bare address
// matches any family.
func filterIdent(idents []string, want string) []string {
	want = strings.ToUpper(want)
	var out []string
	for _, id := range idents {
		upper := strings.ToUpper(id)
		if upper == want || strings.HasSuffix(upper, "/"+want) {
			out = append(out, id)
		}
	}
	return out
}

// keyLess orders "table/id" keys numerically.
func keyLess(a, b string) bool {
	at, ai := splitKey(a)
	bt, bi := splitKey(b)
	if at != bt {
		return at < bt
	}
	return ai < bi
}

func splitKey(k string) (int, int) {
	table, id, _ := strings.Cut(k, "/")
	t, _ := strconv.Atoi(table)
	i, _ := strconv.Atoi(id)
	return t, i
}

func useColor(w io.Writer) bool {
	if cacheNoColor {
		return false
	}
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}
