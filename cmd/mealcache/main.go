package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"mealcache/internal/mealcache"
)

var version = "0.1.0"

var globalOptions struct {
	ConfigPath string
}

// cmdRoot is the base command when no other command has been specified.
var cmdRoot = &cobra.Command{
	Use:   "mealcache",
	Short: "Offline cache in front of the meal manager app",
	Long: `
mealcache sits between the meal manager page and its origin. It pre-caches
the app shell, answers requests from named cache generations when the
network is gone, and serves an offline page for navigations it cannot
satisfy.
`,
	Version:           version,
	SilenceErrors:     true,
	SilenceUsage:      true,
	DisableAutoGenTag: true,
}

func init() {
	f := cmdRoot.PersistentFlags()
	f.StringVar(&globalOptions.ConfigPath, "config", getenvDefault("MEALCACHE_CONFIG", "/mealcache.yaml"), "path to mealcache.yaml")
}

func loadConfig() (mealcache.Config, error) {
	return mealcache.LoadConfig(globalOptions.ConfigPath)
}

func main() {
	if err := cmdRoot.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func getenvDefault(name, def string) string {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	return v
}
