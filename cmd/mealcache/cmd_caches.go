package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"mealcache/internal/mealcache"
)

var cmdCaches = &cobra.Command{
	Use:   "caches",
	Short: "List cache generations",
	Long: `
The "caches" command lists every cache generation in the store, the number
of entries it holds and whether it is current for the configured version.
`,
	DisableAutoGenTag: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCaches(cmd.Context())
	},
}

func init() {
	cmdRoot.AddCommand(cmdCaches)
}

func runCaches(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	storage, err := mealcache.OpenDiskStorage(cfg.Storage.Path, 0)
	if err != nil {
		return err
	}
	defer storage.Close()

	names, err := storage.Keys(ctx)
	if err != nil {
		return err
	}
	current := map[string]bool{}
	for _, n := range cfg.Generations() {
		current[n] = true
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "GENERATION\tENTRIES\tCURRENT")
	for _, name := range names {
		cache, err := storage.Open(ctx, name)
		if err != nil {
			return err
		}
		keys, err := cache.Keys(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(tw, "%s\t%d\t%v\n", name, len(keys), current[name])
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Printf("disk usage: %s\n", humanize.IBytes(uint64(storage.DiskUsage())))
	return nil
}
