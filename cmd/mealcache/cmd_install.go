package main

import (
	"context"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"mealcache/internal/mealcache"
)

var cmdInstall = &cobra.Command{
	Use:   "install",
	Short: "Prime the cache and exit",
	Long: `
The "install" command runs the worker's install and activate steps once:
the app shell and generated assets are cached and stale generations are
removed. Use it to warm the cache before going offline.

EXIT STATUS
===========

Exit status is 0 if the command was successful, and non-zero if the cache
could not be opened.
`,
	DisableAutoGenTag: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runInstall(cmd.Context())
	},
}

func init() {
	cmdRoot.AddCommand(cmdInstall)
}

func runInstall(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	svc, err := mealcache.NewService(cfg)
	if err != nil {
		return err
	}
	defer svc.Close()

	if err := svc.Start(ctx); err != nil {
		return err
	}
	st := svc.Registration().State()
	if st.Active != nil {
		log.Infof("worker %s is %s", st.Active.Version, st.Active.State)
	}
	return nil
}
