package main

import (
	"fmt"

	"github.com/spdeepak/offlinecache"
	"github.com/spf13/cobra"
)

var updateCmd = &cobra.Command{
	Use:   "update",
	Short: "Install and activate the configured version, then exit",
	Long: `update fetches every precache URL from the upstream into the store named
by worker.cache_name and deletes every other store. Nothing changes if any
precache URL fails.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		proxy, err := newUpstream()
		if err != nil {
			return err
		}
		storage, err := openStorage()
		if err != nil {
			return err
		}
		defer storage.Close()

		registration := offlinecache.NewRegistration(storage, offlinecache.HandlerFetcher{Handler: proxy}, logger)
		workerCfg := cfg.OfflineConfig()
		workerCfg.Logger = logger
		worker, err := registration.Update(cmd.Context(), workerCfg)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s (%d precached)\n", worker.CacheName(), worker.State(), len(workerCfg.Precache))
		return registration.Close()
	},
}
