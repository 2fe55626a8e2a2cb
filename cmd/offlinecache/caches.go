package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var cachesCmd = &cobra.Command{
	Use:   "caches",
	Short: "Inspect and remove cache stores",
}

var cachesLsCmd = &cobra.Command{
	Use:   "ls [name]",
	Short: "List cache stores, or the request keys of one store",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		storage, err := openStorage()
		if err != nil {
			return err
		}
		defer storage.Close()

		out := cmd.OutOrStdout()
		if len(args) == 0 {
			names, err := storage.Keys()
			if err != nil {
				return err
			}
			for _, name := range names {
				marker := " "
				if name == cfg.Worker.CacheName {
					marker = "*"
				}
				fmt.Fprintf(out, "%s %s\n", marker, name)
			}
			return nil
		}

		found, err := storage.Has(args[0])
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("no cache named %q", args[0])
		}
		store, err := storage.Open(args[0])
		if err != nil {
			return err
		}
		keys, err := store.Keys()
		if err != nil {
			return err
		}
		for _, key := range keys {
			fmt.Fprintln(out, key)
		}
		return nil
	},
}

var cachesRmCmd = &cobra.Command{
	Use:   "rm <name>",
	Short: "Delete a cache store",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		storage, err := openStorage()
		if err != nil {
			return err
		}
		defer storage.Close()

		existed, err := storage.Delete(args[0])
		if err != nil {
			return err
		}
		if !existed {
			return fmt.Errorf("no cache named %q", args[0])
		}
		logger.Info("Deleted cache", "cacheName", args[0])
		return nil
	},
}

func init() {
	cachesCmd.AddCommand(cachesLsCmd, cachesRmCmd)
}
