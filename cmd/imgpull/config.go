package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

func newConfigCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "dump",
		Short: "Print the effective configuration as TOML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.cfg.Dump(cmd.OutOrStdout())
		},
	})
	return cmd
}

func newCacheCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Manage the blob cache",
	}

	var maxBytes int64
	prune := &cobra.Command{
		Use:   "prune",
		Short: "Evict the oldest blobs until the cache fits in --max-bytes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if maxBytes < 0 {
				return errors.New("--max-bytes must not be negative")
			}
			client, err := a.newClient(nil)
			if err != nil {
				return err
			}
			freed, remaining, err := client.Store().Prune(maxBytes)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "freed %d bytes, %d bytes remaining\n", freed, remaining)
			return err
		},
	}
	prune.Flags().Int64Var(&maxBytes, "max-bytes", 0, "target cache size in bytes (0 empties the cache)")
	cmd.AddCommand(prune)
	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		// Skip config loading so version works with a broken config.
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "imgpull %s (commit %s, built %s)\n", version, commit, date)
			return err
		},
	}
}
