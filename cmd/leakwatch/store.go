package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/hazyhaar/leakwatch/dedup"
	"github.com/hazyhaar/leakwatch/privstore"
)

func exportCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "export <file>",
		Short: "Write a consistent copy of the store and its SHA-256 manifest",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := a.openStore()
			if err != nil {
				return err
			}
			defer store.Close()
			m, err := store.Export(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			a.logger.Info("leakwatch: exported", "file", args[0], "indicators", m.Indicators)
			return printJSON(cmd.OutOrStdout(), m)
		},
	}
}

func importCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "import <file>",
		Short: "Merge an exported store written under the same key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := a.openStore()
			if err != nil {
				return err
			}
			defer store.Close()
			res, err := store.Import(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			a.logger.Info("leakwatch: imported", "file", args[0], "skipped", res.Skipped, "indicators", res.Indicators)
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
}

func purgeCmd(a *app) *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete indicators last seen before the retention cutoff",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if olderThan == 0 {
				olderThan = a.cfg.Retention.MaxAge
			}
			if olderThan <= 0 {
				return errors.New("purge: set --older-than or retention.max_age")
			}
			store, err := a.openStore()
			if err != nil {
				return err
			}
			defer store.Close()
			cutoff := time.Now().Add(-olderThan)
			res, err := store.PurgeLastSeenBefore(cmd.Context(), cutoff)
			if err != nil {
				return err
			}
			a.logger.Info("leakwatch: purged", "cutoff", cutoff, "indicators", res.Indicators)
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "retention window, e.g. 2160h (default retention.max_age)")
	return cmd
}

func bloomCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "bloom <file>",
		Short: "Write the local peer Bloom filter for offline exchange",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := a.openStore()
			if err != nil {
				return err
			}
			defer store.Close()
			f, err := dedup.BuildLocalFilter(cmd.Context(), store, a.cfg.Peers.Capacity, a.cfg.Peers.FPRate)
			if err != nil {
				return err
			}
			out, err := os.OpenFile(args[0], os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
			if err != nil {
				return err
			}
			n, err := f.WriteTo(out)
			if cerr := out.Close(); err == nil {
				err = cerr
			}
			if err != nil {
				return err
			}
			m, k := f.Params()
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s: %d bytes, m=%d k=%d, ~%d hashes\n", args[0], n, m, k, f.ApproximateCount())
			return nil
		},
	}
}

func statsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print aggregate store counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := a.openStore()
			if err != nil {
				return err
			}
			defer store.Close()
			s, err := store.Stats(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), s)
		},
	}
}

func runsCmd(a *app) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List ingestion runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := a.openStore()
			if err != nil {
				return err
			}
			defer store.Close()
			runs, err := store.ListRuns(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if runs == nil {
				runs = []privstore.Run{}
			}
			return printJSON(cmd.OutOrStdout(), runs)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum runs")
	return cmd
}
