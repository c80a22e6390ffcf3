package main

import (
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/hazyhaar/leakwatch/pipeline"
	"github.com/hazyhaar/leakwatch/report"
)

func ingestCmd(a *app) *cobra.Command {
	var source, records, format string
	cmd := &cobra.Command{
		Use:   "ingest [file|-]",
		Short: "Ingest a delimited dump and print the run summary",
		Long: `Reads a delimited dump (stdin when no file or "-" is given), stores hashes only
and prints the run summary. The exit status is non-zero unless the run completed.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			var in io.Reader = cmd.InOrStdin()
			name := "stdin"
			if len(args) == 1 && args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				in, name = f, filepath.Base(args[0])
			}
			if source != "" {
				name = source
			}
			if format == "" {
				format = a.cfg.Report.Format
			}
			if records == "" {
				records = a.cfg.Report.RecordsPath
			}

			store, err := a.openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			built, err := pipeline.Build(ctx, a.cfg, store, nil, a.logger)
			if err != nil {
				return err
			}
			defer built.Close()

			var sink report.Sink = report.Discard
			if records != "" {
				if sink, err = report.CreateJSONLSink(records); err != nil {
					return err
				}
			}

			summary, runErr := built.Pipeline.Run(ctx, in, name, sink)
			if err := report.Write(cmd.OutOrStdout(), summary, report.Format(format)); err != nil {
				return err
			}
			return runErr
		},
	}
	cmd.Flags().StringVar(&source, "source", "", "source label recorded on the run (default: file name)")
	cmd.Flags().StringVar(&records, "records", "", "write per-record results as JSON lines to this file")
	cmd.Flags().StringVarP(&format, "format", "o", "", "summary format: text, json or yaml")
	return cmd
}
