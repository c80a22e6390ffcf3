package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/hazyhaar/leakwatch/indicator"
	"github.com/hazyhaar/leakwatch/kit"
	"github.com/hazyhaar/leakwatch/privstore"
)

func anomaliesCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "anomalies",
		Short: "Review anomaly records",
	}
	cmd.AddCommand(anomaliesListCmd(a), anomaliesResolveCmd(a))
	return cmd
}

func anomaliesListCmd(a *app) *cobra.Command {
	var f privstore.AnomalyFilter
	var typ string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List anomaly records, oldest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := a.openStore()
			if err != nil {
				return err
			}
			defer store.Close()
			f.Type = indicator.AnomalyType(typ)
			recs, err := store.ListAnomalies(cmd.Context(), f)
			if err != nil {
				return err
			}
			if recs == nil {
				recs = []indicator.AnomalyRecord{}
			}
			return printJSON(cmd.OutOrStdout(), recs)
		},
	}
	cmd.Flags().StringVar(&f.RunID, "run", "", "only this run")
	cmd.Flags().StringVar(&f.Subject, "subject", "", "only this indicator hash")
	cmd.Flags().StringVar(&typ, "type", "", "entropy_outlier, unseen_combination, rare_domain or rare_user")
	cmd.Flags().BoolVar(&f.UnresolvedOnly, "unresolved", false, "skip resolved records")
	cmd.Flags().IntVar(&f.Limit, "limit", 100, "maximum records (0 for all)")
	return cmd
}

func anomaliesResolveCmd(a *app) *cobra.Command {
	var operator string
	cmd := &cobra.Command{
		Use:   "resolve <id>...",
		Short: "Mark anomaly records as reviewed",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if operator == "" {
				operator = os.Getenv("USER")
			}
			ctx := kit.WithOperator(cmd.Context(), operator)
			store, err := a.openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			out := make([]indicator.AnomalyRecord, 0, len(args))
			for _, id := range args {
				rec, err := store.ResolveAnomaly(ctx, id)
				if err != nil {
					return err
				}
				a.logger.Info("leakwatch: anomaly resolved", "id", id, "operator", kit.GetOperator(ctx))
				out = append(out, rec)
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
	cmd.Flags().StringVar(&operator, "operator", "", "reviewer name for the log (default $USER)")
	return cmd
}
