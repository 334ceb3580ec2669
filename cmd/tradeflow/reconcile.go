package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"tradeflow/internal/reconcile"
)

func newReconcileCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Check every position against its open lots and print the report",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			stores, cleanup, err := createStores(ctx, a.cfg, a.logger)
			if err != nil {
				return fmt.Errorf("create stores: %w", err)
			}
			defer cleanup()

			report, err := reconcile.NewChecker(reconcile.Config{Tolerance: a.cfg.Reconcile.Tolerance},
				stores.ledger, a.logger).Check(ctx)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(report); err != nil {
				return err
			}
			if !report.OK() {
				return fmt.Errorf("%d of %d positions do not match their open lots",
					len(report.Mismatches), report.Positions)
			}
			return nil
		},
	}
}
