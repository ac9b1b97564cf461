package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/ehr/revcycle/internal/domain/billing"
	"github.com/ehr/revcycle/internal/exitcode"
	"github.com/ehr/revcycle/pkg/caldate"
)

func agingCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "aging",
		Short: "Print the accounts receivable aging report",
		RunE: func(cmd *cobra.Command, args []string) error {
			asOfFlag, _ := cmd.Flags().GetString("as-of")
			byPayer, _ := cmd.Flags().GetBool("by-payer")
			payerID, _ := cmd.Flags().GetString("payer")

			asOf, err := caldate.Parse(asOfFlag)
			if err != nil {
				return withCode(exitcode.UsageError, fmt.Errorf("--as-of: %w", err))
			}

			rt, err := loadApp(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer rt.Close()

			svc, err := rt.service(cmd.Context())
			if err != nil {
				return err
			}

			var reports []billing.AgingReport
			if byPayer {
				reports, err = svc.ComputeAgingByPayer(cmd.Context(), asOf)
			} else {
				var r billing.AgingReport
				r, err = svc.ComputeAging(cmd.Context(), asOf, payerID)
				reports = []billing.AgingReport{r}
			}
			if err != nil {
				return withCode(exitcode.ValidationError, err)
			}
			printAging(cmd.OutOrStdout(), reports)
			return nil
		},
	}
	cmd.Flags().String("as-of", "", "Report date (YYYY-MM-DD); defaults to today")
	cmd.Flags().Bool("by-payer", false, "One row per payer")
	cmd.Flags().String("payer", "", "Only claims billed to this payer")
	return cmd
}

func printAging(w io.Writer, reports []billing.AgingReport) {
	if len(reports) == 0 {
		fmt.Fprintln(w, "No open receivables.")
		return
	}
	fmt.Fprintf(w, "Aging as of %s\n", reports[0].AsOf)
	fmt.Fprintf(w, "%-16s %14s %14s %14s %14s %14s %14s\n",
		"PAYER", "0-30", "31-60", "61-90", "91-120", "120+", "TOTAL")
	for _, r := range reports {
		payer := r.PayerID
		if payer == "" {
			payer = "all"
		}
		fmt.Fprintf(w, "%-16s %14s %14s %14s %14s %14s %14s\n", payer,
			bucketCell(r.Current), bucketCell(r.Days31to60), bucketCell(r.Days61to90),
			bucketCell(r.Days91to120), bucketCell(r.Over120), bucketCell(r.Total))
	}
}

func bucketCell(b billing.Bucket) string {
	return fmt.Sprintf("%s (%d)", b.Amount, b.Count)
}
