package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/ehr/revcycle/internal/domain/billing"
	"github.com/ehr/revcycle/internal/exitcode"
)

const cliActor = "revcycle-cli"

func remittanceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "remittance",
		Short: "Work with payer remittance batches",
	}

	importCmd := &cobra.Command{
		Use:   "import",
		Short: "Match and post a remittance batch file",
		RunE: func(cmd *cobra.Command, args []string) error {
			file, _ := cmd.Flags().GetString("file")
			dryRun, _ := cmd.Flags().GetBool("dry-run")
			actor, _ := cmd.Flags().GetString("actor")
			unmatchedOut, _ := cmd.Flags().GetString("unmatched-out")
			if file == "" {
				return withCode(exitcode.UsageError, fmt.Errorf("--file is required"))
			}

			batch, err := billing.LoadRemittanceFile(file)
			if err != nil {
				return withCode(exitcode.ValidationError, err)
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

			var result billing.RemittanceResult
			if dryRun {
				result, err = svc.PreviewRemittance(cmd.Context(), batch, actor)
			} else {
				result, err = svc.ImportRemittance(cmd.Context(), batch, actor)
			}
			if err != nil {
				return withCode(exitcode.ImportError, err)
			}

			printRemittanceResult(cmd.OutOrStdout(), result, dryRun)

			if unmatchedOut != "" {
				if err := writeUnmatchedFile(unmatchedOut, batch, result); err != nil {
					return withCode(exitcode.ImportError, err)
				}
			}
			return remittanceExit(result)
		},
	}
	importCmd.Flags().String("file", "", "Remittance batch (YAML or JSON)")
	importCmd.Flags().Bool("dry-run", false, "Match and compute postings without saving")
	importCmd.Flags().String("actor", cliActor, "User recorded on notes and adjustments")
	importCmd.Flags().String("unmatched-out", "", "Write unmatched and failed lines to this file for correction")
	cmd.AddCommand(importCmd)

	return cmd
}

// remittanceExit maps a batch result to a partial-success error when any
// line still needs a person to look at it.
func remittanceExit(r billing.RemittanceResult) error {
	open := r.Count(billing.OutcomeUnmatched) + r.Count(billing.OutcomeFailed) + r.Count(billing.OutcomeNeedsReview)
	if open == 0 {
		return nil
	}
	return withCode(exitcode.PartialSuccess, fmt.Errorf("%d of %d line(s) need follow-up", open, len(r.Outcomes)))
}

func writeUnmatchedFile(path string, batch billing.RemittanceBatch, result billing.RemittanceResult) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	n, err := billing.WriteUnmatched(f, batch, result)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return err
	}
	if n == 0 {
		return os.Remove(path)
	}
	return nil
}

func printRemittanceResult(w io.Writer, r billing.RemittanceResult, dryRun bool) {
	if dryRun {
		fmt.Fprintln(w, "DRY RUN: nothing was saved")
	}
	fmt.Fprintf(w, "Remittance %s: %d matched, %d unmatched, %s posted\n",
		r.Reference, r.MatchedCount, r.UnmatchedCount, r.TotalPosted)
	for _, warn := range r.Warnings {
		fmt.Fprintf(w, "WARNING: %s\n", warn)
	}
	fmt.Fprintf(w, "%-5s %-15s %-15s %10s %-24s %s\n", "LINE", "CLAIM", "STATUS", "PAID", "MATCHED BY", "REASON")
	for _, o := range r.Outcomes {
		claim := o.ClaimNumber
		if claim == "" {
			claim = o.Line.ClaimNumber
		}
		fmt.Fprintf(w, "%-5d %-15s %-15s %10s %-24s %s\n",
			o.Index+1, claim, o.Status, o.Line.Paid, o.MatchedBy, o.Reason)
	}
}
