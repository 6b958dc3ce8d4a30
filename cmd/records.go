package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"birdcage/pkg/admission"
	"birdcage/pkg/ledger"

	"github.com/spf13/cobra"
)

var recordsCmd = &cobra.Command{
	Use:   "records",
	Short: "List ledger records and their admission outcomes",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := ledger.Open(ledgerPath(cmd))
		if err != nil {
			return err
		}
		defer db.Close()

		opts := ledger.ListOptions{}
		opts.Type, _ = cmd.Flags().GetString("type")
		opts.CanForward, _ = cmd.Flags().GetString("status")
		opts.Reason, _ = cmd.Flags().GetString("reason")
		opts.Page, _ = cmd.Flags().GetInt("page")
		opts.PageSize, _ = cmd.Flags().GetInt("page-size")

		recs, pg, ov, err := db.List(cmd.Context(), opts, admission.RetryableReasons)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "KEY\tTYPE\tSTATUS\tREASON\tADDED")
		for _, r := range recs {
			status := "pending"
			switch {
			case r.CanForward != nil && *r.CanForward:
				status = "forwarded"
			case r.CanForward != nil:
				status = "blocked"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				r.ItemKey, r.Type, status, r.Reason, r.DateAdded.Format("2006-01-02 15:04:05"))
		}
		w.Flush()

		fmt.Printf("\nPage %d/%d, %d records total", pg.Page, pg.TotalPages, pg.TotalCount)
		if n := len(ov.ReprocessableByReason); n > 0 {
			retryable := 0
			for _, c := range ov.ReprocessableByReason {
				retryable += c
			}
			fmt.Printf(", %d retryable", retryable)
		}
		fmt.Println()
		return nil
	},
}

func init() {
	rootCmd.AddCommand(recordsCmd)

	recordsCmd.Flags().String("type", "all", "Filter by record type (e.g. api_tweet-detail)")
	recordsCmd.Flags().String("status", "all", "Filter by status: true, false, pending, all")
	recordsCmd.Flags().String("reason", "all", "Filter by rejection reason")
	recordsCmd.Flags().Int("page", 1, "Page number")
	recordsCmd.Flags().Int("page-size", 50, "Records per page")
}
