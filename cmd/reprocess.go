package cmd

import (
	"errors"
	"fmt"

	"birdcage/pkg/admission"
	"birdcage/pkg/ledger"

	"github.com/spf13/cobra"
)

var reprocessCmd = &cobra.Command{
	Use:   "reprocess",
	Short: "Re-run admission for records blocked by transient failures",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := ledger.Open(ledgerPath(cmd))
		if err != nil {
			return err
		}
		defer db.Close()

		ctrl := newController(db)
		forwarded, err := ctrl.Reprocess(cmd.Context(), admissionContext())
		if errors.Is(err, admission.ErrNothingToRetry) {
			fmt.Println("Nothing to reprocess.")
			return nil
		}
		if err != nil {
			return err
		}
		fmt.Printf("Reprocess complete: %d records forwarded.\n", forwarded)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(reprocessCmd)
}
