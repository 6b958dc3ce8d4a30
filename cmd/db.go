package cmd

import (
	"fmt"

	"birdcage/pkg/admission"
	"birdcage/pkg/ledger"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// dbCmd represents the db command
var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Interact with the birdcage ledger",
}

var evictCmd = &cobra.Command{
	Use:   "evict",
	Short: "Evict the oldest ledger records down to the configured ceiling",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := ledger.Open(ledgerPath(cmd))
		if err != nil {
			return err
		}
		defer db.Close()

		maxRows, _ := cmd.Flags().GetInt("max-rows")
		if maxRows <= 0 {
			maxRows = viper.GetInt("ledger.max_rows")
		}
		deleted, err := db.EvictOldest(cmd.Context(), maxRows)
		if err != nil {
			return err
		}
		fmt.Printf("Evicted %d records (ceiling %d).\n", deleted, maxRows)
		return nil
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show ledger counts by type, status and reason",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := ledger.Open(ledgerPath(cmd))
		if err != nil {
			return err
		}
		defer db.Close()

		_, _, ov, err := db.List(cmd.Context(), ledger.ListOptions{Page: 1, PageSize: 1}, admission.RetryableReasons)
		if err != nil {
			return err
		}

		fmt.Printf("Total records: %d\n", ov.TotalRecords)
		fmt.Printf("Forwarded: %d  Blocked: %d  Pending: %d\n",
			ov.CanForwardCounts["true"], ov.CanForwardCounts["false"], ov.CanForwardCounts["pending"])
		if len(ov.TypeCounts) > 0 {
			fmt.Println("\nBy type:")
			for typ, n := range ov.TypeCounts {
				fmt.Printf("  %s: %d\n", typ, n)
			}
		}
		if len(ov.ReasonCounts) > 0 {
			fmt.Println("\nBy reason:")
			for reason, n := range ov.ReasonCounts {
				fmt.Printf("  %s: %d\n", reason, n)
			}
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(dbCmd)
	dbCmd.AddCommand(evictCmd)
	dbCmd.AddCommand(statsCmd)

	evictCmd.Flags().Int("max-rows", 0, "Row ceiling (default from config)")
}
