package cmd

import (
	"context"
	"errors"
	"time"

	"birdcage/internal/server"
	"birdcage/internal/utils"
	"birdcage/pkg/admission"
	"birdcage/pkg/archive"
	"birdcage/pkg/ledger"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Ledger eviction runs on startup and then on this interval.
const evictionInterval = 3 * time.Hour

// Records blocked by transient failures are retried on this interval.
const retryInterval = 30 * time.Minute

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the intake server and the periodic ledger maintenance",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := ledger.Open(ledgerPath(cmd))
		if err != nil {
			return err
		}
		defer db.Close()

		ctrl := newController(db)

		queueSize, _ := cmd.Flags().GetInt("queue-size")
		srv := &server.Server{
			Ledger:    db,
			Ctrl:      ctrl,
			ACtx:      admissionContext,
			Username:  viper.GetString("server.username"),
			Password:  viper.GetString("server.password"),
			QueueSize: queueSize,
		}
		defer srv.Close()

		maxRows := viper.GetInt("ledger.max_rows")
		go runEvictionSweeps(db, maxRows)
		go runRetrySweeps(ctrl)

		listen, _ := cmd.Flags().GetString("listen")
		if listen == "" {
			listen = viper.GetString("server.listen")
		}
		return srv.Start(listen)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("listen", "", "Listen address for the intake server (default from config)")
	serveCmd.Flags().Int("queue-size", 0, "Intake queue capacity (default 256)")
}

// runEvictionSweeps keeps the ledger at or below its configured ceiling,
// once at startup and then every few hours.
func runEvictionSweeps(db *ledger.DB, maxRows int) {
	sweep := func() {
		deleted, err := db.EvictOldest(context.Background(), maxRows)
		if err != nil {
			utils.Log.Warnf("ledger eviction failed: %v", err)
			return
		}
		if deleted > 0 {
			utils.Log.Infof("ledger eviction removed %d old records", deleted)
		}
	}

	sweep()
	ticker := time.NewTicker(evictionInterval)
	defer ticker.Stop()
	for range ticker.C {
		sweep()
	}
}

// runRetrySweeps periodically re-runs admission for records blocked by
// transient failures.
func runRetrySweeps(ctrl *admission.Controller) {
	ticker := time.NewTicker(retryInterval)
	defer ticker.Stop()
	for range ticker.C {
		forwarded, err := ctrl.Reprocess(context.Background(), admissionContext())
		if errors.Is(err, admission.ErrNothingToRetry) {
			continue
		}
		if err != nil {
			utils.Log.Warnf("retry sweep failed: %v", err)
			continue
		}
		utils.Log.Infof("retry sweep forwarded %d records", forwarded)
	}
}

// newController wires the admission controller against the configured
// archive endpoint.
func newController(db *ledger.DB) *admission.Controller {
	sink := archive.NewClient(viper.GetString("archive.url"), viper.GetString("archive.token"))
	return admission.NewController(db, sink, utils.Log)
}

// admissionContext snapshots identity and preferences for one response.
func admissionContext() admission.Context {
	userID := viper.GetString("observer.id")
	return admission.Context{
		UserID:         userID,
		HashedUserID:   utils.HashUserID(userID),
		ForwardEnabled: viper.GetBool("observer.forward_enabled"),
		ExpiryWindow:   time.Duration(viper.GetInt("record_expiry_seconds")) * time.Second,
	}
}
