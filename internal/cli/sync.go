package cli

import (
	"fmt"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

func newSyncCmd() *cobra.Command {
	var quiet bool
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Reconcile the local store with the server",
		Long: `Run a full synchronization pass: apply remote deletions, diff the
local and remote views, download missing blobs and upload pending
ones. Transient failures are retried with back-off.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := newManager()
			if err != nil {
				return err
			}
			defer m.Close()
			ctx := cmd.Context()

			var bar *progressbar.ProgressBar
			done := make(chan struct{})
			if !quiet {
				bar = progressbar.NewOptions(-1,
					progressbar.OptionSetDescription("syncing"),
					progressbar.OptionSpinnerType(14),
					progressbar.OptionSetWriter(cmd.ErrOrStderr()),
				)
				go func() {
					ticker := time.NewTicker(100 * time.Millisecond)
					defer ticker.Stop()
					for {
						select {
						case <-done:
							return
						case <-ticker.C:
							bar.Add(1)
						}
					}
				}()
			}

			syncErr := m.Sync(ctx, cfg.Namespace)
			close(done)
			if bar != nil {
				bar.Finish()
				fmt.Fprintln(cmd.ErrOrStderr())
			}
			if syncErr != nil {
				return syncErr
			}

			progress, err := m.SyncProgress(ctx)
			if err != nil {
				return err
			}
			for status, count := range progress {
				logger.Info().Str("status", status).Int("blobs", count).Msg("sync finished")
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "Suppress the progress spinner")
	return cmd
}
