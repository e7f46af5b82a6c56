package cli

import (
	"context"
	"errors"
	nethttp "net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/leapcode/blobsync/internal/server"
)

func newServeCmd() *cobra.Command {
	var (
		listenAddr string
		serverRoot string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the blobs server",
		Long: `Serve the blobs HTTP contract from a local directory. Clients
authenticate with the configured token; blob contents are opaque
ciphertext to the server.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if listenAddr == "" {
				listenAddr = cfg.ListenAddr
			}
			if serverRoot == "" {
				serverRoot = cfg.ServerRoot
			}
			if err := os.MkdirAll(serverRoot, 0o700); err != nil {
				return err
			}

			handler := server.New(serverRoot, cfg.Token, logger)
			srv := &nethttp.Server{
				Addr:              listenAddr,
				Handler:           handler,
				ReadHeaderTimeout: 10 * time.Second,
			}

			errc := make(chan error, 1)
			go func() {
				logger.Info().Str("addr", listenAddr).Str("root", serverRoot).Msg("blobs server listening")
				errc <- srv.ListenAndServe()
			}()

			select {
			case err := <-errc:
				return err
			case <-cmd.Context().Done():
			}
			logger.Info().Msg("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				return err
			}
			if err := <-errc; !errors.Is(err, nethttp.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&listenAddr, "listen", "", "Listen address (overrides BLOBSYNC_LISTEN_ADDR)")
	cmd.Flags().StringVar(&serverRoot, "root", "", "Storage directory (overrides BLOBSYNC_SERVER_ROOT)")
	return cmd
}
