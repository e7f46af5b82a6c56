// Package cli provides the blobsync command-line interface.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/leapcode/blobsync/blobs"
	"github.com/leapcode/blobsync/internal/config"
	"github.com/leapcode/blobsync/internal/logging"
)

var (
	verbose   bool
	remote    string
	user      string
	dataDir   string
	namespace string

	logger zerolog.Logger
	cfg    *config.Config
)

// Version is set by the build via LDFLAGS.
var Version = "dev"

// NewRootCmd creates the root command.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "blobsync",
		Short: "Client-side encrypted blob store and synchronizer",
		Long: `blobsync keeps an encrypted local copy of your blobs and mirrors
them to a remote server that only ever sees ciphertext.

Configuration comes from BLOBSYNC_* environment variables; flags
override the environment. The master secret is read from
BLOBSYNC_SECRET (hex) or prompted for.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			logger = logging.New(verbose)
			c, err := config.Load()
			if err != nil {
				return err
			}
			if remote != "" {
				c.Remote = remote
			}
			if user != "" {
				c.User = user
			}
			if dataDir != "" {
				c.DataDir = dataDir
			}
			if cmd.Flags().Changed("namespace") {
				c.Namespace = namespace
			}
			cfg = c
			return nil
		},
	}

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output (shows debug messages)")
	rootCmd.PersistentFlags().StringVar(&remote, "remote", "", "Blob server base URL (overrides BLOBSYNC_REMOTE)")
	rootCmd.PersistentFlags().StringVar(&user, "user", "", "Account uuid (overrides BLOBSYNC_USER)")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "Local data directory (overrides BLOBSYNC_DATA_DIR)")
	rootCmd.PersistentFlags().StringVarP(&namespace, "namespace", "n", "", "Blob namespace (empty is the default namespace)")
	rootCmd.Version = Version

	rootCmd.AddCommand(newPutCmd())
	rootCmd.AddCommand(newGetCmd())
	rootCmd.AddCommand(newDeleteCmd())
	rootCmd.AddCommand(newListCmd())
	rootCmd.AddCommand(newFlagsCmd())
	rootCmd.AddCommand(newSyncCmd())
	rootCmd.AddCommand(newServeCmd())
	return rootCmd
}

// Execute runs the CLI under a signal-cancelled context.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd := NewRootCmd()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return err
	}
	return nil
}

// newManager builds a blobs.Manager from the merged configuration,
// prompting for the master secret when the environment does not carry one.
func newManager() (*blobs.Manager, error) {
	if cfg.Remote == "" || cfg.User == "" {
		return nil, fmt.Errorf("remote and user are required (set BLOBSYNC_REMOTE and BLOBSYNC_USER)")
	}
	secret, err := cfg.SecretBytes()
	if err != nil {
		return nil, err
	}
	if secret == nil {
		secret, err = promptSecret()
		if err != nil {
			return nil, err
		}
	}
	var caCert []byte
	if cfg.CACert != "" {
		caCert, err = os.ReadFile(cfg.CACert)
		if err != nil {
			return nil, fmt.Errorf("read CA bundle: %w", err)
		}
	}
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	return blobs.NewManager(blobs.Config{
		Remote:                   cfg.Remote,
		User:                     cfg.User,
		Token:                    cfg.Token,
		Secret:                   secret,
		LocalPath:                cfg.DBPath(),
		CACert:                   caCert,
		ConcurrentTransfersLimit: cfg.ConcurrentTransfers,
		Logger:                   logger,
	})
}
