package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/leapcode/blobsync/blobs"
)

func newPutCmd() *cobra.Command {
	var (
		blobID    string
		localOnly bool
	)
	cmd := &cobra.Command{
		Use:   "put [file]",
		Short: "Store a blob and upload it",
		Long: `Store a blob from a file (or stdin when no file is given) and upload
it to the server. Without --id a random uuid is assigned. With
--local-only the blob is kept on this device and never synced.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := newManager()
			if err != nil {
				return err
			}
			defer m.Close()

			var src io.Reader = os.Stdin
			if len(args) == 1 {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				src = f
			}
			if blobID == "" {
				blobID = uuid.NewString()
			}
			doc := blobs.BlobDoc{BlobID: blobID, Content: src}
			if err := m.Put(cmd.Context(), doc, cfg.Namespace, localOnly); err != nil {
				return err
			}
			fmt.Println(blobID)
			return nil
		},
	}
	cmd.Flags().StringVar(&blobID, "id", "", "Blob id (default: random uuid)")
	cmd.Flags().BoolVar(&localOnly, "local-only", false, "Keep the blob on this device, never upload it")
	return cmd
}

func newGetCmd() *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "get <blob-id>",
		Short: "Fetch a blob's content",
		Long: `Print a blob's plaintext to stdout or write it to a file. The local
copy answers when present; otherwise the blob is downloaded, verified
and cached locally.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := newManager()
			if err != nil {
				return err
			}
			defer m.Close()

			content, err := m.Get(cmd.Context(), args[0], cfg.Namespace)
			if err != nil {
				return err
			}
			if output != "" {
				return os.WriteFile(output, content.Bytes(), 0o600)
			}
			_, err = io.Copy(os.Stdout, content)
			return err
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "Write content to a file instead of stdout")
	return cmd
}

func newDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <blob-id>",
		Short: "Delete a blob remotely and locally",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := newManager()
			if err != nil {
				return err
			}
			defer m.Close()
			return m.Delete(cmd.Context(), args[0], cfg.Namespace)
		},
	}
}

func newListCmd() *cobra.Command {
	var (
		local      bool
		deleted    bool
		onlyCount  bool
		orderBy    string
		filterFlag string
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List blobs in the namespace",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := newManager()
			if err != nil {
				return err
			}
			defer m.Close()
			ctx := cmd.Context()

			if local {
				ids, err := m.LocalList(ctx, cfg.Namespace)
				if err != nil {
					return err
				}
				printIDs(ids)
				return nil
			}
			if onlyCount {
				n, err := m.Count(ctx, cfg.Namespace)
				if err != nil {
					return err
				}
				fmt.Println(n)
				return nil
			}
			ids, err := m.RemoteList(ctx, blobs.ListOptions{
				Namespace:  cfg.Namespace,
				OrderBy:    orderBy,
				Deleted:    deleted,
				FilterFlag: blobs.Flag(filterFlag),
			})
			if err != nil {
				return err
			}
			printIDs(ids)
			return nil
		},
	}
	cmd.Flags().BoolVar(&local, "local", false, "List the local store instead of the server")
	cmd.Flags().BoolVar(&deleted, "deleted", false, "List tombstones instead of live blobs")
	cmd.Flags().BoolVar(&onlyCount, "count", false, "Print the number of blobs only")
	cmd.Flags().StringVar(&orderBy, "order-by", "", `Sort order: "date", "+date" or "-date"`)
	cmd.Flags().StringVar(&filterFlag, "filter-flag", "", "Only blobs bearing this flag")
	return cmd
}

func newFlagsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "flags <blob-id> [flag...]",
		Short: "Get or set a remote blob's flags",
		Long: `With only a blob id, print the blob's current flags. With flags
given, replace the blob's flag set. Valid flags: pending, processing,
failed, success. Passing no flags after "--" clears the set.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := newManager()
			if err != nil {
				return err
			}
			defer m.Close()
			ctx := cmd.Context()
			blobID := args[0]

			if len(args) == 1 && cmd.ArgsLenAtDash() == -1 {
				flags, err := m.GetFlags(ctx, blobID, cfg.Namespace)
				if err != nil {
					return err
				}
				for _, f := range flags {
					fmt.Println(f)
				}
				return nil
			}
			flags := make([]blobs.Flag, 0, len(args)-1)
			for _, f := range args[1:] {
				flags = append(flags, blobs.Flag(f))
			}
			return m.SetFlags(ctx, blobID, flags, cfg.Namespace)
		},
	}
}

func printIDs(ids []string) {
	for _, id := range ids {
		fmt.Println(id)
	}
}
