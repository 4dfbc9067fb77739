package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"os"
	"path"
	"time"

	"github.com/spf13/cobra"

	"github.com/fruitsalade/mediastore/internal/storage"
)

func visibility(public bool) storage.Visibility {
	if public {
		return storage.Public
	}
	return storage.Private
}

// PutCmd uploads a local file, or stdin when the source is "-".
func PutCmd() *cobra.Command {
	var (
		contentType string
		public      bool
	)
	cmd := &cobra.Command{
		Use:   "put <source|-> <key>",
		Short: "Upload a file under a key",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			src, key := args[0], args[1]
			_, svc, err := setup(cmd.Context(), "stderr")
			if err != nil {
				return err
			}
			defer svc.Close()

			payload := storage.File(src)
			if src == "-" {
				payload = storage.Stream(cmd.InOrStdin(), -1)
			}
			if contentType == "" {
				contentType = mime.TypeByExtension(path.Ext(key))
			}

			info, err := svc.Put(cmd.Context(), storage.UploadRequest{
				Key:         key,
				ContentType: contentType,
				Payload:     payload,
				Visibility:  visibility(public),
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%d\n", info.Key, info.Size)
			return nil
		},
	}
	cmd.Flags().StringVar(&contentType, "content-type", "", "Content type (default: from the key extension)")
	cmd.Flags().BoolVar(&public, "public", false, "Store in the public container")
	return cmd
}

// GetCmd downloads an object to stdout or a file.
func GetCmd() *cobra.Command {
	var (
		rangeHeader string
		output      string
	)
	cmd := &cobra.Command{
		Use:   "get <key>",
		Short: "Download an object",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, svc, err := setup(cmd.Context(), "stderr")
			if err != nil {
				return err
			}
			defer svc.Close()

			obj, err := svc.Read(cmd.Context(), args[0], rangeHeader)
			if err != nil {
				return err
			}
			defer obj.Body.Close()

			var w io.Writer = cmd.OutOrStdout()
			if output != "" && output != "-" {
				f, err := os.Create(output)
				if err != nil {
					return err
				}
				defer f.Close()
				w = f
			}
			if _, err := io.Copy(w, obj.Body); err != nil {
				return fmt.Errorf("copy %s: %w", obj.Key, err)
			}
			if obj.Partial() {
				cmd.PrintErrf("Content-Range: %s\n", obj.ContentRange)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&rangeHeader, "range", "", `Byte range, e.g. "bytes=0-1023"`)
	cmd.Flags().StringVarP(&output, "output", "o", "", "Write to file instead of stdout")
	return cmd
}

// StatCmd prints object metadata as JSON.
func StatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stat <key>",
		Short: "Show object metadata",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, svc, err := setup(cmd.Context(), "stderr")
			if err != nil {
				return err
			}
			defer svc.Close()

			info, err := svc.Stat(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(info)
		},
	}
}

// URLCmd issues an access URL for a key.
func URLCmd() *cobra.Command {
	var (
		public bool
		ttl    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "url <key>",
		Short: "Issue an access URL",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, svc, err := setup(cmd.Context(), "stderr")
			if err != nil {
				return err
			}
			defer svc.Close()

			c, err := svc.URLFor(cmd.Context(), args[0], visibility(public), ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), c.URL)
			if c.ExpiresAt != nil {
				cmd.PrintErrf("kind=%s expires=%s\n", c.Kind, c.ExpiresAt.UTC().Format(time.RFC3339))
			} else {
				cmd.PrintErrf("kind=%s\n", c.Kind)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&public, "public", false, "Issue a URL for the public container")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "Expiry for signed URLs (default: per visibility)")
	return cmd
}

// RmCmd deletes an object. Failures are logged, never returned.
func RmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm <key>",
		Short: "Delete an object (best effort)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, svc, err := setup(cmd.Context(), "stderr")
			if err != nil {
				return err
			}
			defer svc.Close()

			svc.Delete(cmd.Context(), args[0])
			return nil
		},
	}
}
