// Package cli implements the mediastore command line.
package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fruitsalade/mediastore/internal/config"
	"github.com/fruitsalade/mediastore/internal/content"
	"github.com/fruitsalade/mediastore/internal/logging"
)

// Build information, set with -ldflags at release time.
var (
	Version = "dev"
	Commit  = "none"
)

// NewRootCmd returns the root command with every subcommand attached.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "mediastore",
		Short: "Media content store",
		Long: `mediastore stores uploaded media on the local filesystem or an S3
compatible object store, serves it with byte-range support and issues
time-limited access URLs.

Configuration is read from the environment and an optional .env file.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(ServeCmd())
	root.AddCommand(PutCmd())
	root.AddCommand(GetCmd())
	root.AddCommand(StatCmd())
	root.AddCommand(URLCmd())
	root.AddCommand(RmCmd())
	root.AddCommand(VersionCmd())
	return root
}

// VersionCmd prints build information.
func VersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "mediastore %s (%s)\n", Version, Commit)
		},
	}
}

// setup loads configuration, initializes logging to logOutput and opens the
// content service. The caller must close the service.
func setup(ctx context.Context, logOutput string) (*config.Config, *content.Service, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	if err := logging.Init(logging.Config{
		Level:      cfg.LogLevel,
		Format:     cfg.LogFormat,
		OutputPath: logOutput,
	}); err != nil {
		return nil, nil, fmt.Errorf("init logging: %w", err)
	}
	svc, err := content.Open(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	return cfg, svc, nil
}
