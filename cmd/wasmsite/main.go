// Command wasmsite builds self-contained WASM notebook site bundles.
package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/airgap-tools/wasmsite"
	"github.com/airgap-tools/wasmsite/internal/report"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "wasmsite",
		Short:         "Bundle exported WASM notebooks for air-gapped serving",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newBuildCmd())
	return root
}

func newBuildCmd() *cobra.Command {
	var opts wasmsite.Options
	var verbose bool

	cmd := &cobra.Command{
		Use:   "build",
		Short: "Patch an exported site, bundle its dependencies, and verify the result",
		RunE: func(cmd *cobra.Command, args []string) error {
			level := slog.LevelInfo
			if verbose {
				level = slog.LevelDebug
			}
			logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
			opts.Logger = logger

			res, err := wasmsite.Build(cmd.Context(), opts)
			if err != nil {
				var failure *report.FailureError
				if errors.As(err, &failure) {
					fmt.Fprint(os.Stderr, res.Report.Render())
				}
				return err
			}
			for _, f := range res.ResolutionFailures {
				logger.Warn("requirement not bundled", "requirement", f.Requirement, "error", f.Err)
			}
			logger.Info("bundle complete", "site", opts.SiteDir, "pyodide", res.PyodideVersion)
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.SiteDir, "site-dir", "", "exported site tree to bundle (required)")
	cmd.Flags().StringVar(&opts.RequirementsFile, "requirements", "", "requirement list of extra packages to bundle")
	cmd.Flags().StringVar(&opts.ConfigFile, "pip-config", "", "pip.conf with alternate index-url and/or proxy")
	cmd.Flags().StringVar(&opts.PyodideVersion, "pyodide-version", "", "override the detected interpreter version")
	cmd.Flags().BoolVar(&opts.StrictConstraints, "strict-constraints", false, "fail branches on unparseable version constraints")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	_ = cmd.MarkFlagRequired("site-dir")

	return cmd
}
