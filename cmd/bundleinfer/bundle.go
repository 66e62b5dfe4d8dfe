package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"
	"text/tabwriter"

	"github.com/docker/go-units"
	"github.com/example/go-bundleinfer/internal/bundle"
	"github.com/example/go-bundleinfer/internal/model"
	"github.com/spf13/cobra"
)

func newBundleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bundle",
		Short: "Bundle listing, acquisition and verification commands",
	}

	cmd.AddCommand(newBundleListCmd())
	cmd.AddCommand(newBundleVerifyCmd())
	cmd.AddCommand(newBundleDownloadCmd())
	return cmd
}

func newBundleListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List valid bundles in the bundles dir",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}
			reg, err := bundle.NewDirRegistry(cfg.Paths.BundlesDir)
			if err != nil {
				return err
			}
			descs, err := resolveAll(bundle.NewResolver(reg), reg.IDs())
			if err != nil {
				return err
			}
			if err := writeBundleTable(cmd.OutOrStdout(), descs); err != nil {
				return err
			}

			skipped := reg.Skipped()
			locs := make([]string, 0, len(skipped))
			for loc := range skipped {
				locs = append(locs, loc)
			}
			slices.Sort(locs)
			for _, loc := range locs {
				_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "skipped %s: %v\n", loc, skipped[loc])
			}
			return nil
		},
	}
}

func writeBundleTable(w io.Writer, descs []*bundle.Descriptor) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "ID\tNAME\tVERSION\tINPUTS\tOUTPUTS\tSIZE")
	for _, d := range descs {
		size := "?"
		if info, err := os.Stat(d.ModelPath()); err == nil {
			size = units.HumanSize(float64(info.Size()))
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			d.ID, d.Name, d.Version, layerSummary(d.Inputs), layerSummary(d.Outputs), size)
	}
	return tw.Flush()
}

func layerSummary(layers []bundle.Layer) string {
	parts := make([]string, len(layers))
	for i, l := range layers {
		dims := make([]string, len(l.Shape))
		for j, d := range l.Shape {
			dims[j] = fmt.Sprint(d)
		}
		parts[i] = fmt.Sprintf("%s:%s[%s]", l.Name, l.Kind, strings.Join(dims, ","))
	}
	return strings.Join(parts, " ")
}

func newBundleVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify [bundle-id|path ...]",
		Short: "Load each bundle and run one zero-filled inference",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			var descs []*bundle.Descriptor
			if len(args) == 0 {
				reg, err := bundle.NewDirRegistry(cfg.Paths.BundlesDir)
				if err != nil {
					return err
				}
				if descs, err = resolveAll(bundle.NewResolver(reg), reg.IDs()); err != nil {
					return err
				}
				if len(descs) == 0 {
					return fmt.Errorf("no bundles found in %s", cfg.Paths.BundlesDir)
				}
			} else {
				a, err := newApp(cfg, nil)
				if err != nil {
					return err
				}
				defer func() { _ = a.Close() }()
				for _, ref := range args {
					d, err := a.service.Descriptor(ref)
					if err != nil {
						return err
					}
					descs = append(descs, d)
				}
			}

			engine, err := newEngine(cfg.Runtime, slog.Default())
			if err != nil {
				return err
			}
			if err := model.Verify(cmd.Context(), descs, model.VerifyOptions{
				Engine: engine,
				Logger: slog.Default(),
				Stdout: cmd.OutOrStdout(),
				Stderr: cmd.ErrOrStderr(),
			}); err != nil {
				return fmt.Errorf("bundle verify failed: %w", err)
			}
			return nil
		},
	}
}

func newBundleDownloadCmd() *cobra.Command {
	var (
		url       string
		digest    string
		indexFile string
	)

	cmd := &cobra.Command{
		Use:   "download <bundle-id>",
		Short: "Download, verify and unpack a bundle into the bundles dir",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}
			if indexFile == "" && url == "" {
				indexFile = cfg.Paths.RegistryFile
			}
			if err := os.MkdirAll(cfg.Paths.BundlesDir, 0o755); err != nil {
				return fmt.Errorf("create bundles dir: %w", err)
			}

			d, err := bundle.Download(cmd.Context(), bundle.DownloadOptions{
				ID:         args[0],
				URL:        url,
				Digest:     digest,
				IndexFile:  indexFile,
				BundlesDir: cfg.Paths.BundlesDir,
				Stdout:     cmd.OutOrStdout(),
			})
			if err != nil {
				return fmt.Errorf("bundle download failed: %w", err)
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "installed %s %s at %s\n", d.ID, d.Version, d.Location)
			return err
		},
	}

	cmd.Flags().StringVar(&url, "url", "", "Archive URL (http(s)://, file:// or a local path); overrides the index")
	cmd.Flags().StringVar(&digest, "digest", "", "Expected archive digest (sha256:<hex>)")
	cmd.Flags().StringVar(&indexFile, "index", "", "Bundle index file (default: paths.registry_file)")

	return cmd
}

// resolveAll validates every id through r, failing on the first error.
func resolveAll(r *bundle.Resolver, ids []string) ([]*bundle.Descriptor, error) {
	descs := make([]*bundle.Descriptor, 0, len(ids))
	var errs []error
	for _, id := range ids {
		d, err := r.Resolve(id)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		descs = append(descs, d)
	}
	return descs, errors.Join(errs...)
}
