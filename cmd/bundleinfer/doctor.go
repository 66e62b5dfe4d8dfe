package main

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/docker/go-units"
	"github.com/example/go-bundleinfer/internal/bundle"
	"github.com/example/go-bundleinfer/internal/config"
	"github.com/example/go-bundleinfer/internal/doctor"
	"github.com/example/go-bundleinfer/internal/model"
	"github.com/example/go-bundleinfer/internal/onnx"
	"github.com/spf13/cobra"
)

func newDoctorCmd() *cobra.Command {
	var (
		skipRuntime bool
		skipHost    bool
		smoke       bool
		minMemory   string
	)

	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Run local runtime and bundle checks",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			errOut := cmd.ErrOrStderr()

			_, _ = fmt.Fprintf(out, "backend: %s\n", cfg.Runtime.Backend)

			dcfg := doctor.Config{
				Runtime:     func() (string, error) { return probeRuntime(cfg.Runtime) },
				SkipRuntime: skipRuntime,
				BundlesDir:  cfg.Paths.BundlesDir,
			}
			if !skipHost {
				dcfg.Host = doctor.SystemHost
			}
			if minMemory != "" {
				n, err := units.RAMInBytes(minMemory)
				if err != nil {
					return fmt.Errorf("invalid --min-memory %q: %w", minMemory, err)
				}
				dcfg.MinMemory = uint64(max(n, 0))
			}

			result := doctor.Run(dcfg, out)

			// Smoke inference needs a working runtime; report it as one more check.
			if smoke && !result.Failed() {
				if err := smokeBundles(cmd, cfg); err != nil {
					result.AddFailure(fmt.Sprintf("smoke inference: %v", err))
					_, _ = fmt.Fprintf(out, "%s smoke inference: %v\n", doctor.FailMark, err)
				} else {
					_, _ = fmt.Fprintf(out, "%s smoke inference: ok\n", doctor.PassMark)
				}
			}

			if result.Failed() {
				for _, f := range result.Failures() {
					_, _ = fmt.Fprintf(errOut, "FAIL: %s\n", f)
				}

				return errors.New("doctor checks failed")
			}

			_, _ = fmt.Fprintln(out, "doctor checks passed")

			return nil
		},
	}

	cmd.Flags().BoolVar(&skipRuntime, "skip-runtime", false, "Skip ONNX Runtime detection")
	cmd.Flags().BoolVar(&skipHost, "skip-host", false, "Skip host OS and memory checks")
	cmd.Flags().BoolVar(&smoke, "smoke", false, "Also load every bundle and run one zero-filled inference")
	cmd.Flags().StringVar(&minMemory, "min-memory", "", "Fail when less memory is available (e.g. 2GB)")

	return cmd
}

// probeRuntime describes the ONNX Runtime library cfg resolves to.
func probeRuntime(cfg config.RuntimeConfig) (string, error) {
	info, err := onnx.DetectRuntime(cfg)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s (version %s, api %d)", info.LibraryPath, info.Version, info.APIVersion), nil
}

func smokeBundles(cmd *cobra.Command, cfg config.Config) error {
	reg, err := bundle.NewDirRegistry(cfg.Paths.BundlesDir, bundle.WithLogger(slog.New(slog.DiscardHandler)))
	if err != nil {
		return err
	}
	descs, err := resolveAll(bundle.NewResolver(reg), reg.IDs())
	if err != nil {
		return err
	}
	engine, err := newEngine(cfg.Runtime, slog.Default())
	if err != nil {
		return err
	}
	return model.Verify(cmd.Context(), descs, model.VerifyOptions{
		Engine: engine,
		Logger: slog.Default(),
		Stdout: cmd.OutOrStdout(),
		Stderr: cmd.ErrOrStderr(),
	})
}
