package model

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/example/go-bundleinfer/internal/bundle"
	"github.com/example/go-bundleinfer/internal/tensor"
)

type VerifyOptions struct {
	Engine Engine
	Logger *slog.Logger
	Stdout io.Writer
	Stderr io.Writer
}

// Verify smoke-tests each bundle: load, one run on zero-filled inputs,
// unload. It prints PASS/FAIL per bundle and fails if any bundle failed.
func Verify(ctx context.Context, descs []*bundle.Descriptor, opts VerifyOptions) error {
	if opts.Engine == nil {
		return errors.New("engine is required")
	}
	if opts.Stdout == nil {
		opts.Stdout = io.Discard
	}
	if opts.Stderr == nil {
		opts.Stderr = io.Discard
	}

	var failures []string
	for _, d := range descs {
		n, err := smoke(ctx, d, opts)
		if err != nil {
			_, _ = fmt.Fprintf(opts.Stderr, "FAIL %s: %v\n", d.ID, err)
			failures = append(failures, d.ID)
			continue
		}
		_, _ = fmt.Fprintf(opts.Stdout, "PASS %s (%d outputs)\n", d.ID, n)
	}

	if len(failures) > 0 {
		return fmt.Errorf("verify failed for %d bundle(s): %s", len(failures), strings.Join(failures, ", "))
	}
	return nil
}

func smoke(ctx context.Context, d *bundle.Descriptor, opts VerifyOptions) (int, error) {
	m := New(d, opts.Engine, WithLogger(opts.Logger))
	if err := m.Load(ctx); err != nil {
		return 0, err
	}
	defer func() { _ = m.Unload() }()

	in, err := ZeroInput(d)
	if err != nil {
		return 0, err
	}
	out, err := m.Run(ctx, in)
	if err != nil {
		return 0, err
	}
	return len(out.Names()), nil
}

// ZeroInput builds a zero-filled tensor for every declared input at its
// single-item shape.
func ZeroInput(d *bundle.Descriptor) (Input, error) {
	in := make(Input, len(d.Inputs))
	for _, layer := range d.Inputs {
		t, err := tensor.Zeros(layer.DType, layer.ConcreteShape())
		if err != nil {
			return nil, fmt.Errorf("input %q: %w", layer.Name, err)
		}
		in[layer.Name] = t
	}
	return in, nil
}
