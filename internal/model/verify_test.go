package model_test

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/go-bundleinfer/internal/bundle"
	"github.com/example/go-bundleinfer/internal/model"
	"github.com/example/go-bundleinfer/internal/tensor"
)

func TestZeroInput_UsesSingleItemShape(t *testing.T) {
	d := testDescriptor()
	d.Inputs = append(d.Inputs, bundle.Layer{
		Name: "ids", Kind: bundle.KindArray, Shape: []int64{2}, DType: tensor.Int64,
	})

	in, err := model.ZeroInput(d)
	require.NoError(t, err)
	require.Len(t, in, 2)

	assert.Equal(t, []int64{1, 4}, in["input"].Shape())
	assert.Equal(t, tensor.Float32, in["input"].DType())
	vals, err := in["input"].Float32s()
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 0, 0, 0}, vals)

	assert.Equal(t, []int64{2}, in["ids"].Shape())
	assert.Equal(t, tensor.Int64, in["ids"].DType())
}

func TestVerify_PassAndFail(t *testing.T) {
	ok := testDescriptor()
	bad := testDescriptor()
	bad.ID = "noexec"
	bad.Modes = bundle.Modes{Train: true}

	eng := &fakeEngine{scores: []float32{0.1, 0.2, 0.7}}
	var stdout, stderr bytes.Buffer
	err := model.Verify(context.Background(), []*bundle.Descriptor{ok, bad}, model.VerifyOptions{
		Engine: eng,
		Stdout: &stdout,
		Stderr: &stderr,
	})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "noexec")
	assert.Contains(t, stdout.String(), "PASS fake (1 outputs)")
	assert.True(t, strings.HasPrefix(stderr.String(), "FAIL noexec:"), stderr.String())
	assert.Equal(t, int32(0), eng.live(), "every verified session must be closed")
	assert.Equal(t, int32(1), eng.runs.Load())
}

func TestVerify_RunFailure(t *testing.T) {
	eng := &fakeEngine{runErr: assert.AnError}
	var stderr bytes.Buffer
	err := model.Verify(context.Background(), []*bundle.Descriptor{testDescriptor()}, model.VerifyOptions{
		Engine: eng,
		Stderr: &stderr,
	})

	require.Error(t, err)
	assert.Contains(t, stderr.String(), "FAIL fake")
	assert.Equal(t, int32(0), eng.live())
}

func TestVerify_RequiresEngine(t *testing.T) {
	err := model.Verify(context.Background(), nil, model.VerifyOptions{})
	require.Error(t, err)
}
