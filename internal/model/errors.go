package model

import (
	"errors"
	"fmt"

	"github.com/example/go-bundleinfer/internal/tensor"
)

// Sentinels matched by the typed errors below through errors.Is.
var (
	ErrLoad          = errors.New("model load failed")
	ErrInvalidState  = errors.New("invalid model state")
	ErrShapeMismatch = errors.New("input shape mismatch")
	ErrNotLoaded     = errors.New("model not loaded")
	ErrInference     = errors.New("inference failed")
	ErrBusy          = errors.New("model busy")
)

type LoadError struct {
	ID  string
	Err error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load model %q: %v", e.ID, e.Err)
}

func (e *LoadError) Unwrap() error        { return e.Err }
func (e *LoadError) Is(target error) bool { return target == ErrLoad }

// InvalidStateError reports a lifecycle operation that is not allowed from
// the current state, such as loading an already loaded model.
type InvalidStateError struct {
	ID    string
	Op    string
	State State
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("model %q: cannot %s in state %s", e.ID, e.Op, e.State)
}

func (e *InvalidStateError) Is(target error) bool { return target == ErrInvalidState }

type ShapeMismatchError struct {
	ID        string
	Input     string
	Want      []int64
	Got       []int64
	WantDType tensor.DType
	GotDType  tensor.DType
	Reason    string
}

func (e *ShapeMismatchError) Error() string {
	switch {
	case e.Reason != "":
		return fmt.Sprintf("model %q input %q: %s", e.ID, e.Input, e.Reason)
	case e.WantDType != e.GotDType:
		return fmt.Sprintf("model %q input %q: dtype %s, want %s", e.ID, e.Input, e.GotDType, e.WantDType)
	default:
		return fmt.Sprintf("model %q input %q: shape %v, want %v", e.ID, e.Input, e.Got, e.Want)
	}
}

func (e *ShapeMismatchError) Is(target error) bool { return target == ErrShapeMismatch }

type NotLoadedError struct {
	ID    string
	State State
}

func (e *NotLoadedError) Error() string {
	return fmt.Sprintf("model %q is not loaded (state %s)", e.ID, e.State)
}

func (e *NotLoadedError) Is(target error) bool { return target == ErrNotLoaded }

type InferenceError struct {
	ID  string
	Err error
}

func (e *InferenceError) Error() string {
	return fmt.Sprintf("inference on model %q: %v", e.ID, e.Err)
}

func (e *InferenceError) Unwrap() error        { return e.Err }
func (e *InferenceError) Is(target error) bool { return target == ErrInference }

// BusyError is returned by Run under BusyReject while another run is in
// flight on the same model.
type BusyError struct {
	ID string
}

func (e *BusyError) Error() string {
	return fmt.Sprintf("model %q is busy", e.ID)
}

func (e *BusyError) Is(target error) bool { return target == ErrBusy }
