package config

import (
	"fmt"
	"strings"
)

const (
	BackendPurego = "onnx-purego"
	BackendCgo    = "onnx-cgo"
)

const (
	BusyQueue  = "queue"
	BusyReject = "reject"
)

func NormalizeBackend(raw string) (string, error) {
	backend := strings.ToLower(strings.TrimSpace(raw))
	if backend == "" {
		backend = BackendPurego
	}
	switch backend {
	case BackendPurego, BackendCgo:
		return backend, nil
	case "onnx", "purego":
		return BackendPurego, nil
	case "cgo":
		return BackendCgo, nil
	default:
		return "", fmt.Errorf(
			"invalid backend %q (expected %s|%s|onnx)",
			raw,
			BackendPurego,
			BackendCgo,
		)
	}
}

func NormalizeBusyPolicy(raw string) (string, error) {
	policy := strings.ToLower(strings.TrimSpace(raw))
	if policy == "" {
		return BusyQueue, nil
	}
	switch policy {
	case BusyQueue, BusyReject:
		return policy, nil
	default:
		return "", fmt.Errorf("invalid busy policy %q (expected %s|%s)", raw, BusyQueue, BusyReject)
	}
}
