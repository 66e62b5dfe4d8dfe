package model

import (
	"fmt"
	"strings"
)

type State int32

const (
	Unloaded State = iota
	Loaded
	Failed
)

func (s State) String() string {
	switch s {
	case Unloaded:
		return "unloaded"
	case Loaded:
		return "loaded"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// BusyPolicy decides what Run does when another run is already in flight on
// the same model.
type BusyPolicy int

const (
	// BusyQueue makes Run wait for the in-flight run to finish.
	BusyQueue BusyPolicy = iota
	// BusyReject makes Run fail immediately with a BusyError.
	BusyReject
)

func (p BusyPolicy) String() string {
	if p == BusyReject {
		return "reject"
	}
	return "queue"
}

func ParseBusyPolicy(raw string) (BusyPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "queue":
		return BusyQueue, nil
	case "reject":
		return BusyReject, nil
	default:
		return BusyQueue, fmt.Errorf("unknown busy policy %q (expected queue or reject)", raw)
	}
}
