// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package stream

import (
	"fmt"
	"strings"
	"time"

	"github.com/relabs-tech/epsilon_streamer/internal/orientation"
)

// Signal is a control message from the remote consumer.
type Signal int

const (
	SignalStart Signal = iota + 1
	SignalStop
	SignalReset
)

func (s Signal) String() string {
	switch s {
	case SignalStart:
		return "start"
	case SignalStop:
		return "stop"
	case SignalReset:
		return "reset"
	default:
		return fmt.Sprintf("signal(%d)", int(s))
	}
}

// ParseSignal accepts the words start, stop and reset in any case.
func ParseSignal(s string) (Signal, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "start":
		return SignalStart, nil
	case "stop":
		return SignalStop, nil
	case "reset":
		return SignalReset, nil
	default:
		return 0, fmt.Errorf("unknown control signal %q", s)
	}
}

// Frame is the batch of orientations sent once per streaming tick. Index i
// of Orientations belongs to device i.
type Frame struct {
	Seq          uint64                   `json:"seq"`
	Time         time.Time                `json:"time"`
	Orientations []orientation.Quaternion `json:"quaternions"`
}
