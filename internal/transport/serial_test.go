// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package transport

import (
	"errors"
	"io"
	"testing"
	"time"

	"github.com/relabs-tech/epsilon_streamer/internal/stream"
)

func TestSerialLines(t *testing.T) {
	pr, pw := io.Pipe()
	src := newSerialSignalSource(pr, "pipe")
	defer src.Close()

	go func() {
		_, _ = io.WriteString(pw, "start\r\n\nwhat\nr\nStop\n")
		pw.Close()
	}()

	for _, want := range []stream.Signal{stream.SignalStart, stream.SignalReset, stream.SignalStop} {
		sig, err := recvWithin(t, src, time.Second)
		if err != nil || sig != want {
			t.Fatalf("Recv = (%v, %v), want %v", sig, err, want)
		}
	}
	if _, err := recvWithin(t, src, time.Second); !errors.Is(err, io.EOF) {
		t.Fatalf("err = %v, want EOF", err)
	}
}

func TestSerialCloseIsQuiet(t *testing.T) {
	pr, _ := io.Pipe()
	src := newSerialSignalSource(pr, "pipe")
	src.Close()

	if _, _, err := src.TryRecv(); !errors.Is(err, ErrClosed) {
		t.Fatalf("err = %v, want ErrClosed", err)
	}
}
