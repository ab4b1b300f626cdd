// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/relabs-tech/epsilon_streamer/internal/orientation"
)

type fakeSensors struct {
	n       int
	starts  int
	resets  int
	readErr error
}

var errAlreadyStarted = errors.New("already started")

func (f *fakeSensors) Start() error {
	f.starts++
	if f.starts > 1 {
		return errAlreadyStarted
	}
	return nil
}

func (f *fakeSensors) Read(dest []orientation.Quaternion) error {
	if f.readErr != nil {
		return f.readErr
	}
	for i := range dest {
		dest[i] = orientation.Quaternion{W: 1, X: float64(i)}
	}
	return nil
}

func (f *fakeSensors) Reset() error { f.resets++; return nil }
func (f *fakeSensors) Len() int     { return f.n }

// queueSource delivers signals pushed by the test.
type queueSource struct {
	ch      chan Signal
	recvErr error
}

func newQueueSource(sigs ...Signal) *queueSource {
	q := &queueSource{ch: make(chan Signal, 16)}
	for _, s := range sigs {
		q.ch <- s
	}
	return q
}

func (q *queueSource) Recv(ctx context.Context) (Signal, error) {
	if q.recvErr != nil {
		return 0, q.recvErr
	}
	select {
	case s := <-q.ch:
		return s, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (q *queueSource) TryRecv() (Signal, bool, error) {
	select {
	case s := <-q.ch:
		return s, true, nil
	default:
		return 0, false, nil
	}
}

// recordingSink stores frames and lets the test react to each one.
type recordingSink struct {
	mu      sync.Mutex
	frames  []Frame
	err     error
	onFrame func(n int)
}

func (r *recordingSink) Send(f Frame) error {
	if r.err != nil {
		return r.err
	}
	r.mu.Lock()
	r.frames = append(r.frames, f)
	n := len(r.frames)
	r.mu.Unlock()
	if r.onFrame != nil {
		r.onFrame(n)
	}
	return nil
}

func (r *recordingSink) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.frames)
}

func runWithin(t *testing.T, s *Streamer, d time.Duration) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	select {
	case err := <-done:
		return err
	case <-time.After(d + time.Second):
		t.Fatal("Run did not return")
		return nil
	}
}

func TestSignalsBeforeStartAreIgnored(t *testing.T) {
	sensors := &fakeSensors{n: 3}
	ctrl := newQueueSource(SignalReset, SignalStop, SignalReset, SignalStart)
	sink := &recordingSink{}
	sink.onFrame = func(n int) {
		if n == 1 {
			ctrl.ch <- SignalStop
		}
	}

	s := New(sensors, sink, ctrl, time.Millisecond, nil)
	if err := runWithin(t, s, 2*time.Second); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if sensors.resets != 0 {
		t.Fatalf("reset before start reached the array %d times", sensors.resets)
	}
	if sensors.starts != 1 {
		t.Fatalf("array started %d times, want 1", sensors.starts)
	}
	if got := sink.count(); got != 1 {
		t.Fatalf("frames sent = %d, want exactly 1 before stop", got)
	}
	if s.State() != StateStopped {
		t.Fatalf("state = %v, want stopped", s.State())
	}
	f := sink.frames[0]
	if f.Seq != 1 || len(f.Orientations) != 3 || f.Orientations[2].X != 2 {
		t.Fatalf("unexpected frame %+v", f)
	}
}

func TestResetAndDuplicateStartWhileRunning(t *testing.T) {
	sensors := &fakeSensors{n: 2}
	ctrl := newQueueSource(SignalStart)
	sink := &recordingSink{}
	sink.onFrame = func(n int) {
		switch n {
		case 2:
			ctrl.ch <- SignalReset
		case 3:
			ctrl.ch <- SignalStart
		case 5:
			ctrl.ch <- SignalStop
		}
	}

	s := New(sensors, sink, ctrl, time.Millisecond, nil)
	if err := runWithin(t, s, 2*time.Second); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sensors.resets != 1 {
		t.Fatalf("resets = %d, want 1", sensors.resets)
	}
	if sensors.starts != 2 {
		t.Fatalf("starts = %d, want the duplicate to reach the array", sensors.starts)
	}
	if got := sink.count(); got != 5 {
		t.Fatalf("frames = %d, want 5", got)
	}
}

func TestSendFailureIsReturned(t *testing.T) {
	sendErr := errors.New("broken pipe")
	s := New(&fakeSensors{n: 1}, &recordingSink{err: sendErr}, newQueueSource(SignalStart), time.Millisecond, nil)

	err := runWithin(t, s, time.Second)
	if !errors.Is(err, ErrTransport) || !errors.Is(err, sendErr) {
		t.Fatalf("Run = %v, want transport error wrapping %v", err, sendErr)
	}
}

// absentSink has no consumer; it counts the frames offered to it.
type absentSink struct {
	offered int
	onSend  func(n int)
}

func (a *absentSink) Send(Frame) error {
	a.offered++
	if a.onSend != nil {
		a.onSend(a.offered)
	}
	return fmt.Errorf("tcp data: %w", ErrNoConsumer)
}

func TestStopWithoutConsumer(t *testing.T) {
	ctrl := newQueueSource(SignalStart)
	sink := &absentSink{}
	sink.onSend = func(n int) {
		if n == 5 {
			ctrl.ch <- SignalStop
		}
	}
	s := New(&fakeSensors{n: 2}, sink, ctrl, time.Millisecond, nil)

	if err := runWithin(t, s, 2*time.Second); err != nil {
		t.Fatalf("Run = %v, want nil after stop", err)
	}
	if s.State() != StateStopped {
		t.Fatalf("state = %v, want stopped", s.State())
	}
	if sink.offered < 5 {
		t.Fatalf("offered %d frames, want at least 5", sink.offered)
	}
}

func TestControlFailureIsReturned(t *testing.T) {
	recvErr := errors.New("connection reset")
	ctrl := newQueueSource()
	ctrl.recvErr = recvErr
	s := New(&fakeSensors{n: 1}, &recordingSink{}, ctrl, time.Millisecond, nil)

	err := runWithin(t, s, time.Second)
	if !errors.Is(err, ErrTransport) || !errors.Is(err, recvErr) {
		t.Fatalf("Run = %v, want transport error wrapping %v", err, recvErr)
	}
}

func TestSensorFailureIsReturned(t *testing.T) {
	readErr := errors.New("worker died")
	s := New(&fakeSensors{n: 1, readErr: readErr}, &recordingSink{}, newQueueSource(SignalStart), time.Millisecond, nil)

	if err := runWithin(t, s, time.Second); !errors.Is(err, readErr) {
		t.Fatalf("Run = %v, want %v", err, readErr)
	}
}

func TestCancelWhileWaitingForStart(t *testing.T) {
	s := New(&fakeSensors{n: 1}, &recordingSink{}, newQueueSource(SignalStop), time.Millisecond, nil)

	err := runWithin(t, s, 50*time.Millisecond)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Run = %v, want deadline exceeded", err)
	}
	if s.State() != StateWaitingStart {
		t.Fatalf("state = %v, want waiting-start", s.State())
	}
}

func TestTickCadence(t *testing.T) {
	const frames = 20
	period := 10 * time.Millisecond

	ctrl := newQueueSource(SignalStart)
	sink := &recordingSink{}
	sink.onFrame = func(n int) {
		if n == frames {
			ctrl.ch <- SignalStop
		}
	}

	s := New(&fakeSensors{n: 7}, sink, ctrl, period, nil)
	if err := runWithin(t, s, 5*time.Second); err != nil {
		t.Fatalf("Run: %v", err)
	}

	first, last := sink.frames[0].Time, sink.frames[frames-1].Time
	avg := last.Sub(first) / (frames - 1)
	if avg < 9*time.Millisecond || avg > 20*time.Millisecond {
		t.Fatalf("average interval = %s, want about %s", avg, period)
	}
}

func TestParseSignal(t *testing.T) {
	tests := []struct {
		in      string
		want    Signal
		wantErr bool
	}{
		{"start", SignalStart, false},
		{" STOP\n", SignalStop, false},
		{"Reset", SignalReset, false},
		{"pause", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseSignal(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseSignal(%q) = %v, %v", tt.in, got, err)
		}
		if err == nil && got.String() != tt.want.String() {
			t.Errorf("round trip of %q gave %q", tt.in, got.String())
		}
	}
}
