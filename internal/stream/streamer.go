// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package stream implements the start/stop/reset control loop that drives a
// sensor array and pushes orientation frames to the remote consumer.
package stream

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/relabs-tech/epsilon_streamer/internal/metrics"
	"github.com/relabs-tech/epsilon_streamer/internal/orientation"
)

var (
	// ErrTransport wraps every data or control transport failure returned by Run.
	ErrTransport = errors.New("transport failure")
	// ErrNoConsumer is returned by a FrameSink that has nobody to send to yet.
	// Run drops the frame and keeps polling control.
	ErrNoConsumer = errors.New("no data consumer connected")
)

// Sensors is the synchronized sensor array the loop drives.
type Sensors interface {
	Start() error
	Read(dest []orientation.Quaternion) error
	Reset() error
	Len() int
}

// FrameSink sends one frame to the consumer. Send must not block waiting for
// a consumer to connect; it returns an error wrapping ErrNoConsumer instead.
type FrameSink interface {
	Send(Frame) error
}

// SignalSource delivers control signals. Recv blocks until a signal arrives;
// TryRecv never blocks and reports ok=false when nothing is pending.
type SignalSource interface {
	Recv(ctx context.Context) (Signal, error)
	TryRecv() (sig Signal, ok bool, err error)
}

// State of the control loop.
type State int

const (
	StateWaitingStart State = iota
	StateRunning
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateWaitingStart:
		return "waiting-start"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Streamer is one streaming session. It is the only user of its sensors and
// transports while Run executes.
type Streamer struct {
	sensors Sensors
	data    FrameSink
	ctrl    SignalSource
	period  time.Duration

	state   State
	seq     uint64
	idle    bool // frames are being dropped for lack of a consumer
	metrics *metrics.Collector
	log     *log.Entry
}

// New creates a session sending one frame every period.
func New(sensors Sensors, data FrameSink, ctrl SignalSource, period time.Duration, m *metrics.Collector) *Streamer {
	return &Streamer{
		sensors: sensors,
		data:    data,
		ctrl:    ctrl,
		period:  period,
		state:   StateWaitingStart,
		metrics: m,
		log:     log.WithField("component", "stream"),
	}
}

// State returns the current state. Only meaningful from the goroutine
// running Run or after it returned.
func (s *Streamer) State() State { return s.state }

// Run waits for Start, then streams frames until Stop (nil) or a transport,
// sensor or context error.
func (s *Streamer) Run(ctx context.Context) error {
	if err := s.awaitStart(ctx); err != nil {
		return err
	}

	frame := make([]orientation.Quaternion, s.sensors.Len())
	timer := time.NewTimer(0)
	<-timer.C
	defer timer.Stop()

	for {
		began := time.Now()

		stop, err := s.poll()
		if err != nil {
			return err
		}
		if stop {
			s.state = StateStopped
			s.log.Info("stop received, streaming finished")
			return nil
		}

		if err := s.sensors.Read(frame); err != nil {
			return fmt.Errorf("stream: read sensors: %w", err)
		}
		s.seq++
		out := Frame{
			Seq:          s.seq,
			Time:         time.Now(),
			Orientations: append([]orientation.Quaternion(nil), frame...),
		}
		switch err := s.data.Send(out); {
		case errors.Is(err, ErrNoConsumer):
			if !s.idle {
				s.log.Info("no data consumer connected, dropping frames")
				s.idle = true
			}
			s.metrics.IncFramesDropped()
		case err != nil:
			return fmt.Errorf("stream: send frame %d: %w: %w", out.Seq, ErrTransport, err)
		default:
			if s.idle {
				s.log.Info("data consumer connected")
				s.idle = false
			}
			s.metrics.IncFramesSent()
		}

		elapsed := time.Since(began)
		s.metrics.ObserveTick(elapsed)
		if wait := s.period - elapsed; wait > 0 {
			timer.Reset(wait)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-timer.C:
			}
		} else if err := ctx.Err(); err != nil {
			return err
		}
	}
}

// awaitStart blocks on the control transport, ignoring everything but Start.
func (s *Streamer) awaitStart(ctx context.Context) error {
	s.log.Info("waiting for start signal")
	for {
		sig, err := s.ctrl.Recv(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("stream: await start: %w: %w", ErrTransport, err)
		}
		s.metrics.IncControlSignal(sig.String())
		if sig != SignalStart {
			s.log.Debugf("ignoring %v before start", sig)
			continue
		}
		break
	}

	s.state = StateRunning
	s.start()
	return nil
}

func (s *Streamer) start() {
	if err := s.sensors.Start(); err != nil {
		// the array starts once per process; later sessions reuse it
		s.log.WithError(err).Debug("sensor array start suppressed")
		return
	}
	s.log.Info("streaming started")
}

// poll handles at most one pending control signal and reports whether the
// loop must stop.
func (s *Streamer) poll() (bool, error) {
	sig, ok, err := s.ctrl.TryRecv()
	if err != nil {
		return false, fmt.Errorf("stream: poll control: %w: %w", ErrTransport, err)
	}
	if !ok {
		return false, nil
	}
	s.metrics.IncControlSignal(sig.String())

	switch sig {
	case SignalStart:
		s.start()
	case SignalReset:
		if err := s.sensors.Reset(); err != nil {
			return false, fmt.Errorf("stream: reset sensors: %w", err)
		}
	case SignalStop:
		return true, nil
	default:
		s.log.Warnf("ignoring unknown %v", sig)
	}
	return false, nil
}
