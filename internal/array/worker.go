// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package array

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/marusama/cyclicbarrier"
	log "github.com/sirupsen/logrus"

	"github.com/relabs-tech/epsilon_streamer/internal/imu"
	"github.com/relabs-tech/epsilon_streamer/internal/metrics"
	"github.com/relabs-tech/epsilon_streamer/internal/orientation"
)

// Command is sent from the array's controlling goroutine to exactly one worker.
type Command int

const (
	// CommandRead asks the worker to report its current orientation.
	CommandRead Command = iota
	// CommandReset asks the worker to recalibrate and zero its orientation.
	CommandReset
)

func (c Command) String() string {
	switch c {
	case CommandRead:
		return "read"
	case CommandReset:
		return "reset"
	default:
		return fmt.Sprintf("command(%d)", int(c))
	}
}

// ErrCommandChannelClosed means the controlling side dropped a worker's
// command channel while the worker was still running.
var ErrCommandChannelClosed = errors.New("command channel closed")

// Worker drives one device at a fixed cadence and owns its estimator and
// calibration offset. Nothing else touches them.
type Worker struct {
	index     int
	device    imu.Device
	estimator orientation.Estimator
	period    time.Duration
	calSize   int
	cal       imu.Calibration

	commands <-chan Command
	output   chan<- orientation.Quaternion

	metrics *metrics.Collector
	log     *log.Entry
}

// Run awaits the start barrier, calibrates and samples until ctx is done.
// It returns nil on cancellation and an error when the command channel is
// closed or a barrier is broken by another party.
func (w *Worker) Run(ctx context.Context, start, collective cyclicbarrier.CyclicBarrier) error {
	if err := start.Await(ctx); err != nil {
		return w.barrierErr(ctx, "start", err)
	}

	w.calibrate()
	w.log.WithField("offset", w.cal.Offset).Debug("sensor calibrated")

	timer := time.NewTimer(0)
	<-timer.C
	defer timer.Stop()

	for {
		began := time.Now()

		if err := ctx.Err(); err != nil {
			return nil
		}

		s, ok := imu.ReadSample(w.device, w.cal)
		if !ok {
			w.metrics.IncDeviceReadFailure(w.index)
		}
		w.estimator.Update(s.Gyro, s.Accel)

		select {
		case cmd, open := <-w.commands:
			if !open {
				return fmt.Errorf("sensor %d: %w", w.index, ErrCommandChannelClosed)
			}
			if err := w.handle(ctx, cmd, collective); err != nil {
				return err
			}
		default:
		}

		if wait := w.period - time.Since(began); wait > 0 {
			timer.Reset(wait)
			select {
			case <-ctx.Done():
				return nil
			case <-timer.C:
			}
		}
	}
}

func (w *Worker) handle(ctx context.Context, cmd Command, collective cyclicbarrier.CyclicBarrier) error {
	switch cmd {
	case CommandRead:
		// output has room for one value and at most one command is outstanding
		w.output <- w.estimator.Orientation()
	case CommandReset:
		w.calibrate()
		w.estimator.Reset()
	default:
		return fmt.Errorf("sensor %d: unknown %v", w.index, cmd)
	}

	if err := collective.Await(ctx); err != nil {
		return w.barrierErr(ctx, "collective", err)
	}
	return nil
}

func (w *Worker) calibrate() {
	w.cal = imu.Calibrate(w.device, w.calSize)
	w.metrics.IncCalibration(w.index)
	if !w.cal.Valid() {
		w.log.Warn("calibration failed on every read, using zero gyro offset")
	}
}

// barrierErr turns our own cancellation into a clean exit.
func (w *Worker) barrierErr(ctx context.Context, name string, err error) error {
	if ctx.Err() != nil {
		return nil
	}
	return fmt.Errorf("sensor %d: %s barrier: %w", w.index, name, err)
}
