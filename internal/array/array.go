// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package array runs one sampling goroutine per inertial sensor and exposes
// array-wide read and reset operations that rendezvous every worker on a
// shared barrier, so the orientations of one read are captured together.
package array

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/marusama/cyclicbarrier"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/relabs-tech/epsilon_streamer/internal/imu"
	"github.com/relabs-tech/epsilon_streamer/internal/metrics"
	"github.com/relabs-tech/epsilon_streamer/internal/orientation"
)

const (
	// DefaultSampleRate is the per-worker sampling frequency in Hz.
	DefaultSampleRate = 200.0
	// DefaultShutdownTimeout bounds how long Close waits for the workers.
	DefaultShutdownTimeout = 2 * time.Second
)

var (
	ErrAlreadyStarted  = errors.New("sensor array already started")
	ErrNotStarted      = errors.New("sensor array not started")
	ErrClosed          = errors.New("sensor array closed")
	ErrWorkerFailed    = errors.New("sensor worker failed")
	ErrShutdownTimeout = errors.New("sensor workers did not stop in time")
	ErrFrameSize       = errors.New("destination does not match sensor count")
)

// Options tunes the workers. Zero values select the defaults.
type Options struct {
	SampleRate         float64 // Hz
	CalibrationSamples int
	// NewEstimator builds the estimator of device i. Defaults to a Madgwick
	// filter running at SampleRate.
	NewEstimator func(i int) orientation.Estimator
	Metrics      *metrics.Collector
}

func (o Options) withDefaults() Options {
	if o.SampleRate <= 0 {
		o.SampleRate = DefaultSampleRate
	}
	if o.CalibrationSamples <= 0 {
		o.CalibrationSamples = imu.DefaultCalibrationSamples
	}
	if o.NewEstimator == nil {
		rate := o.SampleRate
		o.NewEstimator = func(int) orientation.Estimator {
			return orientation.NewFilter(rate, orientation.DefaultBeta)
		}
	}
	return o
}

// Array owns N workers, their channels and the two N+1 party barriers.
//
// Start, Read, Reset and Close must be called from a single controlling
// goroutine.
type Array struct {
	n        int
	commands []chan Command
	outputs  []chan orientation.Quaternion

	start      cyclicbarrier.CyclicBarrier
	collective cyclicbarrier.CyclicBarrier

	ctx    context.Context // cancelled when a worker fails or on Close
	cancel context.CancelCauseFunc
	group  *errgroup.Group

	started   atomic.Bool
	closeOnce sync.Once

	metrics *metrics.Collector
	log     *log.Entry
}

// New spawns one worker goroutine per device. Workers block on the start
// barrier until Start is called.
func New(devices []imu.Device, opts Options) *Array {
	opts = opts.withDefaults()
	n := len(devices)

	parent, cancel := context.WithCancelCause(context.Background())
	group, ctx := errgroup.WithContext(parent)

	a := &Array{
		n:          n,
		commands:   make([]chan Command, 0, n),
		outputs:    make([]chan orientation.Quaternion, 0, n),
		start:      cyclicbarrier.New(n + 1),
		collective: cyclicbarrier.New(n + 1),
		ctx:        ctx,
		cancel:     cancel,
		group:      group,
		metrics:    opts.Metrics,
		log:        log.WithField("component", "array"),
	}

	period := time.Duration(float64(time.Second) / opts.SampleRate)
	for i, dev := range devices {
		cmds := make(chan Command, 1)
		out := make(chan orientation.Quaternion, 1)
		a.commands = append(a.commands, cmds)
		a.outputs = append(a.outputs, out)

		w := &Worker{
			index:     i,
			device:    dev,
			estimator: opts.NewEstimator(i),
			period:    period,
			calSize:   opts.CalibrationSamples,
			commands:  cmds,
			output:    out,
			metrics:   opts.Metrics,
			log:       log.WithField("component", "sensor").WithField("sensor", i),
		}
		group.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("sensor %d: panic: %v\n%s", w.index, r, debug.Stack())
				}
				if err != nil {
					a.log.WithError(err).Error("sensor worker terminated")
				}
			}()
			return w.Run(ctx, a.start, a.collective)
		})
	}

	a.log.Infof("spawned %d sensor workers at %.0f Hz", n, opts.SampleRate)
	return a
}

// Len returns the number of sensors.
func (a *Array) Len() int { return a.n }

// Start releases every worker to calibrate and begin sampling. It may be
// called once; later calls return ErrAlreadyStarted.
func (a *Array) Start() error {
	if !a.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	if err := a.start.Await(a.ctx); err != nil {
		return a.failure("start", err)
	}
	a.log.Info("sensor array started")
	return nil
}

// Read fills dest with one orientation per sensor, in device order. All
// commands are dispatched before any output is awaited and the call returns
// only after every worker has passed the collective barrier. dest is left
// untouched when Read fails.
func (a *Array) Read(dest []orientation.Quaternion) error {
	if len(dest) != a.n {
		return fmt.Errorf("%w: got %d, want %d", ErrFrameSize, len(dest), a.n)
	}
	if err := a.dispatch(CommandRead); err != nil {
		return err
	}
	began := time.Now()

	collected := make([]orientation.Quaternion, 0, a.n)
	for i, out := range a.outputs {
		select {
		case q := <-out:
			collected = append(collected, q)
		case <-a.ctx.Done():
			return a.failure(fmt.Sprintf("read sensor %d", i), a.ctx.Err())
		}
	}

	if err := a.collective.Await(a.ctx); err != nil {
		return a.failure("read barrier", err)
	}
	copy(dest, collected)
	a.metrics.ObserveArrayRead(time.Since(began))
	return nil
}

// Reset makes every worker recalibrate and return to the identity
// orientation, then waits on the collective barrier.
func (a *Array) Reset() error {
	if err := a.dispatch(CommandReset); err != nil {
		return err
	}
	if err := a.collective.Await(a.ctx); err != nil {
		return a.failure("reset barrier", err)
	}
	a.metrics.IncArrayResets()
	a.log.Info("sensor array reset")
	return nil
}

func (a *Array) dispatch(cmd Command) error {
	if !a.started.Load() {
		return ErrNotStarted
	}
	if err := a.ctx.Err(); err != nil {
		return a.failure(cmd.String(), err)
	}
	for i, c := range a.commands {
		select {
		case c <- cmd:
		case <-a.ctx.Done():
			return a.failure(fmt.Sprintf("%v sensor %d", cmd, i), a.ctx.Err())
		}
	}
	return nil
}

// failure maps a cancelled or broken rendezvous to the reason the array
// went down.
func (a *Array) failure(op string, err error) error {
	cause := context.Cause(a.ctx)
	switch {
	case cause == nil:
		return fmt.Errorf("sensor array: %s: %w", op, err)
	case errors.Is(cause, ErrClosed):
		return fmt.Errorf("sensor array: %s: %w", op, ErrClosed)
	default:
		return fmt.Errorf("sensor array: %s: %w: %w", op, ErrWorkerFailed, cause)
	}
}

// Close stops every worker and waits at most timeout for them to return.
// The first worker failure, if any, is returned.
func (a *Array) Close(timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultShutdownTimeout
	}

	var err error
	a.closeOnce.Do(func() {
		a.cancel(ErrClosed)

		done := make(chan error, 1)
		go func() { done <- a.group.Wait() }()

		select {
		case werr := <-done:
			err = werr
		case <-time.After(timeout):
			err = fmt.Errorf("%w after %s", ErrShutdownTimeout, timeout)
		}
		a.log.Info("sensor array closed")
	})
	return err
}
