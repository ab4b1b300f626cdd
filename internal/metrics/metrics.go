// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package metrics

import (
	"fmt"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector exposes the streamer's Prometheus metrics. All methods are safe
// on a nil *Collector so components can run without metrics.
type Collector struct {
	gatherer prometheus.Gatherer

	FramesSent         prometheus.Counter
	FramesDropped      prometheus.Counter
	TickDuration       prometheus.Histogram
	ArrayReadDuration  prometheus.Histogram
	ArrayResets        prometheus.Counter
	ControlSignals     *prometheus.CounterVec
	DeviceReadFailures *prometheus.CounterVec
	Calibrations       *prometheus.CounterVec
}

// New registers the streamer metrics against reg (the default registerer
// when nil).
func New(reg prometheus.Registerer) (*Collector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	frames, err := register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "epsilon_frames_sent_total",
		Help: "Orientation frames sent over the data transport.",
	}))
	if err != nil {
		return nil, err
	}

	dropped, err := register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "epsilon_frames_dropped_total",
		Help: "Orientation frames discarded while no data consumer was connected.",
	}))
	if err != nil {
		return nil, err
	}

	tick, err := register(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "epsilon_tick_duration_seconds",
		Help:    "Busy time of one streaming tick (control poll, array read, send).",
		Buckets: []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
	}))
	if err != nil {
		return nil, err
	}

	read, err := register(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "epsilon_array_read_duration_seconds",
		Help:    "Time from dispatching Read to all workers until the collective barrier releases.",
		Buckets: []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1},
	}))
	if err != nil {
		return nil, err
	}

	resets, err := register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "epsilon_array_resets_total",
		Help: "Array-wide recalibrate and re-zero operations.",
	}))
	if err != nil {
		return nil, err
	}

	signals, err := register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "epsilon_control_signals_total",
		Help: "Control signals received from the remote consumer.",
	}, []string{"signal"}))
	if err != nil {
		return nil, err
	}

	failures, err := register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "epsilon_device_read_failures_total",
		Help: "Samples replaced by zero because the device read failed.",
	}, []string{"device"}))
	if err != nil {
		return nil, err
	}

	cals, err := register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "epsilon_calibrations_total",
		Help: "Gyro calibrations run per device.",
	}, []string{"device"}))
	if err != nil {
		return nil, err
	}

	return &Collector{
		gatherer:           gatherer,
		FramesSent:         frames,
		FramesDropped:      dropped,
		TickDuration:       tick,
		ArrayReadDuration:  read,
		ArrayResets:        resets,
		ControlSignals:     signals,
		DeviceReadFailures: failures,
		Calibrations:       cals,
	}, nil
}

// Gatherer returns the gatherer the collector was registered with.
func (c *Collector) Gatherer() prometheus.Gatherer {
	if c == nil {
		return nil
	}
	return c.gatherer
}

func (c *Collector) IncFramesSent() {
	if c == nil || c.FramesSent == nil {
		return
	}
	c.FramesSent.Inc()
}

func (c *Collector) IncFramesDropped() {
	if c == nil || c.FramesDropped == nil {
		return
	}
	c.FramesDropped.Inc()
}

func (c *Collector) ObserveTick(d time.Duration) {
	if c == nil || c.TickDuration == nil {
		return
	}
	c.TickDuration.Observe(d.Seconds())
}

func (c *Collector) ObserveArrayRead(d time.Duration) {
	if c == nil || c.ArrayReadDuration == nil {
		return
	}
	c.ArrayReadDuration.Observe(d.Seconds())
}

func (c *Collector) IncArrayResets() {
	if c == nil || c.ArrayResets == nil {
		return
	}
	c.ArrayResets.Inc()
}

func (c *Collector) IncControlSignal(signal string) {
	if c == nil || c.ControlSignals == nil {
		return
	}
	c.ControlSignals.WithLabelValues(signal).Inc()
}

func (c *Collector) IncDeviceReadFailure(device int) {
	if c == nil || c.DeviceReadFailures == nil {
		return
	}
	c.DeviceReadFailures.WithLabelValues(strconv.Itoa(device)).Inc()
}

func (c *Collector) IncCalibration(device int) {
	if c == nil || c.Calibrations == nil {
		return
	}
	c.Calibrations.WithLabelValues(strconv.Itoa(device)).Inc()
}

// register registers col, returning the already registered collector of the
// same type if there is one.
func register[T prometheus.Collector](reg prometheus.Registerer, col T) (T, error) {
	if err := reg.Register(col); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing, nil
			}
			var zero T
			return zero, fmt.Errorf("collector %T already registered with incompatible type", col)
		}
		var zero T
		return zero, err
	}
	return col, nil
}
