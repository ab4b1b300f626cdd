// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package app wires configuration, sensors, the sensor array, transports and
// the control loop into the long-running programs.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"

	"github.com/relabs-tech/epsilon_streamer/internal/array"
	"github.com/relabs-tech/epsilon_streamer/internal/config"
	"github.com/relabs-tech/epsilon_streamer/internal/imu"
	"github.com/relabs-tech/epsilon_streamer/internal/metrics"
	"github.com/relabs-tech/epsilon_streamer/internal/orientation"
	"github.com/relabs-tech/epsilon_streamer/internal/sensors"
	"github.com/relabs-tech/epsilon_streamer/internal/stream"
	"github.com/relabs-tech/epsilon_streamer/internal/transport"
)

// reconnectDelay spaces out sessions when reconnect is enabled.
const reconnectDelay = 500 * time.Millisecond

// BindDevices returns simulated devices in mock mode, the configured hardware
// otherwise.
func BindDevices(cfg *config.Config) (*sensors.Binding, error) {
	if cfg.Mock {
		return sensors.Simulated(cfg.SensorCount), nil
	}
	return sensors.Bind(cfg.Devices, cfg.SensorCount)
}

// RunStreamer binds the sensors, spawns the array and runs control-loop
// sessions until Stop, a fatal error or ctx is cancelled. Stop and ctx
// cancellation return nil.
func RunStreamer(ctx context.Context, cfg *config.Config) error {
	logger := log.WithField("component", "app")

	reg := prometheus.NewRegistry()
	collector, err := metrics.New(reg)
	if err != nil {
		return fmt.Errorf("streamer: metrics: %w", err)
	}

	binding, err := BindDevices(cfg)
	if err != nil {
		return fmt.Errorf("streamer: bind devices: %w", err)
	}
	defer binding.Close()

	arr := array.New(binding.Devices, array.Options{
		SampleRate:         cfg.SampleRate,
		CalibrationSamples: cfg.CalibrationSamples,
		NewEstimator: func(int) orientation.Estimator {
			return orientation.NewFilter(cfg.SampleRate, cfg.Beta)
		},
		Metrics: collector,
	})
	defer func() {
		if err := arr.Close(cfg.ShutdownTimeoutDuration()); err != nil {
			logger.WithError(err).Warn("sensor array shutdown")
		}
	}()

	latest := &LatestFrame{}
	if cfg.MetricsAddr != "" {
		srv := &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           NewWebHandler(latest, reg),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logger.Infof("web server listening on %s", cfg.MetricsAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.WithError(err).Error("web server")
			}
		}()
		defer srv.Close()
	}

	for session := 1; ; session++ {
		err := runSession(ctx, cfg, arr, latest, collector)
		switch {
		case err == nil:
			logger.Info("stopped by consumer")
			return nil
		case ctx.Err() != nil:
			logger.Info("interrupted")
			return nil
		case cfg.Reconnect && errors.Is(err, stream.ErrTransport):
			logger.WithError(err).Warnf("session %d ended, waiting for a new consumer", session)
		default:
			return err
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(reconnectDelay):
		}
	}
}

func runSession(ctx context.Context, cfg *config.Config, arr stream.Sensors, latest *LatestFrame, m *metrics.Collector) error {
	opts := transport.Options{
		MQTT: transport.MQTTOptions{
			ClientID:  cfg.MQTT.ClientID,
			DataTopic: cfg.MQTT.DataTopic,
			CtrlTopic: cfg.MQTT.CtrlTopic,
			QoS:       cfg.MQTT.QoS,
		},
		BaudRate: cfg.Serial.Baud,
	}

	sink, err := transport.OpenSink(cfg.DataTransport, cfg.ServerData, opts)
	if err != nil {
		return fmt.Errorf("streamer: open data transport: %w: %w", stream.ErrTransport, err)
	}
	defer sink.Close()

	src, err := transport.OpenSource(cfg.CtrlTransport, cfg.ServerCtrl, opts)
	if err != nil {
		return fmt.Errorf("streamer: open control transport: %w: %w", stream.ErrTransport, err)
	}
	defer src.Close()

	// unblocks transports that wait on the network when the process is interrupted
	stopClose := context.AfterFunc(ctx, func() {
		sink.Close()
		src.Close()
	})
	defer stopClose()

	s := stream.New(arr, &recordingSink{Sink: sink, latest: latest}, src, cfg.Period(), m)
	return s.Run(ctx)
}

// CalibrationReport is the output of a one-shot calibration run.
type CalibrationReport struct {
	Version   int                 `json:"version"`
	Timestamp time.Time           `json:"timestamp"`
	Samples   int                 `json:"samples_per_device"`
	Devices   []DeviceCalibration `json:"devices"`
}

type DeviceCalibration struct {
	Index int    `json:"index"`
	Name  string `json:"name"`
	// GyroBias is the mean gyro reading at rest, deg/s.
	GyroBias    imu.Vector3     `json:"gyro_bias"`
	Calibration imu.Calibration `json:"calibration"`
}

// Calibrate binds the configured devices and runs the startup gyro
// calibration on each, in order.
func Calibrate(cfg *config.Config, samples int) (*CalibrationReport, error) {
	if samples <= 0 {
		samples = cfg.CalibrationSamples
	}
	binding, err := BindDevices(cfg)
	if err != nil {
		return nil, fmt.Errorf("calibrate: bind devices: %w", err)
	}
	defer binding.Close()

	report := &CalibrationReport{Version: 1, Timestamp: time.Now().UTC(), Samples: samples}
	for i, dev := range binding.Devices {
		cal := imu.Calibrate(dev, samples)
		name := fmt.Sprintf("device %d", i)
		if s, ok := dev.(fmt.Stringer); ok {
			name = s.String()
		}
		log.WithField("component", "app").Infof("%s: bias %+v, confidence %.2f, %d failed reads",
			name, cal.Offset.Neg(), cal.Confidence, cal.Failed)
		report.Devices = append(report.Devices, DeviceCalibration{
			Index:       i,
			Name:        name,
			GyroBias:    cal.Offset.Neg(),
			Calibration: cal,
		})
	}
	return report, nil
}
