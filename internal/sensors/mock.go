// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package sensors

import (
	"fmt"
	"math"
	"time"

	"github.com/relabs-tech/epsilon_streamer/internal/imu"
)

// MockOptions shapes a simulated device.
type MockOptions struct {
	Bias imu.Vector3 // constant gyro bias, deg/s
	// Still keeps the device at rest after the first read, so calibration
	// sees only the bias. Defaults to 2s.
	Still time.Duration
	Phase float64 // seconds added to the motion clock
	// FailEvery makes every n-th read fail. Zero never fails.
	FailEvery int
	Now       func() time.Time
}

// MockDevice is a simulated sensor that rests, then swings smoothly in roll
// and pitch while turning at a steady yaw rate. Gravity points along +z when
// level.
type MockDevice struct {
	opts  MockOptions
	start time.Time
	reads int
}

func NewMockDevice(opts MockOptions) *MockDevice {
	if opts.Still == 0 {
		opts.Still = 2 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &MockDevice{opts: opts}
}

// motionTime returns the seconds since the end of the still period, or a
// negative value while still.
func (m *MockDevice) motionTime() (float64, error) {
	now := m.opts.Now()
	if m.start.IsZero() {
		m.start = now
	}
	m.reads++
	if m.opts.FailEvery > 0 && m.reads%m.opts.FailEvery == 0 {
		return 0, fmt.Errorf("mock read %d: %w", m.reads, imu.ErrDeviceRead)
	}
	return now.Sub(m.start).Seconds() - m.opts.Still.Seconds(), nil
}

// Angles in degrees, matching the motion of Gyro.
func (m *MockDevice) angles(t float64) (roll, pitch float64) {
	if t < 0 {
		return 0, 0
	}
	t += m.opts.Phase
	return 20*math.Sin(t) - 20*math.Sin(m.opts.Phase),
		15*math.Cos(t*0.7) - 15*math.Cos(m.opts.Phase*0.7)
}

func (m *MockDevice) Gyro() (imu.Vector3, error) {
	t, err := m.motionTime()
	if err != nil {
		return imu.Zero, err
	}
	if t < 0 {
		return m.opts.Bias, nil
	}
	t += m.opts.Phase
	return imu.Vector3{
		X: 20 * math.Cos(t),
		Y: -10.5 * math.Sin(t*0.7),
		Z: 30,
	}.Add(m.opts.Bias), nil
}

func (m *MockDevice) Accel() (imu.Vector3, error) {
	t, err := m.motionTime()
	if err != nil {
		return imu.Zero, err
	}
	roll, pitch := m.angles(t)
	r, p := roll*math.Pi/180, pitch*math.Pi/180
	return imu.Vector3{
		X: -math.Sin(p),
		Y: math.Sin(r) * math.Cos(p),
		Z: math.Cos(r) * math.Cos(p),
	}, nil
}
