// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package sensors

import (
	"fmt"

	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/devices/v3/mpu9250"

	"github.com/relabs-tech/epsilon_streamer/internal/imu"
)

// spiMPU is an MPU9250 wired over SPI, driven by the periph driver.
type spiMPU struct {
	name string
	imu  *mpu9250.MPU9250
}

func newSPIMPU(spiDev, csPin string) (*spiMPU, error) {
	name := fmt.Sprintf("%s cs %s", spiDev, csPin)

	cs := gpioreg.ByName(csPin)
	if cs == nil {
		return nil, fmt.Errorf("%s: CS pin %q not found", name, csPin)
	}
	tr, err := mpu9250.NewSpiTransport(spiDev, cs)
	if err != nil {
		return nil, fmt.Errorf("%s: SPI transport: %w", name, err)
	}
	dev, err := mpu9250.New(tr)
	if err != nil {
		return nil, fmt.Errorf("%s: device creation: %w", name, err)
	}
	if err := dev.Init(); err != nil {
		return nil, fmt.Errorf("%s: initialization: %w", name, err)
	}

	deviceLog(name).Info("MPU9250 initialized over SPI")
	return &spiMPU{name: name, imu: dev}, nil
}

func (s *spiMPU) String() string { return s.name }

func (s *spiMPU) Gyro() (imu.Vector3, error) {
	x, y, z, err := s.read(s.imu.GetRotationX, s.imu.GetRotationY, s.imu.GetRotationZ)
	if err != nil {
		return imu.Zero, fmt.Errorf("%s gyro: %w: %w", s.name, imu.ErrDeviceRead, err)
	}
	return imu.Vector3{X: x / gyroSensitivity, Y: y / gyroSensitivity, Z: z / gyroSensitivity}, nil
}

func (s *spiMPU) Accel() (imu.Vector3, error) {
	x, y, z, err := s.read(s.imu.GetAccelerationX, s.imu.GetAccelerationY, s.imu.GetAccelerationZ)
	if err != nil {
		return imu.Zero, fmt.Errorf("%s accel: %w: %w", s.name, imu.ErrDeviceRead, err)
	}
	return imu.Vector3{X: x / accelSensitivity, Y: y / accelSensitivity, Z: z / accelSensitivity}, nil
}

func (s *spiMPU) read(fx, fy, fz func() (int16, error)) (x, y, z float64, err error) {
	var v [3]int16
	for i, f := range []func() (int16, error){fx, fy, fz} {
		if v[i], err = f(); err != nil {
			return 0, 0, 0, err
		}
	}
	return float64(v[0]), float64(v[1]), float64(v[2]), nil
}
