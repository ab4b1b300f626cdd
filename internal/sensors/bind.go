// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package sensors binds the configured inertial sensors: MPU family chips on
// I2C, MPU9250 on SPI, or simulated devices.
package sensors

import (
	"errors"
	"fmt"
	"strconv"

	log "github.com/sirupsen/logrus"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3"

	"github.com/relabs-tech/epsilon_streamer/internal/config"
	"github.com/relabs-tech/epsilon_streamer/internal/imu"
)

// ErrDevicesInvalid is returned when fewer devices bind than required.
var ErrDevicesInvalid = errors.New("not enough valid devices")

func deviceLog(name string) *log.Entry {
	return log.WithField("component", "sensors").WithField("device", name)
}

// Binding holds the bound devices, in configuration order, and the buses
// they were opened on.
type Binding struct {
	Devices []imu.Device
	buses   map[int]i2c.BusCloser
}

// Close releases the I2C buses.
func (b *Binding) Close() error {
	var errs []error
	for _, bus := range b.buses {
		errs = append(errs, bus.Close())
	}
	b.buses = nil
	return errors.Join(errs...)
}

// Bind opens every configured device. A device that fails to open is logged
// and skipped; when fewer than required remain, the opened buses are closed
// and ErrDevicesInvalid is returned.
func Bind(devices []config.Device, required int) (*Binding, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("sensors: periph host init: %w", err)
	}

	b := &Binding{buses: make(map[int]i2c.BusCloser)}
	for i, d := range devices {
		dev, err := b.open(d)
		if err != nil {
			log.WithField("component", "sensors").Warnf("device %d: %v", i, err)
			continue
		}
		b.Devices = append(b.Devices, dev)
	}

	if len(b.Devices) < required {
		n := len(b.Devices)
		_ = b.Close()
		return nil, fmt.Errorf("%w: bound %d of %d", ErrDevicesInvalid, n, required)
	}
	log.WithField("component", "sensors").Infof("bound %d devices", len(b.Devices))
	return b, nil
}

func (b *Binding) open(d config.Device) (imu.Device, error) {
	if d.SPI != "" {
		return newSPIMPU(d.SPI, d.CS)
	}
	bus, err := b.bus(d.Bus)
	if err != nil {
		return nil, err
	}
	return NewMPU(bus, d.Bus, d.Address)
}

func (b *Binding) bus(n int) (i2c.Bus, error) {
	if bus, ok := b.buses[n]; ok {
		return bus, nil
	}
	bus, err := i2creg.Open(strconv.Itoa(n))
	if err != nil {
		return nil, fmt.Errorf("i2c open failed on bus %d: %w", n, err)
	}
	b.buses[n] = bus
	return bus, nil
}

// Simulated returns n simulated devices with distinct gyro biases.
func Simulated(n int) *Binding {
	b := &Binding{}
	for i := 0; i < n; i++ {
		b.Devices = append(b.Devices, NewMockDevice(MockOptions{
			Bias:  imu.Vector3{X: 0.5 * float64(i+1), Y: -0.25 * float64(i+1), Z: 0.1},
			Phase: float64(i),
		}))
	}
	log.WithField("component", "sensors").Infof("simulating %d devices", n)
	return b
}
