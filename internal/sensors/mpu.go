// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package sensors

import (
	"encoding/binary"
	"fmt"

	"periph.io/x/conn/v3/i2c"

	"github.com/relabs-tech/epsilon_streamer/internal/imu"
)

// Register subset shared by the MPU6050, MPU6500 and MPU9250 families.
const (
	regSmplrtDiv   = 0x19
	regConfig      = 0x1A
	regGyroConfig  = 0x1B
	regAccelConfig = 0x1C
	regAccelXOutH  = 0x3B
	regGyroXOutH   = 0x43
	regPwrMgmt1    = 0x6B
	regWhoAmI      = 0x75
)

const (
	// LSB per deg/s at ±250°/s full scale
	gyroSensitivity = 131.0
	// LSB per g at ±2g full scale
	accelSensitivity = 16384.0
)

var knownWhoAmI = map[byte]string{
	0x68: "MPU6050",
	0x70: "MPU6500",
	0x71: "MPU9250",
	0x73: "MPU9255",
}

// MPU is an accelerometer/gyroscope of the MPU family on an I2C bus.
type MPU struct {
	name string
	dev  *i2c.Dev
	buf  [6]byte
}

// NewMPU wakes the sensor at addr, selects the ±250°/s and ±2g ranges and a
// 1 kHz internal rate with the 184 Hz low pass filter.
func NewMPU(bus i2c.Bus, busNum int, addr uint16) (*MPU, error) {
	m := &MPU{
		name: fmt.Sprintf("i2c-%d@0x%02X", busNum, addr),
		dev:  &i2c.Dev{Bus: bus, Addr: addr},
	}

	id, err := m.readReg(regWhoAmI)
	if err != nil {
		return nil, fmt.Errorf("%s: who am i: %w", m.name, err)
	}
	model, ok := knownWhoAmI[id]
	if !ok {
		return nil, fmt.Errorf("%s: unexpected WHO_AM_I 0x%02X", m.name, id)
	}

	steps := []struct {
		reg, val byte
		step     string
	}{
		{regPwrMgmt1, 0x01, "wake"}, // PLL with X gyro reference
		{regConfig, 0x01, "set DLPF"},
		{regSmplrtDiv, 0x00, "set sample rate divider"},
		{regGyroConfig, 0x00, "set gyro range"},
		{regAccelConfig, 0x00, "set accel range"},
	}
	for _, s := range steps {
		if err := m.writeReg(s.reg, s.val); err != nil {
			return nil, fmt.Errorf("%s: %s: %w", m.name, s.step, err)
		}
	}

	deviceLog(m.name).Infof("%s initialized", model)
	return m, nil
}

func (m *MPU) String() string { return m.name }

func (m *MPU) readReg(reg byte) (byte, error) {
	var b [1]byte
	if err := m.dev.Tx([]byte{reg}, b[:]); err != nil {
		return 0, err
	}
	return b[0], nil
}

func (m *MPU) writeReg(reg, val byte) error {
	return m.dev.Tx([]byte{reg, val}, nil)
}

func (m *MPU) readVector(reg byte, scale float64) (imu.Vector3, error) {
	if err := m.dev.Tx([]byte{reg}, m.buf[:]); err != nil {
		return imu.Zero, fmt.Errorf("%s: %w: %w", m.name, imu.ErrDeviceRead, err)
	}
	raw := func(i int) float64 { return float64(int16(binary.BigEndian.Uint16(m.buf[i:]))) }
	return imu.Vector3{
		X: raw(0) / scale,
		Y: raw(2) / scale,
		Z: raw(4) / scale,
	}, nil
}

// Gyro returns the angular velocity in deg/s.
func (m *MPU) Gyro() (imu.Vector3, error) {
	return m.readVector(regGyroXOutH, gyroSensitivity)
}

// Accel returns the specific force in g.
func (m *MPU) Accel() (imu.Vector3, error) {
	return m.readVector(regAccelXOutH, accelSensitivity)
}
