// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package imu

import "errors"

// ErrDeviceRead marks a transient fault while reading a sample.
var ErrDeviceRead = errors.New("device read failed")

// Device is one physical (or simulated) inertial sensor.
//
// Gyro returns angular velocity in degrees per second. Accel returns the
// specific force in whatever unit the device reports; only its direction is
// used. Implementations wrap transient faults with ErrDeviceRead.
type Device interface {
	Gyro() (Vector3, error)
	Accel() (Vector3, error)
}

// Sample is one gyro/accel pair read in the same sampling step.
type Sample struct {
	Gyro  Vector3 `json:"gyro"`
	Accel Vector3 `json:"accel"`
}

// ReadSample reads gyro and accel from dev and removes the calibrated bias
// from the gyro. A failed read yields the zero vector for that half of the
// sample, with no offset applied, so a missing sample adds no rotation; ok is
// false if either read failed.
func ReadSample(dev Device, cal Calibration) (s Sample, ok bool) {
	ok = true
	g, err := dev.Gyro()
	if err != nil {
		g, ok = Zero, false
	} else {
		g = cal.Apply(g)
	}
	a, err := dev.Accel()
	if err != nil {
		a, ok = Zero, false
	}
	return Sample{Gyro: g, Accel: a}, ok
}
