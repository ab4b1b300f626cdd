// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package imu

import (
	"fmt"
	"math"
	"testing"
)

type constDevice struct {
	gyro  Vector3
	fails int // number of leading gyro reads that fail
	reads int
}

func (d *constDevice) Gyro() (Vector3, error) {
	d.reads++
	if d.reads <= d.fails {
		return Zero, fmt.Errorf("bus: %w", ErrDeviceRead)
	}
	return d.gyro, nil
}

func (d *constDevice) Accel() (Vector3, error) { return Vector3{Z: 1}, nil }

func closeTo(a, b Vector3, tol float64) bool {
	return math.Abs(a.X-b.X) < tol && math.Abs(a.Y-b.Y) < tol && math.Abs(a.Z-b.Z) < tol
}

func TestCalibrateConstantBias(t *testing.T) {
	bias := Vector3{X: 1.5, Y: -0.25, Z: 3}
	cal := Calibrate(&constDevice{gyro: bias}, DefaultCalibrationSamples)

	if !closeTo(cal.Offset, bias.Neg(), 1e-9) {
		t.Fatalf("offset = %+v, want %+v", cal.Offset, bias.Neg())
	}
	if cal.Samples != DefaultCalibrationSamples || cal.Failed != 0 {
		t.Fatalf("samples=%d failed=%d", cal.Samples, cal.Failed)
	}
	if cal.Confidence != 1.0 {
		t.Fatalf("confidence = %v for a perfectly still device", cal.Confidence)
	}
	if got := cal.Apply(bias); !closeTo(got, Zero, 1e-9) {
		t.Fatalf("Apply(bias) = %+v, want zero", got)
	}
}

func TestCalibrateIgnoresFailedReads(t *testing.T) {
	bias := Vector3{X: -2, Y: 4, Z: 0.5}
	cal := Calibrate(&constDevice{gyro: bias, fails: 10}, 100)

	if cal.Failed != 10 || cal.Samples != 90 {
		t.Fatalf("samples=%d failed=%d, want 90/10", cal.Samples, cal.Failed)
	}
	if !closeTo(cal.Offset, bias.Neg(), 1e-9) {
		t.Fatalf("offset = %+v, want %+v", cal.Offset, bias.Neg())
	}
}

func TestCalibrateAllReadsFail(t *testing.T) {
	cal := Calibrate(&constDevice{gyro: Vector3{X: 9}, fails: 1 << 30}, 50)

	if cal.Valid() {
		t.Fatal("calibration with no successful reads reported valid")
	}
	if cal.Offset != Zero {
		t.Fatalf("offset = %+v, want zero", cal.Offset)
	}
}

func TestStillnessConfidence(t *testing.T) {
	tests := []struct {
		std  float64
		want float64
	}{
		{0, 1},
		{stillStdGood, 1},
		{stillStdBad, confFloor},
		{10, confFloor},
	}
	for _, tt := range tests {
		got := stillnessConfidence(Vector3{X: tt.std, Y: tt.std, Z: tt.std})
		if math.Abs(got-tt.want) > 1e-12 {
			t.Errorf("stillnessConfidence(%v) = %v, want %v", tt.std, got, tt.want)
		}
	}

	mid := stillnessConfidence(Vector3{X: 0.2, Y: 0.2, Z: 0.2})
	if mid <= confFloor || mid >= 1 {
		t.Errorf("stillnessConfidence(0.2) = %v, want strictly between floor and 1", mid)
	}
}

func TestReadSampleSubstitutesZero(t *testing.T) {
	dev := &constDevice{gyro: Vector3{X: 1}, fails: 1}
	cal := Calibration{Offset: Vector3{X: -0.25, Z: 5}, Samples: 1}

	s, ok := ReadSample(dev, cal)
	if ok {
		t.Fatal("ReadSample reported ok after a failed gyro read")
	}
	// no offset on a missed read, otherwise a resting sensor turns at its bias rate
	if s.Gyro != Zero || s.Accel != (Vector3{Z: 1}) {
		t.Fatalf("sample = %+v", s)
	}

	s, ok = ReadSample(dev, cal)
	if !ok || s.Gyro != (Vector3{X: 0.75, Z: 5}) {
		t.Fatalf("second sample = %+v ok=%v", s, ok)
	}
}
