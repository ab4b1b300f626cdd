// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package imu

import "math"

// DefaultCalibrationSamples is the number of gyro reads averaged per calibration.
const DefaultCalibrationSamples = 1000

// Stillness thresholds on the mean per-axis gyro standard deviation (deg/s).
const (
	stillStdGood = 0.05
	stillStdBad  = 0.5
	confFloor    = 0.05
)

// Calibration is the gyro bias estimate of one device.
//
// Offset is added to every raw gyro sample, so it holds the negated mean of
// the calibration reads.
type Calibration struct {
	Offset     Vector3 `json:"offset"`
	StdDev     Vector3 `json:"stddev"`
	Samples    int     `json:"samples"`
	Failed     int     `json:"failed"`
	Confidence float64 `json:"confidence"`
}

// Valid reports whether at least one calibration read succeeded.
func (c Calibration) Valid() bool { return c.Samples > 0 }

// Apply removes the estimated bias from a raw gyro reading.
func (c Calibration) Apply(gyro Vector3) Vector3 {
	return gyro.Add(c.Offset)
}

// Calibrate reads n gyro samples from dev with no bias applied and averages
// the successful ones. The device must be stationary. When every read fails
// the offset stays zero.
func Calibrate(dev Device, n int) Calibration {
	if n <= 0 {
		n = DefaultCalibrationSamples
	}

	var sum, sumSq Vector3
	cal := Calibration{}
	for i := 0; i < n; i++ {
		g, err := dev.Gyro()
		if err != nil {
			cal.Failed++
			continue
		}
		cal.Samples++
		sum = sum.Add(g)
		sumSq = sumSq.Add(Vector3{X: g.X * g.X, Y: g.Y * g.Y, Z: g.Z * g.Z})
	}

	if cal.Samples == 0 {
		cal.Confidence = confFloor
		return cal
	}

	k := 1 / float64(cal.Samples)
	mean := sum.Scale(k)
	cal.Offset = mean.Neg()
	cal.StdDev = Vector3{
		X: stddev(sumSq.X*k, mean.X),
		Y: stddev(sumSq.Y*k, mean.Y),
		Z: stddev(sumSq.Z*k, mean.Z),
	}
	cal.Confidence = stillnessConfidence(cal.StdDev)
	return cal
}

func stddev(meanSq, mean float64) float64 {
	v := meanSq - mean*mean
	if v <= 0 {
		return 0
	}
	return math.Sqrt(v)
}

func stillnessConfidence(std Vector3) float64 {
	s := (std.X + std.Y + std.Z) / 3
	switch {
	case s <= stillStdGood:
		return 1.0
	case s >= stillStdBad:
		return confFloor
	default:
		t := (s - stillStdGood) / (stillStdBad - stillStdGood)
		return clamp01(1.0 - 0.95*t)
	}
}

func clamp01(x float64) float64 {
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}
