// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package orientation

import (
	"math"

	"github.com/relabs-tech/epsilon_streamer/internal/imu"
)

const (
	// DefaultBeta is the gradient-descent feedback gain.
	DefaultBeta = 0.1

	// degToRad converts device gyro output (deg/s) to rad/s.
	degToRad = 0.0174533
)

// Filter is a Madgwick IMU (gyro + accel) orientation filter.
//
// It integrates with a fixed period of 1/sampleRate; the caller is expected
// to feed it at that cadence. It is not safe for concurrent use.
type Filter struct {
	beta          float64
	invSampleFreq float64
	q             Quaternion
}

// NewFilter creates a filter for samples arriving at sampleRate Hz.
func NewFilter(sampleRate, beta float64) *Filter {
	return &Filter{
		beta:          beta,
		invSampleFreq: 1 / sampleRate,
		q:             Identity(),
	}
}

// Orientation returns the current estimate.
func (f *Filter) Orientation() Quaternion { return f.q }

// Reset returns the estimate to the identity quaternion.
func (f *Filter) Reset() { f.q = Identity() }

// Update advances the estimate by one sample. gyro is in deg/s, accel in any
// unit. A zero accel vector skips the correction step, leaving a pure gyro
// integration for that sample.
func (f *Filter) Update(gyro, accel imu.Vector3) {
	q := f.q
	gx, gy, gz := gyro.X*degToRad, gyro.Y*degToRad, gyro.Z*degToRad

	// rate of change from the gyro alone
	qDot1 := 0.5 * (-q.X*gx - q.Y*gy - q.Z*gz)
	qDot2 := 0.5 * (q.W*gx + q.Y*gz - q.Z*gy)
	qDot3 := 0.5 * (q.W*gy - q.X*gz + q.Z*gx)
	qDot4 := 0.5 * (q.W*gz + q.X*gy - q.Y*gx)

	if !accel.IsZero() {
		a := accel.Scale(1 / accel.Norm())

		_2q0 := 2 * q.W
		_2q1 := 2 * q.X
		_2q2 := 2 * q.Y
		_2q3 := 2 * q.Z
		_4q0 := 4 * q.W
		_4q1 := 4 * q.X
		_4q2 := 4 * q.Y
		_8q1 := 8 * q.X
		_8q2 := 8 * q.Y
		q0q0 := q.W * q.W
		q1q1 := q.X * q.X
		q2q2 := q.Y * q.Y
		q3q3 := q.Z * q.Z

		// gradient of the gravity-direction objective
		s0 := _4q0*q2q2 + _2q2*a.X + _4q0*q1q1 - _2q1*a.Y
		s1 := _4q1*q3q3 - _2q3*a.X + 4*q0q0*q.X - _2q0*a.Y - _4q1 + _8q1*q1q1 + _8q1*q2q2 + _4q1*a.Z
		s2 := 4*q0q0*q.Y + _2q0*a.X + _4q2*q3q3 - _2q3*a.Y - _4q2 + _8q2*q1q1 + _8q2*q2q2 + _4q2*a.Z
		s3 := 4*q1q1*q.Z - _2q1*a.X + 4*q2q2*q.Z - _2q2*a.Y

		// a zero gradient means the estimate already matches gravity
		if n := math.Sqrt(s0*s0 + s1*s1 + s2*s2 + s3*s3); n > 0 {
			s0, s1, s2, s3 = s0/n, s1/n, s2/n, s3/n
			qDot1 -= f.beta * s0
			qDot2 -= f.beta * s1
			qDot3 -= f.beta * s2
			qDot4 -= f.beta * s3
		}
	}

	next := Quaternion{
		W: q.W + qDot1*f.invSampleFreq,
		X: q.X + qDot2*f.invSampleFreq,
		Y: q.Y + qDot3*f.invSampleFreq,
		Z: q.Z + qDot4*f.invSampleFreq,
	}
	if next.Norm() == 0 {
		return
	}
	f.q = next.Unit()
}
