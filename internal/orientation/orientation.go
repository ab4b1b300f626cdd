// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package orientation

import (
	"math"

	"github.com/relabs-tech/epsilon_streamer/internal/imu"
	"github.com/westphae/quaternion"
)

// Quaternion is a sensor orientation relative to its fixed reference frame.
type Quaternion = quaternion.Quaternion

// Identity returns the zero-rotation quaternion.
func Identity() Quaternion {
	return Quaternion{W: 1}
}

// Estimator turns gyro/accel samples into an orientation estimate.
// The Madgwick Filter is the production implementation.
type Estimator interface {
	Update(gyro, accel imu.Vector3)
	Orientation() Quaternion
	Reset()
}

// Pose is the human readable form of an orientation, in degrees.
type Pose struct {
	Roll  float64 `json:"roll"`
	Pitch float64 `json:"pitch"`
	Yaw   float64 `json:"yaw"`
}

// PoseFromQuaternion converts a unit quaternion to roll/pitch/yaw (ZYX).
func PoseFromQuaternion(q Quaternion) Pose {
	sinr := 2 * (q.W*q.X + q.Y*q.Z)
	cosr := 1 - 2*(q.X*q.X+q.Y*q.Y)
	roll := math.Atan2(sinr, cosr)

	// clamp so rounding past ±1 at gimbal lock does not produce NaN
	sinp := 2 * (q.W*q.Y - q.Z*q.X)
	sinp = math.Max(-1, math.Min(1, sinp))
	pitch := math.Asin(sinp)

	siny := 2 * (q.W*q.Z + q.X*q.Y)
	cosy := 1 - 2*(q.Y*q.Y+q.Z*q.Z)
	yaw := math.Atan2(siny, cosy)

	return Pose{
		Roll:  roll * 180.0 / math.Pi,
		Pitch: pitch * 180.0 / math.Pi,
		Yaw:   yaw * 180.0 / math.Pi,
	}
}

// Poses converts a batch of orientations, keeping their order.
func Poses(qs []Quaternion) []Pose {
	poses := make([]Pose, 0, len(qs))
	for _, q := range qs {
		poses = append(poses, PoseFromQuaternion(q))
	}
	return poses
}
