// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/relabs-tech/epsilon_streamer/internal/orientation"
	"github.com/relabs-tech/epsilon_streamer/internal/stream"
)

// QuatSize is the encoded size of one quaternion on the binary wire:
// x, y, z, w as little-endian float32.
const QuatSize = 4 * 4

// Control bytes of the binary control protocol.
const (
	ByteStart byte = 1
	ByteStop  byte = 2
	ByteReset byte = 3
)

var ErrShortFrame = errors.New("short frame")

// EncodeFrame appends the fixed-length binary form of f to buf.
func EncodeFrame(buf []byte, f stream.Frame) []byte {
	for _, q := range f.Orientations {
		buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(float32(q.X)))
		buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(float32(q.Y)))
		buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(float32(q.Z)))
		buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(float32(q.W)))
	}
	return buf
}

// DecodeFrame parses n quaternions from b.
func DecodeFrame(b []byte, n int) ([]orientation.Quaternion, error) {
	if len(b) < n*QuatSize {
		return nil, fmt.Errorf("%w: %d bytes for %d quaternions", ErrShortFrame, len(b), n)
	}
	f32 := func(off int) float64 {
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(b[off:])))
	}
	qs := make([]orientation.Quaternion, 0, n)
	for i := 0; i < n; i++ {
		off := i * QuatSize
		qs = append(qs, orientation.Quaternion{
			X: f32(off),
			Y: f32(off + 4),
			Z: f32(off + 8),
			W: f32(off + 12),
		})
	}
	return qs, nil
}

// SignalByte maps a signal to its control byte.
func SignalByte(s stream.Signal) (byte, error) {
	switch s {
	case stream.SignalStart:
		return ByteStart, nil
	case stream.SignalStop:
		return ByteStop, nil
	case stream.SignalReset:
		return ByteReset, nil
	default:
		return 0, fmt.Errorf("no control byte for %v", s)
	}
}

// ParseSignalByte accepts the binary control bytes and their ASCII
// shorthands s, x and r. Line endings return ok=false.
func ParseSignalByte(b byte) (sig stream.Signal, ok bool, err error) {
	switch b {
	case ByteStart, 's', 'S':
		return stream.SignalStart, true, nil
	case ByteStop, 'x', 'X':
		return stream.SignalStop, true, nil
	case ByteReset, 'r', 'R':
		return stream.SignalReset, true, nil
	case '\r', '\n', ' ':
		return 0, false, nil
	default:
		return 0, false, fmt.Errorf("unknown control byte 0x%02X", b)
	}
}

// FramePayload is the JSON form of a frame used by the MQTT and websocket
// transports.
type FramePayload struct {
	Seq         uint64             `json:"seq"`
	Time        string             `json:"time"`
	Quaternions [][4]float64       `json:"quaternions"` // w, x, y, z
	Poses       []orientation.Pose `json:"poses"`
}

func NewFramePayload(f stream.Frame) FramePayload {
	qs := make([][4]float64, 0, len(f.Orientations))
	for _, q := range f.Orientations {
		qs = append(qs, [4]float64{q.W, q.X, q.Y, q.Z})
	}
	return FramePayload{
		Seq:         f.Seq,
		Time:        f.Time.Format(time.RFC3339Nano),
		Quaternions: qs,
		Poses:       orientation.Poses(f.Orientations),
	}
}

// Frame converts the payload back to a frame.
func (p FramePayload) Frame() (stream.Frame, error) {
	t, err := time.Parse(time.RFC3339Nano, p.Time)
	if err != nil {
		return stream.Frame{}, fmt.Errorf("frame %d time: %w", p.Seq, err)
	}
	qs := make([]orientation.Quaternion, 0, len(p.Quaternions))
	for _, q := range p.Quaternions {
		qs = append(qs, orientation.Quaternion{W: q[0], X: q[1], Y: q[2], Z: q[3]})
	}
	return stream.Frame{Seq: p.Seq, Time: t, Orientations: qs}, nil
}

// SignalPayload is the JSON control message of the websocket transport.
type SignalPayload struct {
	Signal string `json:"signal"`
}
