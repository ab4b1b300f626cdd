// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package transport carries orientation frames to the consumer and control
// signals back, over tcp, mqtt, websocket or (control only) a serial line.
package transport

import (
	"errors"
	"fmt"
	"io"

	"github.com/relabs-tech/epsilon_streamer/internal/stream"
)

const (
	KindTCP       = "tcp"
	KindMQTT      = "mqtt"
	KindWebSocket = "websocket"
	KindSerial    = "serial"
)

var ErrUnknownTransport = errors.New("unknown transport")

// Options carries the transport specific settings.
type Options struct {
	MQTT     MQTTOptions
	BaudRate uint
}

// Sink is a closable frame sink.
type Sink interface {
	stream.FrameSink
	io.Closer
}

// Source is a closable signal source.
type Source interface {
	stream.SignalSource
	io.Closer
}

// OpenSink opens the data transport of the given kind on addr.
func OpenSink(kind, addr string, opts Options) (Sink, error) {
	switch kind {
	case KindTCP, "":
		return ListenFrames(addr)
	case KindMQTT:
		return NewMQTTFrameSink(addr, opts.MQTT)
	case KindWebSocket:
		return ListenWSFrames(addr)
	default:
		return nil, fmt.Errorf("%w for data: %q", ErrUnknownTransport, kind)
	}
}

// OpenSource opens the control transport of the given kind on addr.
func OpenSource(kind, addr string, opts Options) (Source, error) {
	switch kind {
	case KindTCP, "":
		return ListenSignals(addr)
	case KindMQTT:
		return NewMQTTSignalSource(addr, opts.MQTT)
	case KindWebSocket:
		return ListenWSSignals(addr)
	case KindSerial:
		return OpenSerialSignals(addr, opts.BaudRate)
	default:
		return nil, fmt.Errorf("%w for control: %q", ErrUnknownTransport, kind)
	}
}
