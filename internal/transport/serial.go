// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package transport

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	serial "github.com/jacobsa/go-serial/serial"
	log "github.com/sirupsen/logrus"

	"github.com/relabs-tech/epsilon_streamer/internal/stream"
)

// DefaultBaudRate is used when the serial config leaves the rate unset.
const DefaultBaudRate = 115200

// SerialSignalSource reads control lines from a serial port, typically a
// hardware button box or a microcontroller next to the sensors. Each line
// holds one signal, either a word (start, stop, reset) or one of the
// single-character codes accepted on the tcp control port.
type SerialSignalSource struct {
	*signalQueue
	port io.ReadCloser
	name string
}

func OpenSerialSignals(portName string, baud uint) (*SerialSignalSource, error) {
	if baud == 0 {
		baud = DefaultBaudRate
	}
	opts := serial.OpenOptions{
		PortName:              portName,
		BaudRate:              baud,
		DataBits:              8,
		StopBits:              1,
		MinimumReadSize:       1,
		ParityMode:            serial.PARITY_NONE,
		InterCharacterTimeout: 0,
	}
	port, err := serial.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("serial ctrl: open %s: %w", portName, err)
	}
	log.WithField("component", "transport").Infof("serial ctrl: opened %s at %d baud", portName, baud)
	return newSerialSignalSource(port, portName), nil
}

func newSerialSignalSource(port io.ReadCloser, name string) *SerialSignalSource {
	s := &SerialSignalSource{signalQueue: newSignalQueue(), port: port, name: name}
	go s.read()
	return s
}

func (s *SerialSignalSource) read() {
	sc := bufio.NewScanner(s.port)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		sig, err := parseSerialLine(line)
		if err != nil {
			log.WithField("component", "transport").Warnf("serial ctrl: %s: %v", s.name, err)
			continue
		}
		if !s.push(sig) {
			return
		}
	}

	err := sc.Err()
	select {
	case <-s.done:
		return
	default:
	}
	if err == nil || errors.Is(err, os.ErrClosed) {
		err = io.EOF
	}
	s.fail(fmt.Errorf("serial ctrl: %s: %w", s.name, err))
}

func parseSerialLine(line string) (stream.Signal, error) {
	if len(line) == 1 {
		sig, ok, err := ParseSignalByte(line[0])
		if err != nil {
			return 0, err
		}
		if ok {
			return sig, nil
		}
	}
	return stream.ParseSignal(line)
}

func (s *SerialSignalSource) Close() error {
	s.close()
	return s.port.Close()
}
