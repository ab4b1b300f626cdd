// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package transport

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/relabs-tech/epsilon_streamer/internal/stream"
)

// TCPFrameSink listens for one consumer and writes fixed-length binary
// frames to it. Consumers are accepted in the background; Send never waits
// for one and reports stream.ErrNoConsumer instead. After a write error the
// connection is dropped and the next queued consumer takes its place.
type TCPFrameSink struct {
	ln     net.Listener
	conns  chan net.Conn
	closed chan struct{}
	once   sync.Once

	mu   sync.Mutex
	conn net.Conn
	buf  []byte
}

// ListenFrames binds the data listener on addr.
func ListenFrames(addr string) (*TCPFrameSink, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("tcp data: listen %s: %w", addr, err)
	}
	log.WithField("component", "transport").Infof("tcp data: listening on %s", ln.Addr())

	s := &TCPFrameSink{
		ln:     ln,
		conns:  make(chan net.Conn, 1),
		closed: make(chan struct{}),
	}
	go s.accept()
	return s, nil
}

// Addr returns the bound address.
func (s *TCPFrameSink) Addr() net.Addr { return s.ln.Addr() }

func (s *TCPFrameSink) accept() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				log.WithField("component", "transport").Warnf("tcp data: accept: %v", err)
			}
			return
		}
		select {
		case s.conns <- conn:
			log.WithField("component", "transport").Infof("tcp data: consumer connected from %s", conn.RemoteAddr())
		case <-s.closed:
			conn.Close()
			return
		}
	}
}

func (s *TCPFrameSink) Send(f stream.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	select {
	case <-s.closed:
		return fmt.Errorf("tcp data: %w", net.ErrClosed)
	default:
	}

	if s.conn == nil {
		select {
		case conn := <-s.conns:
			s.conn = conn
		default:
			return fmt.Errorf("tcp data: %w", stream.ErrNoConsumer)
		}
	}

	s.buf = EncodeFrame(s.buf[:0], f)
	if _, err := s.conn.Write(s.buf); err != nil {
		s.conn.Close()
		s.conn = nil
		return fmt.Errorf("tcp data: write: %w", err)
	}
	return nil
}

func (s *TCPFrameSink) Close() error {
	s.once.Do(func() { close(s.closed) })
	err := s.ln.Close()
	s.mu.Lock()
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	s.mu.Unlock()
	select {
	case conn := <-s.conns:
		conn.Close()
	default:
	}
	return err
}

// TCPSignalSource listens for one controller and reads one control byte per
// signal. When the controller disconnects, the next Recv or TryRecv reports
// the error and a new controller is accepted.
type TCPSignalSource struct {
	*signalQueue
	ln net.Listener
}

// ListenSignals binds the control listener on addr.
func ListenSignals(addr string) (*TCPSignalSource, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("tcp ctrl: listen %s: %w", addr, err)
	}
	log.WithField("component", "transport").Infof("tcp ctrl: listening on %s", ln.Addr())

	s := &TCPSignalSource{signalQueue: newSignalQueue(), ln: ln}
	go s.serve()
	return s, nil
}

func (s *TCPSignalSource) Addr() net.Addr { return s.ln.Addr() }

func (s *TCPSignalSource) serve() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				s.fail(fmt.Errorf("tcp ctrl: accept: %w", err))
			}
			s.close()
			return
		}
		log.WithField("component", "transport").Infof("tcp ctrl: controller connected from %s", conn.RemoteAddr())
		if err := s.read(conn); err != nil {
			s.fail(err)
		}
	}
}

func (s *TCPSignalSource) read(conn net.Conn) error {
	defer conn.Close()
	r := bufio.NewReader(conn)
	for {
		b, err := r.ReadByte()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return fmt.Errorf("tcp ctrl: controller disconnected: %w", err)
			}
			return fmt.Errorf("tcp ctrl: read: %w", err)
		}
		sig, ok, err := ParseSignalByte(b)
		if err != nil {
			log.WithField("component", "transport").Warnf("tcp ctrl: %v", err)
			continue
		}
		if ok && !s.push(sig) {
			return nil
		}
	}
}

func (s *TCPSignalSource) Close() error {
	s.close()
	return s.ln.Close()
}

// TCPClient is the consumer side of the tcp transports, used by the console.
type TCPClient struct {
	data net.Conn
	ctrl net.Conn
	r    *bufio.Reader
	n    int
	buf  []byte
}

// DialTCP connects to a streamer's data and control listeners for n sensors.
func DialTCP(dataAddr, ctrlAddr string, n int) (*TCPClient, error) {
	ctrl, err := net.Dial("tcp", ctrlAddr)
	if err != nil {
		return nil, fmt.Errorf("tcp client: dial ctrl %s: %w", ctrlAddr, err)
	}
	data, err := net.Dial("tcp", dataAddr)
	if err != nil {
		ctrl.Close()
		return nil, fmt.Errorf("tcp client: dial data %s: %w", dataAddr, err)
	}
	return &TCPClient{
		data: data,
		ctrl: ctrl,
		r:    bufio.NewReader(data),
		n:    n,
		buf:  make([]byte, n*QuatSize),
	}, nil
}

// SendSignal writes one control byte.
func (c *TCPClient) SendSignal(sig stream.Signal) error {
	b, err := SignalByte(sig)
	if err != nil {
		return err
	}
	_, err = c.ctrl.Write([]byte{b})
	return err
}

// NextFrame blocks for the next binary frame.
func (c *TCPClient) NextFrame() (stream.Frame, error) {
	if _, err := io.ReadFull(c.r, c.buf); err != nil {
		return stream.Frame{}, fmt.Errorf("tcp client: read frame: %w", err)
	}
	qs, err := DecodeFrame(c.buf, c.n)
	if err != nil {
		return stream.Frame{}, err
	}
	return stream.Frame{Orientations: qs}, nil
}

func (c *TCPClient) Close() error {
	return errors.Join(c.data.Close(), c.ctrl.Close())
}
