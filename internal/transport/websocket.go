// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package transport

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/relabs-tech/epsilon_streamer/internal/stream"
)

const (
	DataPath = "/data"
	CtrlPath = "/ctrl"

	wsWriteTimeout = 2 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true // consumers are local tools and browser pages
	},
}

func serveWS(addr, path string, h http.HandlerFunc) (*http.Server, net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, nil, err
	}
	mux := http.NewServeMux()
	mux.HandleFunc(path, h)
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithField("component", "transport").Errorf("websocket %s: serve: %v", path, err)
		}
	}()
	return srv, ln, nil
}

// WSFrameSink serves /data and writes JSON frames to the connected consumer.
// Send reports stream.ErrNoConsumer until a consumer connects, and again
// after a write error drops it.
type WSFrameSink struct {
	srv    *http.Server
	ln     net.Listener
	conns  chan *websocket.Conn
	closed chan struct{}
	once   sync.Once

	mu   sync.Mutex
	conn *websocket.Conn
}

func ListenWSFrames(addr string) (*WSFrameSink, error) {
	s := &WSFrameSink{
		conns:  make(chan *websocket.Conn, 1),
		closed: make(chan struct{}),
	}
	srv, ln, err := serveWS(addr, DataPath, s.handle)
	if err != nil {
		return nil, fmt.Errorf("websocket data: listen %s: %w", addr, err)
	}
	s.srv, s.ln = srv, ln
	log.WithField("component", "transport").Infof("websocket data: serving ws://%s%s", ln.Addr(), DataPath)
	return s, nil
}

func (s *WSFrameSink) Addr() net.Addr { return s.ln.Addr() }

func (s *WSFrameSink) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithField("component", "transport").Warnf("websocket data: upgrade: %v", err)
		return
	}
	select {
	case s.conns <- conn:
		log.WithField("component", "transport").Infof("websocket data: consumer connected from %s", r.RemoteAddr)
	default:
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "consumer already connected"),
			time.Now().Add(wsWriteTimeout))
		conn.Close()
		return
	}
	// drain control frames so close and ping are handled
	go func() {
		for {
			if _, _, err := conn.NextReader(); err != nil {
				conn.Close()
				return
			}
		}
	}()
}

func (s *WSFrameSink) Send(f stream.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	select {
	case <-s.closed:
		return ErrClosed
	default:
	}

	if s.conn == nil {
		select {
		case conn := <-s.conns:
			s.conn = conn
		default:
			return fmt.Errorf("websocket data: %w", stream.ErrNoConsumer)
		}
	}

	_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := s.conn.WriteJSON(NewFramePayload(f)); err != nil {
		s.conn.Close()
		s.conn = nil
		return fmt.Errorf("websocket data: write frame %d: %w", f.Seq, err)
	}
	return nil
}

func (s *WSFrameSink) Close() error {
	s.once.Do(func() { close(s.closed) })
	err := s.srv.Close()
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

// WSSignalSource serves /ctrl and reads {"signal": "..."} messages.
type WSSignalSource struct {
	*signalQueue
	srv *http.Server
	ln  net.Listener
}

func ListenWSSignals(addr string) (*WSSignalSource, error) {
	s := &WSSignalSource{signalQueue: newSignalQueue()}
	srv, ln, err := serveWS(addr, CtrlPath, s.handle)
	if err != nil {
		return nil, fmt.Errorf("websocket ctrl: listen %s: %w", addr, err)
	}
	s.srv, s.ln = srv, ln
	log.WithField("component", "transport").Infof("websocket ctrl: serving ws://%s%s", ln.Addr(), CtrlPath)
	return s, nil
}

func (s *WSSignalSource) Addr() net.Addr { return s.ln.Addr() }

func (s *WSSignalSource) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithField("component", "transport").Warnf("websocket ctrl: upgrade: %v", err)
		return
	}
	defer conn.Close()
	log.WithField("component", "transport").Infof("websocket ctrl: controller connected from %s", r.RemoteAddr)

	for {
		var msg SignalPayload
		if err := conn.ReadJSON(&msg); err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) || errors.Is(err, net.ErrClosed) {
				s.fail(fmt.Errorf("websocket ctrl: controller disconnected: %w", err))
				return
			}
			s.fail(fmt.Errorf("websocket ctrl: read: %w", err))
			return
		}
		sig, err := stream.ParseSignal(msg.Signal)
		if err != nil {
			log.WithField("component", "transport").Warnf("websocket ctrl: %v", err)
			continue
		}
		if !s.push(sig) {
			return
		}
	}
}

func (s *WSSignalSource) Close() error {
	s.close()
	return s.srv.Close()
}
