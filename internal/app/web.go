// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package app

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/relabs-tech/epsilon_streamer/internal/orientation"
	"github.com/relabs-tech/epsilon_streamer/internal/stream"
	"github.com/relabs-tech/epsilon_streamer/internal/transport"
)

// LatestFrame keeps the last frame delivered to the consumer.
type LatestFrame struct {
	mu    sync.RWMutex
	frame stream.Frame
	have  bool
}

func (l *LatestFrame) Set(f stream.Frame) {
	f.Orientations = append([]orientation.Quaternion(nil), f.Orientations...)
	l.mu.Lock()
	l.frame, l.have = f, true
	l.mu.Unlock()
}

func (l *LatestFrame) Get() (stream.Frame, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.frame, l.have
}

// recordingSink records every frame the wrapped sink accepted.
type recordingSink struct {
	transport.Sink
	latest *LatestFrame
}

func (s *recordingSink) Send(f stream.Frame) error {
	if err := s.Sink.Send(f); err != nil {
		return err
	}
	s.latest.Set(f)
	return nil
}

// NewWebHandler serves the latest frame on /api/orientation and the metrics
// of g on /metrics.
func NewWebHandler(latest *LatestFrame, g prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/orientation", func(w http.ResponseWriter, r *http.Request) {
		f, ok := latest.Get()
		if !ok {
			http.Error(w, "no data yet", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(transport.NewFramePayload(f)); err != nil {
			log.WithField("component", "app").Warnf("json encode error: %v", err)
		}
	})
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	return mux
}
