// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package transport

import (
	"context"
	"errors"
	"sync"

	"github.com/relabs-tech/epsilon_streamer/internal/stream"
)

// ErrClosed is returned by a transport that was closed locally.
var ErrClosed = errors.New("transport closed")

const queueSize = 16

// signalQueue is the FIFO between a transport's reader goroutine and the
// control loop. A reader failure is reported once, after the signals queued
// before it have been consumed.
type signalQueue struct {
	signals chan stream.Signal
	errs    chan error
	done    chan struct{}
	once    sync.Once
}

func newSignalQueue() *signalQueue {
	return &signalQueue{
		signals: make(chan stream.Signal, queueSize),
		errs:    make(chan error, 1),
		done:    make(chan struct{}),
	}
}

// push blocks while the queue is full, until the queue is closed.
func (q *signalQueue) push(s stream.Signal) bool {
	select {
	case q.signals <- s:
		return true
	case <-q.done:
		return false
	}
}

// fail records a reader error unless one is already pending.
func (q *signalQueue) fail(err error) {
	select {
	case q.errs <- err:
	default:
	}
}

func (q *signalQueue) close() {
	q.once.Do(func() { close(q.done) })
}

func (q *signalQueue) Recv(ctx context.Context) (stream.Signal, error) {
	select {
	case s := <-q.signals:
		return s, nil
	default:
	}
	select {
	case s := <-q.signals:
		return s, nil
	case err := <-q.errs:
		select {
		case s := <-q.signals:
			q.fail(err)
			return s, nil
		default:
		}
		return 0, err
	case <-q.done:
		return 0, ErrClosed
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (q *signalQueue) TryRecv() (stream.Signal, bool, error) {
	select {
	case s := <-q.signals:
		return s, true, nil
	default:
	}
	select {
	case err := <-q.errs:
		select {
		case s := <-q.signals:
			q.fail(err)
			return s, true, nil
		default:
		}
		return 0, false, err
	case <-q.done:
		return 0, false, ErrClosed
	default:
		return 0, false, nil
	}
}
