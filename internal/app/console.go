// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package app

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/relabs-tech/epsilon_streamer/internal/config"
	"github.com/relabs-tech/epsilon_streamer/internal/orientation"
	"github.com/relabs-tech/epsilon_streamer/internal/stream"
	"github.com/relabs-tech/epsilon_streamer/internal/transport"
)

// dialRetry spaces out connection attempts while the streamer is not up.
const dialRetry = 200 * time.Millisecond

// RunConsole connects to a streamer as its consumer, sends Start, prints
// every frame as poses and sends Stop when ctx is cancelled. Only the tcp and
// mqtt transports have a consumer side here.
func RunConsole(ctx context.Context, cfg *config.Config, out io.Writer) error {
	switch cfg.DataTransport {
	case transport.KindTCP:
		return consoleTCP(ctx, cfg, out)
	case transport.KindMQTT:
		return consoleMQTT(ctx, cfg, out)
	default:
		return fmt.Errorf("console: %w: %q", transport.ErrUnknownTransport, cfg.DataTransport)
	}
}

func consoleTCP(ctx context.Context, cfg *config.Config, out io.Writer) error {
	var client *transport.TCPClient
	for {
		c, err := transport.DialTCP(cfg.ServerData, cfg.ServerCtrl, cfg.SensorCount)
		if err == nil {
			client = c
			break
		}
		log.Debugf("console: %v, retrying", err)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(dialRetry):
		}
	}
	defer client.Close()
	log.Printf("console: connected to %s / %s", cfg.ServerData, cfg.ServerCtrl)

	if err := client.SendSignal(stream.SignalStart); err != nil {
		return fmt.Errorf("console: send start: %w", err)
	}

	errc := make(chan error, 1)
	go func() {
		for seq := uint64(1); ; seq++ {
			f, err := client.NextFrame()
			if err != nil {
				errc <- err
				return
			}
			f.Seq = seq
			printFrame(out, f)
		}
	}()

	select {
	case err := <-errc:
		return fmt.Errorf("console: %w", err)
	case <-ctx.Done():
	}
	log.Println("console: shutting down")
	return client.SendSignal(stream.SignalStop)
}

func consoleMQTT(ctx context.Context, cfg *config.Config, out io.Writer) error {
	client, err := transport.DialMQTT(cfg.ServerData, transport.MQTTOptions{
		ClientID:  cfg.MQTT.ClientID + "-console",
		DataTopic: cfg.MQTT.DataTopic,
		CtrlTopic: cfg.MQTT.CtrlTopic,
		QoS:       cfg.MQTT.QoS,
	})
	if err != nil {
		return err
	}
	defer client.Close()
	log.Printf("console: subscribed to %s", cfg.MQTT.DataTopic)

	if err := client.SendSignal(stream.SignalStart); err != nil {
		return fmt.Errorf("console: send start: %w", err)
	}
	for {
		select {
		case f := <-client.Frames():
			printFrame(out, f)
		case <-ctx.Done():
			log.Println("console: shutting down")
			return client.SendSignal(stream.SignalStop)
		}
	}
}

func printFrame(out io.Writer, f stream.Frame) {
	var b strings.Builder
	fmt.Fprintf(&b, "[FRAME %6d]", f.Seq)
	for i, p := range orientation.Poses(f.Orientations) {
		fmt.Fprintf(&b, "  #%d R=%7.2f P=%7.2f Y=%7.2f", i, p.Roll, p.Pitch, p.Yaw)
	}
	b.WriteByte('\n')
	_, _ = io.WriteString(out, b.String())
}
