// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package transport

import (
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	log "github.com/sirupsen/logrus"

	"github.com/relabs-tech/epsilon_streamer/internal/stream"
)

// MQTTOptions selects the client identity and topics of the mqtt transports.
type MQTTOptions struct {
	ClientID  string
	DataTopic string
	CtrlTopic string
	QoS       byte
}

const mqttTimeout = 5 * time.Second

func connectMQTT(broker, clientID string, onLost mqtt.ConnectionLostHandler) (mqtt.Client, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetAutoReconnect(false).
		SetConnectionLostHandler(onLost)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("mqtt connect %s: %w", broker, token.Error())
	}
	log.WithField("component", "transport").Infof("mqtt: %s connected to %s", clientID, broker)
	return client, nil
}

// MQTTFrameSink publishes JSON frames on the data topic.
type MQTTFrameSink struct {
	client mqtt.Client
	topic  string
	qos    byte
}

func NewMQTTFrameSink(broker string, opts MQTTOptions) (*MQTTFrameSink, error) {
	client, err := connectMQTT(broker, opts.ClientID+"-data", func(_ mqtt.Client, err error) {
		log.WithField("component", "transport").Errorf("mqtt data: connection lost: %v", err)
	})
	if err != nil {
		return nil, err
	}
	return &MQTTFrameSink{client: client, topic: opts.DataTopic, qos: opts.QoS}, nil
}

func (s *MQTTFrameSink) Send(f stream.Frame) error {
	payload, err := json.Marshal(NewFramePayload(f))
	if err != nil {
		return fmt.Errorf("mqtt data: marshal frame %d: %w", f.Seq, err)
	}
	token := s.client.Publish(s.topic, s.qos, false, payload)
	if !token.WaitTimeout(mqttTimeout) {
		return fmt.Errorf("mqtt data: publish frame %d: timed out", f.Seq)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt data: publish frame %d: %w", f.Seq, err)
	}
	return nil
}

func (s *MQTTFrameSink) Close() error {
	s.client.Disconnect(250)
	return nil
}

// MQTTSignalSource subscribes to the control topic. Payloads are the words
// start, stop and reset.
type MQTTSignalSource struct {
	*signalQueue
	client mqtt.Client
	topic  string
}

func NewMQTTSignalSource(broker string, opts MQTTOptions) (*MQTTSignalSource, error) {
	s := &MQTTSignalSource{signalQueue: newSignalQueue(), topic: opts.CtrlTopic}

	client, err := connectMQTT(broker, opts.ClientID+"-ctrl", func(_ mqtt.Client, err error) {
		s.fail(fmt.Errorf("mqtt ctrl: connection lost: %w", err))
	})
	if err != nil {
		return nil, err
	}
	s.client = client

	token := client.Subscribe(opts.CtrlTopic, opts.QoS, s.handle)
	token.Wait()
	if token.Error() != nil {
		client.Disconnect(250)
		return nil, fmt.Errorf("mqtt ctrl: subscribe %s: %w", opts.CtrlTopic, token.Error())
	}
	log.WithField("component", "transport").Infof("mqtt ctrl: subscribed to %s", opts.CtrlTopic)
	return s, nil
}

func (s *MQTTSignalSource) handle(_ mqtt.Client, msg mqtt.Message) {
	// retained control messages belong to an earlier session
	if msg.Retained() {
		return
	}
	sig, err := stream.ParseSignal(string(msg.Payload()))
	if err != nil {
		log.WithField("component", "transport").Warnf("mqtt ctrl: %v", err)
		return
	}
	s.push(sig)
}

func (s *MQTTSignalSource) Close() error {
	s.close()
	s.client.Unsubscribe(s.topic).WaitTimeout(mqttTimeout)
	s.client.Disconnect(250)
	return nil
}

// MQTTClient is the consumer side of the mqtt transports.
type MQTTClient struct {
	client mqtt.Client
	opts   MQTTOptions
	frames chan stream.Frame
}

// DialMQTT connects a consumer and subscribes to the data topic.
func DialMQTT(broker string, opts MQTTOptions) (*MQTTClient, error) {
	client, err := connectMQTT(broker, opts.ClientID, func(_ mqtt.Client, err error) {
		log.Errorf("mqtt client: connection lost: %v", err)
	})
	if err != nil {
		return nil, err
	}
	c := &MQTTClient{client: client, opts: opts, frames: make(chan stream.Frame, queueSize)}

	token := client.Subscribe(opts.DataTopic, opts.QoS, func(_ mqtt.Client, msg mqtt.Message) {
		var p FramePayload
		if err := json.Unmarshal(msg.Payload(), &p); err != nil {
			log.Printf("mqtt client: frame unmarshal error: %v", err)
			return
		}
		f, err := p.Frame()
		if err != nil {
			log.Printf("mqtt client: %v", err)
			return
		}
		select {
		case c.frames <- f:
		default: // console is slower than the stream; drop
		}
	})
	token.Wait()
	if token.Error() != nil {
		client.Disconnect(250)
		return nil, fmt.Errorf("mqtt client: subscribe %s: %w", opts.DataTopic, token.Error())
	}
	return c, nil
}

func (c *MQTTClient) SendSignal(sig stream.Signal) error {
	token := c.client.Publish(c.opts.CtrlTopic, c.opts.QoS, false, sig.String())
	token.Wait()
	return token.Error()
}

// Frames delivers decoded frames; slow readers miss frames.
func (c *MQTTClient) Frames() <-chan stream.Frame { return c.frames }

func (c *MQTTClient) Close() error {
	c.client.Disconnect(250)
	return nil
}
