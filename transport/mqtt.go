// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

// MQTTConfig holds MQTT transport configuration.
type MQTTConfig struct {
	// BrokerURL is the broker address (tcp://host:1883 or ssl://…).
	BrokerURL string

	// ClientID identifies this agent on the broker. Defaults to
	// fleetagent-<uuid>.
	ClientID string

	// RequestTopic and ResponseTopic carry the exchange frames. Both
	// default to the fleet/<client-id>/… convention.
	RequestTopic  string
	ResponseTopic string

	// ConnectTimeout bounds the initial connect; ExchangeTimeout bounds
	// one request/response cycle.
	ConnectTimeout  time.Duration
	ExchangeTimeout time.Duration
}

// mqttEnvelope wraps a payload or response with the correlation ID that
// pairs them across the two topics.
type mqttEnvelope struct {
	CorrelationID string          `json:"correlation-id"`
	Body          json.RawMessage `json:"body"`
}

// MQTTTransport performs exchanges over an MQTT broker: the payload is
// published to the request topic and the matching response arrives on the
// agent's response topic, correlated by ID. Useful for fleets whose
// management plane already runs on a broker.
type MQTTTransport struct {
	cfg    MQTTConfig
	logger *slog.Logger
	client mqtt.Client

	mu      sync.Mutex
	waiters map[string]chan *Response
}

var _ Transport = (*MQTTTransport)(nil)

// NewMQTT creates an MQTT transport and connects to the broker.
func NewMQTT(cfg MQTTConfig, logger *slog.Logger) (*MQTTTransport, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "fleetagent-" + uuid.NewString()
	}
	if cfg.RequestTopic == "" {
		cfg.RequestTopic = "fleet/" + cfg.ClientID + "/exchange"
	}
	if cfg.ResponseTopic == "" {
		cfg.ResponseTopic = "fleet/" + cfg.ClientID + "/response"
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.ExchangeTimeout <= 0 {
		cfg.ExchangeTimeout = 30 * time.Second
	}

	t := &MQTTTransport{
		cfg:     cfg,
		logger:  logger,
		waiters: make(map[string]chan *Response),
	}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.BrokerURL).
		SetClientID(cfg.ClientID).
		SetCleanSession(false).
		SetAutoReconnect(true).
		SetConnectTimeout(cfg.ConnectTimeout)

	t.client = mqtt.NewClient(opts)
	if token := t.client.Connect(); !token.WaitTimeout(cfg.ConnectTimeout) || token.Error() != nil {
		return nil, fmt.Errorf("%w: mqtt connect: %v", ErrTransport, token.Error())
	}

	if token := t.client.Subscribe(cfg.ResponseTopic, 1, t.onResponse); !token.WaitTimeout(cfg.ConnectTimeout) || token.Error() != nil {
		t.client.Disconnect(0)
		return nil, fmt.Errorf("%w: mqtt subscribe: %v", ErrTransport, token.Error())
	}

	return t, nil
}

// Exchange publishes the payload and waits for the correlated response.
func (t *MQTTTransport) Exchange(ctx context.Context, p *Payload) (*Response, error) {
	body, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}

	id := uuid.NewString()
	raw, err := json.Marshal(mqttEnvelope{CorrelationID: id, Body: body})
	if err != nil {
		return nil, fmt.Errorf("failed to encode envelope: %w", err)
	}

	ch := make(chan *Response, 1)
	t.mu.Lock()
	t.waiters[id] = ch
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		delete(t.waiters, id)
		t.mu.Unlock()
	}()

	if token := t.client.Publish(t.cfg.RequestTopic, 1, false, raw); !token.WaitTimeout(t.cfg.ExchangeTimeout) || token.Error() != nil {
		return nil, fmt.Errorf("%w: mqtt publish: %v", ErrTransport, token.Error())
	}

	timer := time.NewTimer(t.cfg.ExchangeTimeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		if resp == nil {
			return nil, ErrMalformedResponse
		}
		return resp, nil
	case <-timer.C:
		return nil, fmt.Errorf("%w: response timeout", ErrTransport)
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", ErrTransport, ctx.Err())
	}
}

// onResponse routes an incoming response frame to its waiting exchange.
func (t *MQTTTransport) onResponse(_ mqtt.Client, m mqtt.Message) {
	var env mqttEnvelope
	if err := json.Unmarshal(m.Payload(), &env); err != nil {
		t.logger.Warn("discarding unparsable exchange response frame")
		return
	}

	t.mu.Lock()
	ch, ok := t.waiters[env.CorrelationID]
	t.mu.Unlock()
	if !ok {
		// Stale response from a previous process run.
		return
	}

	var resp Response
	if err := json.Unmarshal(env.Body, &resp); err != nil {
		ch <- nil // Signals a malformed body to the waiter.
		return
	}
	ch <- &resp
}

// Close disconnects from the broker.
func (t *MQTTTransport) Close() error {
	t.client.Disconnect(250)
	return nil
}
