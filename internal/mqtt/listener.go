// Package mqtt subscribes to the makerspace telemetry broker and feeds
// recognized messages to the aggregator.
//
// The listener uses Eclipse Paho v2's [autopaho] package for connection
// management with automatic reconnection. The telemetry traffic is
// free-text on unstable topics, so the subscription defaults to "#" and
// recognition happens in the parser, not in topic filters. Parsed
// events are enqueued on the single-writer worker queue; the MQTT
// receive path never touches aggregator state directly.
package mqtt

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/url"
	"time"
	"unicode/utf8"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/makerspaceleiden/aggregator/internal/aggregator"
	"github.com/makerspaceleiden/aggregator/internal/config"
	"github.com/makerspaceleiden/aggregator/internal/parser"
	"github.com/makerspaceleiden/aggregator/internal/worker"
)

// Listener owns the broker connection and the inbound message path.
type Listener struct {
	cfg     config.MQTTConfig
	queue   *worker.Queue
	agg     *aggregator.Aggregator
	limiter *messageRateLimiter
	logger  *slog.Logger
	cm      *autopaho.ConnectionManager
}

// New creates a Listener but does not connect. Call [Listener.Start]
// to begin the connection and receive loop.
func New(cfg config.MQTTConfig, queue *worker.Queue, agg *aggregator.Aggregator, logger *slog.Logger) *Listener {
	return &Listener{
		cfg:     cfg,
		queue:   queue,
		agg:     agg,
		limiter: newMessageRateLimiter(600, time.Minute, logger),
		logger:  logger,
	}
}

// Start connects to the MQTT broker and blocks until ctx is cancelled.
// On every (re-)connect it re-subscribes to the configured topic
// filter.
func (l *Listener) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(l.cfg.BrokerURL)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls: []*url.URL{brokerURL},
		KeepAlive:  30,
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			l.logger.Info("mqtt connected to broker", "broker", l.cfg.BrokerURL)
			if _, err := cm.Subscribe(ctx, &paho.Subscribe{
				Subscriptions: []paho.SubscribeOptions{
					{Topic: l.cfg.Topic, QoS: 1},
				},
			}); err != nil {
				l.logger.Error("mqtt subscribe failed", "topic", l.cfg.Topic, "error", err)
			}
		},
		OnConnectError: func(err error) {
			l.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: l.cfg.ClientID,
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				func(pr paho.PublishReceived) (bool, error) {
					l.handleMessage(pr.Packet.Topic, pr.Packet.Payload)
					return true, nil
				},
			},
		},
	}

	// Enable TLS for mqtts:// or ssl:// schemes.
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	l.cm = cm

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// Log but don't fail — autopaho will keep retrying in the background.
		l.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	go l.limiter.start(ctx)
	<-ctx.Done()
	return nil
}

// Stop gracefully disconnects from the broker.
func (l *Listener) Stop(ctx context.Context) error {
	if l.cm == nil {
		return nil
	}
	return l.cm.Disconnect(ctx)
}

// handleMessage runs on the paho receive path: recognize the message
// and hand the typed event to the worker queue. Everything slow or
// stateful happens on the worker goroutine.
func (l *Listener) handleMessage(topic string, payload []byte) {
	if !l.limiter.allow() {
		return
	}
	if !utf8.Valid(payload) {
		l.logger.Warn("mqtt message is not valid utf-8", "topic", topic, "payload_size", len(payload))
		return
	}
	message := string(payload)
	l.logger.Log(context.Background(), config.LevelTrace, "mqtt message received",
		"topic", topic, "message", message)

	ev, err := parser.Parse(topic, message)
	if err != nil {
		l.logger.Warn("unrecognized mqtt traffic", "topic", topic, "message", message)
		return
	}
	if ev == nil {
		return
	}

	l.queue.Enqueue(fmt.Sprintf("apply %T", ev), func(ctx context.Context) error {
		return l.agg.Apply(ctx, ev)
	})
}
