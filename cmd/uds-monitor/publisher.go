package main

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/kstaniek/go-uds-client/internal/metrics"
)

const (
	connectRetryInterval = 5 * time.Second
	maxReconnectInterval = time.Minute
	publishTimeout       = 5 * time.Second
	disconnectQuiesce    = 500 // ms, paho Disconnect argument
)

var errPublishTimeout = errors.New("publish confirmation timed out")

// publisher wraps the paho client with the small surface the monitor
// needs: push one report payload at a time and expose connectivity for
// the readiness probe. The broker link is fully managed by paho's
// auto-reconnect; a broker restart costs at most a few missed reports.
type publisher struct {
	client mqtt.Client
	topic  string
	qos    byte
	retain bool
	logger *slog.Logger
}

func newPublisher(cfg *appConfig, l *slog.Logger) *publisher {
	p := &publisher{
		topic:  cfg.topic,
		qos:    byte(cfg.qos),
		retain: cfg.retain,
		logger: l,
	}
	statusTopic := cfg.topic + "/status"
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.broker)
	opts.SetClientID(cfg.clientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(connectRetryInterval)
	opts.SetMaxReconnectInterval(maxReconnectInterval)
	opts.SetOrderMatters(false)
	if cfg.username != "" {
		opts.SetUsername(cfg.username)
		opts.SetPassword(cfg.password)
	}
	// Retained will/online pair so consumers can tell a silent bus from a
	// dead monitor.
	opts.SetWill(statusTopic, "offline", p.qos, true)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		l.Warn("mqtt_connection_lost", "error", err)
	})
	opts.SetOnConnectHandler(func(c mqtt.Client) {
		l.Info("mqtt_connected", "broker", cfg.broker)
		c.Publish(statusTopic, p.qos, true, "online")
	})
	p.client = mqtt.NewClient(opts)
	return p
}

// start initiates the broker connection without blocking the caller.
// With connect-retry enabled paho keeps dialing in the background, so an
// unreachable broker at startup is reported but not fatal.
func (p *publisher) start() {
	go func() {
		if token := p.client.Connect(); token.Wait() && token.Error() != nil {
			p.logger.Warn("mqtt_connect_failed", "error", token.Error())
		}
	}()
}

// publish sends one report payload and waits briefly for confirmation.
func (p *publisher) publish(payload []byte) error {
	token := p.client.Publish(p.topic, p.qos, p.retain, payload)
	if !token.WaitTimeout(publishTimeout) {
		metrics.IncError(metrics.ErrPublish)
		return errPublishTimeout
	}
	if err := token.Error(); err != nil {
		metrics.IncError(metrics.ErrPublish)
		return fmt.Errorf("publish %s: %w", p.topic, err)
	}
	return nil
}

func (p *publisher) connected() bool { return p.client.IsConnected() }

func (p *publisher) stop() {
	p.client.Disconnect(disconnectQuiesce)
}
