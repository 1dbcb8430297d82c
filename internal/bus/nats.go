package bus

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/chatrelay/chatrelay/pkg/logger"
	"github.com/chatrelay/chatrelay/pkg/metrics"
)

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL      string
	CAFile   string
	CertFile string
	KeyFile  string
	Token    string
}

// NATS is a Bus engine backed by core NATS subjects. Core NATS matches
// the bus contract exactly: no persistence, no replay, delivery only to
// current subscribers.
type NATS struct {
	conn *nats.Conn
	log  *logger.Logger

	mu     sync.Mutex
	closed bool
}

// NewNATS connects to a NATS server.
func NewNATS(cfg NATSConfig, log *logger.Logger) (*NATS, error) {
	opts := []nats.Option{
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Warn("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error("NATS error", zap.Error(err))
		}),
	}

	if cfg.CAFile != "" && cfg.CertFile != "" && cfg.KeyFile != "" {
		tlsConfig, err := createTLSConfig(cfg.CAFile, cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("create TLS config: %w", err)
		}
		opts = append(opts, nats.Secure(tlsConfig))
	}
	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	return &NATS{conn: conn, log: log}, nil
}

// IsConnected reports whether the NATS connection is up.
func (b *NATS) IsConnected() bool {
	return b.conn != nil && b.conn.IsConnected()
}

// Subscribe implements Bus.
func (b *NATS) Subscribe(topic string) (*Subscription, error) {
	sub := &Subscription{
		topic:  topic,
		events: make(chan []byte, subscriberBuffer),
	}

	natsSub, err := b.conn.Subscribe(topic, func(msg *nats.Msg) {
		if sub.deliver(msg.Data) {
			metrics.BusEventsDelivered.Inc()
		} else {
			metrics.BusEventsDropped.Inc()
		}
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %q: %w", topic, err)
	}

	// Unsubscribe does not wait for an in-flight handler; shutdown turns
	// any late delivery into a drop instead of a send on a closed channel.
	sub.cancel = func() {
		if err := natsSub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrBadSubscription) {
			b.log.Warn("unsubscribe failed", zap.String("topic", topic), zap.Error(err))
		}
		sub.shutdown()
	}
	return sub, nil
}

// Publish implements Bus.
func (b *NATS) Publish(topic string, payload any) error {
	data, err := marshalPayload(payload)
	if err != nil {
		return err
	}
	if err := b.conn.Publish(topic, data); err != nil {
		return fmt.Errorf("publish %q: %w", topic, err)
	}
	return nil
}

// Close implements Bus.
func (b *NATS) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	b.conn.Close()
}

func createTLSConfig(caFile, certFile, keyFile string) (*tls.Config, error) {
	caCert, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("read CA file: %w", err)
	}
	caCertPool := x509.NewCertPool()
	if !caCertPool.AppendCertsFromPEM(caCert) {
		return nil, fmt.Errorf("parse CA certificate")
	}
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("load client cert: %w", err)
	}
	return &tls.Config{
		RootCAs:      caCertPool,
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}
