package nats

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/getevo/evo/v2/lib/log"
	"github.com/nats-io/nats.go"
)

var (
	NC *nats.Conn
	JS nats.JetStreamContext
	mu sync.RWMutex
)

// ErrNotConnected is returned while no server connection exists
var ErrNotConnected = errors.New("nats: not connected")

// Config holds NATS connection configuration
type Config struct {
	URL            string
	Name           string
	MaxReconnects  int
	ReconnectWait  time.Duration
	PingInterval   time.Duration
	MaxPingsOut    int
	AllowReconnect bool
	DrainTimeout   time.Duration
}

// Connect establishes a reconnecting connection and binds JetStream when
// the server offers it
func Connect(config Config) error {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.MaxReconnects(config.MaxReconnects),
		nats.ReconnectWait(config.ReconnectWait),
		nats.PingInterval(config.PingInterval),
		nats.MaxPingsOutstanding(config.MaxPingsOut),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				log.Warning("NATS disconnected: %v", err)
			} else {
				log.Warning("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("NATS reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			if nc.LastError() != nil {
				log.Error("NATS connection closed: %v", nc.LastError())
			} else {
				log.Info("NATS connection closed")
			}
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			if sub != nil {
				log.Error("NATS error on subscription %s: %v", sub.Subject, err)
			} else {
				log.Error("NATS async error: %v", err)
			}
		}),
	}
	if !config.AllowReconnect {
		opts = append(opts, nats.NoReconnect())
	}

	conn, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS at %s: %w", config.URL, err)
	}
	log.Info("Connected to NATS at %s (server %s, version %s)", conn.ConnectedUrl(), conn.ConnectedServerName(), conn.ConnectedServerVersion())

	js, err := conn.JetStream()
	if err != nil {
		log.Warning("JetStream not available: %v", err)
		js = nil
	}

	mu.Lock()
	NC, JS = conn, js
	mu.Unlock()
	return nil
}

// GetConnection returns the connection or nil
func GetConnection() *nats.Conn {
	mu.RLock()
	defer mu.RUnlock()
	return NC
}

// GetJetStream returns the JetStream context or nil
func GetJetStream() nats.JetStreamContext {
	mu.RLock()
	defer mu.RUnlock()
	return JS
}

// IsConnected reports whether the connection is usable
func IsConnected() bool {
	conn := GetConnection()
	return conn != nil && conn.IsConnected()
}

// Close drains the connection, waiting at most drainTimeout
func Close(drainTimeout time.Duration) error {
	mu.Lock()
	conn := NC
	NC, JS = nil, nil
	mu.Unlock()

	if conn == nil {
		return nil
	}
	if err := conn.Drain(); err != nil {
		log.Warning("Error draining NATS connection: %v", err)
		conn.Close()
		return err
	}

	deadline := time.Now().Add(drainTimeout)
	for !conn.IsClosed() {
		if time.Now().After(deadline) {
			log.Warning("NATS drain timeout exceeded, forcing close")
			conn.Close()
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	return nil
}

// Publish sends data on subject
func Publish(subject string, data []byte) error {
	conn := GetConnection()
	if conn == nil || !conn.IsConnected() {
		return ErrNotConnected
	}
	return conn.Publish(subject, data)
}

// Subscribe creates a subscription to a subject
func Subscribe(subject string, handler nats.MsgHandler) (*nats.Subscription, error) {
	conn := GetConnection()
	if conn == nil || !conn.IsConnected() {
		return nil, ErrNotConnected
	}
	return conn.Subscribe(subject, handler)
}

// QueueSubscribe creates a queue subscription to a subject
func QueueSubscribe(subject, queue string, handler nats.MsgHandler) (*nats.Subscription, error) {
	conn := GetConnection()
	if conn == nil || !conn.IsConnected() {
		return nil, ErrNotConnected
	}
	return conn.QueueSubscribe(subject, queue, handler)
}
