// Package nats publishes presence changes to NATS JetStream.
package nats

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"go.uber.org/zap"

	"github.com/capitalize-ai/board-presence/pkg/logger"
	"github.com/capitalize-ai/board-presence/pkg/metrics"
)

// Config holds NATS connection configuration. TLS is enabled only when all
// three files are set.
type Config struct {
	URL      string
	CAFile   string
	CertFile string
	KeyFile  string
	Token    string
}

const (
	clientName        = "board-presence"
	publishMaxPending = 4096
	drainTimeout      = 5 * time.Second
)

// Client owns the connection the change publisher and replay reader share.
type Client struct {
	conn   *nats.Conn
	js     jetstream.JetStream
	logger *logger.Logger
}

// Connect dials NATS and prepares an async JetStream publisher. Unacknowledged
// publishes are counted and logged, never retried.
func Connect(ctx context.Context, cfg Config, log *logger.Logger) (*Client, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	log = log.Named("nats")

	opts := []nats.Option{
		nats.Name(clientName),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DrainTimeout(drainTimeout),
		nats.ConnectHandler(func(nc *nats.Conn) {
			metrics.NATSConnected.Set(1)
		}),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			metrics.NATSConnected.Set(0)
			log.Warn("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			metrics.NATSConnected.Set(1)
			log.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			metrics.NATSConnected.Set(0)
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error("NATS error", zap.Error(err))
		}),
	}
	if cfg.CAFile != "" && cfg.CertFile != "" && cfg.KeyFile != "" {
		opts = append(opts,
			nats.RootCAs(cfg.CAFile),
			nats.ClientCert(cfg.CertFile, cfg.KeyFile),
		)
	}
	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	metrics.NATSConnected.Set(1)

	js, err := jetstream.New(nc,
		jetstream.WithPublishAsyncMaxPending(publishMaxPending),
		jetstream.WithPublishAsyncErrHandler(func(_ jetstream.JetStream, msg *nats.Msg, err error) {
			metrics.NATSPublishFailures.Inc()
			log.Warn("presence change not acknowledged", zap.String("subject", msg.Subject), zap.Error(err))
		}),
	)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	log.Info("connected to NATS", zap.String("url", nc.ConnectedUrl()))
	return &Client{conn: nc, js: js, logger: log}, nil
}

// JetStream returns the JetStream context.
func (c *Client) JetStream() jetstream.JetStream {
	return c.js
}

// Close drains pending publishes, then closes the connection.
func (c *Client) Close() {
	if c == nil || c.conn == nil {
		return
	}
	if err := c.conn.Drain(); err != nil {
		c.logger.Warn("NATS drain failed", zap.Error(err))
		c.conn.Close()
	}
}

// IsConnected returns true if connected to NATS.
func (c *Client) IsConnected() bool {
	return c != nil && c.conn != nil && c.conn.IsConnected()
}
