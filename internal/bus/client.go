package bus

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/loqalabs/loqa-lector/internal/config"
)

// Subjects published under the configured prefix.
const (
	SubjectTranscript = "transcript"
	SubjectScript     = "script"
	SubjectSpeech     = "speech"
	SubjectMetric     = "metric"
	SubjectLog        = "log"
	SubjectState      = "state"
)

// Client wraps a NATS connection and publishes lector events as JSON.
type Client struct {
	conn   *nats.Conn
	prefix string
	log    *slog.Logger
}

func Connect(ctx context.Context, cfg config.BusConfig, log *slog.Logger) (*Client, error) {
	if len(cfg.Servers) == 0 {
		return nil, errors.New("no NATS servers configured")
	}
	log = log.With(slog.String("component", "bus"))

	timeout := time.Duration(cfg.ConnectTimeout) * time.Millisecond
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); left < timeout {
			timeout = left
		}
	}
	options := []nats.Option{
		nats.Name("loqa-lector"),
		nats.Timeout(timeout),
	}
	if cfg.Username != "" || cfg.Password != "" {
		options = append(options, nats.UserInfo(cfg.Username, cfg.Password))
	}
	if cfg.Token != "" {
		options = append(options, nats.Token(cfg.Token))
	}
	if cfg.TLSInsecure {
		options = append(options, nats.Secure(&tls.Config{InsecureSkipVerify: true}))
	}

	url := strings.Join(cfg.Servers, ",")
	conn, err := nats.Connect(url, options...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	log.Info("connected to NATS", slog.String("servers", url))

	prefix := strings.TrimSuffix(cfg.SubjectPrefix, ".")
	if prefix == "" {
		prefix = "lector"
	}
	return &Client{conn: conn, prefix: prefix, log: log}, nil
}

// Subject returns the fully qualified subject for name.
func (c *Client) Subject(name string) string {
	return c.prefix + "." + name
}

// Publish encodes v as JSON on the named subject. A nil client drops the
// event so callers can publish unconditionally.
func (c *Client) Publish(name string, v any) error {
	if c == nil || c.conn == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", name, err)
	}
	return c.conn.Publish(c.Subject(name), data)
}

// Subscribe delivers raw payloads published on the named subject.
func (c *Client) Subscribe(name string, fn func(data []byte)) (*nats.Subscription, error) {
	return c.conn.Subscribe(c.Subject(name), func(msg *nats.Msg) {
		fn(msg.Data)
	})
}

func (c *Client) Close() {
	if c == nil {
		return
	}
	c.log.Info("closing NATS connection")
	_ = c.conn.Drain()
	c.conn.Close()
}

func (c *Client) Healthy() bool {
	return c != nil && c.conn != nil && c.conn.Status() == nats.CONNECTED
}
