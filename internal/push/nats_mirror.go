package push

import (
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"

	"git.home.luguber.info/inful/previewd/internal/foundation/errors"
)

// NATSMirror republishes push events on a NATS subject so other processes
// can observe build progress.
type NATSMirror struct {
	conn    *nats.Conn
	subject string
}

// NewNATSMirror connects to url and publishes under subject.<event>.
func NewNATSMirror(url, subject string) (*NATSMirror, error) {
	if url == "" {
		return nil, errors.ConfigError("nats url is required").Build()
	}
	if subject == "" {
		subject = "previewd.events"
	}

	conn, err := nats.Connect(url,
		nats.Name("previewd"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				slog.Warn("NATS mirror disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			slog.Info("NATS mirror reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, errors.NetworkError("connect to nats").WithCause(err).WithContext("url", url).Build()
	}

	slog.Info("NATS push mirror initialized", "url", url, "subject", subject)
	return &NATSMirror{conn: conn, subject: subject}, nil
}

// Publish implements Mirror.
func (m *NATSMirror) Publish(userID, event string, data []byte) error {
	msg := nats.NewMsg(m.subject + "." + event)
	msg.Header.Set("User-Id", userID)
	msg.Data = data
	if err := m.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish %s: %w", msg.Subject, err)
	}
	return nil
}

// Close drains pending messages and closes the connection.
func (m *NATSMirror) Close() error {
	if m.conn == nil {
		return nil
	}
	return m.conn.Drain()
}
