// Package broker publishes payment events to the message bus.
package broker

import (
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
)

// SubjectPrefix is prepended to the event type, e.g. payments.pay
const SubjectPrefix = "payments."

// Publisher sends an event payload to a subject
type Publisher interface {
	Publish(subject string, payload []byte) error
	Close()
}

// Nats publishes over a NATS connection
type Nats struct {
	Conn *nats.Conn
	log  *logrus.Logger
}

// Connect opens a NATS connection. An empty url yields a Noop publisher.
func Connect(url string, log *logrus.Logger) (Publisher, error) {
	if url == "" {
		log.Info("NATS_URL not set, payment events will not be published")
		return Noop{}, nil
	}

	opts := []nats.Option{
		nats.Name("card-gateway"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warnf("NATS disconnected: %v", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Infof("NATS reconnected to %s", c.ConnectedUrl())
		}),
	}
	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}
	return &Nats{Conn: conn, log: log}, nil
}

// Publish implements Publisher
func (n *Nats) Publish(subject string, payload []byte) error {
	if err := n.Conn.Publish(subject, payload); err != nil {
		return fmt.Errorf("failed to publish %s: %w", subject, err)
	}
	return nil
}

// Close drains pending messages and closes the connection
func (n *Nats) Close() {
	if err := n.Conn.Drain(); err != nil {
		n.log.Warnf("NATS drain failed: %v", err)
	}
}

// Noop discards events
type Noop struct{}

// Publish implements Publisher
func (Noop) Publish(string, []byte) error { return nil }

// Close implements Publisher
func (Noop) Close() {}
