package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"
)

// publisher: часть *nats.Conn, нужная для отправки.
type publisher interface {
	Publish(subject string, data []byte) error
}

// NATS публикует уведомления JSON-сообщениями в subject <prefix>.<event>.
// Дальше их забирает сервис доставки (push, email, SMS).
type NATS struct {
	pub    publisher
	conn   *nats.Conn
	prefix string
}

func NewNATS(url, prefix string) (*NATS, error) {
	conn, err := nats.Connect(url, nats.Name("clinic-scheduler"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return &NATS{pub: conn, conn: conn, prefix: prefix}, nil
}

func (n *NATS) Subject(e Event) string {
	return n.prefix + "." + strings.ToLower(string(e))
}

func (n *NATS) Notify(_ context.Context, note Notification) error {
	payload, err := json.Marshal(note)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}
	return n.pub.Publish(n.Subject(note.Event), payload)
}

func (n *NATS) Close() error {
	if n.conn != nil {
		return n.conn.Drain()
	}
	return nil
}
