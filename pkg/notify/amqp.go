package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// AMQPMailer publishes passcode messages to a durable queue consumed by
// the mail relay.
type AMQPMailer struct {
	url   string
	queue string

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

// NewAMQPMailer dials the broker and declares the queue.
func NewAMQPMailer(url, queue string) (*AMQPMailer, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil, errors.New("amqp url is required")
	}
	queue = strings.TrimSpace(queue)
	if queue == "" {
		queue = "storeit.mail.otp"
	}
	m := &AMQPMailer{url: url, queue: queue}
	if err := m.connect(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *AMQPMailer) connect() error {
	conn, err := amqp.Dial(m.url)
	if err != nil {
		return fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("open amqp channel: %w", err)
	}
	if _, err := ch.QueueDeclare(m.queue, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return fmt.Errorf("declare queue %s: %w", m.queue, err)
	}
	m.conn, m.ch = conn, ch
	return nil
}

// SendOTP publishes msg as a persistent JSON message. A closed connection is
// redialed once.
func (m *AMQPMailer) SendOTP(ctx context.Context, msg OTPMessage) error {
	msg.ExpiresInS = int(msg.ExpiresIn.Seconds())
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal otp message: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn == nil || m.conn.IsClosed() {
		if err := m.connect(); err != nil {
			return err
		}
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return m.ch.PublishWithContext(ctx, "", m.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Type:         "otp",
		Body:         body,
	})
}

// Close shuts down the channel and connection.
func (m *AMQPMailer) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ch != nil {
		_ = m.ch.Close()
	}
	if m.conn != nil {
		return m.conn.Close()
	}
	return nil
}
