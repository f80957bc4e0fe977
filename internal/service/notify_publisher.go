// Package service holds adapters to outside collaborators.  AMQPMessenger
// publishes auction notifications to RabbitMQ.  Errors are logged and
// returned so the dispatcher can record them without touching the request
// flow.
package service

import (
	"context"
	"encoding/json"
	"net"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"

	"github.com/iliyamo/market-auction/internal/model"
	q "github.com/iliyamo/market-auction/internal/queue"
)

// AMQPMessenger implements settlement.Messenger over a durable queue.  It
// dials per publish, which keeps it free of connection state at the cost
// of a handshake per notification.
type AMQPMessenger struct {
	URL   string
	Queue string
	Now   func() time.Time
}

// NewAMQPMessenger returns a messenger publishing to queue on the broker
// at url.
func NewAMQPMessenger(url, queue string) *AMQPMessenger {
	if queue == "" {
		queue = q.DefaultQueue
	}
	return &AMQPMessenger{URL: url, Queue: queue, Now: time.Now}
}

// Notify publishes n as a persistent JSON message.
func (m *AMQPMessenger) Notify(ctx context.Context, n model.Notification) error {
	pub, err := m.publishing(n)
	if err != nil {
		log.Error().Err(err).Msg("rabbitmq: marshal event failed")
		return err
	}

	conn, err := amqp.DialConfig(m.URL, amqp.Config{
		Heartbeat: 10 * time.Second,
		Locale:    "en_US",
		Dial:      dialContext(ctx),
	})
	if err != nil {
		log.Warn().Err(err).Msg("rabbitmq: dial failed")
		return err
	}
	defer func() { _ = conn.Close() }()

	ch, err := conn.Channel()
	if err != nil {
		log.Warn().Err(err).Msg("rabbitmq: channel open failed")
		return err
	}
	defer func() { _ = ch.Close() }()

	// Durable so messages survive broker restarts.
	if _, err := ch.QueueDeclare(
		m.Queue, // name
		true,    // durable
		false,   // autoDelete
		false,   // exclusive
		false,   // noWait
		nil,     // args
	); err != nil {
		log.Warn().Err(err).Msg("rabbitmq: queue declare failed")
		return err
	}

	if err := ch.PublishWithContext(ctx,
		"",      // default exchange
		m.Queue, // routing key = queue name
		false,   // mandatory
		false,   // immediate
		pub,
	); err != nil {
		log.Warn().Err(err).Msg("rabbitmq: publish failed")
		return err
	}
	return nil
}

// dialContext returns a dialer whose connect and AMQP handshake both end
// by ctx's deadline.  The client clears the deadline once the connection
// is open.
func dialContext(ctx context.Context) func(network, addr string) (net.Conn, error) {
	return func(network, addr string) (net.Conn, error) {
		var d net.Dialer
		conn, err := d.DialContext(ctx, network, addr)
		if err != nil {
			return nil, err
		}
		deadline, ok := ctx.Deadline()
		if !ok {
			deadline = time.Now().Add(30 * time.Second)
		}
		if err := conn.SetDeadline(deadline); err != nil {
			_ = conn.Close()
			return nil, err
		}
		return conn, nil
	}
}

func (m *AMQPMessenger) publishing(n model.Notification) (amqp.Publishing, error) {
	now := time.Now
	if m.Now != nil {
		now = m.Now
	}
	at := now().UTC()
	ev := q.NewNotificationEvent(n, at)
	body, err := json.Marshal(ev)
	if err != nil {
		return amqp.Publishing{}, err
	}
	return amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    ev.EventID,
		Timestamp:    at,
		Body:         body,
	}, nil
}
