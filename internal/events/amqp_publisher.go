package events

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const DefaultExchange = "xscrow_events"

// AMQPPublisher forwards events to a durable topic exchange, routed as
// "xscrow.<kind>".
type AMQPPublisher struct {
	mu       sync.Mutex
	conn     *amqp.Connection
	channel  *amqp.Channel
	exchange string
	logger   *slog.Logger
}

func sanitizeAMQPURL(raw string) (string, error) {
	clean := strings.Trim(strings.TrimSpace(raw), "\"'")
	u, err := url.Parse(clean)
	if err != nil {
		return "", err
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return "", errors.New("AMQP scheme must be either 'amqp://' or 'amqps://'")
	}
	return clean, nil
}

func NewAMQPPublisher(amqpURL, exchange string, logger *slog.Logger) (*AMQPPublisher, error) {
	cleanURL, err := sanitizeAMQPURL(amqpURL)
	if err != nil {
		return nil, err
	}
	if exchange == "" {
		exchange = DefaultExchange
	}
	if logger == nil {
		logger = slog.Default()
	}

	conn, err := amqp.DialConfig(cleanURL, amqp.Config{Dial: amqp.DefaultDial(10 * time.Second)})
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}

	return &AMQPPublisher{conn: conn, channel: ch, exchange: exchange, logger: logger}, nil
}

func RoutingKey(kind Kind) string {
	return "xscrow." + string(kind)
}

func (p *AMQPPublisher) Publish(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	msg := amqp.Publishing{
		ContentType: "application/json",
		MessageId:   ev.ID.String(),
		Timestamp:   ev.At,
		Body:        body,
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	err = p.channel.PublishWithContext(ctx, p.exchange, RoutingKey(ev.Kind), false, false, msg)
	if err == nil {
		return nil
	}

	p.logger.Warn("publish failed; reopening channel",
		slog.String("exchange", p.exchange), slog.String("kind", string(ev.Kind)), slog.Any("err", err))
	ch, chErr := p.conn.Channel()
	if chErr != nil {
		return err
	}
	p.channel = ch
	if exErr := ch.ExchangeDeclare(p.exchange, "topic", true, false, false, false, nil); exErr != nil {
		return exErr
	}
	return ch.PublishWithContext(ctx, p.exchange, RoutingKey(ev.Kind), false, false, msg)
}

func (p *AMQPPublisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.channel != nil {
		p.channel.Close()
	}
	if p.conn != nil {
		p.conn.Close()
	}
}

// FallbackPublisher is used when no broker is configured.
type FallbackPublisher struct {
	Logger *slog.Logger
}

func (p FallbackPublisher) Publish(_ context.Context, ev Event) error {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Debug("broker not configured; event kept in local log only",
		slog.String("kind", string(ev.Kind)), slog.Uint64("seq", ev.Seq))
	return nil
}
