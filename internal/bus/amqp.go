package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/streadway/amqp"

	"github.com/seantiz/backtestd/internal/backoff"
)

// Compile-time interface satisfaction check.
var _ Bus = (*AMQPBus)(nil)

// ErrDisconnected is returned by Publish while the broker connection is
// being re-established.
var ErrDisconnected = errors.New("amqp connection down")

// AMQPOptions configures the RabbitMQ transport.
type AMQPOptions struct {
	URL            string        `mapstructure:"url"`
	ExchangePrefix string        `mapstructure:"exchange_prefix"`
	ReconnectMin   time.Duration `mapstructure:"reconnect_min"`
	ReconnectMax   time.Duration `mapstructure:"reconnect_max"`
}

// AMQPBus maps each topic to a durable fanout exchange. Every subscriber gets
// its own exclusive auto-delete queue bound to that exchange.
//
// A lost connection is redialed with jittered backoff. Exchanges are
// redeclared lazily and every live subscription is bound to a fresh queue;
// events published while the link is down are lost.
type AMQPBus struct {
	url     string
	prefix  string
	backoff backoff.Policy
	logger  *slog.Logger
	done    chan struct{}

	mu       sync.Mutex
	conn     *amqp.Connection
	pub      *amqp.Channel
	declared map[string]bool
	subs     map[uint64]*amqpSub
	nextSub  uint64
	closed   bool
}

type amqpSub struct {
	id       uint64
	exchange string
	handler  Handler
	ch       *amqp.Channel
	wg       sync.WaitGroup
}

// NewAMQPBus dials the broker and opens the publishing channel.
func NewAMQPBus(opt AMQPOptions, logger *slog.Logger) (*AMQPBus, error) {
	policy := backoff.Default()
	if opt.ReconnectMin > 0 {
		policy.Min = opt.ReconnectMin
	}
	if opt.ReconnectMax > 0 {
		policy.Max = opt.ReconnectMax
	}
	b := &AMQPBus{
		url:     opt.URL,
		prefix:  opt.ExchangePrefix,
		backoff: policy,
		logger:  logger,
		done:    make(chan struct{}),
		subs:    make(map[uint64]*amqpSub),
	}

	b.mu.Lock()
	lost, err := b.connectLocked()
	b.mu.Unlock()
	if err != nil {
		return nil, err
	}
	go b.watch(lost)
	return b, nil
}

// connectLocked dials, opens the publishing channel and rebinds every
// subscription. The returned channel fires when the new connection drops.
func (b *AMQPBus) connectLocked() (<-chan *amqp.Error, error) {
	conn, err := amqp.Dial(b.url)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	pub, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}

	b.conn, b.pub = conn, pub
	b.declared = make(map[string]bool)
	for _, s := range b.subs {
		if err := b.bindLocked(s); err != nil {
			b.logger.Error("rebind amqp subscription", "exchange", s.exchange, "error", err)
		}
	}
	return conn.NotifyClose(make(chan *amqp.Error, 1)), nil
}

// watch redials after every connection loss until Close.
func (b *AMQPBus) watch(lost <-chan *amqp.Error) {
	for {
		select {
		case <-b.done:
			return
		case reason := <-lost:
			b.mu.Lock()
			if b.closed {
				b.mu.Unlock()
				return
			}
			b.pub = nil
			b.mu.Unlock()
			b.logger.Warn("amqp connection lost", "reason", reason)
		}

		for attempt := 1; ; attempt++ {
			select {
			case <-b.done:
				return
			case <-time.After(b.backoff.Next(attempt)):
			}

			b.mu.Lock()
			if b.closed {
				b.mu.Unlock()
				return
			}
			next, err := b.connectLocked()
			subs := len(b.subs)
			b.mu.Unlock()
			if err != nil {
				b.logger.Warn("amqp reconnect failed", "attempt", attempt, "error", err)
				continue
			}
			b.logger.Info("amqp reconnected", "attempt", attempt, "subscriptions", subs)
			lost = next
			break
		}
	}
}

func declareExchange(ch *amqp.Channel, name string) error {
	return ch.ExchangeDeclare(name, "fanout", true, false, false, false, nil)
}

// Publish sends payload to the topic's exchange.
func (b *AMQPBus) Publish(_ context.Context, topic string, payload []byte) error {
	exchange := b.prefix + topic

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrClosed
	}
	if b.pub == nil {
		// The channel died on its own; reopen it if the connection is up.
		if b.conn == nil || b.conn.IsClosed() {
			return ErrDisconnected
		}
		pub, err := b.conn.Channel()
		if err != nil {
			return fmt.Errorf("reopen amqp channel: %w", err)
		}
		b.pub = pub
		b.declared = make(map[string]bool)
	}

	if !b.declared[exchange] {
		if err := declareExchange(b.pub, exchange); err != nil {
			b.pub = nil
			return fmt.Errorf("declare exchange %s: %w", exchange, err)
		}
		b.declared[exchange] = true
	}

	err := b.pub.Publish(exchange, "", false, false, amqp.Publishing{
		ContentType: "application/json",
		Timestamp:   time.Now().UTC(),
		Body:        payload,
	})
	if err != nil {
		b.pub = nil
		return fmt.Errorf("amqp publish: %w", err)
	}
	return nil
}

// Subscribe binds a private queue to the topic's exchange and feeds its
// deliveries to h. The subscription survives reconnects until the returned
// function is called.
func (b *AMQPBus) Subscribe(_ context.Context, topic string, h Handler) (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}

	b.nextSub++
	s := &amqpSub{id: b.nextSub, exchange: b.prefix + topic, handler: h}
	if err := b.bindLocked(s); err != nil {
		return nil, err
	}
	b.subs[s.id] = s

	var once sync.Once
	return func() { once.Do(func() { b.unsubscribe(s) }) }, nil
}

// bindLocked opens a channel for s, binds a fresh queue and starts consuming.
func (b *AMQPBus) bindLocked(s *amqpSub) error {
	ch, err := b.conn.Channel()
	if err != nil {
		return fmt.Errorf("open amqp channel: %w", err)
	}
	if err := declareExchange(ch, s.exchange); err != nil {
		ch.Close()
		return fmt.Errorf("declare exchange %s: %w", s.exchange, err)
	}
	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		ch.Close()
		return fmt.Errorf("declare queue: %w", err)
	}
	if err := ch.QueueBind(q.Name, "", s.exchange, false, nil); err != nil {
		ch.Close()
		return fmt.Errorf("bind queue: %w", err)
	}
	msgs, err := ch.Consume(q.Name, "", true, true, false, false, nil)
	if err != nil {
		ch.Close()
		return fmt.Errorf("consume %s: %w", q.Name, err)
	}

	s.ch = ch
	s.wg.Add(1)
	go b.consume(s, ch, msgs)
	return nil
}

func (b *AMQPBus) consume(s *amqpSub, ch *amqp.Channel, msgs <-chan amqp.Delivery) {
	defer s.wg.Done()
	for d := range msgs {
		s.handler(d.Body)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	// A dropped connection is handled by watch; only a channel that closed
	// alone is rebound here.
	if b.closed || b.subs[s.id] != s || s.ch != ch || b.conn == nil || b.conn.IsClosed() {
		return
	}
	b.logger.Warn("amqp subscription channel closed, rebinding", "exchange", s.exchange)
	if err := b.bindLocked(s); err != nil {
		b.logger.Error("rebind amqp subscription", "exchange", s.exchange, "error", err)
	}
}

func (b *AMQPBus) unsubscribe(s *amqpSub) {
	b.mu.Lock()
	delete(b.subs, s.id)
	ch := s.ch
	b.mu.Unlock()

	if ch != nil {
		if err := ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			b.logger.Warn("close amqp subscription", "exchange", s.exchange, "error", err)
		}
	}
	s.wg.Wait()
}

// Close stops reconnecting and closes the broker connection and every
// channel on it.
func (b *AMQPBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	close(b.done)
	conn := b.conn
	b.mu.Unlock()

	if conn == nil || conn.IsClosed() {
		return nil
	}
	return conn.Close()
}
