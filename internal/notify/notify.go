// Package notify fans trading events out to the configured alert sinks.
// Publishing never blocks the trading path: events go through a buffered
// channel and are dropped with a warning when the buffer is full.
package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mlecomte/tradefan/internal/config"
)

// EventType classifies a notification.
type EventType string

// Event types.
const (
	EventOrderPlaced  EventType = "order_placed"
	EventOrderExpired EventType = "order_expired"
	EventError        EventType = "error"
)

// Event is one notification.
type Event struct {
	Type    EventType
	Broker  string
	Symbol  string
	Message string
	At      time.Time
}

// Title renders the event headline.
func (e Event) Title() string {
	switch e.Type {
	case EventOrderPlaced:
		return "Order placed"
	case EventOrderExpired:
		return "Order expired"
	default:
		return "Error"
	}
}

// Text renders the full notification body.
func (e Event) Text() string {
	s := e.Title()
	if e.Broker != "" {
		s += " [" + e.Broker + "]"
	}
	if e.Symbol != "" {
		s += " " + e.Symbol
	}
	if e.Message != "" {
		s += ": " + e.Message
	}
	return s
}

// Sink delivers one event to one channel (log line, chat message, ...).
type Sink interface {
	Send(ctx context.Context, ev Event) error
}

const busBuffer = 64

// Bus decouples event producers from sink delivery.
type Bus struct {
	cfg    config.NotificationsConfig
	sinks  []Sink
	logger *logrus.Logger

	ch   chan Event
	wg   sync.WaitGroup
	once sync.Once
}

// NewBus wires the sinks enabled in cfg. The log sink is always attached
// so events remain observable with notifications disabled.
func NewBus(cfg config.NotificationsConfig, logger *logrus.Logger) (*Bus, error) {
	if logger == nil {
		logger = logrus.New()
	}

	sinks := []Sink{&LogSink{Logger: logger}}
	if cfg.Enabled {
		if cfg.Telegram.Enabled {
			tg, err := NewTelegramSink(cfg.Telegram.BotToken, cfg.Telegram.ChatID)
			if err != nil {
				return nil, fmt.Errorf("telegram sink: %w", err)
			}
			sinks = append(sinks, tg)
		}
		if cfg.Discord.Enabled {
			sinks = append(sinks, NewDiscordSink(cfg.Discord.WebhookURL))
		}
	}

	return &Bus{
		cfg:    cfg,
		sinks:  sinks,
		logger: logger,
		ch:     make(chan Event, busBuffer),
	}, nil
}

// Attach adds a sink. Must be called before Start.
func (b *Bus) Attach(s Sink) {
	b.sinks = append(b.sinks, s)
}

// Start launches the delivery worker. It drains until Close is called.
func (b *Bus) Start() {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for ev := range b.ch {
			b.deliver(ev)
		}
	}()
}

// Close stops accepting events and waits for the queue to drain.
func (b *Bus) Close() {
	b.once.Do(func() { close(b.ch) })
	b.wg.Wait()
}

// Publish enqueues an event. Full buffer means the event is dropped; the
// trading path must never stall on a slow chat API.
func (b *Bus) Publish(ev Event) {
	if !b.wants(ev.Type) {
		return
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	select {
	case b.ch <- ev:
	default:
		b.logger.WithFields(logrus.Fields{
			"type":   ev.Type,
			"broker": ev.Broker,
		}).Warn("notification buffer full, event dropped")
	}
}

// wants applies the per-type switches (each defaults to on).
func (b *Bus) wants(t EventType) bool {
	enabled := func(p *bool) bool { return p == nil || *p }
	switch t {
	case EventOrderPlaced:
		return enabled(b.cfg.OnOrderPlaced)
	case EventOrderExpired:
		return enabled(b.cfg.OnOrderExpired)
	case EventError:
		return enabled(b.cfg.OnError)
	}
	return true
}

func (b *Bus) deliver(ev Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, s := range b.sinks {
		if err := s.Send(ctx, ev); err != nil {
			b.logger.WithError(err).WithField("type", ev.Type).Warn("notification delivery failed")
		}
	}
}

// LogSink writes events to the structured log.
type LogSink struct {
	Logger *logrus.Logger
}

// Send implements Sink.
func (l *LogSink) Send(_ context.Context, ev Event) error {
	entry := l.Logger.WithFields(logrus.Fields{
		"broker": ev.Broker,
		"symbol": ev.Symbol,
	})
	if ev.Type == EventError {
		entry.Warn(ev.Text())
	} else {
		entry.Info(ev.Text())
	}
	return nil
}
