package probe

import (
	"Go2Attribution/internal/config"
	"Go2Attribution/internal/model"
	"Go2Attribution/internal/wire"
	"Go2Attribution/pkg/logutil"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Handler processes one decoded message.
type Handler func(msg *wire.Message) error

// SinkHandler dispatches decoded messages to the ingestion surface of an engine.
func SinkHandler(sink model.Sink) Handler {
	return func(msg *wire.Message) error {
		switch msg.Kind {
		case wire.KindActivityBatch:
			return sink.IngestRecords(msg.Batch.Records)
		case wire.KindWakelockRelease:
			return sink.ReleaseWakelock(msg.Release.DurationMs)
		case wire.KindWakeup:
			return sink.NotifyWakeup()
		}
		return fmt.Errorf("%w: %s", wire.ErrUnknownMessage, msg.Kind)
	}
}

// Subscriber receives records and signals from NATS. Both subjects feed one
// channel drained by a single goroutine, so messages from one publisher are
// handled in publish order.
type Subscriber struct {
	nc       *nats.Conn
	subjects []string
	subs     []*nats.Subscription
	msgs     chan *nats.Msg
	wg       sync.WaitGroup
	logger   *zap.Logger

	slowConsumer atomic.Uint64
}

const subscriberBuffer = 4096

// NewSubscriber connects to NATS.
func NewSubscriber(cfg config.ProbeConfig) (*Subscriber, error) {
	s := &Subscriber{
		subjects: []string{cfg.RecordsSubject, cfg.SignalsSubject},
		msgs:     make(chan *nats.Msg, subscriberBuffer),
		logger:   logutil.GetLogger(),
	}
	nc, err := nats.Connect(cfg.NATSURL, nats.Name("attr-engine"), nats.ErrorHandler(s.asyncError))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	s.nc = nc
	s.logger.Info("connected to NATS server", zap.String("url", cfg.NATSURL))
	return s, nil
}

// asyncError reports errors the NATS client raises outside of any call. A
// slow consumer error means the message channel was full and the client
// dropped messages.
func (s *Subscriber) asyncError(_ *nats.Conn, sub *nats.Subscription, err error) {
	subject := ""
	if sub != nil {
		subject = sub.Subject
	}
	if errors.Is(err, nats.ErrSlowConsumer) {
		events := s.slowConsumer.Add(1)
		fields := []zap.Field{zap.String("subject", subject), zap.Uint64("events", events)}
		if sub != nil {
			if dropped, derr := sub.Dropped(); derr == nil {
				fields = append(fields, zap.Int("dropped", dropped))
			}
		}
		s.logger.Error("NATS slow consumer, messages dropped", fields...)
		return
	}
	s.logger.Error("NATS async error", zap.String("subject", subject), zap.Error(err))
}

// SlowConsumerEvents returns how many times the client reported dropped
// messages.
func (s *Subscriber) SlowConsumerEvents() uint64 {
	return s.slowConsumer.Load()
}

// Start subscribes to the records and signals subjects and hands every decoded
// message to handler.
func (s *Subscriber) Start(handler Handler) error {
	for _, subject := range s.subjects {
		sub, err := s.nc.ChanSubscribe(subject, s.msgs)
		if err != nil {
			s.unsubscribe()
			return fmt.Errorf("failed to subscribe to '%s': %w", subject, err)
		}
		s.subs = append(s.subs, sub)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for msg := range s.msgs {
			if err := Dispatch(handler, msg.Data); err != nil {
				s.logger.Warn("failed to handle message", zap.String("subject", msg.Subject), zap.Error(err))
			}
		}
	}()

	s.logger.Info("subscribed, waiting for messages", zap.Strings("subjects", s.subjects))
	return nil
}

// Dispatch decodes one payload and passes it to handler.
func Dispatch(handler Handler, data []byte) error {
	msg, err := wire.Unmarshal(data)
	if err != nil {
		return err
	}
	return handler(msg)
}

func (s *Subscriber) unsubscribe() {
	for _, sub := range s.subs {
		if err := sub.Unsubscribe(); err != nil {
			s.logger.Warn("failed to unsubscribe", zap.String("subject", sub.Subject), zap.Error(err))
		}
	}
	s.subs = nil
}

// Close unsubscribes, handles the messages already received and closes the
// NATS connection.
func (s *Subscriber) Close() {
	s.unsubscribe()
	if s.nc != nil {
		s.nc.Close()
	}
	close(s.msgs)
	s.wg.Wait()
	s.logger.Info("NATS subscriber closed")
}
