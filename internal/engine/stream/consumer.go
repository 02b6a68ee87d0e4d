package stream

import (
	"Go2Attribution/internal/config"
	"Go2Attribution/internal/model"
	"Go2Attribution/internal/probe"
	"Go2Attribution/internal/wire"
	"Go2Attribution/pkg/logutil"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"
)

// Source delivers decoded messages to a handler until it is closed.
type Source interface {
	Start(handler probe.Handler) error
	Close()
}

// Consumer feeds records and signals received from probes into an engine.
type Consumer struct {
	source   Source
	sink     model.Sink
	logger   *zap.Logger
	received atomic.Uint64
	failed   atomic.Uint64
}

// NewConsumer subscribes to the probe subjects of cfg on behalf of sink.
func NewConsumer(cfg config.ProbeConfig, sink model.Sink) (*Consumer, error) {
	sub, err := probe.NewSubscriber(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create subscriber: %w", err)
	}
	return NewConsumerWithSource(sub, sink), nil
}

// NewConsumerWithSource builds a Consumer over an arbitrary message source.
func NewConsumerWithSource(source Source, sink model.Sink) *Consumer {
	return &Consumer{source: source, sink: sink, logger: logutil.GetLogger()}
}

// Start begins consuming messages.
func (c *Consumer) Start() error {
	if err := c.source.Start(c.handle); err != nil {
		return err
	}
	c.logger.Info("stream consumer started")
	return nil
}

// Stop closes the source after handling the messages already received.
func (c *Consumer) Stop() {
	c.source.Close()
	c.logger.Info("stream consumer stopped",
		zap.Uint64("received", c.received.Load()), zap.Uint64("failed", c.failed.Load()))
}

// Stats returns the number of handled and failed messages.
func (c *Consumer) Stats() (received, failed uint64) {
	return c.received.Load(), c.failed.Load()
}

func (c *Consumer) handle(msg *wire.Message) error {
	c.received.Add(1)
	if err := probe.SinkHandler(c.sink)(msg); err != nil {
		c.failed.Add(1)
		return err
	}
	return nil
}
