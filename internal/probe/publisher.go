package probe

import (
	"Go2Attribution/internal/config"
	"Go2Attribution/internal/model"
	"Go2Attribution/internal/wire"
	"Go2Attribution/pkg/logutil"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

type publishFunc func(subject string, data []byte) error

// Publisher batches classified activity records and publishes them, together
// with wakeup and wakelock signals, to NATS.
type Publisher struct {
	nc      *nats.Conn
	publish publishFunc
	logger  *zap.Logger

	recordsSubject string
	signalsSubject string
	batchSize      int

	mu      sync.Mutex
	pending []model.ActivityRecord

	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewPublisher connects to NATS and starts the interval flusher.
func NewPublisher(cfg config.ProbeConfig) (*Publisher, error) {
	nc, err := nats.Connect(cfg.NATSURL, nats.Name("attr-probe"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	logutil.GetLogger().Info("connected to NATS server", zap.String("url", cfg.NATSURL))

	p, err := newPublisher(cfg, nc.Publish)
	if err != nil {
		nc.Close()
		return nil, err
	}
	p.nc = nc
	return p, nil
}

func newPublisher(cfg config.ProbeConfig, publish publishFunc) (*Publisher, error) {
	flushEvery, err := cfg.FlushEvery()
	if err != nil {
		return nil, err
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 1
	}

	p := &Publisher{
		publish:        publish,
		logger:         logutil.GetLogger(),
		recordsSubject: cfg.RecordsSubject,
		signalsSubject: cfg.SignalsSubject,
		batchSize:      batchSize,
		pending:        make([]model.ActivityRecord, 0, batchSize),
		done:           make(chan struct{}),
	}
	if flushEvery > 0 {
		p.wg.Add(1)
		go p.runFlusher(flushEvery)
	}
	return p, nil
}

func (p *Publisher) runFlusher(every time.Duration) {
	defer p.wg.Done()
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := p.Flush(); err != nil {
				p.logger.Error("interval flush failed", zap.Error(err))
			}
		case <-p.done:
			return
		}
	}
}

// Add queues a record and publishes the batch once it is full.
func (p *Publisher) Add(rec model.ActivityRecord) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.pending = append(p.pending, rec)
	if len(p.pending) < p.batchSize {
		return nil
	}
	return p.flushLocked()
}

// Flush publishes the queued records, if any.
func (p *Publisher) Flush() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.flushLocked()
}

func (p *Publisher) flushLocked() error {
	if len(p.pending) == 0 {
		return nil
	}
	data, err := wire.MarshalActivityBatch(&wire.ActivityBatch{
		Records:    p.pending,
		CapturedAt: time.Now(),
	})
	p.pending = make([]model.ActivityRecord, 0, p.batchSize)
	if err != nil {
		return err
	}
	return p.publish(p.recordsSubject, data)
}

// PublishWakeup flushes queued records and then publishes a wakeup signal, so
// the engine sees the records captured before the wakeup first.
func (p *Publisher) PublishWakeup(at time.Time) error {
	data, err := wire.MarshalWakeup(&wire.Wakeup{At: at})
	if err != nil {
		return err
	}
	return p.signal(data)
}

// PublishWakelockRelease flushes queued records and then publishes a release.
func (p *Publisher) PublishWakelockRelease(durationMs uint32) error {
	data, err := wire.MarshalWakelockRelease(&wire.WakelockRelease{DurationMs: durationMs})
	if err != nil {
		return err
	}
	return p.signal(data)
}

func (p *Publisher) signal(data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.flushLocked(); err != nil {
		return err
	}
	return p.publish(p.signalsSubject, data)
}

// Close stops the flusher, publishes the remaining records and drains the
// NATS connection.
func (p *Publisher) Close() {
	p.closeOnce.Do(func() {
		close(p.done)
		p.wg.Wait()
		if err := p.Flush(); err != nil {
			p.logger.Error("final flush failed", zap.Error(err))
		}
		if p.nc != nil {
			if err := p.nc.Drain(); err != nil {
				p.logger.Warn("failed to drain NATS connection", zap.Error(err))
			}
			p.logger.Info("NATS connection drained and closed")
		}
	})
}
