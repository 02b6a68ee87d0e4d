package manager

import (
	"Go2Attribution/internal/alerter"
	"Go2Attribution/internal/config"
	"Go2Attribution/internal/engine/attribution"
	_ "Go2Attribution/internal/export" // Registers snapshot writers
	"Go2Attribution/internal/factory"
	"Go2Attribution/internal/model"
	"Go2Attribution/internal/notification"
	"Go2Attribution/pkg/logutil"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const writeTimeout = 30 * time.Second

// Manager orchestrates the attribution engine, the periodic exporter and the
// writers and alerter every exported snapshot is handed to.
type Manager struct {
	engine  *Engine
	writers []model.Writer
	alerter *alerter.Alerter
	logger  *zap.Logger

	exportInterval time.Duration
	done           chan struct{}
	exporterWg     sync.WaitGroup
	abandonedWg    sync.WaitGroup
	stopOnce       sync.Once
}

// NewManager builds the engine, writers and alerter described by cfg.
func NewManager(cfg *config.Config) (*Manager, error) {
	logger := logutil.GetLogger()

	proc, err := attribution.NewProcessor(cfg.Engine.WakeupLogCapacity, attribution.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("failed to create processor: %w", err)
	}

	interval, err := cfg.Engine.ExportEvery()
	if err != nil {
		return nil, err
	}

	writers, err := factory.Create(cfg)
	if err != nil {
		return nil, err
	}

	var alertr *alerter.Alerter
	if cfg.Alerter.Enabled {
		var notifier model.Notifier
		if cfg.SMTP.Host != "" {
			notifier = notification.NewEmailNotifier(cfg.SMTP)
		} else {
			logger.Warn("alerter is enabled but no SMTP host is configured, alerts will only be logged")
		}
		alertr, err = alerter.NewAlerter(&cfg.Alerter, notifier)
		if err != nil {
			return nil, fmt.Errorf("failed to create alerter: %w", err)
		}
		logger.Info("alerter enabled", zap.Int("rules", len(cfg.Alerter.Rules)))
	}

	return New(NewEngine(proc, cfg.Engine.QueueSize), writers, alertr, interval), nil
}

// New assembles a Manager from already built parts. A zero interval disables
// periodic export.
func New(engine *Engine, writers []model.Writer, alertr *alerter.Alerter, exportInterval time.Duration) *Manager {
	return &Manager{
		engine:         engine,
		writers:        writers,
		alerter:        alertr,
		logger:         logutil.GetLogger(),
		exportInterval: exportInterval,
		done:           make(chan struct{}),
	}
}

// Start launches the engine and, when configured, the periodic exporter.
func (m *Manager) Start() {
	m.engine.Start()

	if m.exportInterval > 0 {
		m.exporterWg.Add(1)
		go m.runExporter()
		m.logger.Info("started periodic exporter",
			zap.Duration("interval", m.exportInterval), zap.Int("writers", len(m.writers)))
	}
	m.logger.Info("manager started")
}

// Sink returns the ingestion surface of the engine.
func (m *Manager) Sink() model.Sink {
	return m.engine
}

// Done is closed once the engine has stopped.
func (m *Manager) Done() <-chan struct{} {
	return m.engine.Done()
}

// runExporter exports on every tick and once more on shutdown.
func (m *Manager) runExporter() {
	defer m.exporterWg.Done()
	ticker := time.NewTicker(m.exportInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.exportOnSchedule()
		case <-m.done:
			m.exportOnSchedule()
			return
		}
	}
}

func (m *Manager) exportOnSchedule() {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if _, err := m.Dump(ctx); err != nil {
		m.logger.Error("scheduled export failed", zap.Error(err))
	}
}

// Dump exports a snapshot, hands it to every writer and the alerter, and
// returns it. Writer failures are logged and do not fail the dump, since the
// wakeup log has already been drained. If ctx ends before the dump runs, the
// snapshot is still delivered in the background once it is taken.
func (m *Manager) Dump(ctx context.Context) (*model.AttributionSnapshot, error) {
	m.abandonedWg.Add(1)
	snapshot, err := m.engine.ExportTo(ctx, func(s *model.AttributionSnapshot) {
		defer m.abandonedWg.Done()
		bg, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
		defer cancel()
		m.logger.Warn("delivering snapshot after caller gave up", zap.String("snapshot_id", s.ID))
		m.deliver(bg, s)
	})
	if err != nil {
		if errors.Is(err, ErrEngineStopped) {
			m.abandonedWg.Done()
		}
		return nil, err
	}
	m.abandonedWg.Done()

	m.deliver(ctx, snapshot)
	return snapshot, nil
}

func (m *Manager) deliver(ctx context.Context, snapshot *model.AttributionSnapshot) {
	if err := m.publish(ctx, snapshot); err != nil {
		m.logger.Error("failed to write snapshot", zap.String("snapshot_id", snapshot.ID), zap.Error(err))
	}
	if m.alerter != nil {
		m.alerter.Evaluate(ctx, snapshot)
	}
}

// publish writes the snapshot with all writers concurrently.
func (m *Manager) publish(ctx context.Context, snapshot *model.AttributionSnapshot) error {
	if len(m.writers) == 0 {
		return nil
	}

	errs := make([]error, len(m.writers))
	var wg sync.WaitGroup
	wg.Add(len(m.writers))
	for i, w := range m.writers {
		go func(i int, w model.Writer) {
			defer wg.Done()
			if err := w.Write(ctx, snapshot); err != nil {
				errs[i] = fmt.Errorf("%s writer: %w", w.Name(), err)
			}
		}(i, w)
	}
	wg.Wait()

	m.logger.Debug("snapshot written",
		zap.String("snapshot_id", snapshot.ID),
		zap.Int("rows", len(snapshot.Rows)),
		zap.Int("wakeups", snapshot.Wakeup.NumWakeup))
	return multierr.Combine(errs...)
}

// Stop takes a final export, drains the engine and closes the writers.
func (m *Manager) Stop() error {
	var err error
	m.stopOnce.Do(func() {
		m.logger.Info("manager stopping")

		// 1. Final export while the engine still accepts work.
		close(m.done)
		m.exporterWg.Wait()

		// 2. Run whatever is still queued, then finish abandoned deliveries.
		m.engine.Stop()
		m.abandonedWg.Wait()

		// 3. Release writer resources.
		for _, w := range m.writers {
			err = multierr.Append(err, w.Close())
		}
		m.logger.Info("manager stopped")
	})
	return err
}
