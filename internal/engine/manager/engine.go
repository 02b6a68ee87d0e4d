package manager

import (
	"Go2Attribution/internal/engine/attribution"
	"Go2Attribution/internal/model"
	"context"
	"errors"
	"sync"
)

// ErrEngineStopped is returned for operations submitted after Stop.
var ErrEngineStopped = errors.New("attribution engine stopped")

type operation func(p *attribution.Processor)

// Engine runs a Processor on a single goroutine. Operations are executed one
// at a time in the order they were submitted.
type Engine struct {
	proc *attribution.Processor
	ops  chan operation

	mu      sync.RWMutex // guards started and stopped against in-flight submissions
	started bool
	stopped bool
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewEngine wraps proc. queueSize bounds the number of operations waiting to
// run; submitters block while the queue is full.
func NewEngine(proc *attribution.Processor, queueSize int) *Engine {
	if queueSize < 0 {
		queueSize = 0
	}
	return &Engine{
		proc: proc,
		ops:  make(chan operation, queueSize),
		done: make(chan struct{}),
	}
}

// Start launches the executor goroutine.
func (e *Engine) Start() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started || e.stopped {
		return
	}
	e.started = true
	e.wg.Add(1)
	go e.run()
}

// Stop rejects further submissions, runs whatever is already queued and
// waits for the executor to exit. Operations queued on an engine that was
// never started run on the calling goroutine.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.stopped {
		e.stopped = true
		close(e.done)
	}
	started := e.started
	e.mu.Unlock()
	if !started {
		e.drain()
		return
	}
	e.wg.Wait()
}

func (e *Engine) drain() {
	for {
		select {
		case op := <-e.ops:
			op(e.proc)
		default:
			return
		}
	}
}

func (e *Engine) run() {
	defer e.wg.Done()
	for {
		select {
		case op := <-e.ops:
			op(e.proc)
		case <-e.done:
			e.drain()
			return
		}
	}
}

func (e *Engine) submit(op operation) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.stopped {
		return ErrEngineStopped
	}
	e.ops <- op
	return nil
}

// IngestRecords queues a batch of activity records.
func (e *Engine) IngestRecords(records []model.ActivityRecord) error {
	return e.submit(func(p *attribution.Processor) { p.OnActivityRecords(records) })
}

// ReleaseWakelock queues a wakelock release.
func (e *Engine) ReleaseWakelock(durationMs uint32) error {
	return e.submit(func(p *attribution.Processor) { p.OnWakelockReleased(durationMs) })
}

// NotifyWakeup queues a wakeup notification.
func (e *Engine) NotifyWakeup() error {
	return e.submit(func(p *attribution.Processor) { p.OnWakeup() })
}

// Export queues a dump and waits for it. If ctx ends first the dump still
// runs and its drained wakeup entries are lost; use ExportTo to keep them.
func (e *Engine) Export(ctx context.Context) (*model.AttributionSnapshot, error) {
	return e.ExportTo(ctx, nil)
}

// ExportTo queues a dump and waits for it. The result is handed over through
// a single-use channel so the executor never waits on the caller. If ctx ends
// first, abandoned receives the snapshot once the dump has run.
func (e *Engine) ExportTo(ctx context.Context, abandoned func(*model.AttributionSnapshot)) (*model.AttributionSnapshot, error) {
	result := make(chan *model.AttributionSnapshot, 1)
	if err := e.submit(func(p *attribution.Processor) { result <- p.Dump() }); err != nil {
		return nil, err
	}

	select {
	case snapshot := <-result:
		return snapshot, nil
	case <-ctx.Done():
		if abandoned != nil {
			go func() { abandoned(<-result) }()
		}
		return nil, ctx.Err()
	}
}

// Done is closed once Stop has been called.
func (e *Engine) Done() <-chan struct{} {
	return e.done
}
