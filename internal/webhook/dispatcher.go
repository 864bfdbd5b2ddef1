package webhook

import (
	"context"
	"log/slog"
	"runtime/debug"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
)

// Deliverer runs a delivery sequence for one request.
type Deliverer interface {
	Deliver(ctx context.Context, requestID uuid.UUID) error
}

// Dispatcher launches delivery sequences in the background, at most one per
// request at a time. Concurrent dispatches of the same request coalesce into
// the single in-flight sequence; a dispatch after the sequence finished is a
// no-op inside the engine because the request has left responded.
type Dispatcher struct {
	engine Deliverer
	logger *slog.Logger

	group  singleflight.Group
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// NewDispatcher creates a dispatcher around an engine.
func NewDispatcher(engine Deliverer, logger *slog.Logger) *Dispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		engine: engine,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Dispatch starts delivery for a request and returns immediately. The caller
// never observes delivery errors here; the audit trail and request state
// carry the outcome. Dispatch after Close is dropped.
func (d *Dispatcher) Dispatch(requestID uuid.UUID) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		d.logger.Warn("webhook: dispatch after close dropped", "request_id", requestID)
		return
	}
	d.wg.Add(1)
	d.mu.Unlock()

	go func() {
		defer d.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				d.logger.Error("webhook: delivery panic",
					"request_id", requestID, "panic", r, "stack", string(debug.Stack()))
			}
		}()

		// singleflight keyed by request id: a duplicate dispatch while a
		// sequence is running shares its result instead of racing it.
		_, err, _ := d.group.Do(requestID.String(), func() (any, error) {
			return nil, d.engine.Deliver(d.ctx, requestID)
		})
		if err != nil {
			d.logger.Warn("webhook: delivery sequence ended with error",
				"request_id", requestID, "error", err)
		}
	}()
}

// Close stops accepting dispatches and waits for in-flight sequences to
// drain. If ctx expires first, running sequences are cancelled; their
// requests stay in responded for redelivery after restart.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		<-done
		return ctx.Err()
	}
}
