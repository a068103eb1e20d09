// Package signal provides graceful shutdown handling for gantry commands.
//
// A daemon-level shutdown signal is propagated cooperatively: in-flight
// workers finish their current checkpointable unit of work and stop
// accepting new dispatch.
//
// Import rules:
//   - CAN import: std lib only
//   - MUST NOT import: internal packages (to avoid circular dependencies)
package signal

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
)

// Handler manages graceful shutdown by listening for interrupt signals.
// It wraps a context and cancels it when SIGINT or SIGTERM is received.
type Handler struct {
	ctx         context.Context //nolint:containedctx // intentional: handler manages context lifecycle
	cancel      context.CancelFunc
	interrupted chan struct{}
	done        chan struct{} // signals listen() to exit cleanly
	once        sync.Once
	stopOnce    sync.Once
	sigChan     chan os.Signal
}

// NewHandler creates a signal handler that listens for SIGINT and SIGTERM.
// When a signal is received, the handler cancels the context and closes
// the interrupted channel.
//
// Usage:
//
//	h := signal.NewHandler(ctx)
//	defer h.Stop()
//	ctx = h.Context()
func NewHandler(parent context.Context) *Handler {
	ctx, cancel := context.WithCancel(parent)
	h := &Handler{
		ctx:         ctx,
		cancel:      cancel,
		interrupted: make(chan struct{}),
		done:        make(chan struct{}),
		// Buffer of 1 ensures signal.Notify doesn't drop a signal if the
		// handler is busy.
		sigChan: make(chan os.Signal, 1),
	}

	signal.Notify(h.sigChan, syscall.SIGINT, syscall.SIGTERM)
	go h.listen()

	return h
}

// Context returns the cancellable context. Use it for all operations that
// should be interruptible.
func (h *Handler) Context() context.Context {
	return h.ctx
}

// Interrupted returns a channel that closes when an interrupt signal is
// received.
func (h *Handler) Interrupted() <-chan struct{} {
	return h.interrupted
}

// Stop cleans up the signal handler and stops listening for signals.
// Always call this when done to prevent resource leaks.
func (h *Handler) Stop() {
	h.stopOnce.Do(func() {
		signal.Stop(h.sigChan)
		close(h.done) // signal listen() to exit before sigChan goes quiet
		h.cancel()
	})
}

// handleSignal processes a received signal exactly once.
func (h *Handler) handleSignal() {
	h.once.Do(func() {
		h.cancel()
		close(h.interrupted)
	})
}

// listen waits for signals until Stop() is called or the context ends.
func (h *Handler) listen() {
	for {
		select {
		case <-h.ctx.Done():
			return
		case <-h.done:
			return
		case <-h.sigChan:
			h.handleSignal()
			// Keep draining so signal delivery never blocks; only the
			// first signal has effect due to sync.Once.
		}
	}
}
