package sim

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

const stopFilePollInterval = 500 * time.Millisecond

// StopPlane unifies SIGINT/SIGTERM, the duration timeout, and the external
// stop file into one cancellation contract. Subsystems observe only the
// derived context; the file sentinel is just another input that trips it.
type StopPlane struct {
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	reason string

	sigCh  chan os.Signal
	doneCh chan struct{}
	once   sync.Once
}

// NewStopPlane derives a cancellable context from parent and starts the
// watchers. duration <= 0 disables the timeout; stopFile == "" disables the
// file sentinel.
func NewStopPlane(parent context.Context, duration time.Duration, stopFile string) *StopPlane {
	ctx, cancel := context.WithCancel(parent)
	p := &StopPlane{
		ctx:    ctx,
		cancel: cancel,
		sigCh:  make(chan os.Signal, 1),
		doneCh: make(chan struct{}),
	}

	signal.Notify(p.sigCh, syscall.SIGINT, syscall.SIGTERM)
	go p.watch(duration, stopFile)

	return p
}

// Context returns the unified cancellation context.
func (p *StopPlane) Context() context.Context {
	return p.ctx
}

// Trip cancels the context, recording the first reason given.
func (p *StopPlane) Trip(reason string) {
	p.mu.Lock()
	if p.reason == "" {
		p.reason = reason
	}
	p.mu.Unlock()
	p.cancel()
}

// Reason returns why the run was stopped, or "" if it has not been.
func (p *StopPlane) Reason() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reason
}

// Close releases the signal handler and stops the watcher goroutine.
func (p *StopPlane) Close() {
	p.once.Do(func() {
		signal.Stop(p.sigCh)
		close(p.doneCh)
		p.cancel()
	})
}

func (p *StopPlane) watch(duration time.Duration, stopFile string) {
	var timeout <-chan time.Time
	if duration > 0 {
		timer := time.NewTimer(duration)
		defer timer.Stop()
		timeout = timer.C
	}

	var poll <-chan time.Time
	if stopFile != "" {
		ticker := time.NewTicker(stopFilePollInterval)
		defer ticker.Stop()
		poll = ticker.C
	}

	for {
		select {
		case sig := <-p.sigCh:
			slog.Info("signal received, stopping simulation", "signal", sig.String())
			p.Trip("signal:" + sig.String())
			return
		case <-timeout:
			slog.Info("duration reached, stopping simulation")
			p.Trip("duration")
			return
		case <-poll:
			if _, err := os.Stat(stopFile); err == nil {
				slog.Info("stop file detected, stopping simulation", "path", stopFile)
				p.Trip("stop-file")
				return
			}
		case <-p.ctx.Done():
			return
		case <-p.doneCh:
			return
		}
	}
}

// ClearStopFile removes a leftover stop file so a previous run's sentinel
// does not cancel this one immediately.
func ClearStopFile(path string) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		slog.Warn("could not remove stop file", "path", path, "error", err)
	}
}
