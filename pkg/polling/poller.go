// Package polling implements an adaptive-interval polling loop for callers
// that need to observe pipeline completion without hammering the backend.
package polling

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrTimeout is surfaced when MaxDuration elapses before polling finishes.
var ErrTimeout = errors.New("polling timed out")

// Config tunes the adaptive polling loop.
type Config struct {
	// InitialInterval is the delay before the second poll. Default 1s.
	InitialInterval time.Duration
	// MaxInterval caps interval growth. Default 30s.
	MaxInterval time.Duration
	// BackoffMultiplier grows the interval after a failed poll. Default 2.
	BackoffMultiplier float64
	// MaxDuration hard-stops the loop with ErrTimeout. Default 5m.
	MaxDuration time.Duration
	// ResetOnSuccess snaps the interval back to InitialInterval after a
	// successful poll, for optimistic fast re-checks.
	ResetOnSuccess bool
}

func (c Config) normalized() Config {
	if c.InitialInterval <= 0 {
		c.InitialInterval = time.Second
	}
	if c.MaxInterval < c.InitialInterval {
		c.MaxInterval = 30 * time.Second
		if c.MaxInterval < c.InitialInterval {
			c.MaxInterval = c.InitialInterval
		}
	}
	if c.BackoffMultiplier < 1 {
		c.BackoffMultiplier = 2
	}
	if c.MaxDuration <= 0 {
		c.MaxDuration = 5 * time.Minute
	}
	return c
}

// PollFunc fetches one observation.
type PollFunc[T any] func(ctx context.Context) (T, error)

// Poller drives a PollFunc until the shouldContinue predicate says stop, the
// caller cancels, or MaxDuration elapses. A single loop goroutine owns the
// timer, so at most one scheduled poll exists at a time.
type Poller[T any] struct {
	cfg            Config
	poll           PollFunc[T]
	shouldContinue func(T) bool

	mu      sync.Mutex
	polling bool
	cancel  context.CancelFunc
	done    chan struct{}
	result  T
	err     error
}

// New builds a poller. shouldContinue receives each successful result and
// returns false to finish polling.
func New[T any](cfg Config, poll PollFunc[T], shouldContinue func(T) bool) *Poller[T] {
	return &Poller[T]{
		cfg:            cfg.normalized(),
		poll:           poll,
		shouldContinue: shouldContinue,
	}
}

// Start launches the polling loop. It fails when a loop is already running.
func (p *Poller[T]) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.polling {
		return errors.New("poller already running")
	}

	loopCtx, cancel := context.WithCancel(ctx)
	p.polling = true
	p.cancel = cancel
	p.done = make(chan struct{})
	p.err = nil

	go p.run(loopCtx)
	return nil
}

func (p *Poller[T]) run(ctx context.Context) {
	defer func() {
		p.mu.Lock()
		p.polling = false
		p.mu.Unlock()
		close(p.done)
	}()

	deadline := time.Now().Add(p.cfg.MaxDuration)
	interval := p.cfg.InitialInterval
	var lastPollErr error

	for {
		result, err := p.poll(ctx)
		p.mu.Lock()
		if err != nil {
			p.err = err
			lastPollErr = err
		} else {
			p.result = result
			p.err = nil
			lastPollErr = nil
		}
		p.mu.Unlock()

		if err == nil {
			if !p.shouldContinue(result) {
				return
			}
			if p.cfg.ResetOnSuccess {
				interval = p.cfg.InitialInterval
			}
		} else {
			interval = time.Duration(float64(interval) * p.cfg.BackoffMultiplier)
			if interval > p.cfg.MaxInterval {
				interval = p.cfg.MaxInterval
			}
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			p.finishTimeout(lastPollErr)
			return
		}
		wait := interval
		if wait > remaining {
			wait = remaining
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			p.mu.Lock()
			if p.err == nil {
				p.err = ctx.Err()
			}
			p.mu.Unlock()
			return
		case <-timer.C:
		}

		if time.Now().After(deadline) {
			p.finishTimeout(lastPollErr)
			return
		}
	}
}

func (p *Poller[T]) finishTimeout(lastPollErr error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if lastPollErr != nil {
		p.err = fmt.Errorf("%w: last error: %w", ErrTimeout, lastPollErr)
		return
	}
	p.err = ErrTimeout
}

// Stop cancels the loop, including any pending timer, and waits for it to
// exit. Safe to call when not polling.
func (p *Poller[T]) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	done := p.done
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

// Reset stops any running loop and clears the recorded result and error.
func (p *Poller[T]) Reset() {
	p.Stop()
	p.mu.Lock()
	defer p.mu.Unlock()
	var zero T
	p.result = zero
	p.err = nil
}

// Result returns the most recent successful poll result.
func (p *Poller[T]) Result() T {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.result
}

// Err returns the terminal error, or the most recent poll error while running.
func (p *Poller[T]) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// IsPolling reports whether the loop is currently running.
func (p *Poller[T]) IsPolling() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.polling
}

// Wait blocks until the current loop exits and returns the terminal error.
func (p *Poller[T]) Wait() error {
	p.mu.Lock()
	done := p.done
	p.mu.Unlock()
	if done != nil {
		<-done
	}
	return p.Err()
}
