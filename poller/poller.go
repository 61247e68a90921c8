package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"git.skobk.in/skobkin/telegram-plaza-bridge/telegram"
)

const DefaultTimeout = 10 * time.Second

var (
	ErrFetch   = errors.New("cannot fetch updates")
	ErrHandler = errors.New("update handler failed")
)

// Policy decides what a handler failure does to the loop.
type Policy int

const (
	// FailFast stops the loop on the first handler failure without
	// advancing past the failed update.
	FailFast Policy = iota
	// Isolate logs the failure, advances past the update and keeps polling.
	Isolate
)

func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "", "fail-fast":
		return FailFast, nil
	case "isolate":
		return Isolate, nil
	default:
		return FailFast, fmt.Errorf("unknown handler failure policy %q", s)
	}
}

func (p Policy) String() string {
	if p == Isolate {
		return "isolate"
	}
	return "fail-fast"
}

type Fetcher interface {
	FetchUpdates(ctx context.Context, offset int64, timeout time.Duration) ([]telegram.Update, error)
}

type Handler interface {
	HandleUpdate(ctx context.Context, update telegram.Update) error
}

type Options struct {
	Timeout time.Duration
	Policy  Policy
	Logger  *slog.Logger
}

// Poller delivers updates to the handler one at a time in ascending id
// order. The offset only moves past an update once its handler returned.
type Poller struct {
	fetcher Fetcher
	handler Handler
	timeout time.Duration
	policy  Policy
	logger  *slog.Logger

	offset  atomic.Int64
	stopped atomic.Bool
}

func New(fetcher Fetcher, handler Handler, opts Options) *Poller {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	return &Poller{
		fetcher: fetcher,
		handler: handler,
		timeout: opts.Timeout,
		policy:  opts.Policy,
		logger:  opts.Logger,
	}
}

// Offset is the id of the next update the poller will ask for.
func (p *Poller) Offset() int64 {
	return p.offset.Load()
}

// Stop asks the loop to exit before its next fetch. A batch already being
// dispatched is finished first.
func (p *Poller) Stop() {
	p.stopped.Store(true)
}

// Run polls until Stop is called or ctx is cancelled, both of which return
// nil. Any other return is fatal: the caller decides whether to restart.
func (p *Poller) Run(ctx context.Context) error {
	p.logger.Info("poller: Starting", "offset", p.Offset(), "timeout", p.timeout, "policy", p.policy.String())

	for !p.stopped.Load() {
		updates, err := p.fetcher.FetchUpdates(ctx, p.Offset(), p.timeout)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			p.logger.Error("poller: Failed to fetch updates", "error", err, "offset", p.Offset())
			return fmt.Errorf("%w: %w", ErrFetch, err)
		}

		for _, update := range updates {
			if err := p.dispatch(ctx, update); err != nil {
				if ctx.Err() != nil {
					p.logger.Info("poller: Stopped mid-batch", "offset", p.Offset(), "update_id", update.ID)
					return nil
				}
				if p.policy == FailFast {
					p.logger.Error("poller: Handler failed, stopping", "error", err, "update_id", update.ID)
					return fmt.Errorf("%w: update %d: %w", ErrHandler, update.ID, err)
				}
				p.logger.Error("poller: Handler failed, skipping update", "error", err, "update_id", update.ID)
			}

			if update.ID >= p.Offset() {
				p.offset.Store(update.ID + 1)
			}
		}

		if ctx.Err() != nil {
			break
		}
	}

	p.logger.Info("poller: Stopped", "offset", p.Offset())
	return nil
}

func (p *Poller) dispatch(ctx context.Context, update telegram.Update) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	p.logger.Debug("poller: Dispatching update", "update_id", update.ID)

	return p.handler.HandleUpdate(ctx, update)
}
