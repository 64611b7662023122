// Package dispatch serializes outbound provider calls through a single
// FIFO queue with a minimum spacing between call starts.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/skillforge/coachline/internal/adapter/observability"
	"github.com/skillforge/coachline/internal/domain"
)

// ErrDraining is returned for work submitted after Shutdown began.
var ErrDraining = errors.New("dispatcher is draining")

// Call is one unit of provider work. It must respect ctx cancellation.
type Call func(ctx context.Context) (string, error)

type job struct {
	ctx     context.Context
	timeout time.Duration
	call    Call
	done    chan result
}

type result struct {
	text string
	err  error
}

// Dispatcher runs calls strictly in submission order. At most one call is
// in flight, and consecutive call starts are at least minInterval apart.
type Dispatcher struct {
	minInterval time.Duration
	callTimeout time.Duration
	log         *slog.Logger

	mu       sync.Mutex
	queue    chan *job
	draining bool
	wg       sync.WaitGroup

	lastStart time.Time
	sleep     func(ctx context.Context, d time.Duration) error
}

// New constructs and starts a Dispatcher.
func New(minInterval, callTimeout time.Duration, log *slog.Logger) *Dispatcher {
	d := &Dispatcher{
		minInterval: minInterval,
		callTimeout: callTimeout,
		log:         log,
		queue:       make(chan *job, 64),
		sleep:       sleepCtx,
	}
	d.wg.Add(1)
	go d.run()
	return d
}

func sleepCtx(ctx context.Context, dur time.Duration) error {
	t := time.NewTimer(dur)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Do submits a call and blocks until it completes, the per-call timeout
// fires, or ctx is cancelled. A zero timeout uses the configured default.
func (d *Dispatcher) Do(ctx context.Context, timeout time.Duration, call Call) (string, error) {
	if timeout <= 0 {
		timeout = d.callTimeout
	}
	j := &job{ctx: ctx, timeout: timeout, call: call, done: make(chan result, 1)}

	d.mu.Lock()
	if d.draining {
		d.mu.Unlock()
		return "", ErrDraining
	}
	select {
	case d.queue <- j:
		observability.DispatcherQueueDepth.Inc()
		d.mu.Unlock()
	default:
		d.mu.Unlock()
		return "", fmt.Errorf("dispatcher queue full: %w", domain.ErrTimedOut)
	}

	select {
	case res := <-j.done:
		return res.text, res.err
	case <-ctx.Done():
		// The worker still runs the job to keep ordering intact; the
		// caller just stops waiting.
		return "", ctx.Err()
	}
}

func (d *Dispatcher) run() {
	defer d.wg.Done()
	for j := range d.queue {
		observability.DispatcherQueueDepth.Dec()
		d.execute(j)
	}
}

func (d *Dispatcher) execute(j *job) {
	if err := j.ctx.Err(); err != nil {
		j.done <- result{err: err}
		return
	}
	if wait := d.minInterval - time.Since(d.lastStart); wait > 0 && !d.lastStart.IsZero() {
		if err := d.sleep(j.ctx, wait); err != nil {
			j.done <- result{err: err}
			return
		}
	}
	d.lastStart = time.Now()

	ctx, cancel := context.WithTimeout(j.ctx, j.timeout)
	text, err := j.call(ctx)
	cancel()
	if err != nil && errors.Is(err, context.DeadlineExceeded) {
		err = fmt.Errorf("provider call after %s: %w", j.timeout, domain.ErrTimedOut)
	}
	j.done <- result{text: text, err: err}
}

// Shutdown stops accepting new work, lets queued calls finish, and waits
// for the worker up to the context deadline.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	if d.draining {
		d.mu.Unlock()
		return nil
	}
	d.draining = true
	close(d.queue)
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		d.log.Info("dispatcher drained")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
