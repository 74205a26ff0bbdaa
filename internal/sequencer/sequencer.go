// dlb is an incremental build runtime.
// Copyright (C) 2026  dlb contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package sequencer implements dlb's cooperative, bounded-parallelism
// task scheduler. Redos are submitted keyed by (tool instance,
// fingerprint); two submissions sharing a key are coalesced onto the
// same running task instead of redoing the same work twice. A task's
// Proxy blocks callers that need its result before it's done ("force
// completion on access"), which is how a dependent redo waits on its
// dependency's redo without dlb needing a separate notification path.
package sequencer

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"dlb/internal/logging"
)

// TaskKey identifies a unit of work for coalescing purposes: the same
// tool instance redone with the same fingerprint is the same task.
type TaskKey struct {
	ToolInstanceID int64
	Fingerprint    [32]byte
}

// Task is the work a Proxy represents. TaskID is an opaque identifier
// generated per submission, useful for logging/tracing independent of
// coalescing.
type Task func(ctx context.Context, taskID uuid.UUID) (any, error)

// Proxy represents one (possibly shared) in-flight or completed task.
type Proxy struct {
	taskID uuid.UUID
	done   chan struct{}

	mu     sync.Mutex
	result any
	err    error
}

// TaskID returns the opaque ID assigned to the task this proxy
// represents (stable across coalesced submissions: whichever
// submission started the task first owns the ID).
func (p *Proxy) TaskID() uuid.UUID { return p.taskID }

// Done returns a channel closed once the task has finished.
func (p *Proxy) Done() <-chan struct{} { return p.done }

// Result blocks until the task finishes (forcing completion on
// access) or ctx is cancelled, then returns its outcome.
func (p *Proxy) Result(ctx context.Context) (any, error) {
	select {
	case <-p.done:
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.result, p.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Bool is a convenience accessor for tasks whose result is a bool,
// e.g. "did this redo actually run".
func (p *Proxy) Bool(ctx context.Context) (bool, error) {
	v, err := p.Result(ctx)
	if err != nil {
		return false, err
	}
	b, _ := v.(bool)
	return b, nil
}

func (p *Proxy) finish(result any, err error) {
	p.mu.Lock()
	p.result, p.err = result, err
	p.mu.Unlock()
	close(p.done)
}

// Sequencer bounds how many tasks run concurrently and coalesces
// submissions that share a TaskKey.
type Sequencer struct {
	logger *slog.Logger
	sem    chan struct{}

	mu       sync.Mutex
	inflight map[TaskKey]*Proxy
	wg       sync.WaitGroup

	cancelAll context.CancelFunc
	baseCtx   context.Context

	running      prometheus.Gauge
	pending      prometheus.Gauge
	pendingCount atomic.Int64
}

// Completed returns a Proxy that is already done, carrying result and
// err. Used for tool instances whose redo decision was "no redo
// needed": the caller still gets a uniform Proxy-shaped answer.
func Completed(result any, err error) *Proxy {
	p := &Proxy{taskID: uuid.New(), done: make(chan struct{})}
	p.finish(result, err)
	return p
}

// New builds a Sequencer that runs at most parallelism tasks
// concurrently. A parallelism of 0 means unbounded.
func New(parallelism int, logger *slog.Logger, reg prometheus.Registerer) *Sequencer {
	if logger == nil {
		logger = logging.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Sequencer{
		logger:    logger,
		inflight:  map[TaskKey]*Proxy{},
		cancelAll: cancel,
		baseCtx:   ctx,
		running: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dlb_sequencer_running",
			Help: "Number of redo tasks currently executing.",
		}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dlb_sequencer_pending",
			Help: "Number of redo tasks submitted but not yet executing.",
		}),
	}
	if parallelism > 0 {
		s.sem = make(chan struct{}, parallelism)
	}
	if reg != nil {
		reg.MustRegister(s.running, s.pending)
	}
	return s
}

// Submit starts task under key, or returns the already-running proxy
// for key if one exists. The returned bool reports whether this call
// coalesced onto an existing task rather than starting a new one.
func (s *Sequencer) Submit(key TaskKey, task Task) (*Proxy, bool) {
	s.mu.Lock()
	if existing, ok := s.inflight[key]; ok {
		select {
		case <-existing.done:
			// Finished: start fresh work under key below.
		default:
			s.mu.Unlock()
			return existing, true
		}
	}
	p := &Proxy{taskID: uuid.New(), done: make(chan struct{})}
	s.inflight[key] = p
	s.mu.Unlock()

	s.pending.Inc()
	s.pendingCount.Add(1)
	s.wg.Add(1)
	go s.run(key, p, task)
	return p, false
}

func (s *Sequencer) run(key TaskKey, p *Proxy, task Task) {
	defer s.wg.Done()
	if s.sem != nil {
		select {
		case s.sem <- struct{}{}:
		case <-s.baseCtx.Done():
			s.pending.Dec()
			s.pendingCount.Add(-1)
			p.finish(nil, s.baseCtx.Err())
			return
		}
		defer func() { <-s.sem }()
	}
	s.pending.Dec()
	s.pendingCount.Add(-1)
	s.running.Inc()
	result, err := func() (result any, err error) {
		defer func() {
			if r := recover(); r != nil {
				err = &PanicError{Recovered: r}
			}
		}()
		return task(s.baseCtx, p.taskID)
	}()
	s.running.Dec()
	p.finish(result, err)
}

// PanicError reports a redo task that panicked instead of returning
// an error.
type PanicError struct {
	Recovered any
}

func (e *PanicError) Error() string { return "sequencer: task panicked" }

// Complete blocks until the task identified by key finishes (starting
// it first via task if it is not already in flight), then forgets it
// so a later identical key starts fresh work.
func (s *Sequencer) Complete(ctx context.Context, key TaskKey, task Task) (any, error) {
	p, _ := s.Submit(key, task)
	result, err := p.Result(ctx)
	s.mu.Lock()
	if s.inflight[key] == p {
		delete(s.inflight, key)
	}
	s.mu.Unlock()
	return result, err
}

// CompleteAll blocks until every currently in-flight task has
// finished.
func (s *Sequencer) CompleteAll() {
	s.wg.Wait()
}

// CancelAll cancels the context passed to every running and future
// task, then waits for all in-flight tasks to return.
func (s *Sequencer) CancelAll() {
	s.cancelAll()
	s.wg.Wait()
}

// Consume returns and forgets the proxies for every currently
// finished task. Use this between scheduling rounds once a task's
// result has been recorded.
func (s *Sequencer) Consume() map[TaskKey]*Proxy {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[TaskKey]*Proxy{}
	for k, p := range s.inflight {
		select {
		case <-p.done:
			out[k] = p
			delete(s.inflight, k)
		default:
		}
	}
	return out
}

// Pending reports the number of tasks submitted but not yet scheduled
// onto a worker slot.
func (s *Sequencer) Pending() int {
	return int(s.pendingCount.Load())
}
