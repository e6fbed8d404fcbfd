package pipeline

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"

	"github.com/madconcarl-des/archimedes/internal/aml"
	"go.uber.org/zap"
)

// ErrDispatcherClosed is returned by Submit after Close.
var ErrDispatcherClosed = errors.New("dispatcher closed")

// ScoreFunc scores one input record.
type ScoreFunc func(ctx context.Context, rec *aml.InputRecord) (*aml.RiskScore, error)

// Result is delivered to the submitter once a record has been scored.
type Result func(score *aml.RiskScore, err error)

type job struct {
	ctx  context.Context
	rec  *aml.InputRecord
	done Result
}

// Dispatcher fans records out to a fixed pool of workers. Records of the
// same source account always land on the same worker, so they are scored
// in arrival order.
type Dispatcher struct {
	score  ScoreFunc
	queues []chan job
	logger *zap.Logger

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

func NewDispatcher(cfg Config, score ScoreFunc, logger *zap.Logger) *Dispatcher {
	workers := cfg.Workers
	if workers < 1 {
		workers = 1
	}
	d := &Dispatcher{
		score:  score,
		queues: make([]chan job, workers),
		logger: logger,
	}
	for i := range d.queues {
		d.queues[i] = make(chan job, cfg.QueueSize)
		d.wg.Add(1)
		go d.worker(i)
	}
	return d
}

func (d *Dispatcher) worker(id int) {
	defer d.wg.Done()
	for j := range d.queues[id] {
		score, err := d.run(j)
		if j.done != nil {
			j.done(score, err)
		}
	}
}

func (d *Dispatcher) run(j job) (score *aml.RiskScore, err error) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("panic while scoring", zap.Any("panic", r), zap.String("transaction_id", j.rec.TransactionID))
			err = errors.New("scoring panicked")
		}
	}()
	return d.score(j.ctx, j.rec)
}

func (d *Dispatcher) shard(account string) int {
	h := fnv.New32a()
	h.Write([]byte(account))
	return int(h.Sum32() % uint32(len(d.queues)))
}

// Submit enqueues rec, blocking while the worker queue is full. Once queued,
// rec is scored even if ctx ends first.
func (d *Dispatcher) Submit(ctx context.Context, rec *aml.InputRecord, done Result) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrDispatcherClosed
	}
	select {
	case d.queues[d.shard(rec.FromAccountID)] <- job{ctx: ctx, rec: rec, done: done}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting records and waits for queued ones to finish.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	for _, q := range d.queues {
		close(q)
	}
	d.mu.Unlock()
	d.wg.Wait()
}

// Score submits rec and waits for its result, so synchronous callers are
// ordered with streamed records of the same account.
func (d *Dispatcher) Score(ctx context.Context, rec *aml.InputRecord) (*aml.RiskScore, error) {
	type result struct {
		score *aml.RiskScore
		err   error
	}
	ch := make(chan result, 1)
	if err := d.Submit(ctx, rec, func(score *aml.RiskScore, err error) {
		ch <- result{score, err}
	}); err != nil {
		return nil, err
	}
	select {
	case r := <-ch:
		return r.score, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
