package materializer

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/p2panda/node/internal/bamboo"
	"github.com/p2panda/node/internal/publish"
	"github.com/p2panda/node/internal/store"
)

const (
	defaultWorkers      = 4
	defaultPollInterval = 2 * time.Second
	defaultMaxAttempts  = 5
	defaultBatchSize    = 100
)

var errMissingQueue = errors.New("materializer: task queue required")

// TaskQueue is the durable queue of entries awaiting projection.
type TaskQueue interface {
	PendingTasks(ctx context.Context, limit int) ([]store.MaterializationTask, error)
	CompleteTask(ctx context.Context, entryHash string) error
	RetryTask(ctx context.Context, entryHash string, cause error, delay time.Duration) (int, error)
	EntryByHash(ctx context.Context, hash bamboo.Hash) (store.StoredEntry, bool, error)
}

// WorkerConfig describes the dependencies of a Worker.
type WorkerConfig struct {
	Queue        TaskQueue
	Materializer *Materializer
	Workers      int
	PollInterval time.Duration
	MaxAttempts  int
	BatchSize    int
	Logger       *zap.Logger
}

// Worker drains the task queue into the materializer. Tasks of one log are
// applied in order by a single goroutine; distinct logs run in parallel. A
// deferred task waits attempts times the poll interval before it is due again.
type Worker struct {
	queue        TaskQueue
	materializer *Materializer
	workers      int
	pollInterval time.Duration
	maxAttempts  int
	batchSize    int
	logger       *zap.Logger
	wake         chan struct{}
}

var _ publish.Listener = (*Worker)(nil)

// NewWorker validates the configuration and returns a Worker.
func NewWorker(cfg WorkerConfig) (*Worker, error) {
	if cfg.Queue == nil {
		return nil, errMissingQueue
	}
	if cfg.Materializer == nil {
		return nil, errors.New("materializer: materializer required")
	}
	worker := &Worker{
		queue:        cfg.Queue,
		materializer: cfg.Materializer,
		workers:      cfg.Workers,
		pollInterval: cfg.PollInterval,
		maxAttempts:  cfg.MaxAttempts,
		batchSize:    cfg.BatchSize,
		logger:       cfg.Logger,
		wake:         make(chan struct{}, 1),
	}
	if worker.workers <= 0 {
		worker.workers = defaultWorkers
	}
	if worker.pollInterval <= 0 {
		worker.pollInterval = defaultPollInterval
	}
	if worker.maxAttempts <= 0 {
		worker.maxAttempts = defaultMaxAttempts
	}
	if worker.batchSize <= 0 {
		worker.batchSize = defaultBatchSize
	}
	if worker.logger == nil {
		worker.logger = zap.NewNop()
	}
	return worker, nil
}

// EntryPublished wakes the worker without blocking the publisher.
func (w *Worker) EntryPublished(publish.Published) {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Run drains the queue until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()
	for {
		settled, err := w.RunOnce(ctx)
		if err != nil && ctx.Err() == nil {
			w.logger.Error("materialization batch failed", zap.Error(err))
		}
		if settled == w.batchSize && err == nil {
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case <-w.wake:
		case <-ticker.C:
		}
	}
}

// RunOnce processes one batch of due tasks and returns how many of them were
// settled, either applied or recorded as failures. Deferred tasks are not
// counted.
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	tasks, err := w.queue.PendingTasks(ctx, w.batchSize)
	if err != nil {
		return 0, err
	}
	if len(tasks) == 0 {
		return 0, nil
	}

	shards := make(map[string][]store.MaterializationTask)
	var order []string
	for _, task := range tasks {
		key := fmt.Sprintf("%s/%d", task.Author, task.LogID)
		if _, ok := shards[key]; !ok {
			order = append(order, key)
		}
		shards[key] = append(shards[key], task)
	}

	var settled atomic.Int64
	var group errgroup.Group
	group.SetLimit(w.workers)
	for _, key := range order {
		shard := shards[key]
		group.Go(func() error {
			for _, task := range shard {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				done, err := w.process(ctx, task)
				if err != nil {
					return err
				}
				if !done {
					// Later entries of the log wait for the deferred one.
					return nil
				}
				settled.Add(1)
			}
			return nil
		})
	}
	err = group.Wait()
	return int(settled.Load()), err
}

// process applies one task and reports whether it left the queue. Only queue
// bookkeeping failures are returned.
func (w *Worker) process(ctx context.Context, task store.MaterializationTask) (bool, error) {
	hash, err := bamboo.NewHash(task.EntryHash)
	if err != nil {
		return true, w.fail(ctx, task, nil, fmt.Errorf("%w: %v", ErrSchemaValidation, err))
	}
	entry, found, err := w.queue.EntryByHash(ctx, hash)
	if err != nil {
		return w.retry(ctx, task, nil, err)
	}
	if !found {
		return true, w.fail(ctx, task, nil, fmt.Errorf("%w: entry %s not stored", ErrSchemaValidation, hash))
	}

	event, err := EventFromEntry(entry)
	if err != nil {
		return true, w.fail(ctx, task, &entry.Schema, err)
	}
	outcome, err := w.materializer.Apply(ctx, event)
	switch {
	case err == nil:
		w.logger.Debug("entry materialized",
			zap.String("entry_hash", task.EntryHash),
			zap.String("outcome", string(outcome)))
		return true, w.queue.CompleteTask(ctx, task.EntryHash)
	case errors.Is(err, ErrSchemaValidation):
		return true, w.fail(ctx, task, &entry.Schema, err)
	default:
		return w.retry(ctx, task, &entry.Schema, err)
	}
}

func (w *Worker) retry(ctx context.Context, task store.MaterializationTask, schemaID *bamboo.Hash, cause error) (bool, error) {
	delay := w.pollInterval * time.Duration(task.Attempts+1)
	attempts, err := w.queue.RetryTask(ctx, task.EntryHash, cause, delay)
	if err != nil {
		return false, err
	}
	if attempts < w.maxAttempts {
		w.logger.Debug("materialization deferred",
			zap.String("entry_hash", task.EntryHash),
			zap.Int("attempts", attempts),
			zap.Duration("delay", delay),
			zap.Error(cause))
		return false, nil
	}
	return true, w.fail(ctx, task, schemaID, cause)
}

func (w *Worker) fail(ctx context.Context, task store.MaterializationTask, schemaID *bamboo.Hash, cause error) error {
	if err := w.materializer.RecordFailure(ctx, task.EntryHash, schemaID, cause); err != nil {
		return err
	}
	return w.queue.CompleteTask(ctx, task.EntryHash)
}
