package tasks

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"courier/internal/models"
	"courier/pkg/database"
	"courier/pkg/logging"
)

// ErrNotReady is returned by a handler whose dependency is not
// provisioned yet (e.g. the parent reseller's tiers do not exist). The
// task is left pending and retried on the next tick.
var ErrNotReady = errors.New("task dependency not ready")

// Handler performs one onboarding side effect for a task. Handlers
// must be idempotent: a task can be retried after a partial failure.
type Handler func(ctx context.Context, db database.DBTX, task *models.ScheduleTask) error

// Chain binds an ordered handler list to a task type. Chains are
// registered explicitly at startup; there is no import-time registry.
type Chain struct {
	TaskType string
	Handlers []Handler
}

// Consumer runs one polling loop per registered chain. Each loop is the
// sole consumer for its task type, so tasks of one type are processed
// strictly one at a time in FIFO order.
type Consumer struct {
	db       database.PostgresConn
	logger   logging.Logger
	interval time.Duration
	chains   []Chain
	taskRuns *prometheus.CounterVec

	wg sync.WaitGroup
}

// NewConsumer creates a task consumer. taskRuns may be nil.
func NewConsumer(db database.PostgresConn, logger logging.Logger, interval time.Duration, taskRuns *prometheus.CounterVec, chains ...Chain) *Consumer {
	return &Consumer{
		db:       db,
		logger:   logger,
		interval: interval,
		chains:   chains,
		taskRuns: taskRuns,
	}
}

// Start launches the per-type loops. They stop when ctx is cancelled;
// Wait blocks until all have exited.
func (c *Consumer) Start(ctx context.Context) {
	for _, chain := range c.chains {
		c.wg.Add(1)
		go func(chain Chain) {
			defer c.wg.Done()
			c.runLoop(ctx, chain)
		}(chain)
	}
}

// Wait blocks until all consumer loops have stopped.
func (c *Consumer) Wait() {
	c.wg.Wait()
}

func (c *Consumer) runLoop(ctx context.Context, chain Chain) {
	c.logger.WithField("task_type", chain.TaskType).Info("Starting task consumer")

	for {
		progressed := c.tick(ctx, chain)

		// Loop immediately while there is work; sleep when the queue
		// is drained or the head task is stuck.
		if !progressed {
			select {
			case <-ctx.Done():
				return
			case <-time.After(c.interval):
			}
		} else if ctx.Err() != nil {
			return
		}
	}
}

func (c *Consumer) tick(ctx context.Context, chain Chain) bool {
	task, err := DequeueOldest(ctx, c.db, chain.TaskType)
	if err != nil {
		c.logger.WithFields(logging.Fields{
			"task_type": chain.TaskType,
			"error":     err,
		}).Error("Failed to dequeue task")
		return false
	}
	if task == nil {
		return false
	}

	for _, handler := range chain.Handlers {
		if err := handler(ctx, c.db, task); err != nil {
			if errors.Is(err, ErrNotReady) {
				c.logger.WithFields(logging.Fields{
					"task_type":  chain.TaskType,
					"subject_id": task.SubjectID,
				}).Debug("Task not ready, leaving pending")
				c.countRun(chain.TaskType, "not_ready")
			} else {
				c.logger.WithFields(logging.Fields{
					"task_type":  chain.TaskType,
					"subject_id": task.SubjectID,
					"error":      err,
				}).Error("Task handler failed, leaving pending")
				c.countRun(chain.TaskType, "error")
			}
			return false
		}
	}

	if err := MarkDone(ctx, c.db, task.ID); err != nil {
		c.logger.WithFields(logging.Fields{
			"task_type": chain.TaskType,
			"task_id":   task.ID,
			"error":     err,
		}).Error("Failed to mark task done")
		return false
	}

	c.countRun(chain.TaskType, "done")
	c.logger.WithFields(logging.Fields{
		"task_type":  chain.TaskType,
		"subject_id": task.SubjectID,
	}).Info("Task completed")
	return true
}

func (c *Consumer) countRun(taskType, outcome string) {
	if c.taskRuns != nil {
		c.taskRuns.WithLabelValues(taskType, outcome).Inc()
	}
}
