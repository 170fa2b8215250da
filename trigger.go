package spartan

import (
	"context"
	"errors"
	"time"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	redis_db "github.com/spartanone/spartan/internal/redis-db"
)

// TypeDrain is the asynq task type that asks a worker to drain the queue.
const TypeDrain = "spartan:drain"

const defaultTriggerUniqueness = 30 * time.Second

// Trigger requests drains through asynq so that a process without network
// access to the remote API (or many callers at once) can hand the work to
// the workers. Requests made while one is still pending are coalesced.
type Trigger struct {
	client    *asynq.Client
	queue     string
	uniqueFor time.Duration
}

// RedisConnOpt converts a Redis DNS into asynq connection options.
func RedisConnOpt(dns string, skipTLSVerify bool) (asynq.RedisClientOpt, error) {
	redisOption, err := redis_db.ParseRedisURL(dns, skipTLSVerify)
	if err != nil {
		return asynq.RedisClientOpt{}, err
	}
	return asynq.RedisClientOpt{
		Addr:      redisOption.Addr,
		Password:  redisOption.Password,
		DB:        redisOption.DB,
		TLSConfig: redisOption.TLSConfig,
	}, nil
}

func NewTrigger(opt asynq.RedisConnOpt, queueName string) *Trigger {
	return &Trigger{
		client:    asynq.NewClient(opt),
		queue:     queueName,
		uniqueFor: defaultTriggerUniqueness,
	}
}

// Request enqueues a drain. It reports false when an identical request was
// already waiting.
func (t *Trigger) Request(ctx context.Context) (bool, error) {
	task := asynq.NewTask(TypeDrain, nil)
	info, err := t.client.EnqueueContext(ctx, task,
		asynq.Queue(t.queue),
		asynq.MaxRetry(0),
		asynq.Unique(t.uniqueFor),
	)
	if errors.Is(err, asynq.ErrDuplicateTask) {
		logrus.Debug("drain already requested")
		return false, nil
	}
	if err != nil {
		return false, err
	}
	logrus.WithFields(logrus.Fields{"task_id": info.ID, "queue": info.Queue}).Info("drain requested")
	return true, nil
}

func (t *Trigger) Close() error {
	return t.client.Close()
}

// HandleDrainTask is the asynq handler for TypeDrain. Delivery failures are
// recorded on the documents themselves, so the task never fails.
func (e *Engine) HandleDrainTask(ctx context.Context, _ *asynq.Task) error {
	result := e.SyncNow(ctx)
	logrus.WithFields(logrus.Fields{
		"ran":       result.Ran,
		"reason":    result.Reason,
		"attempted": len(result.Results),
		"failed":    result.Failed(),
	}).Info("drain task processed")
	return nil
}

// RegisterHandlers wires the engine's task handlers into mux.
func (e *Engine) RegisterHandlers(mux *asynq.ServeMux) {
	mux.HandleFunc(TypeDrain, e.HandleDrainTask)
}
