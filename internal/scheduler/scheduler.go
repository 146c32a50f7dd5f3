package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"admitflow/internal/metrics"
	"admitflow/internal/models"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

// TaskStore is the durable queue behind the scheduler.
type TaskStore interface {
	DueTasks(ctx context.Context, now time.Time, limit int) ([]models.DeferredTask, error)
	ClaimTask(ctx context.Context, id uint, token string, now time.Time) (bool, error)
	FinishTask(ctx context.Context, id uint, token string, status models.DeferredTaskStatus, lastErr string, now time.Time) error
	AbandonStaleClaims(ctx context.Context, cutoff, now time.Time) (int64, error)
}

// TaskHandler runs one due task.
type TaskHandler interface {
	HandleTask(ctx context.Context, task models.DeferredTask) error
}

type TaskHandlerFunc func(ctx context.Context, task models.DeferredTask) error

func (f TaskHandlerFunc) HandleTask(ctx context.Context, task models.DeferredTask) error {
	return f(ctx, task)
}

// Options 调度器参数
type Options struct {
	PollInterval time.Duration
	ClaimTimeout time.Duration
	BatchSize    int
	Logger       *logrus.Logger
	Now          func() time.Time
}

// SweepResult summarizes one pass over the queue.
type SweepResult struct {
	Due        int `json:"due"`
	Claimed    int `json:"claimed"`
	Dispatched int `json:"dispatched"`
	Failed     int `json:"failed"`
	Abandoned  int `json:"abandoned"`
}

// Scheduler claims due deferred tasks and hands them to the handler registered
// for their task type. A task is dispatched at most once.
type Scheduler struct {
	store  TaskStore
	opts   Options
	logger *logrus.Logger

	mu       sync.RWMutex
	handlers map[string]TaskHandler

	cron *cron.Cron
}

func New(store TaskStore, opts Options) *Scheduler {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 30 * time.Second
	}
	if opts.ClaimTimeout <= 0 {
		opts.ClaimTimeout = 10 * time.Minute
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 50
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Scheduler{
		store:    store,
		opts:     opts,
		logger:   opts.Logger,
		handlers: make(map[string]TaskHandler),
	}
}

// Register 注册任务处理器，同名覆盖
func (s *Scheduler) Register(taskType string, h TaskHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[taskType] = h
}

func (s *Scheduler) handler(taskType string) (TaskHandler, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.handlers[taskType]
	return h, ok
}

// TaskTypes returns the registered task types.
func (s *Scheduler) TaskTypes() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.handlers))
	for t := range s.handlers {
		out = append(out, t)
	}
	return out
}

// Start abandons stale claims left by a previous process, then sweeps on a cron
// schedule until Stop.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.cron != nil {
		return errors.New("scheduler already started")
	}
	if n, err := s.RecoverStale(ctx); err != nil {
		return fmt.Errorf("recover stale tasks: %w", err)
	} else if n > 0 {
		s.logger.Warnf("scheduler: abandoned %d task(s) claimed before the last shutdown", n)
	}

	c := cron.New(cron.WithChain(
		cron.Recover(cron.PrintfLogger(s.logger)),
		cron.SkipIfStillRunning(cron.PrintfLogger(s.logger)),
	))
	spec := fmt.Sprintf("@every %s", s.opts.PollInterval)
	if _, err := c.AddFunc(spec, func() {
		if _, err := s.Sweep(ctx); err != nil {
			s.logger.Errorf("scheduler: sweep failed: %v", err)
		}
	}); err != nil {
		return fmt.Errorf("schedule sweep %q: %w", spec, err)
	}
	s.cron = c
	c.Start()
	s.logger.Infof("scheduler: sweeping every %s", s.opts.PollInterval)
	return nil
}

// Stop halts the cron loop and waits for a running sweep to finish.
func (s *Scheduler) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
	s.cron = nil
}

// RecoverStale marks tasks claimed longer than the claim timeout as ABANDONED.
func (s *Scheduler) RecoverStale(ctx context.Context) (int64, error) {
	now := s.opts.Now()
	return s.store.AbandonStaleClaims(ctx, now.Add(-s.opts.ClaimTimeout), now)
}

// Sweep claims and dispatches every due task in one batch.
func (s *Scheduler) Sweep(ctx context.Context) (SweepResult, error) {
	ctx, span := otel.Tracer("admitflow/scheduler").Start(ctx, "scheduler.sweep")
	defer span.End()

	var res SweepResult
	// 认领超过 claim_timeout 仍未结束的任务在此终结，包括重启前不久才认领的
	abandoned, err := s.RecoverStale(ctx)
	if err != nil {
		return res, fmt.Errorf("recover stale tasks: %w", err)
	}
	if abandoned > 0 {
		res.Abandoned = int(abandoned)
		s.logger.Warnf("scheduler: abandoned %d task(s) whose claim expired", abandoned)
	}

	tasks, err := s.store.DueTasks(ctx, s.opts.Now(), s.opts.BatchSize)
	if err != nil {
		return res, fmt.Errorf("load due tasks: %w", err)
	}
	res.Due = len(tasks)

	for _, task := range tasks {
		token := uuid.NewString()
		won, err := s.store.ClaimTask(ctx, task.ID, token, s.opts.Now())
		if err != nil {
			s.logger.WithField("task_id", task.ID).Errorf("scheduler: claim failed: %v", err)
			continue
		}
		if !won {
			continue
		}
		res.Claimed++
		if s.dispatch(ctx, task, token) {
			res.Dispatched++
		} else {
			res.Failed++
		}
	}
	metrics.AddTaskOutcomes(res.Dispatched, res.Failed)
	span.SetAttributes(
		attribute.Int("scheduler.claimed", res.Claimed),
		attribute.Int("scheduler.failed", res.Failed),
		attribute.Int("scheduler.abandoned", res.Abandoned),
	)
	return res, nil
}

func (s *Scheduler) dispatch(ctx context.Context, task models.DeferredTask, token string) bool {
	log := s.logger.WithFields(logrus.Fields{"task_id": task.ID, "task_type": task.TaskType, "subject_id": task.SubjectID})

	status, lastErr := models.TaskDispatched, ""
	if err := s.run(ctx, task); err != nil {
		status, lastErr = models.TaskFailed, err.Error()
		log.Warnf("scheduler: task failed: %v", err)
	} else {
		log.Info("scheduler: task dispatched")
	}

	if err := s.store.FinishTask(context.WithoutCancel(ctx), task.ID, token, status, lastErr, s.opts.Now()); err != nil {
		log.Errorf("scheduler: record task outcome failed: %v", err)
	}
	return status == models.TaskDispatched
}

func (s *Scheduler) run(ctx context.Context, task models.DeferredTask) (err error) {
	h, ok := s.handler(task.TaskType)
	if !ok {
		return fmt.Errorf("no handler for task type %q", task.TaskType)
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task handler panic: %v", r)
		}
	}()
	return h.HandleTask(ctx, task)
}
