package workflow

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"admitflow/internal/models"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// ActionRequest is what a handler gets for one action of a running execution.
type ActionRequest struct {
	Action    models.Action
	Execution *models.Execution
	Tree      *ContextTree
}

// ActionResult is a successful action outcome. Updates are dot paths merged into
// the context tree seen by the remaining actions of the same run.
type ActionResult struct {
	Message string
	Updates map[string]interface{}
}

type ActionHandler interface {
	Handle(ctx context.Context, req ActionRequest) (ActionResult, error)
}

// ActionHandlerFunc adapts a function to ActionHandler.
type ActionHandlerFunc func(ctx context.Context, req ActionRequest) (ActionResult, error)

func (f ActionHandlerFunc) Handle(ctx context.Context, req ActionRequest) (ActionResult, error) {
	return f(ctx, req)
}

// Dispatcher routes actions to handlers by type, each under its own timeout.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[models.ActionType]ActionHandler
	timeout  time.Duration
	logger   *logrus.Logger
}

func NewDispatcher(timeout time.Duration, logger *logrus.Logger) *Dispatcher {
	if logger == nil {
		logger = logrus.New()
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Dispatcher{
		handlers: make(map[models.ActionType]ActionHandler),
		timeout:  timeout,
		logger:   logger,
	}
}

// Register installs h for t, replacing any previous handler.
func (d *Dispatcher) Register(t models.ActionType, h ActionHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[t] = h
}

// SetTimeout changes the per-action timeout for subsequent dispatches.
func (d *Dispatcher) SetTimeout(timeout time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.timeout = timeout
}

func (d *Dispatcher) Timeout() time.Duration {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.timeout
}

func (d *Dispatcher) handler(t models.ActionType) (ActionHandler, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	h, ok := d.handlers[t]
	return h, ok
}

type dispatchOutcome struct {
	res ActionResult
	err error
}

// Dispatch runs one action. Handler panics and timeouts become errors.
func (d *Dispatcher) Dispatch(ctx context.Context, req ActionRequest) (ActionResult, error) {
	h, ok := d.handler(req.Action.ActionType)
	if !ok {
		return ActionResult{}, fmt.Errorf("no handler registered for %s", req.Action.ActionType)
	}

	ctx, span := otel.Tracer(tracerName).Start(ctx, "workflow.action")
	span.SetAttributes(
		attribute.String("workflow.action_type", string(req.Action.ActionType)),
		attribute.Int("workflow.action_order", req.Action.Order),
	)
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, d.Timeout())
	defer cancel()

	done := make(chan dispatchOutcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				d.logger.WithField("action_type", req.Action.ActionType).
					Errorf("workflow: action handler panic: %v\n%s", p, debug.Stack())
				done <- dispatchOutcome{err: fmt.Errorf("action panicked: %v", p)}
			}
		}()
		res, err := h.Handle(ctx, req)
		done <- dispatchOutcome{res: res, err: err}
	}()

	var out dispatchOutcome
	select {
	case out = <-done:
	case <-ctx.Done():
		out = dispatchOutcome{err: fmt.Errorf("action timed out after %s: %w", d.timeout, ctx.Err())}
	}
	if out.err != nil {
		span.RecordError(out.err)
		span.SetStatus(codes.Error, out.err.Error())
	}
	return out.res, out.err
}
