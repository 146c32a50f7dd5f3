package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"admitflow/internal/models"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const tracerName = "admitflow/workflow"

// Event is a domain event delivered by a producer.
type Event struct {
	Trigger   models.TriggerType     `json:"trigger_type"`
	SubjectID uint                   `json:"subject_id"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
}

// RunResult is the outcome of a manual execute or a test run. Execution is nil
// when the conditions did not hold.
type RunResult struct {
	Matched    bool              `json:"matched"`
	Conditions []ConditionTrace  `json:"conditions"`
	Execution  *models.Execution `json:"execution,omitempty"`
}

// Options tunes the engine.
type Options struct {
	MaxRetryAttempts int
	Logger           *logrus.Logger
	Now              func() time.Time
}

// Engine selects rules for events, evaluates their conditions and runs their
// actions, recording every run as an Execution.
type Engine struct {
	rules      RuleStore
	executions ExecutionStore
	resolver   ContextResolver
	evaluator  *Evaluator
	dispatcher *Dispatcher
	logger     *logrus.Logger
	now        func() time.Time
	maxRetry   int

	mu        sync.RWMutex
	observers []Observer

	retryMu  sync.Mutex
	retrying map[uint]struct{}
}

func NewEngine(rules RuleStore, executions ExecutionStore, resolver ContextResolver, dispatcher *Dispatcher, opts Options) *Engine {
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.MaxRetryAttempts <= 0 {
		opts.MaxRetryAttempts = 3
	}
	return &Engine{
		rules:      rules,
		executions: executions,
		resolver:   resolver,
		evaluator:  NewEvaluator(opts.Logger),
		dispatcher: dispatcher,
		logger:     opts.Logger,
		now:        opts.Now,
		maxRetry:   opts.MaxRetryAttempts,
		retrying:   make(map[uint]struct{}),
	}
}

// AddObserver registers o for execution state changes.
func (e *Engine) AddObserver(o Observer) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.observers = append(e.observers, o)
}

// SetMaxRetryAttempts changes the retry bound for subsequent retries.
func (e *Engine) SetMaxRetryAttempts(n int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.maxRetry = n
}

func (e *Engine) MaxRetryAttempts() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.maxRetry
}

// SetActionTimeout changes the per-action timeout of the engine's dispatcher.
func (e *Engine) SetActionTimeout(d time.Duration) {
	e.dispatcher.SetTimeout(d)
}

// claimRetry 同一条重试链同时只允许一个重试在跑
func (e *Engine) claimRetry(root uint) bool {
	e.retryMu.Lock()
	defer e.retryMu.Unlock()
	if _, busy := e.retrying[root]; busy {
		return false
	}
	e.retrying[root] = struct{}{}
	return true
}

func (e *Engine) releaseRetry(root uint) {
	e.retryMu.Lock()
	delete(e.retrying, root)
	e.retryMu.Unlock()
}

func (e *Engine) notify(exec *models.Execution) {
	e.mu.RLock()
	obs := e.observers
	e.mu.RUnlock()
	for _, o := range obs {
		o.ExecutionChanged(*exec)
	}
}

// HandleEvent runs every active rule for the event's trigger, one after another.
// Only failures to load rules or build the context are returned; action failures
// are recorded on the executions.
func (e *Engine) HandleEvent(ctx context.Context, evt Event) ([]*models.Execution, error) {
	if !evt.Trigger.Valid() {
		verr := &ValidationError{}
		verr.add("trigger_type", "unknown trigger type %q", evt.Trigger)
		return nil, verr
	}
	if evt.Trigger == models.TriggerManual {
		return nil, nil
	}

	ctx, span := otel.Tracer(tracerName).Start(ctx, "workflow.handle_event")
	span.SetAttributes(
		attribute.String("workflow.trigger", string(evt.Trigger)),
		attribute.Int64("workflow.subject_id", int64(evt.SubjectID)),
	)
	defer span.End()

	rules, err := e.rules.ActiveRulesForTrigger(ctx, evt.Trigger)
	if err != nil {
		err = &EngineError{Op: "load rules", Err: err}
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if len(rules) == 0 {
		return nil, nil
	}

	tree, err := e.buildTree(ctx, evt.Trigger, evt.SubjectID, evt.Payload, nil)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	var executions []*models.Execution
	for i := range rules {
		rule := &rules[i]
		ok, _ := e.evaluator.Evaluate(rule.Conditions, tree)
		if !ok {
			e.logger.WithFields(logrus.Fields{"rule_id": rule.ID, "subject_id": evt.SubjectID}).
				Debug("workflow: conditions not met")
			continue
		}
		exec, err := e.execute(ctx, targetOf(rule), rule.EnabledActions(), tree, evt.SubjectID, models.SourceEvent, nil)
		if err != nil {
			e.logger.WithField("rule_id", rule.ID).Errorf("workflow: record execution failed: %v", err)
			continue
		}
		executions = append(executions, exec)
	}
	return executions, nil
}

// ExecuteRule runs one active rule against a subject, optionally overlaying the
// resolved context with supplied values.
func (e *Engine) ExecuteRule(ctx context.Context, ruleID, subjectID uint, overlay map[string]interface{}) (*RunResult, error) {
	rule, err := e.rules.GetRule(ctx, ruleID)
	if err != nil {
		return nil, fmt.Errorf("rule %d: %w", ruleID, err)
	}
	if !rule.IsActive {
		return nil, conflictf("rule %d is inactive", ruleID)
	}
	tree, err := e.buildTree(ctx, rule.TriggerType, subjectID, nil, overlay)
	if err != nil {
		return nil, err
	}
	return e.evaluateAndRun(ctx, rule, tree, subjectID, models.SourceManual)
}

// TestRule runs a rule whether or not it is active. The context is the supplied
// one, else the rule's most recent execution context, else resolved for the subject.
func (e *Engine) TestRule(ctx context.Context, ruleID, subjectID uint, supplied map[string]interface{}) (*RunResult, error) {
	rule, err := e.rules.GetRule(ctx, ruleID)
	if err != nil {
		return nil, fmt.Errorf("rule %d: %w", ruleID, err)
	}

	var tree *ContextTree
	switch {
	case supplied != nil:
		tree, err = NewContextTree(supplied)
		if err != nil {
			return nil, err
		}
		if !tree.Has("trigger.type") {
			tree = tree.With("trigger.type", string(rule.TriggerType))
		}
	default:
		last, lerr := e.executions.LatestExecutionForRule(ctx, ruleID)
		switch {
		case lerr == nil && len(last.Context) > 0:
			if tree, err = NewContextTree(last.Context); err != nil {
				return nil, err
			}
			if subjectID == 0 {
				subjectID = last.SubjectID
			}
		case lerr == nil || errors.Is(lerr, ErrNotFound):
			if tree, err = e.buildTree(ctx, rule.TriggerType, subjectID, nil, nil); err != nil {
				return nil, err
			}
		default:
			return nil, &EngineError{Op: "load latest execution", Err: lerr}
		}
	}
	return e.evaluateAndRun(ctx, rule, tree, subjectID, models.SourceTest)
}

// Retry re-runs a FAILED execution's action snapshot with its context snapshot as a
// new linked execution. The original record is left untouched.
func (e *Engine) Retry(ctx context.Context, executionID uint) (*models.Execution, error) {
	orig, err := e.executions.GetExecution(ctx, executionID)
	if err != nil {
		return nil, fmt.Errorf("execution %d: %w", executionID, err)
	}
	if orig.Status != models.ExecutionFailed {
		return nil, conflictf("execution %d is %s, only FAILED executions can be retried", executionID, orig.Status)
	}
	if len(orig.Actions) == 0 {
		return nil, conflictf("execution %d has no action snapshot", executionID)
	}

	// 上限按整条重试链计算，而不是被重试的那一条
	root := orig.ID
	if orig.RetryRootID != nil {
		root = *orig.RetryRootID
	}
	if !e.claimRetry(root) {
		return nil, conflictf("a retry of execution %d is already running", root)
	}
	defer e.releaseRetry(root)

	n, err := e.executions.CountRetries(ctx, root)
	if err != nil {
		return nil, &EngineError{Op: "count retries", Err: err}
	}
	if limit := e.MaxRetryAttempts(); int(n) >= limit {
		return nil, conflictf("execution %d reached the retry limit of %d", root, limit)
	}
	tree, err := NewContextTree(orig.Context)
	if err != nil {
		return nil, err
	}
	target := runTarget{ID: orig.RuleID, Name: orig.RuleName, Trigger: orig.TriggerType}
	return e.execute(ctx, target, orig.Actions, tree, orig.SubjectID, models.SourceRetry, orig)
}

func (e *Engine) evaluateAndRun(ctx context.Context, rule *models.Rule, tree *ContextTree, subjectID uint, source models.ExecutionSource) (*RunResult, error) {
	ok, traces := e.evaluator.Evaluate(rule.Conditions, tree)
	res := &RunResult{Matched: ok, Conditions: traces}
	if !ok {
		return res, nil
	}
	exec, err := e.execute(ctx, targetOf(rule), rule.EnabledActions(), tree, subjectID, source, nil)
	if err != nil {
		return nil, err
	}
	res.Execution = exec
	return res, nil
}

// buildTree resolves the subject context and layers the event payload, trigger
// type and overlay on top.
func (e *Engine) buildTree(ctx context.Context, trigger models.TriggerType, subjectID uint, payload, overlay map[string]interface{}) (*ContextTree, error) {
	tree, err := e.resolver.Resolve(ctx, trigger, subjectID)
	if err != nil {
		return nil, &EngineError{Op: "resolve context", Err: err}
	}
	if payload != nil {
		tree = tree.With("event", payload)
	}
	tree = tree.With("trigger.type", string(trigger))
	for k, v := range overlay {
		tree = tree.With(k, v)
	}
	return tree, nil
}

type runTarget struct {
	ID      uint
	Name    string
	Trigger models.TriggerType
}

func targetOf(r *models.Rule) runTarget {
	return runTarget{ID: r.ID, Name: r.Name, Trigger: r.TriggerType}
}

// execute drives one Execution through PENDING -> RUNNING -> COMPLETED|FAILED,
// persisting after every transition and log entry.
func (e *Engine) execute(ctx context.Context, target runTarget, actions []models.Action, tree *ContextTree, subjectID uint, source models.ExecutionSource, retryOf *models.Execution) (*models.Execution, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "workflow.rule")
	span.SetAttributes(
		attribute.Int64("workflow.rule_id", int64(target.ID)),
		attribute.String("workflow.source", string(source)),
	)
	defer span.End()

	// saves ignore request cancellation; an execution always reaches a terminal state
	saveCtx := context.WithoutCancel(ctx)
	log := e.logger.WithFields(logrus.Fields{"rule_id": target.ID, "subject_id": subjectID, "source": source})

	exec := &models.Execution{
		RuleID:       target.ID,
		RuleName:     target.Name,
		TriggerType:  target.Trigger,
		SubjectID:    subjectID,
		Source:       source,
		Attempt:      1,
		TriggeredAt:  e.now(),
		Status:       models.ExecutionPending,
		ActionsTotal: len(actions),
		ExecutionLog: []models.ExecutionLogEntry{},
		Context:      tree.Map(),
		Actions:      actions,
	}
	if retryOf != nil {
		id, root := retryOf.ID, retryOf.ID
		if retryOf.RetryRootID != nil {
			root = *retryOf.RetryRootID
		}
		exec.RetryOfID = &id
		exec.RetryRootID = &root
		exec.Attempt = retryOf.Attempt + 1
	}
	if err := e.executions.CreateExecution(saveCtx, exec); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("create execution: %w", err)
	}
	e.notify(exec)

	exec.Status = models.ExecutionRunning
	e.save(saveCtx, exec, log)
	log = log.WithField("execution_id", exec.ID)

	for _, action := range actions {
		res, err := e.dispatcher.Dispatch(ctx, ActionRequest{Action: action, Execution: exec, Tree: tree})
		entry := models.ExecutionLogEntry{
			Timestamp:  e.now(),
			ActionType: action.ActionType,
			Order:      action.Order,
		}
		if err != nil {
			entry.Status = models.LogFailed
			entry.Message = err.Error()
			exec.ExecutionLog = append(exec.ExecutionLog, entry)
			exec.Status = models.ExecutionFailed
			exec.ErrorMessage = fmt.Sprintf("action %d (%s) failed: %v", action.Order, action.ActionType, err)
			completed := e.now()
			exec.CompletedAt = &completed
			e.save(saveCtx, exec, log)
			log.Warnf("workflow: %s", exec.ErrorMessage)
			span.SetStatus(codes.Error, exec.ErrorMessage)
			break
		}
		entry.Status = models.LogSuccess
		entry.Message = res.Message
		exec.ExecutionLog = append(exec.ExecutionLog, entry)
		exec.ActionsExecuted++
		for path, value := range res.Updates {
			tree = tree.With(path, value)
		}
		e.save(saveCtx, exec, log)
	}

	if exec.Status == models.ExecutionRunning {
		exec.Status = models.ExecutionCompleted
		completed := e.now()
		exec.CompletedAt = &completed
		e.save(saveCtx, exec, log)
	}

	if source != models.SourceTest && target.ID != 0 {
		if err := e.rules.RecordRuleExecution(saveCtx, target.ID, exec.TriggeredAt); err != nil && !errors.Is(err, ErrNotFound) {
			log.Warnf("workflow: update rule counters failed: %v", err)
		}
	}
	log.WithField("status", exec.Status).Infof("workflow: rule %q finished (%d/%d actions)", target.Name, exec.ActionsExecuted, exec.ActionsTotal)
	return exec, nil
}

func (e *Engine) save(ctx context.Context, exec *models.Execution, log *logrus.Entry) {
	if err := e.executions.SaveExecution(ctx, exec); err != nil {
		log.Errorf("workflow: save execution failed: %v", err)
	}
	e.notify(exec)
}
