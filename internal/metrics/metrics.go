package metrics

import (
	"fmt"
	"io"
	"sort"
	"sync"
	"sync/atomic"

	"admitflow/internal/models"
)

// rateLimitStats holds counters for rate limit drops (HTTP 429).
type rateLimitStats struct {
	total    uint64
	mu       sync.Mutex
	byPrefix map[string]uint64
}

var rl rateLimitStats

// IncRateLimitDrop increments drop counters for the given prefix.
// Use prefix "global" for global limiter rejections.
func IncRateLimitDrop(prefix string) {
	if prefix == "" {
		prefix = "global"
	}
	atomic.AddUint64(&rl.total, 1)
	rl.mu.Lock()
	if rl.byPrefix == nil {
		rl.byPrefix = make(map[string]uint64)
	}
	rl.byPrefix[prefix]++
	rl.mu.Unlock()
}

// RateLimitSnapshot returns a copy of the current counters.
func RateLimitSnapshot() (total uint64, by map[string]uint64) {
	total = atomic.LoadUint64(&rl.total)
	rl.mu.Lock()
	defer rl.mu.Unlock()
	by = make(map[string]uint64, len(rl.byPrefix))
	for k, v := range rl.byPrefix {
		by[k] = v
	}
	return total, by
}

// 执行计数，按 状态/触发器 聚合
type executionStats struct {
	mu         sync.Mutex
	byStatus   map[models.ExecutionStatus]uint64
	byTrigger  map[models.TriggerType]uint64
	durationMs uint64
}

var ex executionStats

// ObserveExecution counts terminal executions. It has the workflow.Observer
// signature so it can be registered with workflow.ObserverFunc.
func ObserveExecution(exec models.Execution) {
	if !exec.Status.Terminal() {
		return
	}
	ex.mu.Lock()
	defer ex.mu.Unlock()
	if ex.byStatus == nil {
		ex.byStatus = make(map[models.ExecutionStatus]uint64)
		ex.byTrigger = make(map[models.TriggerType]uint64)
	}
	ex.byStatus[exec.Status]++
	ex.byTrigger[exec.TriggerType]++
	ex.durationMs += uint64(exec.Duration().Milliseconds())
}

// ExecutionSnapshot returns copies of the execution counters.
func ExecutionSnapshot() (byStatus map[models.ExecutionStatus]uint64, byTrigger map[models.TriggerType]uint64, durationMs uint64) {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	byStatus = make(map[models.ExecutionStatus]uint64, len(ex.byStatus))
	for k, v := range ex.byStatus {
		byStatus[k] = v
	}
	byTrigger = make(map[models.TriggerType]uint64, len(ex.byTrigger))
	for k, v := range ex.byTrigger {
		byTrigger[k] = v
	}
	return byStatus, byTrigger, ex.durationMs
}

var (
	tasksDispatched uint64
	tasksFailed     uint64
	eventsByOutcome sync.Map // string -> *uint64
)

// AddTaskOutcomes records the result of one scheduler sweep.
func AddTaskOutcomes(dispatched, failed int) {
	atomic.AddUint64(&tasksDispatched, uint64(dispatched))
	atomic.AddUint64(&tasksFailed, uint64(failed))
}

// IncEvent counts a consumed domain event by delivery outcome (ack, requeue, reject).
func IncEvent(outcome string) {
	v, _ := eventsByOutcome.LoadOrStore(outcome, new(uint64))
	atomic.AddUint64(v.(*uint64), 1)
}

func eventSnapshot() map[string]uint64 {
	out := map[string]uint64{}
	eventsByOutcome.Range(func(k, v interface{}) bool {
		out[k.(string)] = atomic.LoadUint64(v.(*uint64))
		return true
	})
	return out
}

// Gauge is an instantaneous value supplied by the caller at exposition time.
type Gauge struct {
	Name  string
	Help  string
	Value float64
}

// WritePrometheus writes all counters plus gauges in Prometheus text format.
func WritePrometheus(w io.Writer, gauges ...Gauge) {
	byStatus, byTrigger, durationMs := ExecutionSnapshot()

	fmt.Fprintf(w, "# HELP admitflow_executions_total Finished rule executions by status\n")
	fmt.Fprintf(w, "# TYPE admitflow_executions_total counter\n")
	for _, s := range []models.ExecutionStatus{models.ExecutionCompleted, models.ExecutionFailed} {
		fmt.Fprintf(w, "admitflow_executions_total{status=\"%s\"} %d\n", s, byStatus[s])
	}
	fmt.Fprintln(w)

	fmt.Fprintf(w, "# HELP admitflow_executions_by_trigger_total Finished rule executions by trigger type\n")
	fmt.Fprintf(w, "# TYPE admitflow_executions_by_trigger_total counter\n")
	triggers := make([]string, 0, len(byTrigger))
	for t := range byTrigger {
		triggers = append(triggers, string(t))
	}
	sort.Strings(triggers)
	for _, t := range triggers {
		fmt.Fprintf(w, "admitflow_executions_by_trigger_total{trigger=\"%s\"} %d\n", t, byTrigger[models.TriggerType(t)])
	}
	fmt.Fprintln(w)

	fmt.Fprintf(w, "# HELP admitflow_execution_duration_ms_total Summed duration of finished executions\n")
	fmt.Fprintf(w, "# TYPE admitflow_execution_duration_ms_total counter\n")
	fmt.Fprintf(w, "admitflow_execution_duration_ms_total %d\n\n", durationMs)

	fmt.Fprintf(w, "# HELP admitflow_deferred_tasks_total Deferred tasks handled by the scheduler\n")
	fmt.Fprintf(w, "# TYPE admitflow_deferred_tasks_total counter\n")
	fmt.Fprintf(w, "admitflow_deferred_tasks_total{status=\"DISPATCHED\"} %d\n", atomic.LoadUint64(&tasksDispatched))
	fmt.Fprintf(w, "admitflow_deferred_tasks_total{status=\"FAILED\"} %d\n\n", atomic.LoadUint64(&tasksFailed))

	events := eventSnapshot()
	fmt.Fprintf(w, "# HELP admitflow_events_total Consumed domain events by outcome\n")
	fmt.Fprintf(w, "# TYPE admitflow_events_total counter\n")
	for _, o := range []string{"ack", "requeue", "reject"} {
		fmt.Fprintf(w, "admitflow_events_total{outcome=\"%s\"} %d\n", o, events[o])
	}
	fmt.Fprintln(w)

	total, by := RateLimitSnapshot()
	fmt.Fprintf(w, "# HELP admitflow_rate_limit_drops_total Requests rejected by the rate limiter\n")
	fmt.Fprintf(w, "# TYPE admitflow_rate_limit_drops_total counter\n")
	fmt.Fprintf(w, "admitflow_rate_limit_drops_total %d\n", total)
	prefixes := make([]string, 0, len(by))
	for p := range by {
		prefixes = append(prefixes, p)
	}
	sort.Strings(prefixes)
	for _, p := range prefixes {
		fmt.Fprintf(w, "admitflow_rate_limit_drops_by_prefix_total{prefix=\"%s\"} %d\n", p, by[p])
	}

	for _, g := range gauges {
		fmt.Fprintf(w, "\n# HELP %s %s\n", g.Name, g.Help)
		fmt.Fprintf(w, "# TYPE %s gauge\n", g.Name)
		fmt.Fprintf(w, "%s %g\n", g.Name, g.Value)
	}
}

// reset clears every counter; tests only.
func reset() {
	rl = rateLimitStats{}
	ex = executionStats{}
	atomic.StoreUint64(&tasksDispatched, 0)
	atomic.StoreUint64(&tasksFailed, 0)
	eventsByOutcome.Range(func(k, _ interface{}) bool {
		eventsByOutcome.Delete(k)
		return true
	})
}
