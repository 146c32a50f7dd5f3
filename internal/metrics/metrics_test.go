package metrics

import (
	"bytes"
	"strings"
	"sync"
	"testing"
	"time"

	"admitflow/internal/models"
)

func TestIncRateLimitDrop(t *testing.T) {
	reset()

	tests := []struct {
		name   string
		prefix string
	}{
		{name: "increment with prefix", prefix: "/api/workflows/events"},
		{name: "increment with empty prefix (defaults to global)", prefix: ""},
		{name: "increment global", prefix: "global"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			initialTotal, _ := RateLimitSnapshot()
			IncRateLimitDrop(tt.prefix)

			newTotal, byPrefix := RateLimitSnapshot()
			if newTotal != initialTotal+1 {
				t.Errorf("total = %d, want %d", newTotal, initialTotal+1)
			}
			expectedPrefix := tt.prefix
			if expectedPrefix == "" {
				expectedPrefix = "global"
			}
			if byPrefix[expectedPrefix] == 0 {
				t.Errorf("prefix %s not incremented", expectedPrefix)
			}
		})
	}
}

func TestObserveExecution_Concurrent(t *testing.T) {
	reset()

	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	done := start.Add(250 * time.Millisecond)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			status := models.ExecutionCompleted
			if n%5 == 0 {
				status = models.ExecutionFailed
			}
			ObserveExecution(models.Execution{Status: status, TriggerType: models.TriggerScoreEntered, TriggeredAt: start, CompletedAt: &done})
			// in-flight updates are ignored
			ObserveExecution(models.Execution{Status: models.ExecutionRunning, TriggerType: models.TriggerScoreEntered})
		}(i)
	}
	wg.Wait()

	byStatus, byTrigger, durationMs := ExecutionSnapshot()
	if byStatus[models.ExecutionCompleted] != 40 || byStatus[models.ExecutionFailed] != 10 {
		t.Fatalf("unexpected status counts %v", byStatus)
	}
	if byTrigger[models.TriggerScoreEntered] != 50 {
		t.Fatalf("unexpected trigger counts %v", byTrigger)
	}
	if durationMs != 50*250 {
		t.Fatalf("duration = %d", durationMs)
	}
}

func TestWritePrometheus(t *testing.T) {
	reset()
	ObserveExecution(models.Execution{Status: models.ExecutionCompleted, TriggerType: models.TriggerApplicationSubmitted})
	AddTaskOutcomes(3, 1)
	IncEvent("ack")
	IncEvent("ack")
	IncEvent("requeue")
	IncRateLimitDrop("global")

	var buf bytes.Buffer
	WritePrometheus(&buf, Gauge{Name: "admitflow_feed_clients", Help: "Connected feed clients", Value: 2})
	body := buf.String()

	for _, want := range []string{
		`admitflow_executions_total{status="COMPLETED"} 1`,
		`admitflow_executions_total{status="FAILED"} 0`,
		`admitflow_executions_by_trigger_total{trigger="APPLICATION_SUBMITTED"} 1`,
		`admitflow_deferred_tasks_total{status="DISPATCHED"} 3`,
		`admitflow_deferred_tasks_total{status="FAILED"} 1`,
		`admitflow_events_total{outcome="ack"} 2`,
		`admitflow_events_total{outcome="requeue"} 1`,
		`admitflow_rate_limit_drops_total 1`,
		"# TYPE admitflow_feed_clients gauge",
		"admitflow_feed_clients 2",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("missing %q in\n%s", want, body)
		}
	}
}
