package workflow

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"admitflow/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memStore is an in-memory RuleStore and ExecutionStore.
type memStore struct {
	mu         sync.Mutex
	rules      map[uint]*models.Rule
	executions map[uint]*models.Execution
	nextExec   uint
	failRules  error
}

func newMemStore(rules ...models.Rule) *memStore {
	s := &memStore{rules: map[uint]*models.Rule{}, executions: map[uint]*models.Execution{}}
	for i := range rules {
		r := rules[i]
		s.rules[r.ID] = &r
	}
	return s
}

func (s *memStore) ActiveRulesForTrigger(ctx context.Context, trigger models.TriggerType) ([]models.Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failRules != nil {
		return nil, s.failRules
	}
	var out []models.Rule
	for _, r := range s.rules {
		if r.IsActive && r.TriggerType == trigger {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *memStore) GetRule(ctx context.Context, id uint) (*models.Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rules[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (s *memStore) RecordRuleExecution(ctx context.Context, id uint, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rules[id]
	if !ok {
		return ErrNotFound
	}
	r.ExecutionCount++
	r.LastExecutedAt = &at
	return nil
}

func (s *memStore) CreateExecution(ctx context.Context, exec *models.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextExec++
	exec.ID = s.nextExec
	cp := *exec
	s.executions[exec.ID] = &cp
	return nil
}

func (s *memStore) SaveExecution(ctx context.Context, exec *models.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *exec
	cp.ExecutionLog = append([]models.ExecutionLogEntry(nil), exec.ExecutionLog...)
	s.executions[exec.ID] = &cp
	return nil
}

func (s *memStore) GetExecution(ctx context.Context, id uint) (*models.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.executions[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (s *memStore) CountRetries(ctx context.Context, rootID uint) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, e := range s.executions {
		if e.RetryRootID != nil && *e.RetryRootID == rootID {
			n++
		}
	}
	return n, nil
}

func (s *memStore) LatestExecutionForRule(ctx context.Context, ruleID uint) (*models.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest *models.Execution
	for _, e := range s.executions {
		if e.RuleID == ruleID && (latest == nil || e.ID > latest.ID) {
			latest = e
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	cp := *latest
	return &cp, nil
}

type staticResolver struct {
	data map[uint]map[string]interface{}
	err  error
}

func (r staticResolver) Resolve(ctx context.Context, trigger models.TriggerType, subjectID uint) (*ContextTree, error) {
	if r.err != nil {
		return nil, r.err
	}
	d, ok := r.data[subjectID]
	if !ok {
		return nil, fmt.Errorf("application %d: %w", subjectID, ErrNotFound)
	}
	return NewContextTree(d)
}

// recorder implements every capability and remembers the calls.
type recorder struct {
	mu       sync.Mutex
	calls    []string
	statuses map[uint]string
	fail     map[string]error
	// stored 模拟存储层转换后的字段值
	stored map[string]interface{}
}

func newRecorder() *recorder {
	return &recorder{statuses: map[uint]string{}, fail: map[string]error{}}
}

func (r *recorder) record(kind, detail string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, kind+":"+detail)
	return r.fail[kind]
}

func (r *recorder) SendEmail(ctx context.Context, to []string, subject, body string) error {
	return r.record("email", fmt.Sprintf("%v|%s|%s", to, subject, body))
}

func (r *recorder) SendSMS(ctx context.Context, to []string, message string) error {
	return r.record("sms", fmt.Sprintf("%v|%s", to, message))
}

func (r *recorder) CreateNotification(ctx context.Context, n NotificationRequest) error {
	return r.record("notify", fmt.Sprintf("%v|%s|%s", n.Recipients, n.Priority, n.Message))
}

func (r *recorder) ChangeStatus(ctx context.Context, subjectID uint, status string) (string, error) {
	r.mu.Lock()
	prev := r.statuses[subjectID]
	r.statuses[subjectID] = status
	r.mu.Unlock()
	return prev, r.record("status", status)
}

func (r *recorder) UpdateField(ctx context.Context, subjectID uint, field string, value interface{}) (interface{}, error) {
	if err := r.record("field", fmt.Sprintf("%s=%v", field, value)); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if v, ok := r.stored[field]; ok {
		return v, nil
	}
	return value, nil
}

func (r *recorder) Call(ctx context.Context, url, method string, body interface{}) (int, error) {
	if err := r.record("api", method+" "+url); err != nil {
		return 502, err
	}
	return 200, nil
}

func (r *recorder) ScheduleDeferred(ctx context.Context, req DeferredRequest) (*models.DeferredTask, error) {
	if err := r.record("task", req.TaskType); err != nil {
		return nil, err
	}
	return &models.DeferredTask{ID: 1, TaskType: req.TaskType, RunAt: req.RunAt}, nil
}

func (r *recorder) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func (r *recorder) caps() Capabilities {
	return Capabilities{Mailer: r, SMS: r, Notifier: r, Status: r, Fields: r, HTTP: r, Tasks: r}
}

var fixedNow = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func newTestEngine(t *testing.T, store *memStore, resolver ContextResolver, rec *recorder) *Engine {
	t.Helper()
	renderer, err := NewRenderer("")
	require.NoError(t, err)
	d := NewDispatcher(time.Second, quietLogger())
	RegisterDefaultHandlers(d, rec.caps(), renderer, func() time.Time { return fixedNow })
	return NewEngine(store, store, resolver, d, Options{
		MaxRetryAttempts: 2,
		Logger:           quietLogger(),
		Now:              func() time.Time { return fixedNow },
	})
}

func applicationContext(status string, docs int, nationality string) map[string]interface{} {
	return map[string]interface{}{
		"application": map[string]interface{}{"id": 7, "status": status, "tracking_code": "MSC-7"},
		"applicant":   map[string]interface{}{"full_name": "Sara Ahmadi", "email": "sara@example.org", "nationality": nationality, "phone": "+989121234567"},
		"documents":   map[string]interface{}{"count": docs},
	}
}

func emailAction(order int) models.Action {
	return models.Action{ActionType: models.ActionSendEmail, Order: order, IsEnabled: true, Config: models.SendEmailConfig{
		EmailTo:      []string{"{{ applicant.email }}"},
		EmailSubject: "Application {{ application.tracking_code }}",
		EmailBody:    "Dear {{ applicant.full_name }}, status is {{ application.status }}",
	}}
}

func TestEngine_SubmittedApplicationMovesToReview(t *testing.T) {
	rule := models.Rule{
		ID: 1, Name: "auto review", TriggerType: models.TriggerApplicationSubmitted, IsActive: true, Priority: 50,
		Conditions: []models.Condition{{Field: "documents.count", Operator: models.OpGreaterThan, Value: models.NumberValue(2)}},
		Actions:    []models.Action{statusAction(1, "UNDER_UNIVERSITY_REVIEW"), emailAction(2)},
	}
	store := newMemStore(rule)
	rec := newRecorder()
	e := newTestEngine(t, store, staticResolver{data: map[uint]map[string]interface{}{7: applicationContext("SUBMITTED", 3, "IR")}}, rec)

	var seen []models.ExecutionStatus
	e.AddObserver(ObserverFunc(func(exec models.Execution) { seen = append(seen, exec.Status) }))

	execs, err := e.HandleEvent(context.Background(), Event{Trigger: models.TriggerApplicationSubmitted, SubjectID: 7})
	require.NoError(t, err)
	require.Len(t, execs, 1)

	exec := execs[0]
	assert.Equal(t, models.ExecutionCompleted, exec.Status)
	assert.Equal(t, 2, exec.ActionsTotal)
	assert.Equal(t, 2, exec.ActionsExecuted)
	require.NotNil(t, exec.CompletedAt)
	require.Len(t, exec.ExecutionLog, 2)
	assert.Equal(t, models.LogSuccess, exec.ExecutionLog[1].Status)
	assert.Equal(t, models.SourceEvent, exec.Source)
	assert.Equal(t, "SUBMITTED", exec.Context["application"].(map[string]interface{})["status"])

	// the status change is visible to the email rendered after it
	calls := rec.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, "status:UNDER_UNIVERSITY_REVIEW", calls[0])
	assert.Equal(t, "email:[sara@example.org]|Application MSC-7|Dear Sara Ahmadi, status is UNDER_UNIVERSITY_REVIEW", calls[1])

	stored, _ := store.GetRule(context.Background(), 1)
	assert.Equal(t, int64(1), stored.ExecutionCount)
	require.NotNil(t, stored.LastExecutedAt)

	assert.Equal(t, models.ExecutionPending, seen[0])
	assert.Equal(t, models.ExecutionCompleted, seen[len(seen)-1])
}

func TestEngine_FailFast(t *testing.T) {
	rule := models.Rule{
		ID: 1, Name: "notify", TriggerType: models.TriggerDocumentUploaded, IsActive: true,
		Actions: []models.Action{
			emailAction(1),
			{ActionType: models.ActionSendSMS, Order: 2, IsEnabled: true, Config: models.SendSMSConfig{SMSTo: []string{"{{ applicant.phone }}"}, SMSMessage: "hi"}},
			statusAction(3, "EDU_DOCS_UPLOADED"),
		},
	}
	store := newMemStore(rule)
	rec := newRecorder()
	rec.fail["sms"] = errors.New("gateway down")
	e := newTestEngine(t, store, staticResolver{data: map[uint]map[string]interface{}{7: applicationContext("EDU_INFO_COMPLETED", 1, "IR")}}, rec)

	execs, err := e.HandleEvent(context.Background(), Event{Trigger: models.TriggerDocumentUploaded, SubjectID: 7})
	require.NoError(t, err)
	require.Len(t, execs, 1)
	exec := execs[0]

	assert.Equal(t, models.ExecutionFailed, exec.Status)
	assert.Equal(t, 3, exec.ActionsTotal)
	assert.Equal(t, 1, exec.ActionsExecuted)
	require.Len(t, exec.ExecutionLog, 2)
	assert.Equal(t, models.LogFailed, exec.ExecutionLog[1].Status)
	assert.Contains(t, exec.ErrorMessage, "gateway down")
	assert.NotContains(t, rec.Calls(), "status:EDU_DOCS_UPLOADED")

	stored, _ := store.GetExecution(context.Background(), exec.ID)
	assert.Equal(t, models.ExecutionFailed, stored.Status)
	rule1, _ := store.GetRule(context.Background(), 1)
	assert.Equal(t, int64(1), rule1.ExecutionCount)
}

func TestEngine_DisabledActionsAreInvisible(t *testing.T) {
	disabled := statusAction(1, "INELIGIBLE")
	disabled.IsEnabled = false
	rule := models.Rule{ID: 1, Name: "r", TriggerType: models.TriggerScoreEntered, IsActive: true,
		Actions: []models.Action{disabled, emailAction(2)}}
	store := newMemStore(rule)
	rec := newRecorder()
	e := newTestEngine(t, store, staticResolver{data: map[uint]map[string]interface{}{7: applicationContext("SUBMITTED", 0, "IR")}}, rec)

	execs, err := e.HandleEvent(context.Background(), Event{Trigger: models.TriggerScoreEntered, SubjectID: 7})
	require.NoError(t, err)
	require.Len(t, execs, 1)
	assert.Equal(t, 1, execs[0].ActionsTotal)
	assert.Equal(t, 1, execs[0].ActionsExecuted)
	require.Len(t, execs[0].ExecutionLog, 1)
	assert.Equal(t, models.ActionSendEmail, execs[0].ExecutionLog[0].ActionType)
	assert.Len(t, rec.Calls(), 1)
}

func TestEngine_RuleSelection(t *testing.T) {
	nationality := []models.Condition{{Field: "applicant.nationality", Operator: models.OpIn, Value: models.SetValue("AF", "IQ")}}
	rules := []models.Rule{
		{ID: 1, Name: "low", TriggerType: models.TriggerStatusChanged, IsActive: true, Priority: 10, Actions: []models.Action{statusAction(1, "A")}},
		{ID: 2, Name: "high", TriggerType: models.TriggerStatusChanged, IsActive: true, Priority: 90, Actions: []models.Action{statusAction(1, "B")}},
		{ID: 3, Name: "inactive", TriggerType: models.TriggerStatusChanged, IsActive: false, Priority: 99, Actions: []models.Action{statusAction(1, "C")}},
		{ID: 4, Name: "foreign only", TriggerType: models.TriggerStatusChanged, IsActive: true, Priority: 95, Conditions: nationality, Actions: []models.Action{statusAction(1, "D")}},
		{ID: 5, Name: "manual", TriggerType: models.TriggerManual, IsActive: true, Actions: []models.Action{statusAction(1, "E")}},
	}
	store := newMemStore(rules...)
	rec := newRecorder()
	e := newTestEngine(t, store, staticResolver{data: map[uint]map[string]interface{}{7: applicationContext("SUBMITTED", 0, "IR")}}, rec)

	execs, err := e.HandleEvent(context.Background(), Event{Trigger: models.TriggerStatusChanged, SubjectID: 7, Payload: map[string]interface{}{"from": "NEW"}})
	require.NoError(t, err)
	require.Len(t, execs, 2)
	assert.Equal(t, uint(2), execs[0].RuleID)
	assert.Equal(t, uint(1), execs[1].RuleID)
	assert.Equal(t, []string{"status:B", "status:A"}, rec.Calls())
	assert.Equal(t, map[string]interface{}{"from": "NEW"}, execs[0].Context["event"])

	none, err := e.HandleEvent(context.Background(), Event{Trigger: models.TriggerManual, SubjectID: 7})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestEngine_HandleEventErrors(t *testing.T) {
	rule := models.Rule{ID: 1, Name: "r", TriggerType: models.TriggerReviewCompleted, IsActive: true, Actions: []models.Action{statusAction(1, "X")}}

	store := newMemStore(rule)
	e := newTestEngine(t, store, staticResolver{err: errors.New("db down")}, newRecorder())
	_, err := e.HandleEvent(context.Background(), Event{Trigger: models.TriggerReviewCompleted, SubjectID: 7})
	assert.True(t, IsEngineError(err))

	store.failRules = errors.New("db down")
	_, err = e.HandleEvent(context.Background(), Event{Trigger: models.TriggerReviewCompleted, SubjectID: 7})
	assert.True(t, IsEngineError(err))

	_, err = e.HandleEvent(context.Background(), Event{Trigger: "NOPE", SubjectID: 7})
	assert.True(t, IsValidation(err))
}

func TestEngine_ExecuteRule(t *testing.T) {
	rules := []models.Rule{
		{ID: 1, Name: "manual", TriggerType: models.TriggerManual, IsActive: true,
			Conditions: []models.Condition{{Field: "application.status", Operator: models.OpEquals, Value: models.StringValue("RETURNED_FOR_CORRECTION")}},
			Actions:    []models.Action{emailAction(1)}},
		{ID: 2, Name: "off", TriggerType: models.TriggerManual, IsActive: false, Actions: []models.Action{emailAction(1)}},
	}
	store := newMemStore(rules...)
	rec := newRecorder()
	e := newTestEngine(t, store, staticResolver{data: map[uint]map[string]interface{}{7: applicationContext("SUBMITTED", 0, "IR")}}, rec)

	res, err := e.ExecuteRule(context.Background(), 1, 7, nil)
	require.NoError(t, err)
	assert.False(t, res.Matched)
	assert.Nil(t, res.Execution)

	res, err = e.ExecuteRule(context.Background(), 1, 7, map[string]interface{}{"application.status": "RETURNED_FOR_CORRECTION"})
	require.NoError(t, err)
	require.True(t, res.Matched)
	assert.Equal(t, models.SourceManual, res.Execution.Source)
	assert.Equal(t, models.ExecutionCompleted, res.Execution.Status)

	_, err = e.ExecuteRule(context.Background(), 2, 7, nil)
	assert.True(t, errors.Is(err, ErrConflict))

	_, err = e.ExecuteRule(context.Background(), 99, 7, nil)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestEngine_TestRuleContextSources(t *testing.T) {
	rule := models.Rule{ID: 1, Name: "draft", TriggerType: models.TriggerApplicationSubmitted, IsActive: false,
		Conditions: []models.Condition{{Field: "documents.count", Operator: models.OpGreaterThan, Value: models.NumberValue(2)}},
		Actions:    []models.Action{statusAction(1, "UNDER_UNIVERSITY_REVIEW")}}
	store := newMemStore(rule)
	rec := newRecorder()
	e := newTestEngine(t, store, staticResolver{data: map[uint]map[string]interface{}{7: applicationContext("SUBMITTED", 1, "IR")}}, rec)

	// resolved from subject: 1 document, conditions fail
	res, err := e.TestRule(context.Background(), 1, 7, nil)
	require.NoError(t, err)
	assert.False(t, res.Matched)
	require.Len(t, res.Conditions, 1)
	assert.Equal(t, float64(1), res.Conditions[0].Actual)

	// supplied context wins
	res, err = e.TestRule(context.Background(), 1, 7, map[string]interface{}{"documents": map[string]interface{}{"count": 5}})
	require.NoError(t, err)
	require.True(t, res.Matched)
	assert.Equal(t, models.SourceTest, res.Execution.Source)
	assert.Equal(t, "APPLICATION_SUBMITTED", res.Execution.Context["trigger"].(map[string]interface{})["type"])

	// latest execution context is reused when nothing is supplied
	res, err = e.TestRule(context.Background(), 1, 0, nil)
	require.NoError(t, err)
	assert.True(t, res.Matched)

	stored, _ := store.GetRule(context.Background(), 1)
	assert.Equal(t, int64(0), stored.ExecutionCount)
}

func TestEngine_Retry(t *testing.T) {
	rule := models.Rule{ID: 1, Name: "api", TriggerType: models.TriggerInterviewScheduled, IsActive: true,
		Actions: []models.Action{{ActionType: models.ActionCallAPI, Order: 1, IsEnabled: true, Config: models.CallAPIConfig{APIURL: "https://calendar.example.org/hooks/{{ application.id }}"}}}}
	store := newMemStore(rule)
	rec := newRecorder()
	rec.fail["api"] = errors.New("503 Service Unavailable")
	e := newTestEngine(t, store, staticResolver{data: map[uint]map[string]interface{}{7: applicationContext("SUBMITTED", 0, "IR")}}, rec)

	execs, err := e.HandleEvent(context.Background(), Event{Trigger: models.TriggerInterviewScheduled, SubjectID: 7})
	require.NoError(t, err)
	orig := execs[0]
	require.Equal(t, models.ExecutionFailed, orig.Status)

	delete(rec.fail, "api")
	retry, err := e.Retry(context.Background(), orig.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionCompleted, retry.Status)
	assert.Equal(t, models.SourceRetry, retry.Source)
	require.NotNil(t, retry.RetryOfID)
	assert.Equal(t, orig.ID, *retry.RetryOfID)
	assert.Equal(t, 2, retry.Attempt)
	assert.NotEqual(t, orig.ID, retry.ID)
	assert.Equal(t, "api:POST https://calendar.example.org/hooks/7", rec.Calls()[1])

	stored, _ := store.GetExecution(context.Background(), orig.ID)
	assert.Equal(t, models.ExecutionFailed, stored.Status)
	assert.Len(t, stored.ExecutionLog, 1)

	_, err = e.Retry(context.Background(), retry.ID)
	assert.True(t, errors.Is(err, ErrConflict), "completed executions cannot be retried")

	_, err = e.Retry(context.Background(), 404)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestEngine_RetryLimit(t *testing.T) {
	rule := models.Rule{ID: 1, Name: "api", TriggerType: models.TriggerInterviewScheduled, IsActive: true,
		Actions: []models.Action{{ActionType: models.ActionCallAPI, Order: 1, IsEnabled: true, Config: models.CallAPIConfig{APIURL: "https://x.example.org"}}}}
	store := newMemStore(rule)
	rec := newRecorder()
	rec.fail["api"] = errors.New("down")
	e := newTestEngine(t, store, staticResolver{data: map[uint]map[string]interface{}{7: applicationContext("SUBMITTED", 0, "IR")}}, rec)

	execs, _ := e.HandleEvent(context.Background(), Event{Trigger: models.TriggerInterviewScheduled, SubjectID: 7})
	last := execs[0]
	for i := 0; i < 2; i++ {
		next, err := e.Retry(context.Background(), last.ID)
		require.NoError(t, err)
		last = next
	}
	assert.Equal(t, 3, last.Attempt)
	_, err := e.Retry(context.Background(), last.ID)
	assert.True(t, errors.Is(err, ErrConflict))
}

func TestEngine_RetryLimitCountsWholeChain(t *testing.T) {
	rule := models.Rule{ID: 1, Name: "api", TriggerType: models.TriggerInterviewScheduled, IsActive: true,
		Actions: []models.Action{{ActionType: models.ActionCallAPI, Order: 1, IsEnabled: true, Config: models.CallAPIConfig{APIURL: "https://x.example.org"}}}}
	store := newMemStore(rule)
	rec := newRecorder()
	rec.fail["api"] = errors.New("down")
	e := newTestEngine(t, store, staticResolver{data: map[uint]map[string]interface{}{7: applicationContext("SUBMITTED", 0, "IR")}}, rec)

	execs, _ := e.HandleEvent(context.Background(), Event{Trigger: models.TriggerInterviewScheduled, SubjectID: 7})
	orig := execs[0]
	require.Equal(t, models.ExecutionFailed, orig.Status)

	var accepted []*models.Execution
	for i := 0; i < 5; i++ {
		retry, err := e.Retry(context.Background(), orig.ID)
		if err != nil {
			assert.True(t, errors.Is(err, ErrConflict), "attempt %d: %v", i, err)
			continue
		}
		accepted = append(accepted, retry)
	}
	require.Len(t, accepted, 2, "max_retry_attempts bounds retries of the same original")
	for _, r := range accepted {
		require.NotNil(t, r.RetryRootID)
		assert.Equal(t, orig.ID, *r.RetryRootID)
	}
	assert.Len(t, rec.Calls(), 3, "one live call plus two retries")

	// retrying a retry still counts against the original chain
	_, err := e.Retry(context.Background(), accepted[1].ID)
	assert.True(t, errors.Is(err, ErrConflict))
	assert.Len(t, rec.Calls(), 3)
}

func TestEngine_ToggleStopsFiring(t *testing.T) {
	rule := models.Rule{ID: 1, Name: "r", TriggerType: models.TriggerDeadlineApproaching, IsActive: true, Actions: []models.Action{emailAction(1)}}
	store := newMemStore(rule)
	e := newTestEngine(t, store, staticResolver{data: map[uint]map[string]interface{}{7: applicationContext("NEW", 0, "IR")}}, newRecorder())

	execs, _ := e.HandleEvent(context.Background(), Event{Trigger: models.TriggerDeadlineApproaching, SubjectID: 7})
	assert.Len(t, execs, 1)

	store.rules[1].IsActive = false
	execs, _ = e.HandleEvent(context.Background(), Event{Trigger: models.TriggerDeadlineApproaching, SubjectID: 7})
	assert.Empty(t, execs)
}

func TestEngine_ScheduleAndNotifyActions(t *testing.T) {
	rule := models.Rule{ID: 1, Name: "remind", TriggerType: models.TriggerDeadlineApproaching, IsActive: true, Actions: []models.Action{
		{ActionType: models.ActionCreateNotification, Order: 1, IsEnabled: true, Config: models.CreateNotificationConfig{
			NotificationType: "DEADLINE", NotificationMessage: "{{ applicant.full_name }}, 2 days left"}},
		{ActionType: models.ActionScheduleTask, Order: 2, IsEnabled: true, Config: models.ScheduleTaskConfig{TaskType: "SEND_REMINDER", TaskDelayHours: 24}},
		{ActionType: models.ActionUpdateField, Order: 3, IsEnabled: true, Config: models.UpdateFieldConfig{FieldName: "review_comment", FieldValue: "reminded {{ applicant.full_name }}"}},
	}}
	store := newMemStore(rule)
	rec := newRecorder()
	e := newTestEngine(t, store, staticResolver{data: map[uint]map[string]interface{}{7: applicationContext("NEW", 0, "IR")}}, rec)

	execs, err := e.HandleEvent(context.Background(), Event{Trigger: models.TriggerDeadlineApproaching, SubjectID: 7})
	require.NoError(t, err)
	require.Equal(t, models.ExecutionCompleted, execs[0].Status)
	assert.Equal(t, []string{
		"notify:[sara@example.org]|NORMAL|Sara Ahmadi, 2 days left",
		"task:SEND_REMINDER",
		"field:review_comment=reminded Sara Ahmadi",
	}, rec.Calls())
	assert.Contains(t, execs[0].ExecutionLog[1].Message, "2026-03-02T09:00:00Z")
}

func TestEngine_UpdateFieldMergesStoredValue(t *testing.T) {
	rec := newRecorder()
	rec.stored = map[string]interface{}{"total_score": 85.0}
	renderer, err := NewRenderer("")
	require.NoError(t, err)
	d := NewDispatcher(time.Second, quietLogger())
	RegisterDefaultHandlers(d, rec.caps(), renderer, func() time.Time { return fixedNow })

	tree, err := NewContextTree(applicationContext("NEW", 0, "IR"))
	require.NoError(t, err)
	res, err := d.Dispatch(context.Background(), ActionRequest{
		Action: models.Action{ActionType: models.ActionUpdateField, Order: 1, IsEnabled: true,
			Config: models.UpdateFieldConfig{FieldName: "total_score", FieldValue: "85"}},
		Execution: &models.Execution{SubjectID: 7},
		Tree:      tree,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"field:total_score=85"}, rec.Calls())
	// 上下文拿到的是存储后的数值，而不是配置里的字符串
	assert.Equal(t, 85.0, res.Updates["application.total_score"])
	assert.Equal(t, "field total_score set to 85", res.Message)

	tree = tree.With("application.total_score", res.Updates["application.total_score"])
	ok, _ := NewEvaluator(quietLogger()).Evaluate([]models.Condition{
		{Field: "application.total_score", Operator: models.OpGreaterThan, Value: models.NumberValue(80)},
	}, tree)
	assert.True(t, ok)
}

func TestEngine_SchedulingFailureFailsAction(t *testing.T) {
	rule := models.Rule{ID: 1, Name: "r", TriggerType: models.TriggerDeadlineApproaching, IsActive: true, Actions: []models.Action{
		{ActionType: models.ActionScheduleTask, Order: 1, IsEnabled: true, Config: models.ScheduleTaskConfig{TaskType: "SEND_REMINDER"}},
	}}
	store := newMemStore(rule)
	rec := newRecorder()
	rec.fail["task"] = errors.New("disk full")
	e := newTestEngine(t, store, staticResolver{data: map[uint]map[string]interface{}{7: applicationContext("NEW", 0, "IR")}}, rec)

	execs, err := e.HandleEvent(context.Background(), Event{Trigger: models.TriggerDeadlineApproaching, SubjectID: 7})
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionFailed, execs[0].Status)
	assert.Contains(t, execs[0].ErrorMessage, "schedule SEND_REMINDER")
}
