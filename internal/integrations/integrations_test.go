package integrations

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/smtp"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"admitflow/internal/config"
	"admitflow/internal/models"
	"admitflow/internal/workflow"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var testNow = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, _ := db.DB()
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := db.AutoMigrate(models.AllModels()...); err != nil {
		t.Fatalf("auto migrate: %v", err)
	}
	return db
}

func seedApplication(t *testing.T, db *gorm.DB, status models.ApplicationStatus) *models.Application {
	t.Helper()
	applicant := &models.Applicant{FullName: "Sara Ahmadi", Email: "sara@example.org", Phone: "+989120000000", Nationality: "IR"}
	require.NoError(t, db.Create(applicant).Error)
	program := &models.Program{Code: "CS-MSC", Name: "Computer Science", DegreeLevel: "MA", Faculty: "Engineering", Capacity: 30}
	require.NoError(t, db.Create(program).Error)
	deadline := testNow.Add(50 * time.Hour)
	app := &models.Application{
		TrackingCode: fmt.Sprintf("TRK-%d", time.Now().UnixNano()),
		ApplicantID:  applicant.ID,
		ProgramID:    &program.ID,
		Status:       status,
		TotalScore:   17.5,
		DeadlineAt:   &deadline,
	}
	require.NoError(t, db.Create(app).Error)
	for _, d := range []models.ApplicationDocument{
		{ApplicationID: app.ID, Type: "NATIONAL_CARD", Status: "APPROVED", FileName: "card.jpg"},
		{ApplicationID: app.ID, Type: "TRANSCRIPT", Status: "PENDING", FileName: "transcript.pdf"},
	} {
		d := d
		require.NoError(t, db.Create(&d).Error)
	}
	return app
}

func TestPortal_Resolve(t *testing.T) {
	db := newTestDB(t)
	app := seedApplication(t, db, models.StatusSubmitted)
	p := NewPortal(db, quietLogger()).WithClock(func() time.Time { return testNow })

	tree, err := p.Resolve(context.Background(), models.TriggerApplicationSubmitted, app.ID)
	require.NoError(t, err)

	tests := []struct {
		path string
		want interface{}
	}{
		{"application.status", "SUBMITTED"},
		{"application.total_score", 17.5},
		{"application.days_to_deadline", float64(3)},
		{"applicant.email", "sara@example.org"},
		{"applicant.nationality", "IR"},
		{"program.name", "Computer Science"},
		{"documents.count", float64(2)},
		{"documents.approved_count", float64(1)},
		{"documents.items.1.type", "TRANSCRIPT"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			assert.Equal(t, tt.want, tree.Get(tt.path))
		})
	}
	assert.Equal(t, workflow.Absent, tree.Get("application.interview_at"))
	assert.Equal(t, []interface{}{"NATIONAL_CARD", "TRANSCRIPT"}, tree.Get("documents.types"))

	_, err = p.Resolve(context.Background(), models.TriggerApplicationSubmitted, 9999)
	assert.True(t, errors.Is(err, workflow.ErrNotFound))

	empty, err := p.Resolve(context.Background(), models.TriggerManual, 0)
	require.NoError(t, err)
	assert.False(t, empty.Has("application"))
}

func TestPortal_ChangeStatus(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	app := seedApplication(t, db, models.StatusSubmitted)
	p := NewPortal(db, quietLogger()).WithClock(func() time.Time { return testNow })

	prev, err := p.ChangeStatus(ctx, app.ID, "UNDER_REVIEW")
	require.NoError(t, err)
	assert.Equal(t, "SUBMITTED", prev)

	var got models.Application
	require.NoError(t, db.First(&got, app.ID).Error)
	assert.Equal(t, models.StatusUnderReview, got.Status)

	var timeline []models.ApplicationTimelineEntry
	require.NoError(t, db.Where("application_id = ?", app.ID).Find(&timeline).Error)
	require.Len(t, timeline, 1)
	assert.Equal(t, "SUBMITTED", timeline[0].FromStatus)
	assert.Equal(t, "UNDER_REVIEW", timeline[0].ToStatus)
	assert.Equal(t, "workflow", timeline[0].CreatedBy)

	prev, err = p.ChangeStatus(ctx, app.ID, "UNDER_REVIEW")
	require.NoError(t, err, "same status is a no-op")
	assert.Equal(t, "UNDER_REVIEW", prev)

	_, err = p.ChangeStatus(ctx, app.ID, "NEW")
	assert.EqualError(t, err, "status transition UNDER_REVIEW -> NEW is not allowed")

	_, err = p.ChangeStatus(ctx, app.ID, "ON_HOLD")
	assert.EqualError(t, err, `unknown application status "ON_HOLD"`)

	_, err = p.ChangeStatus(ctx, 9999, "UNDER_REVIEW")
	assert.Error(t, err)
}

func TestPortal_TransitionFromStaleStatus(t *testing.T) {
	db := newTestDB(t)
	app := seedApplication(t, db, models.StatusSubmitted)
	p := NewPortal(db, quietLogger()).WithClock(func() time.Time { return testNow })

	var stale models.Application
	require.NoError(t, db.First(&stale, app.ID).Error)

	// 另一个事件先完成了 SUBMITTED -> UNDER_REVIEW
	_, err := p.ChangeStatus(context.Background(), app.ID, "UNDER_REVIEW")
	require.NoError(t, err)

	err = p.transition(db, stale, models.StatusUnderUniversityReview)
	assert.True(t, errors.Is(err, ErrStatusChanged), "got %v", err)

	var got models.Application
	require.NoError(t, db.First(&got, app.ID).Error)
	assert.Equal(t, models.StatusUnderReview, got.Status)

	var count int64
	require.NoError(t, db.Model(&models.ApplicationTimelineEntry{}).Where("application_id = ?", app.ID).Count(&count).Error)
	assert.Equal(t, int64(1), count, "the losing transition writes no timeline entry")
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to models.ApplicationStatus
		want     bool
	}{
		{models.StatusSubmitted, models.StatusUnderReview, true},
		{models.StatusSubmitted, models.StatusCompleted, false},
		{models.StatusReturnedForCorrection, models.StatusSubmitted, true},
		{models.StatusCompleted, models.StatusNew, false},
		{models.StatusFacultyReviewCompleted, models.StatusCompleted, true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, CanTransition(tt.from, tt.to), "%s -> %s", tt.from, tt.to)
	}
	assert.True(t, KnownStatus(models.StatusDeleted))
	assert.False(t, KnownStatus("ARCHIVED"))
}

func TestPortal_UpdateField(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	app := seedApplication(t, db, models.StatusSubmitted)
	p := NewPortal(db, quietLogger()).WithClock(func() time.Time { return testNow })

	stored, err := p.UpdateField(ctx, app.ID, "review_comment", "transcript unreadable")
	require.NoError(t, err)
	assert.Equal(t, "transcript unreadable", stored)
	stored, err = p.UpdateField(ctx, app.ID, "total_score", "18.25")
	require.NoError(t, err)
	assert.Equal(t, 18.25, stored)
	stored, err = p.UpdateField(ctx, app.ID, "interview_at", "2026-03-10T13:30:00+03:30")
	require.NoError(t, err)
	assert.Equal(t, "2026-03-10T10:00:00Z", stored)

	var got models.Application
	require.NoError(t, db.First(&got, app.ID).Error)
	assert.Equal(t, "transcript unreadable", got.ReviewComment)
	assert.Equal(t, 18.25, got.TotalScore)
	require.NotNil(t, got.InterviewAt)
	assert.True(t, got.InterviewAt.Equal(time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)))

	tests := []struct {
		name  string
		field string
		value interface{}
		err   string
	}{
		{"not whitelisted", "status", "COMPLETED", `field "status" cannot be updated by workflows`},
		{"bad number", "total_score", "high", `field total_score: "high" is not a number`},
		{"bad time", "deadline_at", "tomorrow", `field deadline_at: "tomorrow" is not an RFC3339 timestamp`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stored, err := p.UpdateField(ctx, app.ID, tt.field, tt.value)
			assert.EqualError(t, err, tt.err)
			assert.Nil(t, stored)
		})
	}
	_, err = p.UpdateField(ctx, 9999, "review_comment", "x")
	assert.EqualError(t, err, "application 9999 not found")
}

func TestPortal_CreateNotification(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	p := NewPortal(db, quietLogger()).WithClock(func() time.Time { return testNow })

	err := p.CreateNotification(ctx, workflow.NotificationRequest{
		SubjectID:  5,
		Type:       "STATUS_UPDATE",
		Title:      "Under review",
		Message:    "Your application is under review",
		Priority:   "HIGH",
		Recipients: []string{"sara@example.org", "admissions-office"},
	})
	require.NoError(t, err)

	var rows []models.Notification
	require.NoError(t, db.Order("id").Find(&rows).Error)
	require.Len(t, rows, 2)
	assert.Equal(t, "sara@example.org", rows[0].Recipient)
	assert.Equal(t, "admissions-office", rows[1].Recipient)
	assert.Equal(t, "HIGH", rows[0].Priority)

	assert.Error(t, p.CreateNotification(ctx, workflow.NotificationRequest{Type: "X", Message: "m"}))
}

func TestBreakers(t *testing.T) {
	now := testNow
	bs := NewBreakers(config.CircuitBreakerConfig{MaxFailures: 2, ResetTimeout: time.Minute, HalfOpenMaxReqs: 1}, func() time.Time { return now })

	assert.True(t, bs.Allow("a.example"))
	bs.Record("a.example", false)
	assert.Equal(t, BreakerClosed, bs.State("a.example"))
	bs.Record("a.example", false)
	assert.Equal(t, BreakerOpen, bs.State("a.example"))
	assert.False(t, bs.Allow("a.example"))
	assert.True(t, bs.Allow("b.example"), "breakers are per host")

	now = now.Add(2 * time.Minute)
	assert.True(t, bs.Allow("a.example"))
	assert.Equal(t, BreakerHalfOpen, bs.State("a.example"))
	assert.False(t, bs.Allow("a.example"), "only one trial call while half-open")

	bs.Record("a.example", true)
	assert.Equal(t, BreakerClosed, bs.State("a.example"))
	assert.Equal(t, map[string]string{"a.example": "closed", "b.example": "closed"}, bs.Snapshot())
}

func TestHTTPCaller(t *testing.T) {
	var hits int32
	var lastBody string
	var lastType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		b, _ := io.ReadAll(r.Body)
		lastBody = string(b)
		lastType = r.Header.Get("Content-Type")
		switch r.URL.Path {
		case "/ok":
			w.WriteHeader(http.StatusCreated)
		case "/missing":
			w.WriteHeader(http.StatusNotFound)
		default:
			w.WriteHeader(http.StatusBadGateway)
		}
	}))
	defer srv.Close()

	cfg := config.HTTPClientConfig{
		Timeout:        time.Second,
		CircuitBreaker: config.CircuitBreakerConfig{Enabled: true, MaxFailures: 2, ResetTimeout: time.Hour, HalfOpenMaxReqs: 1},
	}
	c := NewHTTPCaller(cfg, quietLogger()).WithClient(srv.Client())
	ctx := context.Background()

	code, err := c.Call(ctx, srv.URL+"/ok", "post", map[string]interface{}{"id": 7})
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, code)
	assert.JSONEq(t, `{"id":7}`, lastBody)
	assert.Equal(t, "application/json", lastType)

	_, err = c.Call(ctx, srv.URL+"/ok", "PUT", "plain text")
	require.NoError(t, err)
	assert.Equal(t, "plain text", lastBody)
	assert.True(t, strings.HasPrefix(lastType, "text/plain"))

	code, err = c.Call(ctx, srv.URL+"/missing", "GET", nil)
	assert.Error(t, err)
	assert.Equal(t, http.StatusNotFound, code)

	_, err = c.Call(ctx, "ftp://example.org/x", "GET", nil)
	assert.EqualError(t, err, `invalid api url "ftp://example.org/x"`)

	for i := 0; i < 2; i++ {
		_, err = c.Call(ctx, srv.URL+"/broken", "POST", nil)
		assert.Error(t, err)
	}
	before := atomic.LoadInt32(&hits)
	_, err = c.Call(ctx, srv.URL+"/ok", "POST", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "circuit open")
	assert.Equal(t, before, atomic.LoadInt32(&hits), "open circuit does not reach the server")
}

func TestSMSGateway(t *testing.T) {
	var got smsRequest
	var auth string
	status := http.StatusOK
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(status)
		_, _ = w.Write([]byte("quota exceeded"))
	}))
	defer srv.Close()

	g := NewSMSGateway(config.SMSConfig{GatewayURL: srv.URL, APIKey: "k-123", Sender: "ADMIT"}, srv.Client())
	require.NoError(t, g.SendSMS(context.Background(), []string{"+989120000000"}, "Interview tomorrow"))
	assert.Equal(t, "Bearer k-123", auth)
	assert.Equal(t, smsRequest{To: []string{"+989120000000"}, Message: "Interview tomorrow", Sender: "ADMIT"}, got)

	status = http.StatusTooManyRequests
	err := g.SendSMS(context.Background(), []string{"+1"}, "x")
	assert.EqualError(t, err, "sms gateway returned 429: quota exceeded")
}

func TestSMTPMailer(t *testing.T) {
	m := NewSMTPMailer(config.SMTPConfig{Host: "mail.example.org", Port: 587, Username: "u", Password: "p", From: "admissions@example.org"}, quietLogger())
	m.now = func() time.Time { return testNow }

	var addr, from string
	var to []string
	var msg []byte
	m.send = func(a string, _ smtp.Auth, f string, rcpt []string, body []byte) error {
		addr, from, to, msg = a, f, rcpt, body
		return nil
	}
	require.NoError(t, m.SendEmail(context.Background(), []string{"sara@example.org"}, "Application received", "Hello Sara\nThanks"))
	assert.Equal(t, "mail.example.org:587", addr)
	assert.Equal(t, "admissions@example.org", from)
	assert.Equal(t, []string{"sara@example.org"}, to)
	assert.Contains(t, string(msg), "Subject: Application received\r\n")
	assert.Contains(t, string(msg), "Content-Type: text/plain; charset=UTF-8\r\n")
	assert.True(t, strings.HasSuffix(string(msg), "Hello Sara\r\nThanks"))

	m.send = func(string, smtp.Auth, string, []string, []byte) error { return errors.New("550 mailbox unavailable") }
	err := m.SendEmail(context.Background(), []string{"x@example.org"}, "s", "b")
	assert.EqualError(t, err, "smtp mail.example.org:587: 550 mailbox unavailable")

	block := make(chan struct{})
	defer close(block)
	m.send = func(string, smtp.Auth, string, []string, []byte) error { <-block; return nil }
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, m.SendEmail(ctx, []string{"x@example.org"}, "s", "b"), context.DeadlineExceeded)

	assert.EqualError(t, m.SendEmail(context.Background(), nil, "s", "b"), "no recipients")
}

func TestCapabilitiesFallbacks(t *testing.T) {
	cfg := config.GetDefaultConfig()
	caps, caller := Capabilities(cfg, NewPortal(nil, quietLogger()), nil, quietLogger())
	assert.IsType(t, LogMailer{}, caps.Mailer)
	assert.IsType(t, LogSMS{}, caps.SMS)
	assert.NotNil(t, caller.Breakers())
	assert.NoError(t, caps.Mailer.SendEmail(context.Background(), []string{"a@b"}, "s", "b"))

	cfg.SMTP.Host = "smtp.example.org"
	cfg.SMS.GatewayURL = "https://sms.example.org/send"
	caps, _ = Capabilities(cfg, NewPortal(nil, quietLogger()), nil, quietLogger())
	assert.IsType(t, &SMTPMailer{}, caps.Mailer)
	assert.IsType(t, &SMSGateway{}, caps.SMS)
}
