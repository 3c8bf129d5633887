package api

import (
	"database/sql"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"sms-dispatch/internal/messages"
	"sms-dispatch/internal/queue"
	"sms-dispatch/internal/receipt"
)

func newTestApp(t *testing.T) (*fiber.App, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatal(err)
	}

	logger := zap.NewNop()
	queueStore := queue.NewStore(db, logger)
	queueService := queue.NewService(queueStore, logger, "FR", time.Minute)
	messageStore := messages.NewStore(db, logger)
	messageService := messages.NewService(messageStore, logger, "SMS-PLATFORM", nil)
	receiptService := receipt.NewService(messageService, receipt.NoopVerifier{}, logger, nil)

	handlers := NewHandlers(queueService, messageService, receiptService, logger, 30)

	app := fiber.New()
	SetupRoutes(app, logger, nil, handlers, "", nil, false)

	return app, mock, func() { db.Close() }
}

func expectStats(mock sqlmock.Sqlmock, pending, processing, sent, failed int64) {
	mock.ExpectQuery(`SELECT status, COUNT\(\*\) FROM sms_queue GROUP BY status`).
		WillReturnRows(sqlmock.NewRows([]string{"status", "count"}).
			AddRow("pending", pending).
			AddRow("processing", processing).
			AddRow("sent", sent).
			AddRow("failed", failed))
	mock.ExpectQuery(`SELECT priority, COUNT\(\*\) FROM sms_queue`).
		WillReturnRows(sqlmock.NewRows([]string{"priority", "count"}).AddRow(5, pending))
	mock.ExpectQuery(`SELECT COALESCE\(AVG`).
		WillReturnRows(sqlmock.NewRows([]string{"avg"}).AddRow(1.5))
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM sms_queue WHERE status = 'pending' AND scheduled_at > NOW\(\)`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
}

func TestQueueHealthHealthy(t *testing.T) {
	app, mock, cleanup := newTestApp(t)
	defer cleanup()

	expectStats(mock, 10, 1, 95, 5)

	resp, err := app.Test(httptest.NewRequest("GET", "/api/v1/queue/health", nil))
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != 200 {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}
}

func TestQueueHealthWarnsOnBacklog(t *testing.T) {
	app, mock, cleanup := newTestApp(t)
	defer cleanup()

	expectStats(mock, 20000, 1, 95, 5)

	resp, err := app.Test(httptest.NewRequest("GET", "/api/v1/queue/health", nil))
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != 200 {
		t.Errorf("Expected status 200 with warning, got %d", resp.StatusCode)
	}
}

func TestQueueHealthUnhealthyOnDBFailure(t *testing.T) {
	app, mock, cleanup := newTestApp(t)
	defer cleanup()

	mock.ExpectQuery(`SELECT status, COUNT\(\*\) FROM sms_queue GROUP BY status`).
		WillReturnError(sql.ErrConnDone)

	resp, err := app.Test(httptest.NewRequest("GET", "/api/v1/queue/health", nil))
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != 503 {
		t.Errorf("Expected status 503, got %d", resp.StatusCode)
	}
}

func TestCancelItemSuccess(t *testing.T) {
	app, mock, cleanup := newTestApp(t)
	defer cleanup()

	mock.ExpectExec(`UPDATE sms_queue\s+SET status = 'cancelled'`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	resp, err := app.Test(httptest.NewRequest("POST", "/api/v1/queue/items/7/cancel", nil))
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != 200 {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}
}

func TestCancelItemNotCancellable(t *testing.T) {
	app, mock, cleanup := newTestApp(t)
	defer cleanup()

	mock.ExpectExec(`UPDATE sms_queue\s+SET status = 'cancelled'`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	resp, err := app.Test(httptest.NewRequest("POST", "/api/v1/queue/items/7/cancel", nil))
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != 404 {
		t.Errorf("Expected status 404, got %d", resp.StatusCode)
	}
}

func TestRetryItemNotRetryable(t *testing.T) {
	app, mock, cleanup := newTestApp(t)
	defer cleanup()

	mock.ExpectExec(`UPDATE sms_queue\s+SET status = 'pending'`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	resp, err := app.Test(httptest.NewRequest("POST", "/api/v1/queue/items/7/retry", nil))
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != 404 {
		t.Errorf("Expected status 404, got %d", resp.StatusCode)
	}
}

func TestListItemsRejectsBadStatus(t *testing.T) {
	app, _, cleanup := newTestApp(t)
	defer cleanup()

	resp, err := app.Test(httptest.NewRequest("GET", "/api/v1/queue/items?status=bogus", nil))
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != 400 {
		t.Errorf("Expected status 400, got %d", resp.StatusCode)
	}
}

func TestCleanupRejectsBadDays(t *testing.T) {
	app, _, cleanup := newTestApp(t)
	defer cleanup()

	resp, err := app.Test(httptest.NewRequest("POST", "/api/v1/queue/cleanup?days=0", nil))
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != 400 {
		t.Errorf("Expected status 400, got %d", resp.StatusCode)
	}
}

func TestCleanupDryRun(t *testing.T) {
	app, mock, cleanup := newTestApp(t)
	defer cleanup()

	mock.ExpectQuery(`SELECT status, COUNT\(\*\) FROM sms_queue`).
		WithArgs(30).
		WillReturnRows(sqlmock.NewRows([]string{"status", "count"}).AddRow("sent", 10))

	resp, err := app.Test(httptest.NewRequest("POST", "/api/v1/queue/cleanup?days=30&dry_run=true", nil))
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != 200 {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}
}

func TestDeliveryWebhookRejectsMissingFields(t *testing.T) {
	app, _, cleanup := newTestApp(t)
	defer cleanup()

	form := url.Values{"MessageSid": {"SM1"}}
	req := httptest.NewRequest("POST", "/api/v1/webhooks/sms/delivery", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := app.Test(req)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != 400 {
		t.Errorf("Expected status 400, got %d", resp.StatusCode)
	}
}

func TestDeliveryWebhookAcknowledgesUnknownMessage(t *testing.T) {
	app, mock, cleanup := newTestApp(t)
	defer cleanup()

	mock.ExpectQuery(`SELECT .+ FROM messages`).
		WillReturnError(sql.ErrNoRows)

	form := url.Values{"MessageSid": {"SM-lost"}, "MessageStatus": {"delivered"}}
	req := httptest.NewRequest("POST", "/api/v1/webhooks/sms/delivery", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := app.Test(req)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != 200 {
		t.Errorf("Expected status 200 for unknown message, got %d", resp.StatusCode)
	}
}

func TestStatusWebhookUnknownMessage(t *testing.T) {
	app, mock, cleanup := newTestApp(t)
	defer cleanup()

	mock.ExpectQuery(`SELECT .+ FROM messages`).
		WillReturnError(sql.ErrNoRows)

	form := url.Values{"MessageStatus": {"delivered"}}
	req := httptest.NewRequest("POST", "/api/v1/webhooks/sms/status/99", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := app.Test(req)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != 404 {
		t.Errorf("Expected status 404, got %d", resp.StatusCode)
	}
}

func TestStatusWebhookRejectsMissingStatus(t *testing.T) {
	app, _, cleanup := newTestApp(t)
	defer cleanup()

	req := httptest.NewRequest("POST", "/api/v1/webhooks/sms/status/99", strings.NewReader(""))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := app.Test(req)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != 400 {
		t.Errorf("Expected status 400, got %d", resp.StatusCode)
	}
}

func TestHealthz(t *testing.T) {
	app, _, cleanup := newTestApp(t)
	defer cleanup()

	resp, err := app.Test(httptest.NewRequest("GET", "/healthz", nil))
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != 200 {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}
}
