package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"go.uber.org/zap"
)

func newService(t *testing.T) (*Service, sqlmock.Sqlmock, func()) {
	t.Helper()
	store, mock, cleanup := newMockStore(t)
	return NewService(store, zap.NewNop(), "FR", time.Minute), mock, cleanup
}

func TestSubmitRejectsEmptyContent(t *testing.T) {
	svc, _, cleanup := newService(t)
	defer cleanup()

	_, err := svc.Submit(context.Background(), SubmitRequest{ContactID: 1})
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("Expected ValidationError, got %v", err)
	}
	if verr.Field != "message_content" {
		t.Errorf("Expected message_content, got %s", verr.Field)
	}
}

func TestSubmitRejectsPriorityOutOfRange(t *testing.T) {
	svc, _, cleanup := newService(t)
	defer cleanup()

	for _, p := range []int{-1, 11} {
		priority := p
		_, err := svc.Submit(context.Background(), SubmitRequest{
			ContactID: 1,
			Content:   "hello",
			Priority:  &priority,
		})
		var verr *ValidationError
		if !errors.As(err, &verr) || verr.Field != "priority" {
			t.Errorf("Expected priority ValidationError for %d, got %v", p, err)
		}
	}
}

func TestSubmitRejectsMaxAttemptsOutOfRange(t *testing.T) {
	svc, _, cleanup := newService(t)
	defer cleanup()

	for _, m := range []int{0, 11} {
		maxAttempts := m
		_, err := svc.Submit(context.Background(), SubmitRequest{
			ContactID:   1,
			Content:     "hello",
			MaxAttempts: &maxAttempts,
		})
		var verr *ValidationError
		if !errors.As(err, &verr) || verr.Field != "max_attempts" {
			t.Errorf("Expected max_attempts ValidationError for %d, got %v", m, err)
		}
	}
}

func TestSubmitRejectsUnknownContact(t *testing.T) {
	svc, mock, cleanup := newService(t)
	defer cleanup()

	mock.ExpectQuery(`SELECT numero_telephone FROM contacts`).
		WithArgs(int64(99)).
		WillReturnRows(sqlmock.NewRows([]string{"numero_telephone"}))

	_, err := svc.Submit(context.Background(), SubmitRequest{ContactID: 99, Content: "hello"})
	var verr *ValidationError
	if !errors.As(err, &verr) || verr.Field != "contact_id" {
		t.Errorf("Expected contact_id ValidationError, got %v", err)
	}
}

func TestSubmitRejectsInvalidPhone(t *testing.T) {
	svc, mock, cleanup := newService(t)
	defer cleanup()

	mock.ExpectQuery(`SELECT numero_telephone FROM contacts`).
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"numero_telephone"}).AddRow("123"))

	_, err := svc.Submit(context.Background(), SubmitRequest{ContactID: 1, Content: "hello"})
	var verr *ValidationError
	if !errors.As(err, &verr) || verr.Field != "contact_id" {
		t.Errorf("Expected contact_id ValidationError, got %v", err)
	}
}

func TestSubmitRejectsInactiveCampaign(t *testing.T) {
	svc, mock, cleanup := newService(t)
	defer cleanup()

	mock.ExpectQuery(`SELECT numero_telephone FROM contacts`).
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"numero_telephone"}).AddRow("+33612345678"))
	mock.ExpectQuery(`SELECT statut FROM campagnes`).
		WithArgs(int64(4)).
		WillReturnRows(sqlmock.NewRows([]string{"statut"}).AddRow("completed"))

	campaignID := int64(4)
	_, err := svc.Submit(context.Background(), SubmitRequest{
		CampaignID: &campaignID,
		ContactID:  1,
		Content:    "hello",
	})
	var verr *ValidationError
	if !errors.As(err, &verr) || verr.Field != "campaign_id" {
		t.Errorf("Expected campaign_id ValidationError, got %v", err)
	}
}

func TestSubmitDefaultsAndPersists(t *testing.T) {
	svc, mock, cleanup := newService(t)
	defer cleanup()

	mock.ExpectQuery(`SELECT numero_telephone FROM contacts`).
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"numero_telephone"}).AddRow("+33612345678"))
	mock.ExpectQuery(`INSERT INTO sms_queue`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(17, time.Now()))

	item, err := svc.Submit(context.Background(), SubmitRequest{ContactID: 1, Content: "hello"})
	if err != nil {
		t.Fatal(err)
	}
	if item.ID != 17 {
		t.Errorf("Expected id 17, got %d", item.ID)
	}
	if item.Priority != DefaultPriority {
		t.Errorf("Expected default priority %d, got %d", DefaultPriority, item.Priority)
	}
	if item.MaxAttempts != DefaultMaxAttempts {
		t.Errorf("Expected default max attempts %d, got %d", DefaultMaxAttempts, item.MaxAttempts)
	}
	if item.Status != StatusPending {
		t.Errorf("Expected pending, got %s", item.Status)
	}
}

func TestStatsSuccessRate(t *testing.T) {
	stats := &Stats{StatusCounts: map[Status]int64{StatusSent: 90, StatusFailed: 10}}
	if rate := stats.SuccessRate(); rate != 90 {
		t.Errorf("Expected 90, got %f", rate)
	}

	empty := &Stats{StatusCounts: map[Status]int64{}}
	if rate := empty.SuccessRate(); rate != 100 {
		t.Errorf("Expected 100 for empty queue, got %f", rate)
	}
}

func TestStatusTerminal(t *testing.T) {
	for _, s := range []Status{StatusSent, StatusFailed, StatusCancelled} {
		if !s.Terminal() {
			t.Errorf("Expected %s to be terminal", s)
		}
	}
	for _, s := range []Status{StatusPending, StatusProcessing} {
		if s.Terminal() {
			t.Errorf("Expected %s to be non-terminal", s)
		}
	}
}
