package messages

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"go.uber.org/zap"

	"sms-dispatch/internal/queue"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatal(err)
	}
	return NewStore(db, zap.NewNop()), mock, func() { db.Close() }
}

func expectMessageLock(mock sqlmock.Sqlmock, id int64, finalStatus any, deliveredAt any) {
	mock.ExpectQuery(`SELECT final_status, delivery_timestamp FROM messages WHERE id = \$1 FOR UPDATE`).
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows([]string{"final_status", "delivery_timestamp"}).
			AddRow(finalStatus, deliveredAt))
}

func TestAppendEventOneTransaction(t *testing.T) {
	store, mock, cleanup := newMockStore(t)
	defer cleanup()

	mock.ExpectBegin()
	expectMessageLock(mock, 7, nil, nil)
	mock.ExpectQuery(`SELECT COUNT\(\*\) \+ 1 FROM message_logs`).
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))
	mock.ExpectQuery(`INSERT INTO message_logs`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(42, time.Now()))
	mock.ExpectExec(`UPDATE messages SET`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	status := "delivered"
	log, err := store.AppendEvent(context.Background(), Event{
		MessageID:      7,
		Status:         StatusDelivered,
		Type:           EventDeliveryUpdate,
		ProviderStatus: &status,
	})
	if err != nil {
		t.Fatal(err)
	}
	if log.AttemptNumber != 3 {
		t.Errorf("Expected attempt_number 3, got %d", log.AttemptNumber)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Unmet expectations: %v", err)
	}
}

func TestAppendEventRollsBackOnFoldFailure(t *testing.T) {
	store, mock, cleanup := newMockStore(t)
	defer cleanup()

	mock.ExpectBegin()
	expectMessageLock(mock, 7, nil, nil)
	mock.ExpectQuery(`SELECT COUNT\(\*\) \+ 1 FROM message_logs`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectQuery(`INSERT INTO message_logs`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(1, time.Now()))
	mock.ExpectExec(`UPDATE messages SET`).
		WillReturnError(sql.ErrConnDone)
	mock.ExpectRollback()

	_, err := store.AppendEvent(context.Background(), Event{
		MessageID: 7,
		Status:    StatusSent,
		Type:      EventSent,
	})
	if err == nil {
		t.Fatal("Expected error when the aggregate fold fails")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Unmet expectations: %v", err)
	}
}

func TestAppendEventUnknownMessage(t *testing.T) {
	store, mock, cleanup := newMockStore(t)
	defer cleanup()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT final_status, delivery_timestamp FROM messages WHERE id = \$1 FOR UPDATE`).
		WithArgs(int64(999)).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	_, err := store.AppendEvent(context.Background(), Event{
		MessageID: 999,
		Status:    StatusSent,
		Type:      EventSent,
	})
	if err != ErrNotFound {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestAppendEventKeepsFirstFinalStatus(t *testing.T) {
	store, mock, cleanup := newMockStore(t)
	defer cleanup()

	// A second delivered report for an already-delivered message adds a
	// log row but leaves final_status and delivery_timestamp untouched.
	mock.ExpectBegin()
	expectMessageLock(mock, 7, "delivered", time.Now())
	mock.ExpectQuery(`SELECT COUNT\(\*\) \+ 1 FROM message_logs`).
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(4))
	mock.ExpectQuery(`INSERT INTO message_logs`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(44, time.Now()))
	mock.ExpectExec(`UPDATE messages SET`).
		WithArgs(int64(7), "delivered", 4, nil, nil, nil, "delivered", false).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	log, err := store.AppendEvent(context.Background(), Event{
		MessageID: 7,
		Status:    StatusDelivered,
		Type:      EventDeliveryUpdate,
	})
	if err != nil {
		t.Fatal(err)
	}
	if log.AttemptNumber != 4 {
		t.Errorf("Expected attempt_number 4, got %d", log.AttemptNumber)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Unmet expectations: %v", err)
	}
}

func TestAppendEventFrozenVerdictSurvivesLaterFailure(t *testing.T) {
	store, mock, cleanup := newMockStore(t)
	defer cleanup()

	mock.ExpectBegin()
	expectMessageLock(mock, 7, "delivered", time.Now())
	mock.ExpectQuery(`SELECT COUNT\(\*\) \+ 1 FROM message_logs`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(5))
	mock.ExpectQuery(`INSERT INTO message_logs`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(45, time.Now()))
	mock.ExpectExec(`UPDATE messages SET`).
		WithArgs(int64(7), "failed", 5, nil, nil, nil, "delivered", false).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	_, err := store.AppendEvent(context.Background(), Event{
		MessageID: 7,
		Status:    StatusFailed,
		Type:      EventDeliveryUpdate,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Unmet expectations: %v", err)
	}
}

func TestUpdateDeliveryStatusUnknownExternalID(t *testing.T) {
	store, mock, cleanup := newMockStore(t)
	defer cleanup()

	mock.ExpectQuery(`SELECT .+ FROM messages`).
		WithArgs("SM-missing").
		WillReturnError(sql.ErrNoRows)

	svc := NewService(store, zap.NewNop(), "SMS-PLATFORM", nil)
	found, err := svc.UpdateDeliveryStatus(context.Background(), "SM-missing", "delivered", nil)
	if err != nil {
		t.Fatal(err)
	}
	if found {
		t.Error("Expected found=false for an unknown external id")
	}
}

func messageRow(id, queueItemID int64) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows([]string{
		"id", "contenu", "date_envoi", "statut_livraison", "sender_id", "final_status",
		"delivery_attempts", "delivery_timestamp", "external_message_id", "error_message",
		"cost", "id_contact", "id_campagne", "id_liste", "queue_item_id", "updated_at",
	}).AddRow(id, "hello", now, "retry_pending", "SMS-PLATFORM", nil,
		1, nil, nil, nil, nil, int64(1), nil, nil, queueItemID, now)
}

func TestCreateMessageReusedAcrossDispatchAttempts(t *testing.T) {
	store, mock, cleanup := newMockStore(t)
	defer cleanup()
	svc := NewService(store, zap.NewNop(), "SMS-PLATFORM", nil)
	item := &queue.Item{ID: 9, ContactID: 1, Content: "hello"}

	// First attempt: no record yet, so one insert plus the created event.
	mock.ExpectQuery(`FROM messages\s+WHERE queue_item_id = \$1`).
		WithArgs(int64(9)).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(`INSERT INTO messages`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "date_envoi", "updated_at"}).
			AddRow(5, time.Now(), time.Now()))
	mock.ExpectBegin()
	expectMessageLock(mock, 5, nil, nil)
	mock.ExpectQuery(`SELECT COUNT\(\*\) \+ 1 FROM message_logs`).
		WithArgs(int64(5)).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectQuery(`INSERT INTO message_logs`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(1, time.Now()))
	mock.ExpectExec(`UPDATE messages SET`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	first, err := svc.CreateMessage(context.Background(), item, StatusProcessing)
	if err != nil {
		t.Fatal(err)
	}

	// Redispatch after a transient failure: the existing record comes
	// back and nothing new is inserted.
	mock.ExpectQuery(`FROM messages\s+WHERE queue_item_id = \$1`).
		WithArgs(int64(9)).
		WillReturnRows(messageRow(5, 9))

	second, err := svc.CreateMessage(context.Background(), item, StatusProcessing)
	if err != nil {
		t.Fatal(err)
	}
	if second.ID != first.ID {
		t.Errorf("Expected the same message across attempts, got %d then %d", first.ID, second.ID)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Unmet expectations: %v", err)
	}
}
