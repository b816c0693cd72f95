package store

import (
	"context"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
)

func TestAppendTurn(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Store{DB: db}
	rec := TurnRecord{
		SessionID: "sess-1",
		TurnID:    "turn-1",
		Role:      "user",
		Content:   "research snowflake formation",
		Terminal:  "",
	}
	now := time.Now()

	query := regexp.QuoteMeta(`
INSERT INTO turns (session_id, turn_id, role, content, terminal, created_at)
VALUES ($1,$2,$3,$4,$5,NOW())
RETURNING seq, created_at
`)
	mock.ExpectQuery(query).
		WithArgs(rec.SessionID, rec.TurnID, rec.Role, rec.Content, rec.Terminal).
		WillReturnRows(sqlmock.NewRows([]string{"seq", "created_at"}).AddRow(int64(7), now))

	got, err := st.AppendTurn(context.Background(), rec)
	if err != nil {
		t.Fatalf("AppendTurn: %v", err)
	}
	if got.Seq != 7 {
		t.Fatalf("expected seq 7, got %d", got.Seq)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestListTurnsOrdered(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	st := &Store{DB: db}
	now := time.Now()

	query := regexp.QuoteMeta(`
SELECT seq, session_id, turn_id, role, content, terminal, created_at
FROM turns
WHERE session_id=$1
ORDER BY seq ASC
`)
	mock.ExpectQuery(query).
		WithArgs("sess-1").
		WillReturnRows(sqlmock.NewRows([]string{"seq", "session_id", "turn_id", "role", "content", "terminal", "created_at"}).
			AddRow(int64(1), "sess-1", "turn-1", "user", "hello", "", now).
			AddRow(int64(2), "sess-1", "turn-2", "agent", "hi there", "chatty_reply", now))

	out, err := st.ListTurns(context.Background(), "sess-1")
	if err != nil {
		t.Fatalf("ListTurns: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected 2 turns, got %d", len(out))
	}
	if out[0].Seq != 1 || out[1].Seq != 2 {
		t.Fatalf("turns out of order: %d, %d", out[0].Seq, out[1].Seq)
	}
	if out[1].Terminal != "chatty_reply" {
		t.Fatalf("expected terminal on agent turn, got %q", out[1].Terminal)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
