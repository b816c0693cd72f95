package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/labstack/echo/v4"

	"github.com/prospecthq/prospect/internal/store"
)

func TestCreateWatchValidatesCron(t *testing.T) {
	e := echo.New()
	h := &WatchesHandler{}

	req := httptest.NewRequest(http.MethodPost, "/api/watches", strings.NewReader(`{"query":"fusion","cron_spec":"not a cron"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	ctx := e.NewContext(req, rec)
	ctx.Set("user_id", "user-1")

	err := h.create(ctx)
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid cron, got %v", err)
	}
}

func TestCreateWatchSuccess(t *testing.T) {
	e := echo.New()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	h := &WatchesHandler{Store: &store.Store{DB: db}}
	now := time.Now()

	query := regexp.QuoteMeta(`
INSERT INTO watches (user_id, query, cron_spec, created_at)
VALUES ($1,$2,$3,NOW())
RETURNING id, created_at
`)
	mock.ExpectQuery(query).
		WithArgs("user-1", "fusion energy", "@daily").
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow("watch-1", now))

	req := httptest.NewRequest(http.MethodPost, "/api/watches", strings.NewReader(`{"query":"fusion energy","cron_spec":"@daily"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	ctx := e.NewContext(req, rec)
	ctx.Set("user_id", "user-1")

	if err := h.create(ctx); err != nil {
		t.Fatalf("create: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	var resp WatchResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.ID != "watch-1" || resp.CronSpec != "@daily" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
