package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"sync"
	"time"

	_ "github.com/lib/pq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
)

// Store wraps a Postgres connection and exposes typed persistence
// operations for users, sessions, turns, reports and watches.
type Store struct {
	DB *sql.DB
}

// SessionRecord is the durable metadata for a conversation. The live
// conversation state itself is held by the session backend; Postgres keeps
// the ownership row plus the append-only turn history.
type SessionRecord struct {
	ID        string
	UserID    string
	Title     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// TurnRecord is one user or agent message inside a session. Rows are
// append-only; Seq is assigned by the database.
type TurnRecord struct {
	Seq       int64
	SessionID string
	TurnID    string
	Role      string
	Content   string
	Terminal  string
	CreatedAt time.Time
}

// ReportRecord holds the latest synthesized report for a session.
type ReportRecord struct {
	SessionID string
	Markdown  string
	Caveat    string
	UpdatedAt time.Time
}

// WatchRecord is a saved research query refreshed on a cron schedule.
type WatchRecord struct {
	ID        string
	UserID    string
	Query     string
	CronSpec  string
	LastRunAt *time.Time
	CreatedAt time.Time
}

var (
	metricsOnce    sync.Once
	turnCounter    otelmetric.Int64Counter
	metricsInitErr error
)

func initStoreMetrics() {
	meter := otel.Meter("store")
	turnCounter, metricsInitErr = meter.Int64Counter("turns_persisted_total")
}

// New constructs the Store from DATABASE_URL or the POSTGRES_* environment.
func New(ctx context.Context) (*Store, error) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		host := getenvDefault("POSTGRES_HOST", "localhost")
		port := getenvDefault("POSTGRES_PORT", "5432")
		user := os.Getenv("POSTGRES_USER")
		pass := os.Getenv("POSTGRES_PASSWORD")
		db := os.Getenv("POSTGRES_DB")
		ssl := getenvDefault("POSTGRES_SSLMODE", "disable")
		dsn = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", user, pass, host, port, db, ssl)
	}
	return NewWithDSN(ctx, dsn)
}

// NewWithDSN constructs the Store using an explicit Postgres DSN.
func NewWithDSN(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}
	return &Store{DB: db}, nil
}

func getenvDefault(k, def string) string {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	return v
}

// User operations
func (s *Store) CreateUser(ctx context.Context, email, hash string) (string, error) {
	var id string
	err := s.DB.QueryRowContext(ctx, `INSERT INTO users (email, password_hash) VALUES ($1,$2) RETURNING id`, email, hash).Scan(&id)
	return id, err
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (id string, hash string, err error) {
	err = s.DB.QueryRowContext(ctx, `SELECT id, password_hash FROM users WHERE email=$1`, email).Scan(&id, &hash)
	return
}

// Session operations
func (s *Store) UpsertSession(ctx context.Context, rec SessionRecord) error {
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO sessions (id, user_id, title, created_at, updated_at)
VALUES ($1,$2,$3,NOW(),NOW())
ON CONFLICT (id) DO UPDATE SET
  title = EXCLUDED.title,
  updated_at = NOW();
`, rec.ID, rec.UserID, rec.Title)
	return err
}

func (s *Store) GetSession(ctx context.Context, id string) (SessionRecord, bool, error) {
	var rec SessionRecord
	err := s.DB.QueryRowContext(ctx, `
SELECT id, user_id, title, created_at, updated_at
FROM sessions
WHERE id=$1
`, id).Scan(&rec.ID, &rec.UserID, &rec.Title, &rec.CreatedAt, &rec.UpdatedAt)
	if err == sql.ErrNoRows {
		return SessionRecord{}, false, nil
	}
	if err != nil {
		return SessionRecord{}, false, err
	}
	return rec, true, nil
}

func (s *Store) ListSessions(ctx context.Context, userID string) ([]SessionRecord, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, user_id, title, created_at, updated_at
FROM sessions
WHERE user_id=$1
ORDER BY updated_at DESC
`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []SessionRecord
	for rows.Next() {
		var rec SessionRecord
		if err := rows.Scan(&rec.ID, &rec.UserID, &rec.Title, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) DeleteSession(ctx context.Context, id, userID string) error {
	_, err := s.DB.ExecContext(ctx, `DELETE FROM sessions WHERE id=$1 AND user_id=$2`, id, userID)
	return err
}

// Turn operations. Turns are append-only; there is no update or delete
// path short of dropping the owning session.
func (s *Store) AppendTurn(ctx context.Context, rec TurnRecord) (TurnRecord, error) {
	metricsOnce.Do(initStoreMetrics)
	err := s.DB.QueryRowContext(ctx, `
INSERT INTO turns (session_id, turn_id, role, content, terminal, created_at)
VALUES ($1,$2,$3,$4,$5,NOW())
RETURNING seq, created_at
`, rec.SessionID, rec.TurnID, rec.Role, rec.Content, rec.Terminal).Scan(&rec.Seq, &rec.CreatedAt)
	if err != nil {
		return TurnRecord{}, err
	}
	if metricsInitErr == nil && turnCounter != nil {
		turnCounter.Add(ctx, 1, otelmetric.WithAttributes(attribute.String("role", rec.Role)))
	}
	return rec, nil
}

func (s *Store) ListTurns(ctx context.Context, sessionID string) ([]TurnRecord, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT seq, session_id, turn_id, role, content, terminal, created_at
FROM turns
WHERE session_id=$1
ORDER BY seq ASC
`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []TurnRecord
	for rows.Next() {
		var rec TurnRecord
		if err := rows.Scan(&rec.Seq, &rec.SessionID, &rec.TurnID, &rec.Role, &rec.Content, &rec.Terminal, &rec.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Report operations
func (s *Store) SaveReport(ctx context.Context, rec ReportRecord) error {
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO reports (session_id, markdown, caveat, updated_at)
VALUES ($1,$2,$3,NOW())
ON CONFLICT (session_id) DO UPDATE SET
  markdown = EXCLUDED.markdown,
  caveat = EXCLUDED.caveat,
  updated_at = NOW();
`, rec.SessionID, rec.Markdown, rec.Caveat)
	return err
}

func (s *Store) GetReport(ctx context.Context, sessionID string) (ReportRecord, bool, error) {
	var rec ReportRecord
	err := s.DB.QueryRowContext(ctx, `
SELECT session_id, markdown, caveat, updated_at
FROM reports
WHERE session_id=$1
`, sessionID).Scan(&rec.SessionID, &rec.Markdown, &rec.Caveat, &rec.UpdatedAt)
	if err == sql.ErrNoRows {
		return ReportRecord{}, false, nil
	}
	if err != nil {
		return ReportRecord{}, false, err
	}
	return rec, true, nil
}

// Watch operations
func (s *Store) CreateWatch(ctx context.Context, rec WatchRecord) (WatchRecord, error) {
	err := s.DB.QueryRowContext(ctx, `
INSERT INTO watches (user_id, query, cron_spec, created_at)
VALUES ($1,$2,$3,NOW())
RETURNING id, created_at
`, rec.UserID, rec.Query, rec.CronSpec).Scan(&rec.ID, &rec.CreatedAt)
	if err != nil {
		return WatchRecord{}, err
	}
	return rec, nil
}

func (s *Store) ListWatches(ctx context.Context, userID string) ([]WatchRecord, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, user_id, query, cron_spec, last_run_at, created_at
FROM watches
WHERE user_id=$1
ORDER BY created_at DESC
`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanWatches(rows)
}

// ListAllWatches feeds the scheduler; it walks every registered watch.
func (s *Store) ListAllWatches(ctx context.Context) ([]WatchRecord, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, user_id, query, cron_spec, last_run_at, created_at
FROM watches
ORDER BY created_at ASC
`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanWatches(rows)
}

func (s *Store) TouchWatch(ctx context.Context, id string, ranAt time.Time) error {
	_, err := s.DB.ExecContext(ctx, `UPDATE watches SET last_run_at=$2 WHERE id=$1`, id, ranAt)
	return err
}

func (s *Store) DeleteWatch(ctx context.Context, id, userID string) error {
	_, err := s.DB.ExecContext(ctx, `DELETE FROM watches WHERE id=$1 AND user_id=$2`, id, userID)
	return err
}

func scanWatches(rows *sql.Rows) ([]WatchRecord, error) {
	var out []WatchRecord
	for rows.Next() {
		var rec WatchRecord
		var lastRun sql.NullTime
		if err := rows.Scan(&rec.ID, &rec.UserID, &rec.Query, &rec.CronSpec, &lastRun, &rec.CreatedAt); err != nil {
			return nil, err
		}
		if lastRun.Valid {
			t := lastRun.Time
			rec.LastRunAt = &t
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
