package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

const defaultListLimit = 20

// Store persists consultation plans and chat transcripts in SQLite.
type Store struct {
	db *sql.DB
	mu sync.Mutex
	// now is replaceable in tests.
	now func() time.Time
}

func Open(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// Pragmas are per connection; a single connection keeps them in force.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, now: time.Now}
	if err := s.configure(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) configure() error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("sqlite pragma %q: %w", p, err)
		}
	}
	return nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS consultation_data (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			email TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			role TEXT NOT NULL DEFAULT '',
			department TEXT NOT NULL DEFAULT '',
			plan TEXT NOT NULL,
			consultation_type TEXT NOT NULL,
			session_id TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_consultation_email ON consultation_data(email, created_at)`,
		`CREATE TABLE IF NOT EXISTS chat_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			consultation_id INTEGER NOT NULL REFERENCES consultation_data(id) ON DELETE CASCADE,
			email TEXT NOT NULL,
			sender TEXT NOT NULL,
			message TEXT NOT NULL,
			message_order INTEGER NOT NULL,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_chat_consultation ON chat_history(consultation_id, message_order)`,
		`CREATE INDEX IF NOT EXISTS idx_chat_created ON chat_history(created_at)`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

func (s *Store) timestamp() string {
	return s.now().UTC().Format(time.RFC3339)
}

// SavePlan inserts a consultation row and returns its id.
func (s *Store) SavePlan(ctx context.Context, p Plan) (int64, error) {
	email := strings.TrimSpace(p.Email)
	if email == "" {
		return 0, fmt.Errorf("save plan: email is required")
	}
	createdAt := strings.TrimSpace(p.CreatedAt)
	if createdAt == "" {
		createdAt = s.timestamp()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO consultation_data (email, name, role, department, plan, consultation_type, session_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, email, p.Name, p.Role, p.Department, p.Plan, p.ConsultationType, p.SessionID, createdAt)
	if err != nil {
		return 0, fmt.Errorf("save plan: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("save plan id: %w", err)
	}
	return id, nil
}

// SaveChatHistory writes a transcript for a saved consultation in one
// transaction. It returns the number of rows written.
func (s *Store) SaveChatHistory(ctx context.Context, consultationID int64, email string, entries []ChatMessage) (int, error) {
	if len(entries) == 0 {
		return 0, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin chat history: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO chat_history (consultation_id, email, sender, message, message_order, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return 0, fmt.Errorf("prepare chat history: %w", err)
	}
	defer stmt.Close()

	fallback := s.timestamp()
	for i, e := range entries {
		createdAt := strings.TrimSpace(e.Timestamp)
		if createdAt == "" {
			createdAt = fallback
		}
		if _, err := stmt.ExecContext(ctx, consultationID, email, NormalizeSender(e.Sender), e.Message, i+1, createdAt); err != nil {
			return 0, fmt.Errorf("insert chat message %d: %w", i+1, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit chat history: %w", err)
	}
	return len(entries), nil
}

// ListConsultations returns saved plans, newest first. An empty email lists
// every stakeholder.
func (s *Store) ListConsultations(ctx context.Context, email string, limit int) ([]Plan, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	q := `
		SELECT id, email, name, role, department, plan, consultation_type, session_id, created_at
		FROM consultation_data
	`
	args := []any{}
	if e := strings.TrimSpace(email); e != "" {
		q += ` WHERE email = ?`
		args = append(args, e)
	}
	q += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list consultations: %w", err)
	}
	defer rows.Close()

	var out []Plan
	for rows.Next() {
		var p Plan
		if err := rows.Scan(&p.ID, &p.Email, &p.Name, &p.Role, &p.Department, &p.Plan, &p.ConsultationType, &p.SessionID, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan consultation: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate consultations: %w", err)
	}
	return out, nil
}

// ChatHistory returns the transcript of one consultation in message order.
func (s *Store) ChatHistory(ctx context.Context, consultationID int64) ([]ChatRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, consultation_id, email, sender, message, message_order, created_at
		FROM chat_history
		WHERE consultation_id = ?
		ORDER BY message_order ASC
	`, consultationID)
	if err != nil {
		return nil, fmt.Errorf("query chat history: %w", err)
	}
	defer rows.Close()

	var out []ChatRecord
	for rows.Next() {
		var r ChatRecord
		if err := rows.Scan(&r.ID, &r.ConsultationID, &r.Email, &r.Sender, &r.Message, &r.MessageOrder, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan chat history: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chat history: %w", err)
	}
	return out, nil
}

// PurgeChatHistory deletes transcript rows created before the cutoff.
// Consultation plans are kept.
func (s *Store) PurgeChatHistory(ctx context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM chat_history WHERE created_at < ?`, before.UTC().Format(time.RFC3339))
	if err != nil {
		return 0, fmt.Errorf("purge chat history: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge chat history rows: %w", err)
	}
	return n, nil
}

func (s *Store) Stats(ctx context.Context) (Stats, error) {
	st := Stats{ByConsultation: make(map[string]int)}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM consultation_data`).Scan(&st.Consultations); err != nil {
		return st, fmt.Errorf("count consultations: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM chat_history`).Scan(&st.ChatMessages); err != nil {
		return st, fmt.Errorf("count chat history: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT consultation_type, COUNT(1) FROM consultation_data GROUP BY consultation_type`)
	if err != nil {
		return st, fmt.Errorf("group consultations: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var kind string
		var n int
		if err := rows.Scan(&kind, &n); err != nil {
			return st, fmt.Errorf("scan consultation group: %w", err)
		}
		st.ByConsultation[kind] = n
	}
	if err := rows.Err(); err != nil {
		return st, fmt.Errorf("iterate consultation groups: %w", err)
	}
	return st, nil
}
