package confirm

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

// SQLiteLedger keeps the token keyspace in a local SQLite database.
// Compare-and-swap is a conditional UPDATE on (token, state); native TTL is
// an expires_at column that every read filters on.
type SQLiteLedger struct {
	dsn string

	mu sync.Mutex
	db *sql.DB

	now func() time.Time
}

type SQLiteOption func(*SQLiteLedger)

func WithSQLiteClock(now func() time.Time) SQLiteOption {
	return func(l *SQLiteLedger) { l.now = now }
}

func NewSQLiteLedger(dsn string, opts ...SQLiteOption) (*SQLiteLedger, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("missing sqlite dsn")
	}
	l := &SQLiteLedger{dsn: dsn, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	if err := l.open(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *SQLiteLedger) Get(ctx context.Context, token string) (Record, bool, error) {
	if l == nil {
		return Record{}, false, fmt.Errorf("nil sqlite ledger")
	}
	if err := l.ensureOpen(); err != nil {
		return Record{}, false, err
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return Record{}, false, nil
	}

	row := l.db.QueryRowContext(ctx, `
SELECT token, owner_id, action_name, action_args_json, signature, description,
  state, created_at_unix, confirm_deadline_unix, consume_deadline_unix
FROM confirmations
WHERE token = ? AND expires_at_unix > ?
`, token, l.now().Unix())
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}
	return rec, true, nil
}

func (l *SQLiteLedger) Put(ctx context.Context, rec Record, ttl time.Duration) error {
	if l == nil {
		return fmt.Errorf("nil sqlite ledger")
	}
	if err := l.ensureOpen(); err != nil {
		return err
	}

	argsJSON, err := json.Marshal(rec.ActionArgs)
	if err != nil {
		return err
	}
	_, err = l.db.ExecContext(ctx, `
INSERT INTO confirmations (
  token, owner_id, action_name, action_args_json, signature, description,
  state, created_at_unix, confirm_deadline_unix, consume_deadline_unix, expires_at_unix
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`, rec.Token, rec.OwnerID, rec.ActionName, string(argsJSON), rec.Signature, rec.Description,
		string(rec.State), rec.CreatedAt.Unix(), rec.ConfirmDeadline.Unix(), deadlineUnix(rec.ConsumeDeadline),
		l.now().Add(ttl).Unix(),
	)
	return err
}

func (l *SQLiteLedger) CompareAndSwap(ctx context.Context, token string, expect State, next Record, ttl time.Duration) (bool, error) {
	if l == nil {
		return false, fmt.Errorf("nil sqlite ledger")
	}
	if err := l.ensureOpen(); err != nil {
		return false, err
	}

	argsJSON, err := json.Marshal(next.ActionArgs)
	if err != nil {
		return false, err
	}
	now := l.now()
	res, err := l.db.ExecContext(ctx, `
UPDATE confirmations
SET owner_id = ?, action_name = ?, action_args_json = ?, signature = ?, description = ?,
  state = ?, confirm_deadline_unix = ?, consume_deadline_unix = ?, expires_at_unix = ?
WHERE token = ? AND state = ? AND expires_at_unix > ?
`, next.OwnerID, next.ActionName, string(argsJSON), next.Signature, next.Description,
		string(next.State), next.ConfirmDeadline.Unix(), deadlineUnix(next.ConsumeDeadline), now.Add(ttl).Unix(),
		token, string(expect), now.Unix(),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (l *SQLiteLedger) Delete(ctx context.Context, token string) error {
	if l == nil {
		return fmt.Errorf("nil sqlite ledger")
	}
	if err := l.ensureOpen(); err != nil {
		return err
	}
	_, err := l.db.ExecContext(ctx, `DELETE FROM confirmations WHERE token = ?`, token)
	return err
}

func (l *SQLiteLedger) FindActive(ctx context.Context, ownerID, signature string) (Record, bool, error) {
	if l == nil {
		return Record{}, false, fmt.Errorf("nil sqlite ledger")
	}
	if err := l.ensureOpen(); err != nil {
		return Record{}, false, err
	}

	row := l.db.QueryRowContext(ctx, `
SELECT token, owner_id, action_name, action_args_json, signature, description,
  state, created_at_unix, confirm_deadline_unix, consume_deadline_unix
FROM confirmations
WHERE owner_id = ? AND signature = ? AND state IN (?, ?) AND expires_at_unix > ?
ORDER BY created_at_unix ASC
LIMIT 1
`, ownerID, signature, string(StatePending), string(StateConfirmed), l.now().Unix())
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}
	return rec, true, nil
}

func (l *SQLiteLedger) List(ctx context.Context) ([]Record, error) {
	if l == nil {
		return nil, fmt.Errorf("nil sqlite ledger")
	}
	if err := l.ensureOpen(); err != nil {
		return nil, err
	}

	now := l.now().Unix()
	// Drop TTL-dead rows opportunistically before listing.
	_, _ = l.db.ExecContext(ctx, `DELETE FROM confirmations WHERE expires_at_unix <= ?`, now)

	rows, err := l.db.QueryContext(ctx, `
SELECT token, owner_id, action_name, action_args_json, signature, description,
  state, created_at_unix, confirm_deadline_unix, consume_deadline_unix
FROM confirmations
WHERE expires_at_unix > ?
`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (l *SQLiteLedger) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.db == nil {
		return nil
	}
	err := l.db.Close()
	l.db = nil
	return err
}

func (l *SQLiteLedger) open() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.db != nil {
		return nil
	}
	db, err := sql.Open("sqlite", l.dsn)
	if err != nil {
		return err
	}
	l.db = db
	return l.migrate()
}

func (l *SQLiteLedger) ensureOpen() error {
	if l.db != nil {
		return nil
	}
	return l.open()
}

func (l *SQLiteLedger) migrate() error {
	if l.db == nil {
		return fmt.Errorf("sqlite db is not open")
	}
	_, err := l.db.Exec(`
CREATE TABLE IF NOT EXISTS confirmations (
  token TEXT PRIMARY KEY,
  owner_id TEXT NOT NULL,
  action_name TEXT NOT NULL,
  action_args_json TEXT,
  signature TEXT NOT NULL,
  description TEXT,
  state TEXT NOT NULL,
  created_at_unix INTEGER NOT NULL,
  confirm_deadline_unix INTEGER NOT NULL,
  consume_deadline_unix INTEGER,
  expires_at_unix INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_confirmations_owner_sig ON confirmations(owner_id, signature, state);
CREATE INDEX IF NOT EXISTS idx_confirmations_expires ON confirmations(expires_at_unix);
`)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (Record, error) {
	var (
		rec           Record
		argsJSON      string
		state         string
		createdAtUnix int64
		confirmDLUnix int64
		consumeDLUnix sql.NullInt64
	)
	err := row.Scan(
		&rec.Token, &rec.OwnerID, &rec.ActionName, &argsJSON, &rec.Signature, &rec.Description,
		&state, &createdAtUnix, &confirmDLUnix, &consumeDLUnix,
	)
	if err != nil {
		return Record{}, err
	}
	rec.State = State(state)
	rec.CreatedAt = time.Unix(createdAtUnix, 0).UTC()
	rec.ConfirmDeadline = time.Unix(confirmDLUnix, 0).UTC()
	if consumeDLUnix.Valid {
		rec.ConsumeDeadline = time.Unix(consumeDLUnix.Int64, 0).UTC()
	}
	if argsJSON != "" {
		_ = json.Unmarshal([]byte(argsJSON), &rec.ActionArgs)
	}
	return rec, nil
}

func deadlineUnix(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Unix()
}

var _ Ledger = (*SQLiteLedger)(nil)
