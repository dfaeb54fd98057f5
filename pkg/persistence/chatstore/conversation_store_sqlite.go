package chatstore

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

// SQLiteConversationStore keeps conversations and settings in one key/value
// table, mirroring the flat namespace the UI works with.
type SQLiteConversationStore struct {
	db *sql.DB
}

var _ ConversationStore = &SQLiteConversationStore{}

func NewSQLiteConversationStore(dsn string) (*SQLiteConversationStore, error) {
	if dsn == "" {
		return nil, errors.New("sqlite conversation store: empty dsn")
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	s := &SQLiteConversationStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteConversationStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteConversationStore) Save(ctx context.Context, record ConversationRecord) error {
	if s == nil || s.db == nil {
		return errors.New("sqlite conversation store: db is nil")
	}
	name, err := validateName(record.Name)
	if err != nil {
		return err
	}
	if record.UpdatedAtMs == 0 {
		record.UpdatedAtMs = time.Now().UnixMilli()
	}
	value, err := encodeRecord(record)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO kv (key, value, updated_at_ms) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			updated_at_ms = excluded.updated_at_ms
	`, name, value, record.UpdatedAtMs)
	if err != nil {
		return errors.Wrap(err, "sqlite conversation store: save")
	}
	return nil
}

func (s *SQLiteConversationStore) Load(ctx context.Context, name string) (ConversationRecord, error) {
	if s == nil || s.db == nil {
		return ConversationRecord{}, errors.New("sqlite conversation store: db is nil")
	}
	name, err := validateName(name)
	if err != nil {
		return ConversationRecord{}, err
	}
	var value string
	err = s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, name).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return ConversationRecord{}, errors.Wrapf(ErrConversationNotFound, "%q", name)
	}
	if err != nil {
		return ConversationRecord{}, errors.Wrap(err, "sqlite conversation store: load")
	}
	return decodeRecord(name, value)
}

func (s *SQLiteConversationStore) Delete(ctx context.Context, name string) error {
	if s == nil || s.db == nil {
		return errors.New("sqlite conversation store: db is nil")
	}
	name, err := validateName(name)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, name)
	if err != nil {
		return errors.Wrap(err, "sqlite conversation store: delete")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "sqlite conversation store: delete rows affected")
	}
	if n == 0 {
		return errors.Wrapf(ErrConversationNotFound, "%q", name)
	}
	return nil
}

func (s *SQLiteConversationStore) List(ctx context.Context) ([]ConversationSummary, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("sqlite conversation store: db is nil")
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT key, updated_at_ms FROM kv
		WHERE key NOT IN (?, ?)
		ORDER BY key ASC
	`, KeyHostAddress, KeySystemPrompt)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite conversation store: list")
	}
	defer func() { _ = rows.Close() }()

	out := []ConversationSummary{}
	for rows.Next() {
		var item ConversationSummary
		if err := rows.Scan(&item.Name, &item.UpdatedAtMs); err != nil {
			return nil, errors.Wrap(err, "sqlite conversation store: scan")
		}
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "sqlite conversation store: rows")
	}
	return out, nil
}

func (s *SQLiteConversationStore) GetSetting(ctx context.Context, key string) (string, bool, error) {
	if s == nil || s.db == nil {
		return "", false, errors.New("sqlite conversation store: db is nil")
	}
	if err := validateSetting(key); err != nil {
		return "", false, err
	}
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Wrap(err, "sqlite conversation store: get setting")
	}
	return value, true, nil
}

func (s *SQLiteConversationStore) SetSetting(ctx context.Context, key string, value string) error {
	if s == nil || s.db == nil {
		return errors.New("sqlite conversation store: db is nil")
	}
	if err := validateSetting(key); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kv (key, value, updated_at_ms) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			updated_at_ms = excluded.updated_at_ms
	`, key, value, time.Now().UnixMilli())
	if err != nil {
		return errors.Wrap(err, "sqlite conversation store: set setting")
	}
	return nil
}

func (s *SQLiteConversationStore) migrate() error {
	if s == nil || s.db == nil {
		return errors.New("sqlite conversation store: db is nil")
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS kv (
		  key TEXT PRIMARY KEY,
		  value TEXT NOT NULL,
		  updated_at_ms INTEGER NOT NULL DEFAULT 0
		);`,
	}
	for _, st := range stmts {
		if _, err := s.db.Exec(st); err != nil {
			return errors.Wrap(err, "sqlite conversation store: migrate")
		}
	}
	return nil
}

// SQLiteConversationDSNForFile builds a DSN for a database file, creating the
// parent directory if needed.
func SQLiteConversationDSNForFile(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", errors.New("sqlite conversation store: empty path")
	}
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", errors.Wrap(err, "sqlite conversation store: create directory")
		}
	}
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path), nil
}
