package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "burstbot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for sqlite driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One writer; database/sql would otherwise open a connection per
	// concurrent flush and hit SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	log.Debug("sqlite store opened", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) AppendTurns(ctx context.Context, sender string, turns ...Turn) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if len(turns) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO turns(sender, role, content, at) VALUES(?,?,?,?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	now := time.Now()
	for _, t := range turns {
		at := t.At
		if at.IsZero() {
			at = now
		}
		if _, err := stmt.ExecContext(ctx, sender, t.Role, t.Content, at.UnixMilli()); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) History(ctx context.Context, sender string, limit int) ([]Turn, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT role, content, at FROM (
		   SELECT id, role, content, at FROM turns WHERE sender = ? ORDER BY id DESC LIMIT ?
		 ) ORDER BY id ASC`,
		sender, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Turn
	for rows.Next() {
		var (
			t  Turn
			ms int64
		)
		if err := rows.Scan(&t.Role, &t.Content, &ms); err != nil {
			return nil, err
		}
		t.At = time.UnixMilli(ms)
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *sqliteStore) AppendFlush(ctx context.Context, rec FlushRecord) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if rec.At.IsZero() {
		rec.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO flushes(id, sender, outcome, fragments, chars, took_ms, err, at)
		 VALUES(?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET outcome=excluded.outcome, took_ms=excluded.took_ms, err=excluded.err, at=excluded.at`,
		rec.ID, rec.Sender, rec.Outcome, rec.Fragments, rec.Chars, rec.TookMS, nullStr(rec.Error), rec.At.UnixMilli(),
	)
	return err
}

func (s *sqliteStore) Prune(ctx context.Context, before time.Time) (PruneResult, error) {
	var res PruneResult
	if s == nil || s.db == nil {
		return res, ErrDisabled
	}
	cut := before.UnixMilli()

	r, err := s.db.ExecContext(ctx, `DELETE FROM turns WHERE at < ?`, cut)
	if err != nil {
		return res, err
	}
	res.Turns, _ = r.RowsAffected()

	r, err = s.db.ExecContext(ctx, `DELETE FROM flushes WHERE at < ?`, cut)
	if err != nil {
		return res, err
	}
	res.Flushes, _ = r.RowsAffected()
	return res, nil
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
