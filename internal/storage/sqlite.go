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
	"sync/atomic"
	"time"

	logx "wsched/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db     *sql.DB
	log    logx.Logger
	retain int

	opCount    atomic.Uint64
	pruneEvery uint64
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One writer; the result recorder is the only producer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, retain: cfg.retain(), pruneEvery: 500}

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
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

func (s *sqliteStore) AppendResult(ctx context.Context, r ResultRecord) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if r.CompletedAt.IsZero() {
		r.CompletedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO results(task_id, success, err, execution_ms, worker_id, completed_at)
		 VALUES(?,?,?,?,?,?)`,
		r.TaskID, boolInt(r.Success), nullStr(r.Error), r.ExecutionMS, r.WorkerID,
		r.CompletedAt.UTC().Format(time.RFC3339Nano),
	)
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		if perr := s.prune(pctx); perr != nil {
			s.log.Debug("result prune failed", logx.Err(perr))
		}
		cancel()
	}
	return err
}

func (s *sqliteStore) Recent(ctx context.Context, limit int) ([]ResultRecord, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	if limit <= 0 || limit > s.retain {
		limit = s.retain
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT task_id, success, err, execution_ms, worker_id, completed_at
		 FROM results ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]ResultRecord, 0, limit)
	for rows.Next() {
		var (
			rec     ResultRecord
			success int
			errStr  sql.NullString
			at      string
		)
		if err := rows.Scan(&rec.TaskID, &success, &errStr, &rec.ExecutionMS, &rec.WorkerID, &at); err != nil {
			return nil, err
		}
		rec.Success = success != 0
		rec.Error = errStr.String
		rec.CompletedAt, _ = time.Parse(time.RFC3339Nano, at)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// prune keeps only the newest retain rows.
func (s *sqliteStore) prune(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM results WHERE id <= (SELECT COALESCE(MAX(id), 0) FROM results) - ?`, s.retain)
	return err
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
