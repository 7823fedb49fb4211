// Package sqlite implements the deployment record store over a SQLite
// database. Unlike the blob backends it speaks SQL directly, which makes
// revision assignment a single transactional statement.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/flotilla-dev/flotilla/pkg/state"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Store implements [state.Store] backed by SQLite.
type Store struct {
	db *sql.DB
}

// Open opens a SQLite database at the given path and runs all pending
// migrations. Use ":memory:" for an in-memory database.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("sqlite3"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set goose dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Begin(ctx context.Context, app string, meta state.Meta) (*state.Record, error) {
	var payload sql.NullString
	if meta.Payload != nil {
		data, err := json.Marshal(meta.Payload)
		if err != nil {
			return nil, fmt.Errorf("marshal payload snapshot: %w", err)
		}
		payload = sql.NullString{String: string(data), Valid: true}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var prev sql.NullInt64
	err = tx.QueryRowContext(ctx,
		`SELECT MAX(revision) FROM deployment_records WHERE app = ?`, app,
	).Scan(&prev)
	if err != nil {
		return nil, fmt.Errorf("query latest revision: %w", err)
	}

	record := &state.Record{
		App:       app,
		Revision:  1,
		Namespace: meta.Namespace,
		Kind:      meta.Kind,
		Status:    state.StatusRunning,
		StartedAt: time.Now().UTC(),
		Payload:   meta.Payload,
	}
	if prev.Valid {
		record.Revision = int(prev.Int64) + 1
		p := int(prev.Int64)
		record.PreviousRevision = &p
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO deployment_records (app, revision, namespace, kind, status, payload, previous_revision, started_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		record.App, record.Revision, record.Namespace, record.Kind,
		string(record.Status), payload, nullInt(record.PreviousRevision),
		record.StartedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, fmt.Errorf("insert deployment record: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return record, nil
}

func (s *Store) Complete(ctx context.Context, app string, revision int, status state.Status, errSummary string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE deployment_records SET status = ?, error = ?, ended_at = ? WHERE app = ? AND revision = ?`,
		string(status), errSummary, time.Now().UTC().Format(time.RFC3339Nano), app, revision,
	)
	if err != nil {
		return fmt.Errorf("update deployment record: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("deployment record %s/%d not found", app, revision)
	}
	return nil
}

func (s *Store) History(ctx context.Context, filter state.Filter) ([]state.Record, error) {
	query := `SELECT app, revision, namespace, kind, status, error, payload, previous_revision, started_at, ended_at
	          FROM deployment_records`
	var conds []string
	var args []interface{}
	if filter.App != "" {
		conds = append(conds, "app = ?")
		args = append(args, filter.App)
	}
	if filter.Namespace != "" {
		conds = append(conds, "namespace = ?")
		args = append(args, filter.Namespace)
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY started_at DESC, revision DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var records []state.Record
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *record)
	}
	return records, rows.Err()
}

func (s *Store) PreviousSucceeded(ctx context.Context, app string) (*state.Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT app, revision, namespace, kind, status, error, payload, previous_revision, started_at, ended_at
		 FROM deployment_records
		 WHERE app = ? AND status = ?
		 ORDER BY revision DESC LIMIT 1`,
		app, string(state.StatusSucceeded),
	)

	record, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return record, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(s scanner) (*state.Record, error) {
	var record state.Record
	var status, startedAt string
	var payload, endedAt sql.NullString
	var prev sql.NullInt64

	err := s.Scan(&record.App, &record.Revision, &record.Namespace, &record.Kind,
		&status, &record.Error, &payload, &prev, &startedAt, &endedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan deployment record: %w", err)
	}

	record.Status = state.Status(status)
	record.StartedAt, err = time.Parse(time.RFC3339Nano, startedAt)
	if err != nil {
		return nil, fmt.Errorf("parse started_at: %w", err)
	}
	if endedAt.Valid {
		t, err := time.Parse(time.RFC3339Nano, endedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parse ended_at: %w", err)
		}
		record.EndedAt = &t
	}
	if prev.Valid {
		p := int(prev.Int64)
		record.PreviousRevision = &p
	}
	if payload.Valid {
		if err := json.Unmarshal([]byte(payload.String), &record.Payload); err != nil {
			return nil, fmt.Errorf("unmarshal payload snapshot: %w", err)
		}
	}

	return &record, nil
}

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}
