// Copyright (c) 2026 RealmHQ
//
// MIT License
// See LICENSE file in the project root for details.

package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/realmhq/realmd/internal/server/db"
)

var timestampLayouts = []string{
	"2006-01-02 15:04:05",
	time.RFC3339,
	time.RFC3339Nano,
}

// executor abstracts *sql.DB and *sql.Tx for shared query logic.
type executor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type queries struct {
	exec executor
}

var _ db.Queries = (*queries)(nil)

func (q *queries) Sessions() db.SessionRepository {
	return &sessionRepository{exec: q.exec}
}

type sessionRepository struct {
	exec executor
}

var _ db.SessionRepository = (*sessionRepository)(nil)

type rowScanner interface {
	Scan(dest ...any) error
}

const sessionColumns = `id, name, status, session_id, pid, realm, vcpus, affinity_cpus, memory_bytes, measurement_algo, cmdline, measurement_json, created_at, updated_at`

func (r *sessionRepository) Create(ctx context.Context, session *db.Session) (int64, error) {
	res, err := r.exec.ExecContext(
		ctx,
		`INSERT INTO sessions (name, status, session_id, pid, realm, vcpus, affinity_cpus, memory_bytes, measurement_algo, cmdline, measurement_json)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		session.Name,
		string(session.Status),
		nullableString(session.SessionID),
		nullableInt64(session.PID),
		boolToInt(session.Realm),
		session.VCPUs,
		nullableString(session.AffinityCPUs),
		session.MemoryBytes,
		session.MeasurementAlgo,
		nullableString(session.Cmdline),
		session.MeasurementJSON,
	)
	if err != nil {
		return 0, fmt.Errorf("insert session: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("session last insert id: %w", err)
	}
	return id, nil
}

func (r *sessionRepository) GetByName(ctx context.Context, name string) (*db.Session, error) {
	row := r.exec.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE name = ?;`, name)
	session, err := scanSession(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &session, nil
}

func (r *sessionRepository) List(ctx context.Context) ([]db.Session, error) {
	rows, err := r.exec.QueryContext(ctx, `SELECT `+sessionColumns+` FROM sessions ORDER BY created_at ASC;`)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var result []db.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return result, nil
}

func (r *sessionRepository) UpdateState(ctx context.Context, id int64, status db.SessionStatus, pid *int64, sessionID string) error {
	if _, err := r.exec.ExecContext(
		ctx,
		`UPDATE sessions SET status = ?, pid = ?, session_id = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?;`,
		string(status), nullableInt64(pid), nullableString(sessionID), id,
	); err != nil {
		return fmt.Errorf("update session state: %w", err)
	}
	return nil
}

func (r *sessionRepository) Delete(ctx context.Context, id int64) error {
	if _, err := r.exec.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?;`, id); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

func scanSession(scanner rowScanner) (db.Session, error) {
	var (
		session    db.Session
		sessionID  sql.NullString
		pid        sql.NullInt64
		realm      int64
		affinity   sql.NullString
		cmdline    sql.NullString
		createdRaw string
		updatedRaw string
	)
	if err := scanner.Scan(
		&session.ID,
		&session.Name,
		&session.Status,
		&sessionID,
		&pid,
		&realm,
		&session.VCPUs,
		&affinity,
		&session.MemoryBytes,
		&session.MeasurementAlgo,
		&cmdline,
		&session.MeasurementJSON,
		&createdRaw,
		&updatedRaw,
	); err != nil {
		return db.Session{}, err
	}

	if sessionID.Valid {
		session.SessionID = sessionID.String
	}
	if pid.Valid {
		value := pid.Int64
		session.PID = &value
	}
	session.Realm = realm != 0
	if affinity.Valid {
		session.AffinityCPUs = affinity.String
	}
	if cmdline.Valid {
		session.Cmdline = cmdline.String
	}

	var err error
	if session.CreatedAt, err = parseTimestamp(createdRaw); err != nil {
		return db.Session{}, fmt.Errorf("parse created_at: %w", err)
	}
	if session.UpdatedAt, err = parseTimestamp(updatedRaw); err != nil {
		return db.Session{}, fmt.Errorf("parse updated_at: %w", err)
	}
	return session, nil
}

func parseTimestamp(raw string) (time.Time, error) {
	var lastErr error
	for _, layout := range timestampLayouts {
		ts, err := time.Parse(layout, raw)
		if err == nil {
			return ts, nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableInt64(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
