// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // pure Go driver

	"github.com/JuliiaZhuravleva/PlexAudioConverter/internal/state"
)

const schemaVersion = 1

// sentinelMS is state.SentinelNever as a unix-ms column value. Due predicates
// compare against it so terminal rows never match.
var sentinelMS = state.SentinelNever.UnixMilli()

// SQLite is the default Store backend: one database file, WAL journaling,
// single-writer transactions.
type SQLite struct {
	db   *sql.DB
	path string
}

// OpenSQLite opens (or creates) the database file and applies pending
// migrations. The pragmas ride in the DSN so they apply to every pooled
// connection.
func OpenSQLite(dbPath string) (*SQLite, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)",
		dbPath, (5 * time.Second).Milliseconds())

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open failed: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(1 * time.Hour)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: ping failed: %w", err)
	}

	s := &SQLite{db: db, path: dbPath}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("state store: migration failed: %w", err)
	}
	return s, nil
}

func (s *SQLite) Close() error { return s.db.Close() }

func (s *SQLite) migrate() error {
	var current int
	if err := s.db.QueryRow("PRAGMA user_version").Scan(&current); err != nil {
		return err
	}
	if current > schemaVersion {
		return fmt.Errorf("database schema version %d is newer than supported %d", current, schemaVersion)
	}
	if current == schemaVersion {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	schema := `
	CREATE TABLE IF NOT EXISTS files (
		path TEXT PRIMARY KEY,
		size INTEGER NOT NULL DEFAULT 0,
		size_observed_at_ms INTEGER,
		stable_since_ms INTEGER,
		integrity TEXT NOT NULL,
		integrity_attempts INTEGER NOT NULL DEFAULT 0,
		processed TEXT NOT NULL,
		group_id TEXT,
		role TEXT NOT NULL,
		next_check_at_ms INTEGER NOT NULL,
		backoff_sec INTEGER NOT NULL DEFAULT 0,
		discovered_at_ms INTEGER NOT NULL,
		updated_at_ms INTEGER NOT NULL,
		last_error TEXT,
		lease_owner TEXT,
		lease_deadline_ms INTEGER
	);

	CREATE INDEX IF NOT EXISTS idx_files_next_check ON files(next_check_at_ms);
	CREATE INDEX IF NOT EXISTS idx_files_group ON files(group_id);

	CREATE TABLE IF NOT EXISTS groups (
		group_id TEXT PRIMARY KEY,
		original_path TEXT,
		companion_path TEXT,
		state TEXT NOT NULL,
		delete_original INTEGER NOT NULL DEFAULT 0,
		created_at_ms INTEGER NOT NULL,
		finished_at_ms INTEGER
	);

	CREATE TABLE IF NOT EXISTS meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`
	if _, err := tx.Exec(schema); err != nil {
		return err
	}
	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
		return err
	}
	return tx.Commit()
}

const fileColumns = `path, size, size_observed_at_ms, stable_since_ms, integrity,
	integrity_attempts, processed, group_id, role, next_check_at_ms, backoff_sec,
	discovered_at_ms, updated_at_ms, last_error, lease_owner, lease_deadline_ms`

func (s *SQLite) Upsert(ctx context.Context, e state.FileEntry) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	err = tx.QueryRowContext(ctx, "SELECT 1 FROM files WHERE path = ?", e.Path).Scan(&exists)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if err := insertFile(ctx, tx, e, e.DiscoveredAt); err != nil {
			return false, err
		}
		return true, tx.Commit()
	case err != nil:
		return false, err
	}

	// Known path: re-discovery only refreshes the size observation, and only
	// when the caller actually sampled it.
	if !e.SizeObservedAt.IsZero() {
		_, err = tx.ExecContext(ctx,
			"UPDATE files SET size = ?, size_observed_at_ms = ? WHERE path = ?",
			e.Size, toMS(e.SizeObservedAt), e.Path)
		if err != nil {
			return false, err
		}
	}
	return false, tx.Commit()
}

func insertFile(ctx context.Context, tx *sql.Tx, e state.FileEntry, now time.Time) error {
	_, err := tx.ExecContext(ctx, `
	INSERT INTO files (`+fileColumns+`)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(path) DO NOTHING
	`,
		e.Path, e.Size, toMS(e.SizeObservedAt), toMS(e.StableSince), string(e.Integrity),
		e.IntegrityAttempts, string(e.Processed), nullStr(e.GroupID), string(e.Role),
		e.NextCheckAt.UnixMilli(), e.BackoffSec,
		e.DiscoveredAt.UnixMilli(), now.UnixMilli(), nullStr(e.LastError),
		nullStr(e.LeaseOwner), toMS(e.LeaseDeadline),
	)
	return err
}

func (s *SQLite) Get(ctx context.Context, path string) (*state.FileEntry, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+fileColumns+" FROM files WHERE path = ?", path)
	e, err := scanFile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("file %s: %w", path, ErrNotFound)
	}
	return e, err
}

func (s *SQLite) GetGroup(ctx context.Context, groupID string) (*state.GroupEntry, error) {
	row := s.db.QueryRowContext(ctx, `
	SELECT group_id, original_path, companion_path, state, delete_original, created_at_ms, finished_at_ms
	FROM groups WHERE group_id = ?`, groupID)
	g, err := scanGroup(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("group %s: %w", groupID, ErrNotFound)
	}
	return g, err
}

func (s *SQLite) GroupMembers(ctx context.Context, groupID string) ([]state.FileEntry, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+fileColumns+` FROM files WHERE group_id = ?
		ORDER BY CASE role WHEN 'original' THEN 0 ELSE 1 END, path`, groupID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var members []state.FileEntry
	for rows.Next() {
		e, err := scanFile(rows)
		if err != nil {
			return nil, err
		}
		members = append(members, *e)
	}
	return members, rows.Err()
}

func (s *SQLite) PickDue(ctx context.Context, now time.Time, limit int, owner string, leaseTTL time.Duration) ([]state.FileEntry, error) {
	if limit <= 0 {
		return nil, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	nowMS := now.UnixMilli()
	rows, err := tx.QueryContext(ctx, "SELECT "+fileColumns+` FROM files
		WHERE next_check_at_ms <= ?
		  AND (lease_owner IS NULL OR lease_deadline_ms <= ?)
		ORDER BY next_check_at_ms ASC, discovered_at_ms ASC
		LIMIT ?`, nowMS, nowMS, limit)
	if err != nil {
		return nil, err
	}

	var picked []state.FileEntry
	for rows.Next() {
		e, err := scanFile(rows)
		if err != nil {
			_ = rows.Close()
			return nil, err
		}
		picked = append(picked, *e)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	deadline := now.Add(leaseTTL)
	for i := range picked {
		_, err := tx.ExecContext(ctx,
			"UPDATE files SET lease_owner = ?, lease_deadline_ms = ? WHERE path = ?",
			owner, deadline.UnixMilli(), picked[i].Path)
		if err != nil {
			return nil, err
		}
		picked[i].LeaseOwner = owner
		picked[i].LeaseDeadline = deadline
	}
	return picked, tx.Commit()
}

func (s *SQLite) Apply(ctx context.Context, now time.Time, u Update) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if u.Entry != nil {
		if u.Owner != "" {
			var holder sql.NullString
			var deadline sql.NullInt64
			err := tx.QueryRowContext(ctx,
				"SELECT lease_owner, lease_deadline_ms FROM files WHERE path = ?",
				u.Entry.Path).Scan(&holder, &deadline)
			if err != nil && !errors.Is(err, sql.ErrNoRows) {
				return err
			}
			if holder.Valid && holder.String != u.Owner && deadline.Valid && deadline.Int64 > now.UnixMilli() {
				return fmt.Errorf("apply %s: %w", u.Entry.Path, ErrLeaseLost)
			}
		}
		e := *u.Entry
		if err := writeFile(ctx, tx, e, now); err != nil {
			return err
		}
	}

	for _, e := range u.Upserts {
		if err := insertFile(ctx, tx, e, now); err != nil {
			return err
		}
	}

	if u.Group != nil {
		if err := writeGroup(ctx, tx, u.Group.Group); err != nil {
			return err
		}
		if u.Group.Finalize {
			_, err := tx.ExecContext(ctx, `
			UPDATE files SET processed = ?, next_check_at_ms = ?, updated_at_ms = ?,
				lease_owner = NULL, lease_deadline_ms = NULL
			WHERE group_id = ? AND processed != ?`,
				string(state.ProcessedGroupProcessed), sentinelMS, now.UnixMilli(),
				u.Group.Group.GroupID, string(state.ProcessedGroupProcessed))
			if err != nil {
				return err
			}
		}
	}

	return tx.Commit()
}

// writeFile persists the full entry and clears its lease.
func writeFile(ctx context.Context, tx *sql.Tx, e state.FileEntry, now time.Time) error {
	res, err := tx.ExecContext(ctx, `
	UPDATE files SET
		size = ?, size_observed_at_ms = ?, stable_since_ms = ?, integrity = ?,
		integrity_attempts = ?, processed = ?, group_id = ?, role = ?,
		next_check_at_ms = ?, backoff_sec = ?, updated_at_ms = ?, last_error = ?,
		lease_owner = NULL, lease_deadline_ms = NULL
	WHERE path = ?`,
		e.Size, toMS(e.SizeObservedAt), toMS(e.StableSince), string(e.Integrity),
		e.IntegrityAttempts, string(e.Processed), nullStr(e.GroupID), string(e.Role),
		e.NextCheckAt.UnixMilli(), e.BackoffSec, now.UnixMilli(), nullStr(e.LastError),
		e.Path)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return insertFile(ctx, tx, e, now)
	}
	return nil
}

// writeGroup upserts the group row. Member paths merge rather than overwrite
// so a forming-stage mutation cannot erase an already registered companion.
func writeGroup(ctx context.Context, tx *sql.Tx, g state.GroupEntry) error {
	_, err := tx.ExecContext(ctx, `
	INSERT INTO groups (group_id, original_path, companion_path, state, delete_original, created_at_ms, finished_at_ms)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(group_id) DO UPDATE SET
		original_path = CASE WHEN excluded.original_path IS NOT NULL THEN excluded.original_path ELSE groups.original_path END,
		companion_path = CASE WHEN excluded.companion_path IS NOT NULL THEN excluded.companion_path ELSE groups.companion_path END,
		state = excluded.state,
		delete_original = excluded.delete_original,
		finished_at_ms = excluded.finished_at_ms
	`,
		g.GroupID, nullStr(g.OriginalPath), nullStr(g.CompanionPath), string(g.State),
		boolInt(g.DeleteOriginal), g.CreatedAt.UnixMilli(), toMS(g.FinishedAt))
	return err
}

func (s *SQLite) MarkTerminal(ctx context.Context, now time.Time, path string, processed state.ProcessedStatus) error {
	res, err := s.db.ExecContext(ctx, `
	UPDATE files SET processed = ?, next_check_at_ms = ?, updated_at_ms = ?,
		lease_owner = NULL, lease_deadline_ms = NULL
	WHERE path = ?`,
		string(processed), sentinelMS, now.UnixMilli(), path)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("file %s: %w", path, ErrNotFound)
	}
	return nil
}

func (s *SQLite) EarliestNextCheck(ctx context.Context) (time.Time, bool, error) {
	var min sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		"SELECT MIN(next_check_at_ms) FROM files WHERE next_check_at_ms < ?", sentinelMS).Scan(&min)
	if err != nil {
		return time.Time{}, false, err
	}
	if !min.Valid {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(min.Int64).UTC(), true, nil
}

func (s *SQLite) ReleaseExpiredLeases(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
	UPDATE files SET lease_owner = NULL, lease_deadline_ms = NULL
	WHERE lease_owner IS NOT NULL AND lease_deadline_ms <= ?`, now.UnixMilli())
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *SQLite) CountExpiredLeases(ctx context.Context, now time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
	SELECT COUNT(*) FROM files
	WHERE lease_owner IS NOT NULL AND lease_deadline_ms <= ?`, now.UnixMilli()).Scan(&n)
	return n, err
}

func (s *SQLite) SweepOrphans(ctx context.Context) (int, int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
	UPDATE files SET group_id = NULL
	WHERE group_id IS NOT NULL AND group_id NOT IN (SELECT group_id FROM groups)`)
	if err != nil {
		return 0, 0, err
	}
	cleared, _ := res.RowsAffected()

	res, err = tx.ExecContext(ctx, `
	DELETE FROM groups
	WHERE group_id NOT IN (SELECT group_id FROM files WHERE group_id IS NOT NULL)`)
	if err != nil {
		return 0, 0, err
	}
	deleted, _ := res.RowsAffected()

	return int(cleared), int(deleted), tx.Commit()
}

func (s *SQLite) GC(ctx context.Context, now time.Time, keepDays int) (int, error) {
	cutoff := now.AddDate(0, 0, -keepDays).UnixMilli()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		"DELETE FROM files WHERE next_check_at_ms >= ? AND updated_at_ms <= ?",
		sentinelMS, cutoff)
	if err != nil {
		return 0, err
	}
	removed, _ := res.RowsAffected()

	_, err = tx.ExecContext(ctx, `
	DELETE FROM groups
	WHERE group_id NOT IN (SELECT group_id FROM files WHERE group_id IS NOT NULL)`)
	if err != nil {
		return 0, err
	}
	return int(removed), tx.Commit()
}

func (s *SQLite) InstanceID(ctx context.Context) (string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer func() { _ = tx.Rollback() }()

	var id string
	err = tx.QueryRowContext(ctx, "SELECT value FROM meta WHERE key = 'instance_id'").Scan(&id)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		id = uuid.New().String()
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO meta (key, value) VALUES ('instance_id', ?)", id); err != nil {
			return "", err
		}
		return id, tx.Commit()
	case err != nil:
		return "", err
	}
	return id, tx.Commit()
}

func (s *SQLite) Stats(ctx context.Context) (Stats, error) {
	st := Stats{
		ByIntegrity:  make(map[state.IntegrityStatus]int),
		ByProcessed:  make(map[state.ProcessedStatus]int),
		ByGroupState: make(map[state.GroupState]int),
	}

	rows, err := s.db.QueryContext(ctx, "SELECT integrity, COUNT(*) FROM files GROUP BY integrity")
	if err != nil {
		return st, err
	}
	for rows.Next() {
		var k string
		var n int
		if err := rows.Scan(&k, &n); err != nil {
			_ = rows.Close()
			return st, err
		}
		st.ByIntegrity[state.IntegrityStatus(k)] = n
		st.Files += n
	}
	_ = rows.Close()

	rows, err = s.db.QueryContext(ctx, "SELECT processed, COUNT(*) FROM files GROUP BY processed")
	if err != nil {
		return st, err
	}
	for rows.Next() {
		var k string
		var n int
		if err := rows.Scan(&k, &n); err != nil {
			_ = rows.Close()
			return st, err
		}
		st.ByProcessed[state.ProcessedStatus(k)] = n
	}
	_ = rows.Close()

	rows, err = s.db.QueryContext(ctx, "SELECT state, COUNT(*) FROM groups GROUP BY state")
	if err != nil {
		return st, err
	}
	for rows.Next() {
		var k string
		var n int
		if err := rows.Scan(&k, &n); err != nil {
			_ = rows.Close()
			return st, err
		}
		st.ByGroupState[state.GroupState(k)] = n
		st.Groups += n
	}
	_ = rows.Close()

	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM files WHERE lease_owner IS NOT NULL").Scan(&st.Leased); err != nil {
		return st, err
	}
	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM files WHERE next_check_at_ms >= ?", sentinelMS).Scan(&st.Terminal); err != nil {
		return st, err
	}

	if t, ok, err := s.EarliestNextCheck(ctx); err != nil {
		return st, err
	} else if ok {
		st.EarliestNextCheck = t
	}

	if info, err := os.Stat(s.path); err == nil {
		st.DBSizeBytes = info.Size()
	}
	return st, nil
}

func (s *SQLite) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

func (s *SQLite) DropAll(ctx context.Context) error {
	for _, stmt := range []string{
		"DROP TABLE IF EXISTS files",
		"DROP TABLE IF EXISTS groups",
		"DROP TABLE IF EXISTS meta",
		"PRAGMA user_version = 0",
	} {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// --- scan helpers ---

func scanFile(scanner interface{ Scan(dest ...any) error }) (*state.FileEntry, error) {
	var e state.FileEntry
	var integrity, processed, role string
	var sizeObserved, stableSince, leaseDeadline sql.NullInt64
	var nextCheck, discovered, updated int64
	var groupID, lastError, leaseOwner sql.NullString

	err := scanner.Scan(
		&e.Path, &e.Size, &sizeObserved, &stableSince, &integrity,
		&e.IntegrityAttempts, &processed, &groupID, &role, &nextCheck, &e.BackoffSec,
		&discovered, &updated, &lastError, &leaseOwner, &leaseDeadline,
	)
	if err != nil {
		return nil, err
	}

	e.Integrity = state.IntegrityStatus(integrity)
	e.Processed = state.ProcessedStatus(processed)
	e.Role = state.Role(role)
	e.SizeObservedAt = fromMS(sizeObserved)
	e.StableSince = fromMS(stableSince)
	e.NextCheckAt = time.UnixMilli(nextCheck).UTC()
	e.DiscoveredAt = time.UnixMilli(discovered).UTC()
	e.UpdatedAt = time.UnixMilli(updated).UTC()
	e.GroupID = groupID.String
	e.LastError = lastError.String
	e.LeaseOwner = leaseOwner.String
	e.LeaseDeadline = fromMS(leaseDeadline)
	return &e, nil
}

func scanGroup(scanner interface{ Scan(dest ...any) error }) (*state.GroupEntry, error) {
	var g state.GroupEntry
	var original, companion sql.NullString
	var groupState string
	var deleteOriginal int
	var created int64
	var finished sql.NullInt64

	err := scanner.Scan(&g.GroupID, &original, &companion, &groupState, &deleteOriginal, &created, &finished)
	if err != nil {
		return nil, err
	}
	g.OriginalPath = original.String
	g.CompanionPath = companion.String
	g.State = state.GroupState(groupState)
	g.DeleteOriginal = deleteOriginal != 0
	g.CreatedAt = time.UnixMilli(created).UTC()
	g.FinishedAt = fromMS(finished)
	return &g, nil
}

func toMS(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func fromMS(ms sql.NullInt64) time.Time {
	if !ms.Valid {
		return time.Time{}
	}
	return time.UnixMilli(ms.Int64).UTC()
}

func nullStr(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
