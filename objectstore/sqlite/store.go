// Package sqlite provides a SQLite-backed objectstore.Repository.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/jonwraymond/pagecache/objectstore"
	"github.com/jonwraymond/pagecache/objectstore/sqlite/migrations"
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store persists objects, tasks and versions in SQLite.
type Store struct {
	sqlDB *sql.DB
	q     querier
	inTx  bool
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Open opens the database at path and applies the embedded migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := filepath.Clean(path) + "?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000&_synchronous=NORMAL"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := applyMigrations(ctx, sqlDB, migrations.FS); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{sqlDB: sqlDB, q: sqlDB}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil || s.inTx {
		return nil
	}
	return s.sqlDB.Close()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.sqlDB.PingContext(ctx)
}

// InTx implements objectstore.Repository. Calls made inside an open
// transaction join it.
func (s *Store) InTx(ctx context.Context, fn func(objectstore.Repository) error) error {
	return s.withTx(ctx, func(tx *Store) error { return fn(tx) })
}

func (s *Store) withTx(ctx context.Context, fn func(tx *Store) error) error {
	if s.inTx {
		return fn(s)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(&Store{sqlDB: s.sqlDB, q: tx, inTx: true}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

const objectColumns = `o.id, o.class_id, o.parent_id, o.key, o.published, o.version_count, o.created_at, o.modified_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (objectstore.Record, error) {
	var (
		rec                 objectstore.Record
		published           int64
		createdAt, modified int64
	)
	err := row.Scan(&rec.ID, &rec.ClassID, &rec.ParentID, &rec.Key, &published, &rec.VersionCount, &createdAt, &modified)
	if err != nil {
		return objectstore.Record{}, err
	}
	rec.Published = published != 0
	rec.CreationDate = fromMillis(createdAt)
	rec.ModificationDate = fromMillis(modified)
	return rec, nil
}

// Load implements objectstore.Repository.
func (s *Store) Load(ctx context.Context, id int64) (*objectstore.Object, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rec, err := scanRecord(s.q.QueryRowContext(ctx, `SELECT `+objectColumns+` FROM objects o WHERE o.id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %d", objectstore.ErrNotFound, id)
		}
		return nil, fmt.Errorf("load object: %w", err)
	}
	if rec.Fields, err = s.loadFields(ctx, id); err != nil {
		return nil, err
	}
	if rec.Tasks, err = s.loadTasks(ctx, id); err != nil {
		return nil, err
	}
	return objectstore.Restore(rec), nil
}

func (s *Store) loadFields(ctx context.Context, id int64) (map[string]any, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT name, value FROM object_fields WHERE object_id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("load fields: %w", err)
	}
	defer rows.Close()

	fields := make(map[string]any)
	for rows.Next() {
		var name, raw string
		if err := rows.Scan(&name, &raw); err != nil {
			return nil, fmt.Errorf("scan field: %w", err)
		}
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			return nil, fmt.Errorf("decode field %s: %w", name, err)
		}
		fields[name] = v
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load fields: %w", err)
	}
	return fields, nil
}

func (s *Store) loadTasks(ctx context.Context, id int64) ([]objectstore.Task, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT id, date, action, active FROM object_tasks WHERE object_id = ? ORDER BY id`, id)
	if err != nil {
		return nil, fmt.Errorf("load tasks: %w", err)
	}
	defer rows.Close()

	var tasks []objectstore.Task
	for rows.Next() {
		var (
			t      objectstore.Task
			date   int64
			active int64
		)
		if err := rows.Scan(&t.ID, &date, &t.Action, &active); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		t.Date = fromMillis(date)
		t.Active = active != 0
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load tasks: %w", err)
	}
	return tasks, nil
}

// VersionCountForUpdate implements objectstore.Repository.
func (s *Store) VersionCountForUpdate(ctx context.Context, id int64) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	var n int
	err := s.q.QueryRowContext(ctx, `SELECT version_count FROM objects WHERE id = ?`, id).Scan(&n)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, fmt.Errorf("%w: %d", objectstore.ErrNotFound, id)
		}
		return 0, fmt.Errorf("read version count: %w", err)
	}
	return n, nil
}

// UpdateObject implements objectstore.Repository.
func (s *Store) UpdateObject(ctx context.Context, o *objectstore.Object) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if o.ID == 0 {
		res, err := s.q.ExecContext(ctx,
			`INSERT INTO objects (class_id, parent_id, key, published, version_count, created_at, modified_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			o.ClassID, o.ParentID(), o.Key(), boolInt(o.Published()), o.VersionCount,
			toMillis(o.CreationDate), toMillis(o.ModificationDate),
		)
		if err != nil {
			return fmt.Errorf("insert object: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("insert object id: %w", err)
		}
		o.ID = id
		return nil
	}

	res, err := s.q.ExecContext(ctx,
		`UPDATE objects
		    SET parent_id = ?, key = ?, published = ?, version_count = ?, modified_at = ?
		  WHERE id = ?`,
		o.ParentID(), o.Key(), boolInt(o.Published()), o.VersionCount, toMillis(o.ModificationDate), o.ID,
	)
	if err != nil {
		return fmt.Errorf("update object: %w", err)
	}
	return requireRow(res, o.ID)
}

// UpdateFields implements objectstore.Repository.
func (s *Store) UpdateFields(ctx context.Context, o *objectstore.Object, fields []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.withTx(ctx, func(tx *Store) error {
		return tx.writeFields(ctx, o, fields)
	})
}

func (s *Store) writeFields(ctx context.Context, o *objectstore.Object, fields []string) error {
	tx := s.q
	values := o.Fields()
	if fields == nil {
		if _, err := tx.ExecContext(ctx, `DELETE FROM object_fields WHERE object_id = ?`, o.ID); err != nil {
			return fmt.Errorf("clear fields: %w", err)
		}
		fields = make([]string, 0, len(values))
		for name := range values {
			fields = append(fields, name)
		}
	}

	for _, name := range fields {
		v := values[name]
		if v == nil {
			if _, err := tx.ExecContext(ctx, `DELETE FROM object_fields WHERE object_id = ? AND name = ?`, o.ID, name); err != nil {
				return fmt.Errorf("delete field %s: %w", name, err)
			}
			continue
		}
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("encode field %s: %w", name, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO object_fields (object_id, name, value) VALUES (?, ?, ?)
			 ON CONFLICT (object_id, name) DO UPDATE SET value = excluded.value`,
			o.ID, name, string(raw),
		); err != nil {
			return fmt.Errorf("write field %s: %w", name, err)
		}
	}
	return nil
}

// UpdateVersionCount implements objectstore.Repository.
func (s *Store) UpdateVersionCount(ctx context.Context, id int64, count int, modified time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	res, err := s.q.ExecContext(ctx,
		`UPDATE objects SET version_count = ?, modified_at = ? WHERE id = ?`,
		count, toMillis(modified), id,
	)
	if err != nil {
		return fmt.Errorf("update version count: %w", err)
	}
	return requireRow(res, id)
}

// SaveTasks implements objectstore.Repository.
func (s *Store) SaveTasks(ctx context.Context, objectID int64, tasks []objectstore.Task) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.withTx(ctx, func(tx *Store) error {
		if _, err := tx.q.ExecContext(ctx, `DELETE FROM object_tasks WHERE object_id = ?`, objectID); err != nil {
			return fmt.Errorf("clear tasks: %w", err)
		}
		for _, t := range tasks {
			if _, err := tx.q.ExecContext(ctx,
				`INSERT INTO object_tasks (object_id, date, action, active) VALUES (?, ?, ?, ?)`,
				objectID, toMillis(t.Date), t.Action, boolInt(t.Active),
			); err != nil {
				return fmt.Errorf("insert task: %w", err)
			}
		}
		return nil
	})
}

// DeleteTasks implements objectstore.Repository.
func (s *Store) DeleteTasks(ctx context.Context, objectID int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := s.q.ExecContext(ctx, `DELETE FROM object_tasks WHERE object_id = ?`, objectID); err != nil {
		return fmt.Errorf("delete tasks: %w", err)
	}
	return nil
}

// Delete implements objectstore.Repository. Fields and tasks cascade.
func (s *Store) Delete(ctx context.Context, id int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := s.q.ExecContext(ctx, `DELETE FROM objects WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete object: %w", err)
	}
	return nil
}

// AppendVersion implements objectstore.Repository.
func (s *Store) AppendVersion(ctx context.Context, v *objectstore.Version) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(v.Data)
	if err != nil {
		return fmt.Errorf("encode version data: %w", err)
	}
	res, err := s.q.ExecContext(ctx,
		`INSERT INTO object_versions (object_id, version_count, date, note, autosave, stack_trace, data)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		v.ObjectID, v.VersionCount, toMillis(v.Date), v.Note, boolInt(v.IsAutoSave), v.StackTrace, string(data),
	)
	if err != nil {
		return fmt.Errorf("insert version: %w", err)
	}
	if v.ID, err = res.LastInsertId(); err != nil {
		return fmt.Errorf("insert version id: %w", err)
	}
	return nil
}

// Versions implements objectstore.Repository.
func (s *Store) Versions(ctx context.Context, objectID int64) ([]objectstore.Version, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rows, err := s.q.QueryContext(ctx,
		`SELECT id, object_id, version_count, date, note, autosave, stack_trace, data
		   FROM object_versions
		  WHERE object_id = ?
		  ORDER BY version_count ASC, id ASC`,
		objectID,
	)
	if err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	defer rows.Close()

	var out []objectstore.Version
	for rows.Next() {
		var (
			v        objectstore.Version
			date     int64
			autosave int64
			data     string
		)
		if err := rows.Scan(&v.ID, &v.ObjectID, &v.VersionCount, &date, &v.Note, &autosave, &v.StackTrace, &data); err != nil {
			return nil, fmt.Errorf("scan version: %w", err)
		}
		v.Date = fromMillis(date)
		v.IsAutoSave = autosave != 0
		if err := json.Unmarshal([]byte(data), &v.Data); err != nil {
			return nil, fmt.Errorf("decode version %d: %w", v.ID, err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	return out, nil
}

// DeleteVersions implements objectstore.Repository.
func (s *Store) DeleteVersions(ctx context.Context, objectID int64, ids []int64) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	query := `DELETE FROM object_versions WHERE object_id = ?`
	args := []any{objectID}
	if ids != nil {
		if len(ids) == 0 {
			return 0, nil
		}
		query += ` AND id IN (?` + strings.Repeat(`, ?`, len(ids)-1) + `)`
		for _, id := range ids {
			args = append(args, id)
		}
	}
	res, err := s.q.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("delete versions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete versions: %w", err)
	}
	return int(n), nil
}

// Find implements objectstore.Repository.
func (s *Store) Find(ctx context.Context, q objectstore.Query) ([]*objectstore.Object, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	query, args, err := buildFind(q)
	if err != nil {
		return nil, err
	}
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("find objects: %w", err)
	}
	var recs []objectstore.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan object: %w", err)
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("find objects: %w", err)
	}
	_ = rows.Close()

	out := make([]*objectstore.Object, 0, len(recs))
	for _, rec := range recs {
		if rec.Fields, err = s.loadFields(ctx, rec.ID); err != nil {
			return nil, err
		}
		if rec.Tasks, err = s.loadTasks(ctx, rec.ID); err != nil {
			return nil, err
		}
		out = append(out, objectstore.Restore(rec))
	}
	return out, nil
}

func buildFind(q objectstore.Query) (string, []any, error) {
	var b strings.Builder
	b.WriteString(`SELECT ` + objectColumns + ` FROM objects o`)
	args := []any{}

	if !q.System {
		b.WriteString(` JOIN object_fields f ON f.object_id = o.id AND f.name = ?`)
		args = append(args, q.Field)
	}
	b.WriteString(` WHERE o.class_id = ?`)
	args = append(args, q.ClassID)
	if !q.IncludeUnpublished {
		b.WriteString(` AND o.published = 1`)
	}

	switch {
	case q.System:
		switch q.Field {
		case objectstore.FieldKey:
			b.WriteString(` AND o.key = ?`)
			args = append(args, q.Value)
		case objectstore.FieldPublished:
			published, ok := q.Value.(bool)
			if !ok {
				return "", nil, fmt.Errorf("published filter must be a bool, got %T", q.Value)
			}
			b.WriteString(` AND o.published = ?`)
			args = append(args, boolInt(published))
		case objectstore.FieldParentID:
			ids, ok := objectstore.RelationIDs(q.Value)
			if !ok || len(ids) != 1 {
				return "", nil, fmt.Errorf("parentId filter must be one id, got %v", q.Value)
			}
			b.WriteString(` AND o.parent_id = ?`)
			args = append(args, ids[0])
		default:
			return "", nil, fmt.Errorf("%w: %s", objectstore.ErrUnknownField, q.Field)
		}
	case q.Relation:
		ids, ok := objectstore.RelationIDs(q.Value)
		if !ok || len(ids) != 1 {
			return "", nil, fmt.Errorf("relation filter must be one id, got %v", q.Value)
		}
		b.WriteString(` AND EXISTS (SELECT 1 FROM json_each(f.value) j WHERE j.value = ?)`)
		args = append(args, ids[0])
	default:
		raw, err := json.Marshal(q.Value)
		if err != nil {
			return "", nil, fmt.Errorf("encode filter value: %w", err)
		}
		b.WriteString(` AND f.value = ?`)
		args = append(args, string(raw))
	}

	b.WriteString(` ORDER BY o.id ASC LIMIT ? OFFSET ?`)
	limit := q.Limit
	if limit <= 0 {
		limit = -1
	}
	args = append(args, limit, max(q.Offset, 0))
	return b.String(), args, nil
}

func requireRow(res sql.Result, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %d", objectstore.ErrNotFound, id)
	}
	return nil
}

var _ objectstore.Repository = (*Store)(nil)
