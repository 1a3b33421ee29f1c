// Package sqlstore provides a database/sql store adapter.
//
// Documents live in a single docs table with the payload as a JSON column;
// selector matching on payload fields happens client-side after a metadata
// WHERE clause narrows the scan. Two backends share the schema: a MySQL
// server (any DSN accepted by go-sql-driver/mysql) and an embedded Dolt
// database addressed as dolt://<dir>.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/go-sql-driver/mysql"

	"github.com/trellishq/trellis/internal/storage"
)

// Config parameterizes Open.
type Config struct {
	// URL is either "dolt://<dir>" for an embedded database or a MySQL DSN.
	URL      string
	User     string
	Password string
	// Database names the schema for the dolt backend. Defaults to "trellis".
	Database string
	Retry    storage.RetryConfig
}

// Store is a database/sql-backed storage.Adapter.
type Store struct {
	db    *sql.DB
	retry storage.RetryConfig
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS docs (
		id VARCHAR(64) NOT NULL,
		kind VARCHAR(32) NOT NULL,
		space VARCHAR(64) NOT NULL,
		parent VARCHAR(64) NOT NULL DEFAULT '',
		parent_kind VARCHAR(32) NOT NULL DEFAULT '',
		collection VARCHAR(32) NOT NULL DEFAULT '',
		fields JSON NOT NULL,
		PRIMARY KEY (id),
		INDEX idx_docs_kind_space (kind, space),
		INDEX idx_docs_kind_parent (kind, parent)
	)`,
	`CREATE TABLE IF NOT EXISTS ids (
		n BIGINT NOT NULL AUTO_INCREMENT,
		PRIMARY KEY (n)
	)`,
	`CREATE TABLE IF NOT EXISTS markup (
		ref VARCHAR(64) NOT NULL,
		content MEDIUMTEXT NOT NULL,
		format VARCHAR(16) NOT NULL DEFAULT 'markdown',
		PRIMARY KEY (ref)
	)`,
}

// Open connects to the configured backend, verifies the connection, and
// applies the schema. Connection-class failures during open are retried per
// cfg.Retry.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Database == "" {
		cfg.Database = "trellis"
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = storage.DefaultRetryConfig()
	}

	var db *sql.DB
	var err error
	if dir, ok := strings.CutPrefix(cfg.URL, "dolt://"); ok {
		db, err = openDolt(ctx, dir, cfg.Database)
	} else {
		db, err = sql.Open("mysql", mysqlDSN(cfg))
	}
	if err != nil {
		return nil, storage.ConnectionError("open", err)
	}

	s := &Store{db: db, retry: cfg.Retry}
	err = storage.WithRetry(ctx, cfg.Retry, func() error {
		if err := db.PingContext(ctx); err != nil {
			return storage.ConnectionError("ping", err)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func mysqlDSN(cfg Config) string {
	dsn := cfg.URL
	if cfg.User != "" && !strings.Contains(dsn, "@") {
		cred := cfg.User
		if cfg.Password != "" {
			cred += ":" + cfg.Password
		}
		dsn = cred + "@" + dsn
	}
	// The fields column round-trips as JSON text.
	if !strings.Contains(dsn, "?") {
		dsn += "?parseTime=false"
	}
	return dsn
}

func (s *Store) initSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return storage.DatabaseError("init schema", err)
		}
	}
	return nil
}

// classify maps driver errors into the adapter error taxonomy so the retry
// layer can tell connection loss from everything else.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var netErr net.Error
	if errors.As(err, &netErr) ||
		errors.Is(err, mysql.ErrInvalidConn) ||
		errors.Is(err, sql.ErrConnDone) ||
		errors.Is(err, context.DeadlineExceeded) {
		return storage.ConnectionError(op, err)
	}
	return storage.DatabaseError(op, err)
}

func (s *Store) nextID(ctx context.Context, prefix string) (string, error) {
	res, err := s.db.ExecContext(ctx, "INSERT INTO ids () VALUES ()")
	if err != nil {
		return "", classify("allocate id", err)
	}
	n, err := res.LastInsertId()
	if err != nil {
		return "", classify("allocate id", err)
	}
	return fmt.Sprintf("%s-%d", prefix, n), nil
}

// metaWhere builds the WHERE clause for the selector's metadata keys and
// returns the remaining payload-field keys for client-side filtering.
func metaWhere(kind storage.Kind, sel storage.Selector) (string, []any, storage.Selector) {
	where := []string{"kind = ?"}
	args := []any{string(kind)}
	rest := storage.Selector{}
	for k, v := range sel {
		switch k {
		case "_id":
			where = append(where, "id = ?")
			args = append(args, fmt.Sprint(v))
		case "space":
			where = append(where, "space = ?")
			args = append(args, fmt.Sprint(v))
		case "attachedTo":
			where = append(where, "parent = ?")
			args = append(args, fmt.Sprint(v))
		case "collection":
			where = append(where, "collection = ?")
			args = append(args, fmt.Sprint(v))
		default:
			rest[k] = v
		}
	}
	return strings.Join(where, " AND "), args, rest
}

func fieldsMatch(fields map[string]any, sel storage.Selector) bool {
	for k, want := range sel {
		if fmt.Sprint(fields[k]) != fmt.Sprint(want) {
			return false
		}
	}
	return true
}

func scanDoc(rows *sql.Rows) (*storage.Doc, error) {
	var d storage.Doc
	var raw []byte
	if err := rows.Scan(&d.ID, &d.Kind, &d.Space, &d.Parent, &d.ParentKind, &d.Collection, &raw); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(raw, &d.Fields); err != nil {
		return nil, err
	}
	return &d, nil
}

const docColumns = "id, kind, space, parent, parent_kind, collection, fields"

func (s *Store) find(ctx context.Context, kind storage.Kind, sel storage.Selector, limit int) ([]*storage.Doc, error) {
	where, args, rest := metaWhere(kind, sel)
	query := fmt.Sprintf("SELECT %s FROM docs WHERE %s", docColumns, where)
	if limit > 0 && len(rest) == 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	var out []*storage.Doc
	err := storage.WithRetry(ctx, s.retry, func() error {
		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return classify("find "+string(kind), err)
		}
		defer rows.Close()

		out = out[:0]
		for rows.Next() {
			d, err := scanDoc(rows)
			if err != nil {
				return classify("find "+string(kind), err)
			}
			if !fieldsMatch(d.Fields, rest) {
				continue
			}
			out = append(out, d)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
		if err := rows.Err(); err != nil {
			return classify("find "+string(kind), err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// FindOne implements storage.Adapter.
func (s *Store) FindOne(ctx context.Context, kind storage.Kind, sel storage.Selector) (*storage.Doc, error) {
	docs, err := s.find(ctx, kind, sel, 1)
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, storage.NotFoundError(string(kind), fmt.Sprint(sel))
	}
	return docs[0], nil
}

// FindAll implements storage.Adapter.
func (s *Store) FindAll(ctx context.Context, kind storage.Kind, sel storage.Selector, limit int) ([]*storage.Doc, error) {
	return s.find(ctx, kind, sel, limit)
}

// AtomicIncrement implements storage.Adapter. The increment runs in a
// transaction holding the document's row lock, so concurrent callers
// serialize and each observes a distinct value.
func (s *Store) AtomicIncrement(ctx context.Context, kind storage.Kind, id, field string, delta int64) (int64, error) {
	var result int64
	err := storage.WithRetry(ctx, s.retry, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return classify("increment", err)
		}
		defer tx.Rollback()

		var raw []byte
		row := tx.QueryRowContext(ctx, "SELECT fields FROM docs WHERE id = ? AND kind = ? FOR UPDATE", id, string(kind))
		if err := row.Scan(&raw); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return storage.NotFoundError(string(kind), id)
			}
			return classify("increment", err)
		}
		var fields map[string]any
		if err := json.Unmarshal(raw, &fields); err != nil {
			return storage.DatabaseError("increment", err)
		}

		result = storage.FieldInt64(fields, field) + delta
		fields[field] = result
		updated, err := json.Marshal(fields)
		if err != nil {
			return storage.DatabaseError("increment", err)
		}
		if _, err := tx.ExecContext(ctx, "UPDATE docs SET fields = ? WHERE id = ?", updated, id); err != nil {
			return classify("increment", err)
		}
		return classify("increment", tx.Commit())
	})
	if err != nil {
		return 0, err
	}
	return result, nil
}

func (s *Store) insertDoc(ctx context.Context, d *storage.Doc) error {
	raw, err := json.Marshal(d.Fields)
	if err != nil {
		return storage.DatabaseError("create "+string(d.Kind), err)
	}
	return storage.WithRetry(ctx, s.retry, func() error {
		_, err := s.db.ExecContext(ctx,
			"INSERT INTO docs (id, kind, space, parent, parent_kind, collection, fields) VALUES (?, ?, ?, ?, ?, ?, ?)",
			d.ID, string(d.Kind), d.Space, d.Parent, string(d.ParentKind), d.Collection, raw)
		return classify("create "+string(d.Kind), err)
	})
}

// CreateAttached implements storage.Adapter.
func (s *Store) CreateAttached(ctx context.Context, kind storage.Kind, space, parent string, parentKind storage.Kind, collection string, fields map[string]any) (string, error) {
	id, err := s.nextID(ctx, string(kind))
	if err != nil {
		return "", err
	}
	err = s.insertDoc(ctx, &storage.Doc{
		ID:         id,
		Kind:       kind,
		Space:      space,
		Parent:     parent,
		ParentKind: parentKind,
		Collection: collection,
		Fields:     fields,
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// CreateDoc implements storage.Adapter.
func (s *Store) CreateDoc(ctx context.Context, kind storage.Kind, space string, fields map[string]any) (string, error) {
	id, err := s.nextID(ctx, string(kind))
	if err != nil {
		return "", err
	}
	err = s.insertDoc(ctx, &storage.Doc{ID: id, Kind: kind, Space: space, Fields: fields})
	if err != nil {
		return "", err
	}
	return id, nil
}

// Update implements storage.Adapter. The patch applies under the row lock,
// sharing AtomicIncrement's serialization.
func (s *Store) Update(ctx context.Context, kind storage.Kind, space, id string, patch storage.Patch) error {
	return storage.WithRetry(ctx, s.retry, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return classify("update", err)
		}
		defer tx.Rollback()

		var raw []byte
		row := tx.QueryRowContext(ctx, "SELECT fields FROM docs WHERE id = ? AND kind = ? FOR UPDATE", id, string(kind))
		if err := row.Scan(&raw); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return storage.NotFoundError(string(kind), id)
			}
			return classify("update", err)
		}
		var fields map[string]any
		if err := json.Unmarshal(raw, &fields); err != nil {
			return storage.DatabaseError("update", err)
		}

		for k, v := range patch.Set {
			if v == nil {
				delete(fields, k)
				continue
			}
			fields[k] = v
		}
		for k, delta := range patch.Inc {
			fields[k] = storage.FieldInt64(fields, k) + delta
		}

		updated, err := json.Marshal(fields)
		if err != nil {
			return storage.DatabaseError("update", err)
		}
		if _, err := tx.ExecContext(ctx, "UPDATE docs SET fields = ? WHERE id = ?", updated, id); err != nil {
			return classify("update", err)
		}
		return classify("update", tx.Commit())
	})
}

// RemoveAttached implements storage.Adapter.
func (s *Store) RemoveAttached(ctx context.Context, kind storage.Kind, space, id, parent string, parentKind storage.Kind, collection string) error {
	return s.RemoveDoc(ctx, kind, space, id)
}

// RemoveDoc implements storage.Adapter.
func (s *Store) RemoveDoc(ctx context.Context, kind storage.Kind, space, id string) error {
	return storage.WithRetry(ctx, s.retry, func() error {
		res, err := s.db.ExecContext(ctx, "DELETE FROM docs WHERE id = ? AND kind = ?", id, string(kind))
		if err != nil {
			return classify("remove "+string(kind), err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return storage.NotFoundError(string(kind), id)
		}
		return nil
	})
}

// UploadMarkup implements storage.Adapter. Empty text returns an empty ref
// and stores nothing.
func (s *Store) UploadMarkup(ctx context.Context, kind storage.Kind, id, field, text, format string) (string, error) {
	if text == "" {
		return "", nil
	}
	if format == "" {
		format = "markdown"
	}
	ref, err := s.nextID(ctx, "markup")
	if err != nil {
		return "", err
	}
	err = storage.WithRetry(ctx, s.retry, func() error {
		_, err := s.db.ExecContext(ctx, "INSERT INTO markup (ref, content, format) VALUES (?, ?, ?)", ref, text, format)
		return classify("upload markup", err)
	})
	if err != nil {
		return "", err
	}
	return ref, nil
}

// FetchMarkup implements storage.Adapter.
func (s *Store) FetchMarkup(ctx context.Context, ref string) (string, error) {
	if ref == "" {
		return "", nil
	}
	var content string
	err := storage.WithRetry(ctx, s.retry, func() error {
		row := s.db.QueryRowContext(ctx, "SELECT content FROM markup WHERE ref = ?", ref)
		if err := row.Scan(&content); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return storage.NotFoundError("markup", ref)
			}
			return classify("fetch markup", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return content, nil
}

// Close implements storage.Adapter.
func (s *Store) Close() error {
	return s.db.Close()
}
