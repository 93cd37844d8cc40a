// Package recordstore is a SQLite-backed development record store. It serves
// the collection HTTP surface and the realtime feeds the preview data layer
// consumes, so a builder can run without the production backend.
//
// The Store implements datasync.Backend directly for in-process use:
//
//	st, _ := recordstore.New(db)
//	go st.Run(ctx) // realtime change feed
//	http.Handle("/", st.Routes())
package recordstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/hazyhaar/atelier/datasync"
	"github.com/hazyhaar/atelier/dbopen"
	"github.com/hazyhaar/atelier/idgen"
)

// Schema creates the record, file and change-log tables.
const Schema = `
CREATE TABLE IF NOT EXISTS records (
	collection TEXT NOT NULL,
	id         TEXT NOT NULL,
	data       TEXT NOT NULL,
	created    TEXT NOT NULL,
	updated    TEXT NOT NULL,
	PRIMARY KEY (collection, id)
);

CREATE TABLE IF NOT EXISTS record_files (
	collection   TEXT NOT NULL,
	record_id    TEXT NOT NULL,
	field        TEXT NOT NULL,
	name         TEXT NOT NULL,
	content_type TEXT NOT NULL,
	data         BLOB NOT NULL,
	PRIMARY KEY (collection, record_id, name)
);

CREATE TABLE IF NOT EXISTS record_changes (
	seq        INTEGER PRIMARY KEY AUTOINCREMENT,
	collection TEXT NOT NULL,
	record_id  TEXT NOT NULL,
	op         TEXT NOT NULL,
	at         TEXT NOT NULL
);
`

var (
	// ErrExists is returned when a create reuses an id.
	ErrExists = errors.New("recordstore: record already exists")
	// ErrBadID is returned for malformed record ids or collection names.
	ErrBadID = errors.New("recordstore: invalid id")
)

const (
	defaultPerPage = 30
	maxPerPage     = 500
	// snapshotLimit bounds the records of one collection in a realtime frame.
	snapshotLimit = 1000
	timeLayout    = "2006-01-02 15:04:05.000Z"
)

var idPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// Page is one page of a list query.
type Page struct {
	Page       int               `json:"page"`
	PerPage    int               `json:"perPage"`
	TotalItems int               `json:"totalItems"`
	TotalPages int               `json:"totalPages"`
	Items      []datasync.Record `json:"items"`
}

// Store is the record store.
type Store struct {
	db       *sql.DB
	logger   *slog.Logger
	ids      idgen.Generator
	now      func() time.Time
	interval time.Duration
	debounce time.Duration
	hub      *hub
}

var _ datasync.Backend = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithIDs sets the generator for records created without an id.
func WithIDs(g idgen.Generator) Option {
	return func(s *Store) { s.ids = g }
}

// WithClock replaces time.Now for record timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithPoll sets the change-feed poll interval and debounce window.
// Defaults: 200ms and 50ms.
func WithPoll(interval, debounce time.Duration) Option {
	return func(s *Store) { s.interval, s.debounce = interval, debounce }
}

// New applies the schema and returns a Store over db.
func New(db *sql.DB, opts ...Option) (*Store, error) {
	if _, err := db.Exec(Schema); err != nil {
		return nil, fmt.Errorf("recordstore: schema: %w", err)
	}
	s := &Store{
		db:       db,
		logger:   slog.Default(),
		ids:      idgen.RecordID(),
		now:      time.Now,
		interval: 200 * time.Millisecond,
		debounce: 50 * time.Millisecond,
	}
	for _, o := range opts {
		o(s)
	}
	s.hub = newHub(s.logger)
	return s, nil
}

func (s *Store) timestamp() string { return s.now().UTC().Format(timeLayout) }

// Query runs a list query and returns the page with totals.
func (s *Store) Query(ctx context.Context, collection string, p datasync.ListParams) (*Page, error) {
	if !idPattern.MatchString(collection) {
		return nil, fmt.Errorf("recordstore: list %q: %w", collection, ErrBadID)
	}
	clauses, err := parseFilter(p.Filter)
	if err != nil {
		return nil, err
	}
	order, orderArgs, err := orderBy(p.Sort)
	if err != nil {
		return nil, err
	}
	cond, condArgs := where(clauses)
	filter := "collection = ?"
	args := append([]any{collection}, condArgs...)
	if cond != "" {
		filter += " AND " + cond
	}

	page := &Page{Page: p.Page, PerPage: p.PerPage}
	if page.Page <= 0 {
		page.Page = 1
	}
	if page.PerPage <= 0 {
		page.PerPage = defaultPerPage
	}
	if page.PerPage > maxPerPage {
		page.PerPage = maxPerPage
	}

	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM records WHERE "+filter, args...).Scan(&page.TotalItems); err != nil {
		return nil, fmt.Errorf("recordstore: count %s: %w", collection, err)
	}
	page.TotalPages = (page.TotalItems + page.PerPage - 1) / page.PerPage

	query := "SELECT id, data, created, updated FROM records WHERE " + filter + " ORDER BY " + order + " LIMIT ? OFFSET ?"
	args = append(append(args, orderArgs...), page.PerPage, (page.Page-1)*page.PerPage)
	items, err := s.scan(ctx, collection, query, args...)
	if err != nil {
		return nil, err
	}
	page.Items = items
	return page, nil
}

func (s *Store) scan(ctx context.Context, collection, query string, args ...any) ([]datasync.Record, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("recordstore: query %s: %w", collection, err)
	}
	defer rows.Close()
	out := []datasync.Record{}
	for rows.Next() {
		var id, data, created, updated string
		if err := rows.Scan(&id, &data, &created, &updated); err != nil {
			return nil, fmt.Errorf("recordstore: scan %s: %w", collection, err)
		}
		rec, err := record(collection, id, data, created, updated)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func record(collection, id, data, created, updated string) (datasync.Record, error) {
	rec := datasync.Record{}
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return nil, fmt.Errorf("recordstore: decode %s/%s: %w", collection, id, err)
	}
	rec["id"] = id
	rec["collectionName"] = collection
	rec["created"] = created
	rec["updated"] = updated
	return rec, nil
}

// List implements datasync.Backend.
func (s *Store) List(ctx context.Context, collection string, p datasync.ListParams) ([]datasync.Record, error) {
	page, err := s.Query(ctx, collection, p)
	if err != nil {
		return nil, err
	}
	return page.Items, nil
}

// Get implements datasync.Backend. Relations are not expanded.
func (s *Store) Get(ctx context.Context, collection, id string, _ datasync.GetParams) (datasync.Record, error) {
	var data, created, updated string
	err := s.db.QueryRowContext(ctx,
		`SELECT data, created, updated FROM records WHERE collection = ? AND id = ?`,
		collection, id).Scan(&data, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, datasync.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("recordstore: get %s/%s: %w", collection, id, err)
	}
	return record(collection, id, data, created, updated)
}

// Create implements datasync.Backend. A client-supplied id is kept; File
// values are stored and replaced by their names.
func (s *Store) Create(ctx context.Context, collection string, data datasync.Record) (datasync.Record, error) {
	if !idPattern.MatchString(collection) {
		return nil, fmt.Errorf("recordstore: create %q: %w", collection, ErrBadID)
	}
	id, _ := data["id"].(string)
	if id == "" {
		id = s.ids()
	}
	if !idPattern.MatchString(id) {
		return nil, fmt.Errorf("recordstore: create %s/%q: %w", collection, id, ErrBadID)
	}
	fields, files := splitFiles(data)
	now := s.timestamp()

	err := dbopen.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		if err := saveFiles(ctx, tx, collection, id, files, fields); err != nil {
			return err
		}
		body, err := json.Marshal(fields)
		if err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx,
			`INSERT INTO records (collection, id, data, created, updated) VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT(collection, id) DO NOTHING`,
			collection, id, string(body), now, now)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrExists
		}
		return logChange(ctx, tx, collection, id, "create", now)
	})
	if err != nil {
		return nil, fmt.Errorf("recordstore: create %s/%s: %w", collection, id, err)
	}
	return s.Get(ctx, collection, id, datasync.GetParams{})
}

// Update implements datasync.Backend. Fields in data replace stored ones.
func (s *Store) Update(ctx context.Context, collection, id string, data datasync.Record) (datasync.Record, error) {
	patch, files := splitFiles(data)
	now := s.timestamp()

	err := dbopen.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		var raw string
		err := tx.QueryRowContext(ctx, `SELECT data FROM records WHERE collection = ? AND id = ?`, collection, id).Scan(&raw)
		if errors.Is(err, sql.ErrNoRows) {
			return datasync.ErrNotFound
		}
		if err != nil {
			return err
		}
		fields := datasync.Record{}
		if err := json.Unmarshal([]byte(raw), &fields); err != nil {
			return err
		}
		for k, v := range patch {
			fields[k] = v
		}
		for field := range files {
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM record_files WHERE collection = ? AND record_id = ? AND field = ?`,
				collection, id, field); err != nil {
				return err
			}
		}
		if err := saveFiles(ctx, tx, collection, id, files, fields); err != nil {
			return err
		}
		body, err := json.Marshal(fields)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE records SET data = ?, updated = ? WHERE collection = ? AND id = ?`,
			string(body), now, collection, id); err != nil {
			return err
		}
		return logChange(ctx, tx, collection, id, "update", now)
	})
	if errors.Is(err, datasync.ErrNotFound) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("recordstore: update %s/%s: %w", collection, id, err)
	}
	return s.Get(ctx, collection, id, datasync.GetParams{})
}

// Delete implements datasync.Backend.
func (s *Store) Delete(ctx context.Context, collection, id string) error {
	err := dbopen.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM records WHERE collection = ? AND id = ?`, collection, id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return datasync.ErrNotFound
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM record_files WHERE collection = ? AND record_id = ?`, collection, id); err != nil {
			return err
		}
		return logChange(ctx, tx, collection, id, "delete", s.timestamp())
	})
	if errors.Is(err, datasync.ErrNotFound) {
		return err
	}
	if err != nil {
		return fmt.Errorf("recordstore: delete %s/%s: %w", collection, id, err)
	}
	return nil
}

// File returns a stored file.
func (s *Store) File(ctx context.Context, collection, id, name string) (*datasync.File, error) {
	f := &datasync.File{Name: name}
	err := s.db.QueryRowContext(ctx,
		`SELECT content_type, data FROM record_files WHERE collection = ? AND record_id = ? AND name = ?`,
		collection, id, name).Scan(&f.ContentType, &f.Data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, datasync.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("recordstore: file %s/%s/%s: %w", collection, id, name, err)
	}
	return f, nil
}

// Collections lists the collections holding at least one record.
func (s *Store) Collections(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT collection FROM records ORDER BY collection`)
	if err != nil {
		return nil, fmt.Errorf("recordstore: collections: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

// splitFiles separates File values from plain fields.
func splitFiles(data datasync.Record) (datasync.Record, map[string][]datasync.File) {
	fields := datasync.Record{}
	files := map[string][]datasync.File{}
	for k, v := range data {
		switch k {
		case "id", "collectionName", "created", "updated":
			continue
		}
		switch f := v.(type) {
		case datasync.File:
			files[k] = []datasync.File{f}
		case *datasync.File:
			if f != nil {
				files[k] = []datasync.File{*f}
			}
		case []datasync.File:
			files[k] = f
		default:
			fields[k] = v
		}
	}
	return fields, files
}

// saveFiles stores files and sets each field to the file name, or the list
// of names when several files share a field.
func saveFiles(ctx context.Context, tx *sql.Tx, collection, id string, files map[string][]datasync.File, fields datasync.Record) error {
	for field, fs := range files {
		names := make([]string, 0, len(fs))
		for _, f := range fs {
			ct := f.ContentType
			if ct == "" {
				ct = "application/octet-stream"
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO record_files (collection, record_id, field, name, content_type, data) VALUES (?, ?, ?, ?, ?, ?)
				 ON CONFLICT(collection, record_id, name) DO UPDATE SET field = excluded.field,
				 content_type = excluded.content_type, data = excluded.data`,
				collection, id, field, f.Name, ct, f.Data); err != nil {
				return err
			}
			names = append(names, f.Name)
		}
		if len(names) == 1 {
			fields[field] = names[0]
		} else {
			fields[field] = names
		}
	}
	return nil
}

func logChange(ctx context.Context, tx *sql.Tx, collection, id, op, at string) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO record_changes (collection, record_id, op, at) VALUES (?, ?, ?, ?)`,
		collection, id, op, at)
	return err
}
