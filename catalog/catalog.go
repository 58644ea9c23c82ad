// Package catalog stores image reports in a SQLite database so methods can
// be looked up by IL digest across every image that has been inspected.
package catalog

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/chazu/pereader/report"
	"github.com/tliron/commonlog"
	_ "modernc.org/sqlite"
)

var log = commonlog.GetLogger("pereader.catalog")

// ErrReportNotFound indicates the requested report doesn't exist.
var ErrReportNotFound = errors.New("report not found")

var schema = []string{
	`CREATE TABLE IF NOT EXISTS reports (
		id         TEXT PRIMARY KEY,
		source     TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		data       BLOB NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS methods (
		report_id TEXT NOT NULL,
		token     INTEGER NOT NULL,
		name      TEXT NOT NULL,
		digest    TEXT NOT NULL,
		PRIMARY KEY (report_id, token)
	)`,
	`CREATE INDEX IF NOT EXISTS methods_digest ON methods(digest)`,
}

// Catalog is a SQLite-backed report store.
type Catalog struct {
	db   *sql.DB
	path string
	mu   sync.Mutex
}

// Entry summarizes a stored report.
type Entry struct {
	ID        string
	Source    string
	CreatedAt time.Time
}

// Open opens or creates the catalog database at path, creating its parent
// directory as needed.
func Open(path string) (*Catalog, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating catalog directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Pragmas are per connection; keep a single one.
	db.SetMaxOpenConns(1)

	// Set busy timeout for concurrent access
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("creating tables: %w", err)
		}
	}

	log.Debugf("opened catalog %s", path)
	return &Catalog{db: db, path: path}, nil
}

// Path returns the database path the catalog was opened with.
func (c *Catalog) Path() string {
	return c.path
}

// Close closes the database connection.
func (c *Catalog) Close() error {
	if c.db != nil {
		return c.db.Close()
	}
	return nil
}

// Store saves a report and its method digests. Storing a report whose ID is
// already present replaces it.
func (c *Catalog) Store(r *report.Report) error {
	if r == nil || r.ID == "" {
		return fmt.Errorf("storing report: missing ID")
	}
	data, err := report.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshaling report: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	tx, err := c.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM methods WHERE report_id = ?", r.ID); err != nil {
		return fmt.Errorf("clearing methods: %w", err)
	}
	_, err = tx.Exec(
		"INSERT OR REPLACE INTO reports (id, source, created_at, data) VALUES (?, ?, ?, ?)",
		r.ID, r.Source, r.CreatedAt.Unix(), data,
	)
	if err != nil {
		return fmt.Errorf("inserting report: %w", err)
	}

	stmt, err := tx.Prepare("INSERT INTO methods (report_id, token, name, digest) VALUES (?, ?, ?, ?)")
	if err != nil {
		return fmt.Errorf("preparing method insert: %w", err)
	}
	defer stmt.Close()
	for _, m := range r.Methods {
		if m.Digest == "" {
			continue
		}
		if _, err := stmt.Exec(r.ID, int64(m.Token), m.Name, m.Digest); err != nil {
			return fmt.Errorf("inserting method 0x%08x: %w", m.Token, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing report: %w", err)
	}
	log.Infof("stored report %s for %s", r.ID, r.Source)
	return nil
}

// Report loads a stored report by ID.
func (c *Catalog) Report(id string) (*report.Report, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var data []byte
	err := c.db.QueryRow("SELECT data FROM reports WHERE id = ?", id).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrReportNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("querying report: %w", err)
	}
	return report.Unmarshal(data)
}

// Delete removes a report and its method digests.
func (c *Catalog) Delete(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	tx, err := c.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec("DELETE FROM reports WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting report: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("deleting report: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrReportNotFound, id)
	}
	if _, err := tx.Exec("DELETE FROM methods WHERE report_id = ?", id); err != nil {
		return fmt.Errorf("deleting methods: %w", err)
	}
	return tx.Commit()
}

// List returns every stored report, newest first.
func (c *Catalog) List() ([]Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rows, err := c.db.Query("SELECT id, source, created_at FROM reports ORDER BY created_at DESC, id")
	if err != nil {
		return nil, fmt.Errorf("querying reports: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var created int64
		if err := rows.Scan(&e.ID, &e.Source, &created); err != nil {
			return nil, fmt.Errorf("scanning report: %w", err)
		}
		e.CreatedAt = time.Unix(created, 0).UTC()
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// MethodsByDigest returns every stored method whose IL has the given digest.
func (c *Catalog) MethodsByDigest(digest string) ([]report.MethodRef, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rows, err := c.db.Query(`SELECT m.report_id, r.source, m.token, m.name
		FROM methods m JOIN reports r ON r.id = m.report_id
		WHERE m.digest = ?
		ORDER BY r.created_at, m.report_id, m.token`, digest)
	if err != nil {
		return nil, fmt.Errorf("querying methods: %w", err)
	}
	defer rows.Close()

	var refs []report.MethodRef
	for rows.Next() {
		var ref report.MethodRef
		var token int64
		if err := rows.Scan(&ref.ReportID, &ref.Source, &token, &ref.Name); err != nil {
			return nil, fmt.Errorf("scanning method: %w", err)
		}
		ref.Token = uint32(token)
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}

// Index loads every stored report into an in-memory index.
func (c *Catalog) Index() (*report.Index, error) {
	entries, err := c.List()
	if err != nil {
		return nil, err
	}
	ix := report.NewIndex()
	for _, e := range entries {
		r, err := c.Report(e.ID)
		if err != nil {
			return nil, err
		}
		ix.Add(r)
	}
	return ix, nil
}
