package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	_ "github.com/glebarez/go-sqlite"
)

const (
	// DriverSQLite is the pure-Go driver (github.com/glebarez/go-sqlite).
	DriverSQLite = "sqlite"
	// DriverSQLite3 is the cgo driver (github.com/mattn/go-sqlite3).
	DriverSQLite3 = "sqlite3"
)

const schema = `CREATE TABLE IF NOT EXISTS documents (
	collection TEXT NOT NULL,
	key TEXT NOT NULL,
	metadata TEXT NOT NULL DEFAULT 'null',
	value TEXT NOT NULL DEFAULT 'null',
	PRIMARY KEY (collection, key)
)`

// SQLiteEngine stores all collections in a single SQLite table.
type SQLiteEngine struct {
	db         *sql.DB
	writeMutex *sync.Mutex
}

// SQLiteOption configures NewSQLiteEngine.
type SQLiteOption func(*sqliteConfig)

type sqliteConfig struct {
	driver string
}

// WithDriver selects the database/sql driver name, DriverSQLite by default.
func WithDriver(driver string) SQLiteOption {
	return func(c *sqliteConfig) {
		if driver != "" {
			c.driver = driver
		}
	}
}

// NewSQLiteEngine opens the database with the given filename.
// If file name is empty, a new private in-memory db is opened.
func NewSQLiteEngine(filename string, opts ...SQLiteOption) (*SQLiteEngine, error) {
	cfg := sqliteConfig{driver: DriverSQLite}
	for _, opt := range opts {
		opt(&cfg)
	}
	if filename == "" {
		filename = ":memory:"
	}
	db, err := sql.Open(cfg.driver, filename)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	// one connection keeps a :memory: database alive and serializes writers
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, stmt := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		schema,
	} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("execute %q: %w", stmt, err)
		}
	}
	return &SQLiteEngine{
		db:         db,
		writeMutex: &sync.Mutex{},
	}, nil
}

func (e *SQLiteEngine) Open(_ context.Context, name string) (Collection, error) {
	if name == "" {
		return nil, errors.New("collection name is empty")
	}
	return &sqliteCollection{engine: e, name: name}, nil
}

func (e *SQLiteEngine) Close() error {
	if e.db == nil {
		return nil
	}
	return e.db.Close()
}

type sqliteCollection struct {
	engine *SQLiteEngine
	name   string
}

func (c *sqliteCollection) Name() string {
	return c.name
}

func (c *sqliteCollection) Get(ctx context.Context, key string) (Document, error) {
	doc := Document{Key: key}
	var metadata, value string
	err := c.engine.db.QueryRowContext(ctx,
		"SELECT metadata, value FROM documents WHERE collection = ? AND key = ?",
		c.name, key,
	).Scan(&metadata, &value)
	if errors.Is(err, sql.ErrNoRows) {
		return doc, ErrNotFound
	}
	if err != nil {
		return doc, fmt.Errorf("get %s/%s: %w", c.name, key, err)
	}
	doc.Metadata = []byte(metadata)
	doc.Value = []byte(value)
	return doc, nil
}

func (c *sqliteCollection) Put(ctx context.Context, doc Document) error {
	c.engine.writeMutex.Lock()
	defer c.engine.writeMutex.Unlock()
	_, err := c.engine.db.ExecContext(ctx, `INSERT INTO documents (collection, key, metadata, value)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (collection, key) DO UPDATE SET metadata = excluded.metadata, value = excluded.value`,
		c.name, doc.Key, jsonOrNull(doc.Metadata), jsonOrNull(doc.Value))
	if err != nil {
		return fmt.Errorf("put %s/%s: %w", c.name, doc.Key, err)
	}
	return nil
}

func (c *sqliteCollection) Delete(ctx context.Context, sel Selector) (int, error) {
	where, params, err := compileSelector(sel)
	if err != nil {
		return 0, err
	}
	c.engine.writeMutex.Lock()
	defer c.engine.writeMutex.Unlock()
	result, err := c.engine.db.ExecContext(ctx,
		"DELETE FROM documents WHERE collection = ? AND ("+where+")",
		append([]any{c.name}, params...)...)
	if err != nil {
		return 0, fmt.Errorf("delete from %s: %w", c.name, err)
	}
	n, err := result.RowsAffected()
	return int(n), err
}

func (c *sqliteCollection) Find(ctx context.Context, sel Selector, opts ...FindOption) ([]Document, error) {
	o := collectFindOptions(opts)
	where, params, err := compileSelector(sel)
	if err != nil {
		return nil, err
	}
	order := "key ASC"
	if o.sortField != "" {
		expr, err := fieldExpr(o.sortField)
		if err != nil {
			return nil, err
		}
		direction := "ASC"
		if o.descending {
			direction = "DESC"
		}
		order = fmt.Sprintf("%s %s, key ASC", expr, direction)
	}
	query := "SELECT key, metadata, value FROM documents WHERE collection = ? AND (" + where + ") ORDER BY " + order
	if o.limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", o.limit)
	}
	rows, err := c.engine.db.QueryContext(ctx, query, append([]any{c.name}, params...)...)
	if err != nil {
		return nil, fmt.Errorf("find in %s: %w", c.name, err)
	}
	defer rows.Close()

	docs := make([]Document, 0)
	for rows.Next() {
		var key, metadata, value string
		if err := rows.Scan(&key, &metadata, &value); err != nil {
			return docs, err
		}
		docs = append(docs, Document{Key: key, Metadata: []byte(metadata), Value: []byte(value)})
	}
	return docs, rows.Err()
}

func (c *sqliteCollection) Keys(ctx context.Context) ([]string, error) {
	rows, err := c.engine.db.QueryContext(ctx,
		"SELECT key FROM documents WHERE collection = ? ORDER BY key ASC", c.name)
	if err != nil {
		return nil, fmt.Errorf("keys of %s: %w", c.name, err)
	}
	defer rows.Close()

	keys := make([]string, 0)
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return keys, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

func (c *sqliteCollection) RemoveByKey(ctx context.Context, key string) (bool, error) {
	c.engine.writeMutex.Lock()
	defer c.engine.writeMutex.Unlock()
	result, err := c.engine.db.ExecContext(ctx,
		"DELETE FROM documents WHERE collection = ? AND key = ?", c.name, key)
	if err != nil {
		return false, fmt.Errorf("remove %s/%s: %w", c.name, key, err)
	}
	n, err := result.RowsAffected()
	return n > 0, err
}

func (c *sqliteCollection) Destroy(ctx context.Context) error {
	c.engine.writeMutex.Lock()
	defer c.engine.writeMutex.Unlock()
	if _, err := c.engine.db.ExecContext(ctx,
		"DELETE FROM documents WHERE collection = ?", c.name); err != nil {
		return fmt.Errorf("destroy %s: %w", c.name, err)
	}
	return nil
}
