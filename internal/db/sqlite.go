// Package db persists the namenode registry in a sqlite database kept next
// to (never inside) the cache root.
package db

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DB represents the registry database connection.
type DB struct {
	db *sql.DB
}

// Namenode is one registered origin file system.
type Namenode struct {
	Scheme   string
	Host     string
	Port     int
	Capacity int // connection pool size
}

// New opens the database at path and applies pending migrations.
func New(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, err
	}

	return &DB{db: db}, nil
}

func runMigrations(db *sql.DB) error {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to load migrations: %w", err)
	}
	driver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to init migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to init migrations: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (d *DB) Close() error {
	return d.db.Close()
}

// UpsertNamenode inserts or replaces a namenode row.
func (d *DB) UpsertNamenode(ctx context.Context, n Namenode) error {
	_, err := d.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO namenodes (scheme, host, port, capacity) VALUES (?, ?, ?, ?)",
		n.Scheme, n.Host, n.Port, n.Capacity)
	if err != nil {
		return fmt.Errorf("failed to upsert namenode %s://%s:%d: %w", n.Scheme, n.Host, n.Port, err)
	}
	return nil
}

// GetNamenode retrieves one namenode row.
func (d *DB) GetNamenode(ctx context.Context, scheme, host string, port int) (Namenode, bool, error) {
	n := Namenode{Scheme: scheme, Host: host, Port: port}
	err := d.db.QueryRowContext(ctx,
		"SELECT capacity FROM namenodes WHERE scheme = ? AND host = ? AND port = ?",
		scheme, host, port).Scan(&n.Capacity)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Namenode{}, false, nil
		}
		return Namenode{}, false, fmt.Errorf("failed to get namenode %s://%s:%d: %w", scheme, host, port, err)
	}
	return n, true, nil
}

// ListNamenodes returns every registered namenode.
func (d *DB) ListNamenodes(ctx context.Context) ([]Namenode, error) {
	rows, err := d.db.QueryContext(ctx,
		"SELECT scheme, host, port, capacity FROM namenodes ORDER BY scheme, host, port")
	if err != nil {
		return nil, fmt.Errorf("failed to list namenodes: %w", err)
	}
	defer rows.Close()

	var out []Namenode
	for rows.Next() {
		var n Namenode
		if err := rows.Scan(&n.Scheme, &n.Host, &n.Port, &n.Capacity); err != nil {
			return nil, fmt.Errorf("failed to scan namenode row: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// DeleteNamenode removes a namenode row.
func (d *DB) DeleteNamenode(ctx context.Context, scheme, host string, port int) error {
	_, err := d.db.ExecContext(ctx,
		"DELETE FROM namenodes WHERE scheme = ? AND host = ? AND port = ?",
		scheme, host, port)
	if err != nil {
		return fmt.Errorf("failed to delete namenode %s://%s:%d: %w", scheme, host, port, err)
	}
	return nil
}
