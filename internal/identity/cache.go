package identity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

// Cache is the local contact cache: names keyed by phone number or email,
// plus manual overrides for identifiers that have no contact card.
type Cache struct {
	db *sql.DB
}

// Override is a manually assigned display name.
type Override struct {
	Identifier string
	Name       string
}

// Open opens (or creates) the cache database at path and runs migrations.
func Open(path string) (*Cache, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("os.MkdirAll failed: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sql.Open failed: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode failed: %w", err)
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}

	return &Cache{db: db}, nil
}

func migrate(db *sql.DB) error {
	const schema = `
CREATE TABLE IF NOT EXISTS contacts (
	identifier TEXT PRIMARY KEY,
	normalized TEXT NOT NULL,
	kind       TEXT NOT NULL,
	name       TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS contacts_normalized ON contacts (kind, normalized);

CREATE TABLE IF NOT EXISTS overrides (
	identifier TEXT PRIMARY KEY,
	name       TEXT NOT NULL
);
`
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("migrate schema failed: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (c *Cache) Close() error {
	return c.db.Close()
}

const (
	kindPhone = "phone"
	kindEmail = "email"
)

// UpsertContact stores a contact name for a phone number or email.
func (c *Cache) UpsertContact(ctx context.Context, identifier, name string) error {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" || strings.TrimSpace(name) == "" {
		return errors.New("identifier and name are required")
	}

	kind, normalized := kindPhone, NormalizePhone(identifier)
	if IsEmail(identifier) {
		kind, normalized = kindEmail, NormalizeEmail(identifier)
	}
	if normalized == "" {
		return fmt.Errorf("identifier %q is neither a phone number nor an email", identifier)
	}

	_, err := c.db.ExecContext(ctx, `
		INSERT INTO contacts (identifier, normalized, kind, name)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(identifier) DO UPDATE SET
			normalized = excluded.normalized,
			kind       = excluded.kind,
			name       = excluded.name
	`, identifier, normalized, kind, strings.TrimSpace(name))
	if err != nil {
		return fmt.Errorf("upsert contact failed: %w", err)
	}
	return nil
}

// LookupByPhone finds a contact by phone number. An exact identifier match
// wins over a match on the normalized number.
func (c *Cache) LookupByPhone(ctx context.Context, phone string) (string, bool, error) {
	phone = strings.TrimSpace(phone)
	if name, ok, err := c.queryName(ctx,
		"SELECT name FROM contacts WHERE kind = ? AND identifier = ?", kindPhone, phone); err != nil || ok {
		return name, ok, err
	}

	normalized := NormalizePhone(phone)
	if normalized == "" {
		return "", false, nil
	}
	return c.queryName(ctx,
		"SELECT name FROM contacts WHERE kind = ? AND normalized = ? ORDER BY identifier LIMIT 1", kindPhone, normalized)
}

// LookupByEmail finds a contact by email, case-insensitively.
func (c *Cache) LookupByEmail(ctx context.Context, email string) (string, bool, error) {
	return c.queryName(ctx,
		"SELECT name FROM contacts WHERE kind = ? AND normalized = ? ORDER BY identifier LIMIT 1", kindEmail, NormalizeEmail(email))
}

// AddOverride sets a manual name for an identifier, replacing any previous one.
func (c *Cache) AddOverride(ctx context.Context, identifier, name string) error {
	key := NormalizeIdentifier(identifier)
	name = strings.TrimSpace(name)
	if key == "" || name == "" {
		return errors.New("identifier and name are required")
	}

	_, err := c.db.ExecContext(ctx, `
		INSERT INTO overrides (identifier, name) VALUES (?, ?)
		ON CONFLICT(identifier) DO UPDATE SET name = excluded.name
	`, key, name)
	if err != nil {
		return fmt.Errorf("upsert override failed: %w", err)
	}
	return nil
}

// RemoveOverride deletes a manual name. It reports whether one existed.
func (c *Cache) RemoveOverride(ctx context.Context, identifier string) (bool, error) {
	res, err := c.db.ExecContext(ctx, "DELETE FROM overrides WHERE identifier = ?", NormalizeIdentifier(identifier))
	if err != nil {
		return false, fmt.Errorf("delete override failed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("res.RowsAffected failed: %w", err)
	}
	return n > 0, nil
}

// LookupOverride returns the manual name for an identifier.
func (c *Cache) LookupOverride(ctx context.Context, identifier string) (string, bool, error) {
	return c.queryName(ctx, "SELECT name FROM overrides WHERE identifier = ?", NormalizeIdentifier(identifier))
}

// Overrides lists every manual name ordered by identifier.
func (c *Cache) Overrides(ctx context.Context) ([]Override, error) {
	rows, err := c.db.QueryContext(ctx, "SELECT identifier, name FROM overrides ORDER BY identifier")
	if err != nil {
		return nil, fmt.Errorf("query overrides failed: %w", err)
	}
	defer rows.Close()

	var out []Override
	for rows.Next() {
		var o Override
		if err := rows.Scan(&o.Identifier, &o.Name); err != nil {
			return nil, fmt.Errorf("rows.Scan failed: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (c *Cache) queryName(ctx context.Context, query string, args ...any) (string, bool, error) {
	var name string
	err := c.db.QueryRowContext(ctx, query, args...).Scan(&name)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return "", false, nil
	case err != nil:
		return "", false, fmt.Errorf("query contact failed: %w", err)
	}
	return name, true, nil
}
