package pluginregistry

import (
	"context"
	"database/sql"
	"encoding/json"

	_ "modernc.org/sqlite"
)

// SQLiteStore is the embedded/dev backend for the plugins table.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(context.Background()); err != nil {
		return nil, err
	}
	return s, nil
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS plugins (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	version TEXT NOT NULL,
	manifest_json TEXT NOT NULL,
	origin TEXT NOT NULL,
	draft INTEGER NOT NULL DEFAULT 0,
	installed_at DATETIME,
	enabled INTEGER NOT NULL DEFAULT 1,
	config_json TEXT,
	signature TEXT,
	checksum TEXT
);
`

func (s *SQLiteStore) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteSchema)
	return err
}

func (s *SQLiteStore) Insert(ctx context.Context, r Record) error {
	manifestJSON, configJSON, err := encodeRecord(r)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO plugins (id, name, version, manifest_json, origin, draft, installed_at, enabled, config_json, signature, checksum)
		VALUES (?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP, ?, ?, ?, ?)
	`, r.Manifest.ID, r.Manifest.Name, r.Manifest.Version, manifestJSON, r.Manifest.Origin, r.Manifest.Draft, r.Enabled, configJSON, r.Manifest.Signature, r.Checksum)
	return err
}

func (s *SQLiteStore) Update(ctx context.Context, r Record) error {
	manifestJSON, configJSON, err := encodeRecord(r)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE plugins SET name=?, version=?, manifest_json=?, origin=?, draft=?, enabled=?, config_json=?, signature=?, checksum=?
		WHERE id = ?
	`, r.Manifest.Name, r.Manifest.Version, manifestJSON, r.Manifest.Origin, r.Manifest.Draft, r.Enabled, configJSON, r.Manifest.Signature, r.Checksum, r.Manifest.ID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrPluginNotFound
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM plugins WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrPluginNotFound
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT manifest_json, enabled, config_json, checksum FROM plugins WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return rec, err
}

func (s *SQLiteStore) List(ctx context.Context) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT manifest_json, enabled, config_json, checksum FROM plugins`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*Record, error) {
	var manifestJSON string
	var configJSON sql.NullString
	var enabled bool
	var checksum string
	if err := row.Scan(&manifestJSON, &enabled, &configJSON, &checksum); err != nil {
		return nil, err
	}
	var m Manifest
	if err := json.Unmarshal([]byte(manifestJSON), &m); err != nil {
		return nil, err
	}
	rec := &Record{Manifest: m, Enabled: enabled, Checksum: checksum}
	if configJSON.Valid && configJSON.String != "" {
		if err := json.Unmarshal([]byte(configJSON.String), &rec.Config); err != nil {
			return nil, err
		}
	}
	return rec, nil
}

func encodeRecord(r Record) (manifestJSON, configJSON string, err error) {
	mb, err := json.Marshal(r.Manifest)
	if err != nil {
		return "", "", err
	}
	cb, err := json.Marshal(r.Config)
	if err != nil {
		return "", "", err
	}
	return string(mb), string(cb), nil
}
