// Package ctxstore persists the registry of VoidMerge contexts: each
// context's id, JavaScript source, and environment value (spec §3
// "Context"/"User Code"/"Environment"). It follows the same sqlite+goqu
// shape as the teacher's internal/store/sqlite3 package, trimmed to the
// one table this engine needs.
package ctxstore

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	"github.com/doug-martin/goqu/v9/exp"
	_ "modernc.org/sqlite"

	"github.com/rakunlabs/muz"

	vmcrypto "github.com/rakunlabs/voidmerge/internal/crypto"
)

//go:embed migrations/*
var migrationFS embed.FS

// Record is one stored context's durable state.
type Record struct {
	ID        string
	Code      string
	Env       map[string]any
	CreatedAt time.Time
}

type Store struct {
	db    *sql.DB
	goqu  *goqu.Database
	table exp.IdentifierExpression

	encKey []byte
}

func Open(ctx context.Context, dataDir string, encKey []byte) (*Store, error) {
	dsn := dataDir + "/contexts.db"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open context store: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping context store: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	m := muz.Migrate{Path: "migrations", FS: migrationFS, Extension: ".sql", Values: map[string]string{}}
	driver := muz.NewSQLiteDriver(db, "ctxstore_migrations", slog.Default())
	if err := m.Migrate(ctx, driver); err != nil {
		db.Close()
		return nil, fmt.Errorf("run context store migrations: %w", err)
	}

	return &Store{
		db:     db,
		goqu:   goqu.New("sqlite3", db),
		table:  goqu.T("contexts"),
		encKey: encKey,
	}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Create persists a new context. It is an error to create a context id
// that already exists (engine.CreateContext checks first and reports it as
// InvalidInput, which the admin API renders as a 400).
func (s *Store) Create(ctx context.Context, id, code string, env map[string]any) (Record, error) {
	encEnv, err := vmcrypto.EncryptEnvPrivate(env, s.encKey)
	if err != nil {
		return Record{}, fmt.Errorf("encrypt environment: %w", err)
	}
	envJSON, err := json.Marshal(encEnv)
	if err != nil {
		return Record{}, fmt.Errorf("marshal environment: %w", err)
	}

	now := time.Now().UTC()
	query, _, err := s.goqu.Insert(s.table).Rows(goqu.Record{
		"id":         id,
		"code":       code,
		"env":        string(envJSON),
		"created_at": now.Format(time.RFC3339Nano),
	}).ToSQL()
	if err != nil {
		return Record{}, fmt.Errorf("build create query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return Record{}, fmt.Errorf("insert context: %w", err)
	}

	return Record{ID: id, Code: code, Env: env, CreatedAt: now}, nil
}

// Get loads a context record, decrypting its private environment fields.
// ok is false if no context with this id exists.
func (s *Store) Get(ctx context.Context, id string) (rec Record, ok bool, err error) {
	query, _, err := s.goqu.From(s.table).
		Select("code", "env", "created_at").
		Where(goqu.C("id").Eq(id)).
		ToSQL()
	if err != nil {
		return Record{}, false, fmt.Errorf("build get query: %w", err)
	}

	var envJSON, createdAt string
	row := s.db.QueryRowContext(ctx, query)
	if err := row.Scan(&rec.Code, &envJSON, &createdAt); err != nil {
		if err == sql.ErrNoRows {
			return Record{}, false, nil
		}
		return Record{}, false, fmt.Errorf("get context: %w", err)
	}

	var env map[string]any
	if err := json.Unmarshal([]byte(envJSON), &env); err != nil {
		return Record{}, false, fmt.Errorf("unmarshal environment: %w", err)
	}
	env, err = vmcrypto.DecryptEnvPrivate(env, s.encKey)
	if err != nil {
		return Record{}, false, fmt.Errorf("decrypt environment: %w", err)
	}

	rec.ID = id
	rec.Env = env
	rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return rec, true, nil
}

// Delete removes the context row. Per spec, tearing down a context does
// not delete its Object Store data by default.
func (s *Store) Delete(ctx context.Context, id string) error {
	query, _, err := s.goqu.Delete(s.table).Where(goqu.C("id").Eq(id)).ToSQL()
	if err != nil {
		return fmt.Errorf("build delete query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("delete context: %w", err)
	}
	return nil
}

// List returns every known context id, for startup reload and diagnostics.
func (s *Store) List(ctx context.Context) ([]string, error) {
	query, _, err := s.goqu.From(s.table).Select("id").Order(goqu.I("id").Asc()).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build list query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list contexts: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan context id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
