// Package objstore implements the durable, per-context keyed object store
// described in spec §4.1: a directory-per-context blob layout on the
// filesystem, backed by a sqlite metadata index (via goqu) for ordered,
// prefix-filtered listing, plus a background sweeper that removes expired
// objects on a fixed tick.
package objstore

import (
	"context"
	"database/sql"
	"encoding/base64"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	_ "modernc.org/sqlite"

	"github.com/rakunlabs/voidmerge/internal/capability"
)

// Store is a durable, per-context object store. A single Store instance
// serves every context; all index rows carry a ctx column and the blob
// files live under <dataDir>/blobs/<ctx>/.
type Store struct {
	dataDir string

	db   *sql.DB
	goqu *goqu.Database

	locks *keyMutex

	sweepOnce sync.Once
	sweepStop chan struct{}
}

const objectsTable = "objects"

// Open creates (or reopens) the object store rooted at dataDir. It runs the
// index schema migration and starts no background goroutines; call
// StartSweeper separately.
func Open(ctx context.Context, dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	dsn := filepath.Join(dataDir, "index.db")

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open object store index: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping object store index: %w", err)
	}

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	// sqlite is single-writer; limit connections accordingly, same as the
	// teacher's store/sqlite3.New.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := migrate(ctx, db, "objstore_migrations"); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{
		dataDir: dataDir,
		db:      db,
		goqu:    goqu.New("sqlite3", db),
		locks:   newKeyMutex(),
	}, nil
}

func (s *Store) Close() error {
	if s.sweepStop != nil {
		close(s.sweepStop)
	}
	return s.db.Close()
}

// blobPath returns the filesystem path for a given (ctx, appPath), deriving
// a filename-safe name from appPath (which spec guarantees has no "/" but
// makes no other guarantee).
func (s *Store) blobPath(ctx, appPath string) string {
	name := base64.RawURLEncoding.EncodeToString([]byte(appPath))
	return filepath.Join(s.dataDir, "blobs", ctx, name+".bin")
}

// Put implements spec §4.1 put: accepts an ObjMeta with CreatedSecs/
// ByteLength of 0 meaning "fill in", replaces any prior object with the
// same (ctx, appPath), and returns the normalized meta.
func (s *Store) Put(ctx context.Context, meta capability.ObjMeta, data []byte) (capability.ObjMeta, error) {
	if meta.Ctx == "" || meta.AppPath == "" {
		return capability.ObjMeta{}, capability.NewError(capability.KindInvalidInput, "ctx and appPath are required")
	}
	if strings.Contains(meta.AppPath, "/") {
		return capability.ObjMeta{}, capability.NewError(capability.KindInvalidInput, "appPath must not contain '/'")
	}

	unlock := s.locks.Lock(meta.Ctx + "\x00" + meta.AppPath)
	defer unlock()

	now := nowSecs()
	if meta.CreatedSecs == 0 {
		meta.CreatedSecs = now
	}
	if meta.ExpiresSecs != 0 && meta.ExpiresSecs <= meta.CreatedSecs {
		return capability.ObjMeta{}, capability.NewError(capability.KindInvalidInput, "expiresSecs must be greater than createdSecs")
	}
	meta.ByteLength = len(data)
	if meta.SysPrefix == "" {
		meta.SysPrefix = capability.ContextSysPrefix
	}

	blobFile := s.blobPath(meta.Ctx, meta.AppPath)
	if err := os.MkdirAll(filepath.Dir(blobFile), 0o755); err != nil {
		return capability.ObjMeta{}, capability.NewError(capability.KindIo, "create blob directory: %v", err)
	}

	tmp := blobFile + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return capability.ObjMeta{}, capability.NewError(capability.KindIo, "write blob: %v", err)
	}
	if err := os.Rename(tmp, blobFile); err != nil {
		os.Remove(tmp)
		return capability.ObjMeta{}, capability.NewError(capability.KindIo, "commit blob: %v", err)
	}

	record := goqu.Record{
		"ctx":          meta.Ctx,
		"app_path":     meta.AppPath,
		"created_secs": meta.CreatedSecs,
		"expires_secs": meta.ExpiresSecs,
		"byte_length":  meta.ByteLength,
		"blob_file":    filepath.Base(blobFile),
	}

	exists, err := s.rowExists(ctx, meta.Ctx, meta.AppPath)
	if err != nil {
		return capability.ObjMeta{}, err
	}

	var query string
	if !exists {
		query, _, err = s.goqu.Insert(objectsTable).Rows(record).ToSQL()
	} else {
		query, _, err = s.goqu.Update(objectsTable).Set(record).
			Where(goqu.C("ctx").Eq(meta.Ctx), goqu.C("app_path").Eq(meta.AppPath)).
			ToSQL()
	}
	if err != nil {
		return capability.ObjMeta{}, fmt.Errorf("build put query: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return capability.ObjMeta{}, capability.NewError(capability.KindIo, "persist object index: %v", err)
	}

	return meta, nil
}

// Get implements spec §4.1 get: lookup by (ctx, appPath), ignoring other
// input meta fields. Fails NotFound if no live (non-expired) object exists.
func (s *Store) Get(ctx context.Context, voidCtx, appPath string) (capability.ObjMeta, []byte, error) {
	unlock := s.locks.Lock(voidCtx + "\x00" + appPath)
	defer unlock()

	row, err := s.selectRow(ctx, voidCtx, appPath)
	if err != nil {
		return capability.ObjMeta{}, nil, err
	}
	if row == nil {
		return capability.ObjMeta{}, nil, capability.NewError(capability.KindNotFound, "object %q not found", appPath)
	}

	data, err := os.ReadFile(filepath.Join(s.dataDir, "blobs", voidCtx, row.blobFile))
	if err != nil {
		return capability.ObjMeta{}, nil, capability.NewError(capability.KindIo, "read blob: %v", err)
	}

	return row.meta(voidCtx, appPath), data, nil
}

// Remove implements spec §4.1 remove: idempotent delete by (ctx, appPath).
func (s *Store) Remove(ctx context.Context, voidCtx, appPath string) error {
	unlock := s.locks.Lock(voidCtx + "\x00" + appPath)
	defer unlock()

	row, err := s.selectRow(ctx, voidCtx, appPath)
	if err != nil {
		return err
	}
	if row == nil {
		return nil
	}

	query, _, err := s.goqu.Delete(objectsTable).
		Where(goqu.C("ctx").Eq(voidCtx), goqu.C("app_path").Eq(appPath)).
		ToSQL()
	if err != nil {
		return fmt.Errorf("build remove query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return capability.NewError(capability.KindIo, "remove object index: %v", err)
	}

	_ = os.Remove(filepath.Join(s.dataDir, "blobs", voidCtx, row.blobFile))

	return nil
}

// ListOptions mirrors spec §4.1 list's filter set.
type ListOptions struct {
	AppPathPrefix string
	CreatedGt     float64
	Limit         int
}

// List implements spec §4.1 list: up to Limit live ObjMetas whose appPath
// starts with AppPathPrefix and whose CreatedSecs > CreatedGt, ordered by
// CreatedSecs ascending then appPath lexicographically.
func (s *Store) List(ctx context.Context, voidCtx string, opts ListOptions) ([]capability.ObjMeta, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = capability.DefaultListLimit
	}
	if limit > capability.MaxListLimit {
		limit = capability.MaxListLimit
	}

	now := nowSecs()

	sel := s.goqu.From(objectsTable).
		Select("app_path", "created_secs", "expires_secs", "byte_length", "blob_file").
		Where(
			goqu.C("ctx").Eq(voidCtx),
			goqu.C("created_secs").Gt(opts.CreatedGt),
			goqu.Or(goqu.C("expires_secs").Eq(0), goqu.C("expires_secs").Gt(now)),
		).
		Order(goqu.I("created_secs").Asc(), goqu.I("app_path").Asc()).
		Limit(uint(limit))

	if opts.AppPathPrefix != "" {
		sel = sel.Where(goqu.C("app_path").Like(escapeLikePrefix(opts.AppPathPrefix) + "%"))
	}

	query, _, err := sel.ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build list query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, capability.NewError(capability.KindIo, "list objects: %v", err)
	}
	defer rows.Close()

	var out []capability.ObjMeta
	for rows.Next() {
		var r objectRow
		if err := rows.Scan(&r.appPath, &r.createdSecs, &r.expiresSecs, &r.byteLength, &r.blobFile); err != nil {
			return nil, fmt.Errorf("scan object row: %w", err)
		}
		out = append(out, r.meta(voidCtx, r.appPath))
	}

	return out, rows.Err()
}

type objectRow struct {
	appPath     string
	createdSecs float64
	expiresSecs float64
	byteLength  int
	blobFile    string
}

func (r objectRow) meta(ctx, appPath string) capability.ObjMeta {
	return capability.ObjMeta{
		SysPrefix:   capability.ContextSysPrefix,
		Ctx:         ctx,
		AppPath:     appPath,
		CreatedSecs: r.createdSecs,
		ExpiresSecs: r.expiresSecs,
		ByteLength:  r.byteLength,
	}
}

// rowExists reports whether an index row for (ctx, appPath) exists at all,
// live or expired, so Put can choose between insert and update regardless
// of whether the sweeper has caught up yet.
func (s *Store) rowExists(ctx context.Context, voidCtx, appPath string) (bool, error) {
	query, _, err := s.goqu.From(objectsTable).
		Select("app_path").
		Where(goqu.C("ctx").Eq(voidCtx), goqu.C("app_path").Eq(appPath)).
		ToSQL()
	if err != nil {
		return false, fmt.Errorf("build exists query: %w", err)
	}

	var discard string
	row := s.db.QueryRowContext(ctx, query)
	if err := row.Scan(&discard); err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, capability.NewError(capability.KindIo, "check object index: %v", err)
	}
	return true, nil
}

func (s *Store) selectRow(ctx context.Context, voidCtx, appPath string) (*objectRow, error) {
	now := nowSecs()

	query, _, err := s.goqu.From(objectsTable).
		Select("created_secs", "expires_secs", "byte_length", "blob_file").
		Where(
			goqu.C("ctx").Eq(voidCtx),
			goqu.C("app_path").Eq(appPath),
			goqu.Or(goqu.C("expires_secs").Eq(0), goqu.C("expires_secs").Gt(now)),
		).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build get query: %w", err)
	}

	var r objectRow
	r.appPath = appPath
	row := s.db.QueryRowContext(ctx, query)
	if err := row.Scan(&r.createdSecs, &r.expiresSecs, &r.byteLength, &r.blobFile); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, capability.NewError(capability.KindIo, "get object index: %v", err)
	}

	return &r, nil
}

// escapeLikePrefix escapes LIKE metacharacters so an appPath prefix
// containing "%" or "_" is matched literally.
func escapeLikePrefix(s string) string {
	r := strings.NewReplacer("\\", "\\\\", "%", "\\%", "_", "\\_")
	return r.Replace(s)
}

func nowSecs() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}

// StartSweeper launches the background expiration sweeper (spec §4.1): it
// wakes on a fixed tick and removes objects whose ExpiresSecs has passed.
// It must not interrupt an in-flight put/get, which the per-key locks
// already guarantee row-by-row.
func (s *Store) StartSweeper(ctx context.Context, interval time.Duration) {
	s.sweepOnce.Do(func() {
		s.sweepStop = make(chan struct{})
		go s.sweepLoop(ctx, interval)
	})
}

func (s *Store) sweepLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.sweepStop:
			return
		case <-ticker.C:
			if err := s.sweepOnce1(ctx); err != nil {
				// Spec §7: sweeper errors are logged and the sweep continues
				// on the next tick.
				slog.Error("object store sweep failed", "error", err)
			}
		}
	}
}

func (s *Store) sweepOnce1(ctx context.Context) error {
	now := nowSecs()

	query, _, err := s.goqu.From(objectsTable).
		Select("ctx", "app_path", "blob_file").
		Where(goqu.C("expires_secs").Neq(0), goqu.C("expires_secs").Lte(now)).
		ToSQL()
	if err != nil {
		return fmt.Errorf("build sweep select: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return fmt.Errorf("sweep select: %w", err)
	}

	type victim struct{ ctx, appPath, blobFile string }
	var victims []victim
	for rows.Next() {
		var v victim
		if err := rows.Scan(&v.ctx, &v.appPath, &v.blobFile); err != nil {
			rows.Close()
			return fmt.Errorf("scan sweep row: %w", err)
		}
		victims = append(victims, v)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, v := range victims {
		unlock := s.locks.Lock(v.ctx + "\x00" + v.appPath)
		del, _, err := s.goqu.Delete(objectsTable).
			Where(goqu.C("ctx").Eq(v.ctx), goqu.C("app_path").Eq(v.appPath), goqu.C("expires_secs").Lte(now), goqu.C("expires_secs").Neq(0)).
			ToSQL()
		if err == nil {
			if _, err := s.db.ExecContext(ctx, del); err != nil {
				slog.Error("sweep delete failed", "ctx", v.ctx, "appPath", v.appPath, "error", err)
			} else {
				_ = os.Remove(filepath.Join(s.dataDir, "blobs", v.ctx, v.blobFile))
			}
		}
		unlock()
	}

	return nil
}
