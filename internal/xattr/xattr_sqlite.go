package xattr

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sort"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jmoiron/sqlx"

	"github.com/snapbak/snapbak/internal/db"
)

const schema = `
CREATE TABLE IF NOT EXISTS attrs (
    path  TEXT NOT NULL,
    ns    TEXT NOT NULL,
    key   TEXT NOT NULL,
    value BLOB NOT NULL,
    PRIMARY KEY (path, ns, key)
);

CREATE INDEX IF NOT EXISTS idx_attrs_path ON attrs(path);
`

// cacheSize bounds the number of paths whose attributes are cached. A path's
// markers are read on every sync cycle, so mounts stay hot.
const cacheSize = 1024

type dbAttr struct {
	Path  string `db:"path"`
	Ns    string `db:"ns"`
	Key   string `db:"key"`
	Value []byte `db:"value"`
}

// SqliteStore keeps attributes in a SQLite table keyed (path, ns, key) with
// a read-through per-path LRU cache. This is the default backend; it works on
// filesystems without extended attribute support.
type SqliteStore struct {
	dbPath string
	db     *sqlx.DB
	cache  *lru.Cache[string, map[string]Attr]
}

var _ Store = (*SqliteStore)(nil)

// NewSqliteStore creates a store backed by the SQLite database at dbPath.
// Use ":memory:" for tests.
func NewSqliteStore(dbPath string) (*SqliteStore, error) {
	cache, err := lru.New[string, map[string]Attr](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("create attr cache: %w", err)
	}
	return &SqliteStore{
		dbPath: dbPath,
		cache:  cache,
	}, nil
}

// Open the store and the underlying database.
func (s *SqliteStore) Open() error {
	if s.db != nil {
		return fmt.Errorf("attr store already open")
	}

	database, err := db.NewSqliteDB(db.WithPath(s.dbPath), db.WithMaxOpenConns(1))
	if err != nil {
		return fmt.Errorf("open attr store: %w", err)
	}

	if _, err := database.Exec(schema); err != nil {
		database.Close()
		return fmt.Errorf("initialize attr schema: %w", err)
	}

	s.db = database
	return nil
}

// Close closes the underlying database connection.
func (s *SqliteStore) Close() error {
	if s.db == nil {
		return fmt.Errorf("attr store not open")
	}
	if err := s.db.Close(); err != nil {
		slog.Error("failed to close attr store", "error", err)
		return err
	}
	s.db = nil
	s.cache.Purge()
	return nil
}

func (s *SqliteStore) Set(ctx context.Context, path string, attr Attr, flag Flag) error {
	if attr.Key == "" {
		return fmt.Errorf("set attr on %s: empty key", path)
	}
	if attr.Namespace == "" {
		attr.Namespace = NamespaceUser
	}

	var (
		res    sql.Result
		err    error
		onZero error
	)
	switch flag {
	case Create:
		res, err = s.db.ExecContext(ctx,
			`INSERT OR IGNORE INTO attrs (path, ns, key, value) VALUES (?, ?, ?, ?)`,
			path, attr.Namespace, attr.Key, attr.Value)
		onZero = ErrAttrExists
	case Replace:
		res, err = s.db.ExecContext(ctx,
			`UPDATE attrs SET value = ? WHERE path = ? AND ns = ? AND key = ?`,
			attr.Value, path, attr.Namespace, attr.Key)
		onZero = ErrAttrNotFound
	default:
		return fmt.Errorf("set attr %s on %s: invalid flag %s", attr.Key, path, flag)
	}
	if err != nil {
		return fmt.Errorf("set attr %s on %s: %w", attr.Key, path, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set attr %s on %s: %w", attr.Key, path, err)
	}
	if affected == 0 {
		return fmt.Errorf("set attr %s on %s: %w", attr.Key, path, onZero)
	}

	s.cache.Remove(path)
	return nil
}

func (s *SqliteStore) Get(ctx context.Context, path string, keys []string) ([]Attr, error) {
	byName, err := s.load(ctx, path)
	if err != nil {
		return nil, err
	}

	if len(keys) == 0 {
		attrs := make([]Attr, 0, len(byName))
		for _, attr := range byName {
			attrs = append(attrs, attr)
		}
		sort.Slice(attrs, func(i, j int) bool {
			if attrs[i].Namespace != attrs[j].Namespace {
				return attrs[i].Namespace < attrs[j].Namespace
			}
			return attrs[i].Key < attrs[j].Key
		})
		return attrs, nil
	}

	attrs := make([]Attr, 0, len(keys))
	for _, key := range keys {
		if attr, ok := byName[NamespaceUser+"."+key]; ok {
			attrs = append(attrs, attr)
		}
	}
	return attrs, nil
}

func (s *SqliteStore) Remove(ctx context.Context, path string, key string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM attrs WHERE path = ? AND ns = ? AND key = ?`,
		path, NamespaceUser, key)
	if err != nil {
		return fmt.Errorf("remove attr %s on %s: %w", key, path, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("remove attr %s on %s: %w", key, path, err)
	}
	if affected == 0 {
		return fmt.Errorf("remove attr %s on %s: %w", key, path, ErrAttrNotFound)
	}

	s.cache.Remove(path)
	return nil
}

// load returns every attribute on path keyed "ns.key", from cache or a full
// fetch. Writers invalidate the path entry, so a cached map is never stale
// within this process.
func (s *SqliteStore) load(ctx context.Context, path string) (map[string]Attr, error) {
	if byName, ok := s.cache.Get(path); ok {
		return byName, nil
	}

	var rows []dbAttr
	err := s.db.SelectContext(ctx, &rows,
		`SELECT path, ns, key, value FROM attrs WHERE path = ?`, path)
	if err != nil {
		return nil, fmt.Errorf("load attrs on %s: %w", path, err)
	}

	byName := make(map[string]Attr, len(rows))
	for _, row := range rows {
		byName[row.Ns+"."+row.Key] = Attr{Namespace: row.Ns, Key: row.Key, Value: row.Value}
	}
	s.cache.Add(path, byName)
	return byName, nil
}
