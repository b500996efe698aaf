// Package sqlstore is the relational store.Store implementation
//: one table per bucket, `bucket_key`/`bucket_value`
// columns. It uses jmoiron/sqlx the way the rest of the corpus's SQL code
// does — Exec/Get/Select over an already-open *sqlx.DB — with
// go-sql-driver/mysql as the concrete driver registered by the caller.
package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/terrastore-go/terrastore/internal/store"
)

// bucketNamePattern keeps bucket names safe to interpolate into DDL/DML as
// identifiers (sqlx/database-sql have no identifier placeholder); only
// alphanumerics and underscore are allowed. This is the only bucket-name
// check; other stores accept any name.
var bucketNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Store is a store.Store backed by a relational database reachable
// through database/sql (MySQL by default, via go-sql-driver/mysql).
type Store struct {
	db *sqlx.DB

	lockMu   sync.Mutex
	keyLocks map[string]*sync.Mutex
}

func New(db *sqlx.DB) *Store {
	return &Store{db: db, keyLocks: make(map[string]*sync.Mutex)}
}

func tableName(bucket string) (string, error) {
	if !bucketNamePattern.MatchString(bucket) {
		return "", store.NewError(store.BadRequest, "", "invalid bucket name %q", bucket)
	}
	return "bucket_" + bucket, nil
}

func (s *Store) tableExists(ctx context.Context, table string) (bool, error) {
	var count int
	err := s.db.GetContext(ctx, &count,
		`SELECT COUNT(*) FROM information_schema.tables WHERE table_schema = DATABASE() AND table_name = ?`, table)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (s *Store) Get(ctx context.Context, name string) (store.Bucket, error) {
	table, err := tableName(name)
	if err != nil {
		return nil, err
	}
	ok, err := s.tableExists(ctx, table)
	if err != nil {
		return nil, store.NewError(store.Internal, "", "sqlstore: check table %q: %v", table, err)
	}
	if !ok {
		return nil, nil
	}
	return &bucketHandle{db: s.db, table: table, locks: s}, nil
}

func (s *Store) GetOrCreate(ctx context.Context, name string) (store.Bucket, error) {
	table, err := tableName(name)
	if err != nil {
		return nil, err
	}
	ddl := fmt.Sprintf(
		"CREATE TABLE IF NOT EXISTS %s (bucket_key VARCHAR(767) PRIMARY KEY, bucket_value LONGBLOB NOT NULL)", table)
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return nil, store.NewError(store.Internal, "", "sqlstore: create table %q: %v", table, err)
	}
	return &bucketHandle{db: s.db, table: table, locks: s}, nil
}

func (s *Store) Remove(ctx context.Context, name string) error {
	table, err := tableName(name)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s", table)); err != nil {
		return store.NewError(store.Internal, "", "sqlstore: drop table %q: %v", table, err)
	}
	return nil
}

func (s *Store) Buckets(ctx context.Context) ([]string, error) {
	var tables []string
	err := s.db.SelectContext(ctx, &tables,
		`SELECT table_name FROM information_schema.tables WHERE table_schema = DATABASE() AND table_name LIKE 'bucket_%'`)
	if err != nil {
		return nil, store.NewError(store.Internal, "", "sqlstore: list tables: %v", err)
	}
	names := make([]string, 0, len(tables))
	for _, t := range tables {
		names = append(names, t[len("bucket_"):])
	}
	sort.Strings(names)
	return names, nil
}

func (s *Store) keyLock(table, key string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	id := table + "\x00" + key
	l, ok := s.keyLocks[id]
	if !ok {
		l = &sync.Mutex{}
		s.keyLocks[id] = l
	}
	return l
}

type bucketHandle struct {
	db    *sqlx.DB
	table string
	locks *Store
}

func (b *bucketHandle) Put(ctx context.Context, key string, value []byte) error {
	q := fmt.Sprintf("REPLACE INTO %s (bucket_key, bucket_value) VALUES (?, ?)", b.table)
	if _, err := b.db.ExecContext(ctx, q, key, value); err != nil {
		return store.NewError(store.Internal, "", "sqlstore: put %q: %v", key, err)
	}
	return nil
}

func (b *bucketHandle) ConditionalPut(ctx context.Context, key string, value []byte, predicateType, predicateExpr string, cond store.Condition) error {
	lock := b.locks.keyLock(b.table, key)
	lock.Lock()
	defer lock.Unlock()

	existing, err := b.get(ctx, key)
	if err != nil && !isNotFound(err) {
		return err
	}
	if err == nil {
		if predicateType == "" {
			return store.NewError(store.BadRequest, "", "conditional put on existing key requires a predicate")
		}
		ok, cerr := cond.IsSatisfied(key, existing, predicateExpr)
		if cerr != nil {
			return store.NewError(store.Internal, "", "condition evaluation failed: %v", cerr)
		}
		if !ok {
			return store.NewError(store.Conflict, "", "conditional put failed for key %q", key)
		}
	}
	return b.Put(ctx, key, value)
}

func (b *bucketHandle) get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	q := fmt.Sprintf("SELECT bucket_value FROM %s WHERE bucket_key = ?", b.table)
	err := b.db.GetContext(ctx, &value, q, key)
	if err == sql.ErrNoRows {
		return nil, store.ErrKeyNotFound
	}
	if err != nil {
		return nil, store.NewError(store.Internal, "", "sqlstore: get %q: %v", key, err)
	}
	return value, nil
}

func isNotFound(err error) bool {
	oe, ok := err.(*store.OperationError)
	return ok && oe.Code == store.NotFound
}

func (b *bucketHandle) Get(ctx context.Context, key string) ([]byte, error) { return b.get(ctx, key) }

func (b *bucketHandle) GetGuarded(ctx context.Context, key string, predicateType, predicateExpr string, cond store.Condition) ([]byte, error) {
	v, err := b.get(ctx, key)
	if err != nil {
		return nil, err
	}
	if predicateType == "" {
		return v, nil
	}
	ok, err := cond.IsSatisfied(key, v, predicateExpr)
	if err != nil {
		return nil, store.NewError(store.Internal, "", "condition evaluation failed: %v", err)
	}
	if !ok {
		return nil, store.NewError(store.Conflict, "", "guard failed for key %q", key)
	}
	return v, nil
}

func (b *bucketHandle) Remove(ctx context.Context, key string) error {
	q := fmt.Sprintf("DELETE FROM %s WHERE bucket_key = ?", b.table)
	if _, err := b.db.ExecContext(ctx, q, key); err != nil {
		return store.NewError(store.Internal, "", "sqlstore: remove %q: %v", key, err)
	}
	return nil
}

func (b *bucketHandle) Update(ctx context.Context, key string, upd store.Update, fn store.Function, timeout time.Duration) error {
	lock := b.locks.keyLock(b.table, key)
	lock.Lock()
	defer lock.Unlock()

	existing, err := b.get(ctx, key)
	if err != nil && !isNotFound(err) {
		return err
	}

	type result struct {
		val []byte
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := fn.Apply(key, existing, upd.Params)
		done <- result{v, err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case r := <-done:
		if r.err != nil {
			return store.NewError(store.Internal, "", "update function %q failed: %v", upd.FunctionName, r.err)
		}
		return b.Put(ctx, key, r.val)
	case <-timer.C:
		return store.NewError(store.Timeout, "", "update %q on key %q exceeded %s", upd.FunctionName, key, timeout)
	case <-ctx.Done():
		return store.NewError(store.Timeout, "", "update %q on key %q cancelled: %v", upd.FunctionName, key, ctx.Err())
	}
}

func (b *bucketHandle) Keys(ctx context.Context) ([]string, error) {
	var keys []string
	q := fmt.Sprintf("SELECT bucket_key FROM %s", b.table)
	if err := b.db.SelectContext(ctx, &keys, q); err != nil {
		return nil, store.NewError(store.Internal, "", "sqlstore: list keys: %v", err)
	}
	return keys, nil
}

func (b *bucketHandle) KeysInRange(ctx context.Context, r store.Range, cmp store.Comparator, _ time.Duration) ([]string, error) {
	keys, err := b.Keys(ctx)
	if err != nil {
		return nil, err
	}
	filtered := keys[:0:0]
	for _, k := range keys {
		if r.StartKey != "" && cmp.Compare(k, r.StartKey) < 0 {
			continue
		}
		if r.EndKey != "" && cmp.Compare(k, r.EndKey) > 0 {
			continue
		}
		filtered = append(filtered, k)
	}
	sort.Slice(filtered, func(i, j int) bool { return cmp.Compare(filtered[i], filtered[j]) < 0 })
	if r.Limit > 0 && len(filtered) > r.Limit {
		filtered = filtered[:r.Limit]
	}
	return filtered, nil
}

func (b *bucketHandle) GetValues(ctx context.Context, keys []string, predicateType, predicateExpr string, cond store.Condition) (map[string][]byte, error) {
	out := make(map[string][]byte, len(keys))
	for _, k := range keys {
		v, err := b.GetGuarded(ctx, k, predicateType, predicateExpr, cond)
		if err != nil {
			if oe, ok := err.(*store.OperationError); ok && (oe.Code == store.NotFound || oe.Code == store.Conflict) {
				continue
			}
			return nil, err
		}
		out[k] = v
	}
	return out, nil
}
