// Package mongostore is the MongoDB-backed store.Store implementation
//: buckets map to collections, keys to
// document `_id`s, values to a BSON-wrapped raw JSON payload. Collection
// and lock handling follow the same shape as memstore.Store (mutex-guarded
// maps), swapped for go.mongodb.org/mongo-driver calls, so the two
// implementations stay structurally easy to compare.
package mongostore

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/terrastore-go/terrastore/internal/store"
)

// document is the on-disk shape of a bucket entry: _id is the key, Value
// the opaque payload bytes this spec's values always are.
type document struct {
	ID    string `bson:"_id"`
	Value []byte `bson:"value"`
}

// Store is a store.Store backed by one Mongo database, one collection per
// bucket.
type Store struct {
	db *mongo.Database

	lockMu   sync.Mutex
	keyLocks map[string]*sync.Mutex
}

// New wraps an already-connected database handle. Connection lifecycle
// (mongo.Connect, credentials, TLS) is the caller's concern, same as the
// reference server leaves store.Store.Open config-driven per adapter.
func New(db *mongo.Database) *Store {
	return &Store{db: db, keyLocks: make(map[string]*sync.Mutex)}
}

func (s *Store) collectionNames(ctx context.Context) ([]string, error) {
	return s.db.ListCollectionNames(ctx, bson.D{})
}

func (s *Store) Get(ctx context.Context, name string) (store.Bucket, error) {
	names, err := s.collectionNames(ctx)
	if err != nil {
		return nil, store.NewError(store.Internal, "", "mongostore: list collections: %v", err)
	}
	for _, n := range names {
		if n == name {
			return &bucket{coll: s.db.Collection(name), locks: s}, nil
		}
	}
	return nil, nil
}

func (s *Store) GetOrCreate(ctx context.Context, name string) (store.Bucket, error) {
	b, err := s.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	if b != nil {
		return b, nil
	}
	if err := s.db.CreateCollection(ctx, name); err != nil {
		// Race with another GetOrCreate: Mongo reports NamespaceExists; the
		// collection exists either way, so proceed.
		if cmdErr, ok := err.(mongo.CommandError); !ok || cmdErr.Name != "NamespaceExists" {
			return nil, store.NewError(store.Internal, "", "mongostore: create collection %q: %v", name, err)
		}
	}
	return &bucket{coll: s.db.Collection(name), locks: s}, nil
}

func (s *Store) Remove(ctx context.Context, name string) error {
	if err := s.db.Collection(name).Drop(ctx); err != nil {
		return store.NewError(store.Internal, "", "mongostore: drop collection %q: %v", name, err)
	}
	return nil
}

func (s *Store) Buckets(ctx context.Context) ([]string, error) {
	names, err := s.collectionNames(ctx)
	if err != nil {
		return nil, store.NewError(store.Internal, "", "mongostore: list collections: %v", err)
	}
	sort.Strings(names)
	return names, nil
}

func (s *Store) keyLock(name, key string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	id := name + "\x00" + key
	l, ok := s.keyLocks[id]
	if !ok {
		l = &sync.Mutex{}
		s.keyLocks[id] = l
	}
	return l
}

type bucket struct {
	coll  *mongo.Collection
	locks *Store
}

func (b *bucket) Put(ctx context.Context, key string, value []byte) error {
	opts := options.Replace().SetUpsert(true)
	_, err := b.coll.ReplaceOne(ctx, bson.M{"_id": key}, document{ID: key, Value: value}, opts)
	if err != nil {
		return store.NewError(store.Internal, "", "mongostore: put %q: %v", key, err)
	}
	return nil
}

func (b *bucket) ConditionalPut(ctx context.Context, key string, value []byte, predicateType, predicateExpr string, cond store.Condition) error {
	lock := b.locks.keyLock(b.coll.Name(), key)
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

func (b *bucket) get(ctx context.Context, key string) ([]byte, error) {
	var doc document
	err := b.coll.FindOne(ctx, bson.M{"_id": key}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, store.ErrKeyNotFound
	}
	if err != nil {
		return nil, store.NewError(store.Internal, "", "mongostore: get %q: %v", key, err)
	}
	return doc.Value, nil
}

func isNotFound(err error) bool {
	oe, ok := err.(*store.OperationError)
	return ok && oe.Code == store.NotFound
}

func (b *bucket) Get(ctx context.Context, key string) ([]byte, error) { return b.get(ctx, key) }

func (b *bucket) GetGuarded(ctx context.Context, key string, predicateType, predicateExpr string, cond store.Condition) ([]byte, error) {
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

func (b *bucket) Remove(ctx context.Context, key string) error {
	_, err := b.coll.DeleteOne(ctx, bson.M{"_id": key})
	if err != nil {
		return store.NewError(store.Internal, "", "mongostore: remove %q: %v", key, err)
	}
	return nil
}

func (b *bucket) Update(ctx context.Context, key string, upd store.Update, fn store.Function, timeout time.Duration) error {
	lock := b.locks.keyLock(b.coll.Name(), key)
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

func (b *bucket) Keys(ctx context.Context) ([]string, error) {
	cur, err := b.coll.Find(ctx, bson.M{}, options.Find().SetProjection(bson.M{"_id": 1}))
	if err != nil {
		return nil, store.NewError(store.Internal, "", "mongostore: find keys: %v", err)
	}
	defer cur.Close(ctx)

	var keys []string
	for cur.Next(ctx) {
		var doc struct {
			ID string `bson:"_id"`
		}
		if err := cur.Decode(&doc); err != nil {
			return nil, store.NewError(store.Internal, "", "mongostore: decode key: %v", err)
		}
		keys = append(keys, doc.ID)
	}
	return keys, cur.Err()
}

func (b *bucket) KeysInRange(ctx context.Context, r store.Range, cmp store.Comparator, _ time.Duration) ([]string, error) {
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

func (b *bucket) GetValues(ctx context.Context, keys []string, predicateType, predicateExpr string, cond store.Condition) (map[string][]byte, error) {
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
