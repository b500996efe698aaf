package command

import (
	"bytes"
	"context"
	"encoding/gob"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terrastore-go/terrastore/internal/ensemble"
	"github.com/terrastore-go/terrastore/internal/registry"
	"github.com/terrastore-go/terrastore/internal/store"
	"github.com/terrastore-go/terrastore/internal/store/memstore"
	"github.com/terrastore-go/terrastore/internal/workpool"
)

func newEnv() StoreEnv {
	return StoreEnv{
		Store:    memstore.New(),
		Registry: registry.New(),
		Pool:     workpool.NewPool(4, 0),
		LocalView: func() ensemble.View {
			return ensemble.View{Members: []ensemble.Member{{Name: "solo"}}}
		},
	}
}

func TestAddBucketThenGetBucketsAndRemove(t *testing.T) {
	ctx := context.Background()
	env := newEnv()

	_, err := NewAddBucket("widgets").ExecuteOnStore(ctx, env)
	require.NoError(t, err)

	names, err := NewGetBuckets().ExecuteOnStore(ctx, env)
	require.NoError(t, err)
	assert.Equal(t, []string{"widgets"}, names)

	_, err = NewRemoveBucket("widgets").ExecuteOnStore(ctx, env)
	require.NoError(t, err)

	names, err = NewGetBuckets().ExecuteOnStore(ctx, env)
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestPutValueThenGetValue(t *testing.T) {
	ctx := context.Background()
	env := newEnv()

	_, err := NewPutValue("widgets", "k1", []byte("v1"), "", "").ExecuteOnStore(ctx, env)
	require.NoError(t, err)

	result, err := NewGetValue("widgets", "k1", "", "").ExecuteOnStore(ctx, env)
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), result)
}

func TestGetValueMissingBucketReturnsNotFound(t *testing.T) {
	ctx := context.Background()
	env := newEnv()

	_, err := NewGetValue("absent", "k1", "", "").ExecuteOnStore(ctx, env)
	require.Error(t, err)
	var opErr *store.OperationError
	require.ErrorAs(t, err, &opErr)
	assert.Equal(t, store.NotFound, opErr.Code)
}

func TestConditionalPutRejectsWithoutPredicateOnExistingKey(t *testing.T) {
	ctx := context.Background()
	env := newEnv()

	_, err := NewPutValue("widgets", "k1", []byte("v1"), "", "").ExecuteOnStore(ctx, env)
	require.NoError(t, err)

	_, err = NewPutValue("widgets", "k1", []byte("v2"), "", "").ExecuteOnStore(ctx, env)
	require.Error(t, err)
	var opErr *store.OperationError
	require.ErrorAs(t, err, &opErr)
	assert.Equal(t, store.BadRequest, opErr.Code)
}

func TestConditionalPutSucceedsWhenGuardSatisfied(t *testing.T) {
	ctx := context.Background()
	env := newEnv()

	_, err := NewPutValue("widgets", "k1", []byte(`{"n":1}`), "", "").ExecuteOnStore(ctx, env)
	require.NoError(t, err)

	_, err = NewPutValue("widgets", "k1", []byte(`{"n":2}`), "jxpath", `/n[.=1]`).ExecuteOnStore(ctx, env)
	require.NoError(t, err)

	result, err := NewGetValue("widgets", "k1", "", "").ExecuteOnStore(ctx, env)
	require.NoError(t, err)
	assert.JSONEq(t, `{"n":2}`, string(result.([]byte)))
}

func TestGetKeysAndGetValuesBulk(t *testing.T) {
	ctx := context.Background()
	env := newEnv()

	for _, k := range []string{"a", "b", "c"} {
		_, err := NewPutValue("widgets", k, []byte(k), "", "").ExecuteOnStore(ctx, env)
		require.NoError(t, err)
	}

	keysResult, err := NewGetKeys("widgets").ExecuteOnStore(ctx, env)
	require.NoError(t, err)
	keys := keysResult.([]string)
	assert.ElementsMatch(t, []string{"a", "b", "c"}, keys)

	valuesResult, err := NewGetValues("widgets", keys, "", "").ExecuteOnStore(ctx, env)
	require.NoError(t, err)
	values := valuesResult.(map[string][]byte)
	assert.Equal(t, map[string][]byte{"a": []byte("a"), "b": []byte("b"), "c": []byte("c")}, values)
}

func TestRangeQueryOrdersAndLimits(t *testing.T) {
	ctx := context.Background()
	env := newEnv()

	for _, k := range []string{"c", "a", "b", "d"} {
		_, err := NewPutValue("widgets", k, []byte(k), "", "").ExecuteOnStore(ctx, env)
		require.NoError(t, err)
	}

	r := store.Range{StartKey: "a", EndKey: "c", Limit: 2, ComparatorName: "order"}
	result, err := NewRangeQuery("widgets", r, "order", 0).ExecuteOnStore(ctx, env)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, result)
}

func TestUpdateAppliesRegisteredFunction(t *testing.T) {
	ctx := context.Background()
	env := newEnv()

	env.Registry.RegisterFunction("append-bang", appendBang{})

	_, err := NewUpdate("widgets", "k1", store.Update{FunctionName: "append-bang", TimeoutMs: 100}).ExecuteOnStore(ctx, env)
	require.NoError(t, err)

	result, err := NewGetValue("widgets", "k1", "", "").ExecuteOnStore(ctx, env)
	require.NoError(t, err)
	assert.Equal(t, []byte("!"), result)
}

func TestUpdateUnknownFunctionFailsBadRequest(t *testing.T) {
	_, err := NewUpdate("widgets", "k1", store.Update{FunctionName: "does-not-exist"}).ExecuteOnStore(context.Background(), newEnv())
	require.Error(t, err)
	var opErr *store.OperationError
	require.ErrorAs(t, err, &opErr)
	assert.Equal(t, store.BadRequest, opErr.Code)
}

func TestMembershipReturnsLocalView(t *testing.T) {
	result, err := NewMembership().ExecuteOnStore(context.Background(), newEnv())
	require.NoError(t, err)
	view := result.(ensemble.View)
	require.Len(t, view.Members, 1)
	assert.Equal(t, "solo", view.Members[0].Name)
}

func TestMembershipWithoutLocalViewReturnsEmpty(t *testing.T) {
	env := newEnv()
	env.LocalView = nil
	result, err := NewMembership().ExecuteOnStore(context.Background(), env)
	require.NoError(t, err)
	assert.Equal(t, ensemble.View{}, result.(ensemble.View))
}

// appendBang is a trivial store.Function used only by this test file.
type appendBang struct{}

func (appendBang) Apply(_ string, _ []byte, _ map[string]interface{}) ([]byte, error) {
	return []byte("!"), nil
}

// Every concrete command type must gob-round-trip through a *StoreCommand
// pointer, the same shape a wire frame carries.
func TestCommandsRoundTripThroughGob(t *testing.T) {
	cmds := []StoreCommand{
		NewAddBucket("b"),
		NewRemoveBucket("b"),
		NewPutValue("b", "k", []byte("v"), "", ""),
		NewRemoveValue("b", "k"),
		NewGetValue("b", "k", "", ""),
		NewGetValues("b", []string{"k"}, "", ""),
		NewGetKeys("b"),
		NewGetBuckets(),
		NewRangeQuery("b", store.Range{StartKey: "a", EndKey: "z"}, "order", time.Second),
		NewUpdate("b", "k", store.Update{FunctionName: "f"}),
		NewMembership(),
	}

	for _, cmd := range cmds {
		var buf bytes.Buffer
		enc := gob.NewEncoder(&buf)
		require.NoError(t, enc.Encode(&cmd))

		var decoded StoreCommand
		dec := gob.NewDecoder(&buf)
		require.NoError(t, dec.Decode(&decoded))
		assert.Equal(t, cmd.RequestID(), decoded.RequestID())
	}
}
