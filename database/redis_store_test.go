package database

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spartanone/spartan/model"
)

func newTestRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewRedisStore(client), mr
}

func TestRedisStore_PutGetDelete(t *testing.T) {
	ctx := context.Background()
	store, mr := newTestRedisStore(t)

	doc := model.NewOfflineDocument("/sales-notes", "POST", map[string]interface{}{"customer": "Ana"},
		model.NewAttachment("a.txt", "text/plain", []byte("abc")))
	require.NoError(t, store.Put(ctx, doc))
	assert.True(t, mr.Exists(DocumentsKey))

	got, err := store.Get(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, doc.ID, got.ID)
	assert.Equal(t, "Ana", got.Payload["customer"])
	assert.Equal(t, doc.Attachments, got.Attachments)

	// upsert replaces the stored record
	doc.Touch(model.StatusFailed, doc.CreatedAt+1)
	doc.Retries = 1
	require.NoError(t, store.Put(ctx, doc))
	all, err := store.GetAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, model.StatusFailed, all[0].Status)
	assert.Equal(t, 1, all[0].Retries)

	require.NoError(t, store.Delete(ctx, doc.ID))
	_, err = store.Get(ctx, doc.ID)
	assert.ErrorIs(t, err, ErrDocumentNotFound)

	// unknown ids are a no-op
	assert.NoError(t, store.Delete(ctx, "missing"))
}

func TestRedisStore_KeepsLargeIntegers(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestRedisStore(t)

	doc := model.NewOfflineDocument("/sales-notes", "POST", map[string]interface{}{"folio": int64(9007199254740993)})
	require.NoError(t, store.Put(ctx, doc))

	got, err := store.Get(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, json.Number("9007199254740993"), got.Payload["folio"])

	all, err := store.GetAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, json.Number("9007199254740993"), all[0].Payload["folio"])
}

func TestRedisStore_GetAllEmpty(t *testing.T) {
	store, _ := newTestRedisStore(t)
	docs, err := store.GetAll(context.Background())
	assert.NoError(t, err)
	assert.Empty(t, docs)
}

func TestRedisStore_ErrorsPropagate(t *testing.T) {
	store, mr := newTestRedisStore(t)
	mr.Close()

	err := store.Put(context.Background(), model.NewOfflineDocument("/x", "POST", nil))
	assert.Error(t, err)
	_, err = store.GetAll(context.Background())
	assert.Error(t, err)
}

func TestRedisStore_CorruptRecord(t *testing.T) {
	store, mr := newTestRedisStore(t)
	mr.HSet(DocumentsKey, "bad", "{not json")

	_, err := store.GetAll(context.Background())
	assert.Error(t, err)
	_, err = store.Get(context.Background(), "bad")
	assert.Error(t, err)
}
