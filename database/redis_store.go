package database

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"

	"github.com/spartanone/spartan/model"
)

// DocumentsKey is the hash holding every document, keyed by id.
const DocumentsKey = "spartan:offline_documents"

// RedisStore keeps documents as JSON values in a single Redis hash.
type RedisStore struct {
	client redis.UniversalClient
	key    string
}

func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client, key: DocumentsKey}
}

func (r *RedisStore) Put(ctx context.Context, doc *model.OfflineDocument) error {
	ctx, span := otel.Tracer("offline documents").Start(ctx, "Saving document to redis")
	defer span.End()

	data, err := json.Marshal(doc)
	if err != nil {
		return errors.Wrap(err, "encoding document")
	}
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, r.key, doc.ID, data)
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return errors.Wrapf(err, "saving document %s", doc.ID)
	}
	return nil
}

func (r *RedisStore) GetAll(ctx context.Context) ([]*model.OfflineDocument, error) {
	ctx, span := otel.Tracer("offline documents").Start(ctx, "Fetching documents from redis")
	defer span.End()

	values, err := r.client.HGetAll(ctx, r.key).Result()
	if err != nil {
		span.RecordError(err)
		return nil, errors.Wrap(err, "fetching documents")
	}
	docs := make([]*model.OfflineDocument, 0, len(values))
	for id, raw := range values {
		doc := &model.OfflineDocument{}
		if err := decodeJSON([]byte(raw), doc); err != nil {
			return nil, errors.Wrapf(err, "decoding document %s", id)
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

func (r *RedisStore) Get(ctx context.Context, id string) (*model.OfflineDocument, error) {
	raw, err := r.client.HGet(ctx, r.key, id).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrDocumentNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "fetching document %s", id)
	}
	doc := &model.OfflineDocument{}
	if err := decodeJSON([]byte(raw), doc); err != nil {
		return nil, errors.Wrapf(err, "decoding document %s", id)
	}
	return doc, nil
}

func (r *RedisStore) Delete(ctx context.Context, id string) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HDel(ctx, r.key, id)
		return nil
	})
	if err != nil {
		return errors.Wrapf(err, "deleting document %s", id)
	}
	return nil
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}
