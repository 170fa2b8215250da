package database

import (
	"context"
	"errors"

	"github.com/spartanone/spartan/model"
)

var ErrDocumentNotFound = errors.New("offline document not found")

// Store is the durable record of offline documents.
type Store interface {
	documents
	Close() error
}

// documents defines the persistence operations of the queue.
type documents interface {
	Put(ctx context.Context, doc *model.OfflineDocument) error          // Upserts a document by id
	GetAll(ctx context.Context) ([]*model.OfflineDocument, error)       // Returns every document, unordered
	Get(ctx context.Context, id string) (*model.OfflineDocument, error) // Returns ErrDocumentNotFound when missing
	Delete(ctx context.Context, id string) error                        // Deleting an unknown id is a no-op
}
