/*
Copyright 2024 Spartan One Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package queue is the document-level API over the durable store.
package queue

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/spartanone/spartan/database"
	"github.com/spartanone/spartan/internal/blobs"
	"github.com/spartanone/spartan/model"
)

// Repository adds, lists, removes and updates offline documents.
// UpdateStatus is a read-modify-write and is only safe while a single
// drain owns the queue.
type Repository struct {
	store       database.Store
	blobs       blobs.Store
	inlineLimit int
	now         func() int64
}

type Option func(*Repository)

// WithBlobStore offloads attachments larger than inlineLimit bytes to b.
func WithBlobStore(b blobs.Store, inlineLimit int) Option {
	return func(r *Repository) {
		r.blobs = b
		r.inlineLimit = inlineLimit
	}
}

// WithClock replaces the epoch-millisecond clock used for UpdatedAt.
func WithClock(now func() int64) Option {
	return func(r *Repository) {
		r.now = now
	}
}

func NewRepository(store database.Store, opts ...Option) *Repository {
	r := &Repository{store: store, now: model.NowMillis}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Add persists doc as given. The caller owns id, timestamps and status.
func (r *Repository) Add(ctx context.Context, doc *model.OfflineDocument) error {
	record := doc
	if r.blobs != nil {
		var err error
		record, err = r.offload(ctx, doc)
		if err != nil {
			return err
		}
	}
	return r.store.Put(ctx, record)
}

// All returns every document ordered by CreatedAt, ties broken by ID.
func (r *Repository) All(ctx context.Context) ([]*model.OfflineDocument, error) {
	docs, err := r.store.GetAll(ctx)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(docs, func(i, j int) bool {
		if docs[i].CreatedAt != docs[j].CreatedAt {
			return docs[i].CreatedAt < docs[j].CreatedAt
		}
		return docs[i].ID < docs[j].ID
	})
	return docs, nil
}

func (r *Repository) Get(ctx context.Context, id string) (*model.OfflineDocument, error) {
	return r.store.Get(ctx, id)
}

// Remove deletes the document and releases blobs nothing else references.
func (r *Repository) Remove(ctx context.Context, id string) error {
	var refs []string
	if r.blobs != nil {
		doc, err := r.store.Get(ctx, id)
		if err != nil && !errors.Is(err, database.ErrDocumentNotFound) {
			return err
		}
		if doc != nil {
			for _, a := range doc.Attachments {
				if a.BlobRef != "" {
					refs = append(refs, a.BlobRef)
				}
			}
		}
	}

	if err := r.store.Delete(ctx, id); err != nil {
		return err
	}
	if len(refs) > 0 {
		r.releaseBlobs(ctx, refs)
	}
	return nil
}

// UpdateStatus moves the document to status and refreshes UpdatedAt.
// Retries is only overwritten when retries is non-nil. A missing id is
// not an error.
func (r *Repository) UpdateStatus(ctx context.Context, id string, status model.Status, retries *int) error {
	doc, err := r.store.Get(ctx, id)
	if errors.Is(err, database.ErrDocumentNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	doc.Touch(status, r.now())
	if retries != nil {
		doc.Retries = *retries
	}
	return r.store.Put(ctx, doc)
}

// Hydrate returns doc with every offloaded attachment inlined again.
// doc itself is not modified.
func (r *Repository) Hydrate(ctx context.Context, doc *model.OfflineDocument) (*model.OfflineDocument, error) {
	if !doc.HasOffloadedAttachments() {
		return doc, nil
	}
	if r.blobs == nil {
		return nil, fmt.Errorf("document %s references blobs but no blob store is configured", doc.ID)
	}

	out := doc.Clone()
	for i, a := range out.Attachments {
		if a.BlobRef == "" || a.Content != "" {
			continue
		}
		data, err := r.blobs.Get(ctx, a.BlobRef)
		if err != nil {
			return nil, fmt.Errorf("loading attachment %s of %s: %w", a.Name, doc.ID, err)
		}
		out.Attachments[i].Content = base64.StdEncoding.EncodeToString(data)
	}
	return out, nil
}

func (r *Repository) offload(ctx context.Context, doc *model.OfflineDocument) (*model.OfflineDocument, error) {
	var out *model.OfflineDocument
	for i, a := range doc.Attachments {
		if a.Content == "" || base64.StdEncoding.DecodedLen(len(a.Content)) <= r.inlineLimit {
			continue
		}
		data, err := base64.StdEncoding.DecodeString(a.Content)
		if err != nil {
			return nil, fmt.Errorf("decoding attachment %s: %w", a.Name, err)
		}
		if len(data) <= r.inlineLimit {
			continue
		}
		ref, err := r.blobs.Put(ctx, data)
		if err != nil {
			return nil, err
		}
		if out == nil {
			out = doc.Clone()
		}
		out.Attachments[i].Content = ""
		out.Attachments[i].BlobRef = ref
		logrus.WithFields(logrus.Fields{
			"document_id": doc.ID,
			"attachment":  a.Name,
			"blob_ref":    ref,
			"size":        len(data),
		}).Debug("attachment offloaded")
	}
	if out == nil {
		return doc, nil
	}
	return out, nil
}

func (r *Repository) releaseBlobs(ctx context.Context, refs []string) {
	remaining, err := r.store.GetAll(ctx)
	if err != nil {
		logrus.WithError(err).Warn("skipping blob release, could not list documents")
		return
	}
	inUse := make(map[string]struct{})
	for _, d := range remaining {
		for _, a := range d.Attachments {
			if a.BlobRef != "" {
				inUse[a.BlobRef] = struct{}{}
			}
		}
	}
	for _, ref := range refs {
		if _, ok := inUse[ref]; ok {
			continue
		}
		if err := r.blobs.Delete(ctx, ref); err != nil {
			logrus.WithError(err).WithField("blob_ref", ref).Warn("failed to release blob")
		}
	}
}
