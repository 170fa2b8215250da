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
package mocks

import (
	"context"
	"sync"

	"github.com/stretchr/testify/mock"

	"github.com/spartanone/spartan/database"
	"github.com/spartanone/spartan/model"
)

// MockDataSource is a mock implementation of the database.Store interface
type MockDataSource struct {
	mock.Mock
}

func (m *MockDataSource) Put(ctx context.Context, doc *model.OfflineDocument) error {
	args := m.Called(ctx, doc)
	return args.Error(0)
}

func (m *MockDataSource) GetAll(ctx context.Context) ([]*model.OfflineDocument, error) {
	args := m.Called(ctx)
	if docs, ok := args.Get(0).([]*model.OfflineDocument); ok {
		return docs, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockDataSource) Get(ctx context.Context, id string) (*model.OfflineDocument, error) {
	args := m.Called(ctx, id)
	if doc, ok := args.Get(0).(*model.OfflineDocument); ok {
		return doc, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockDataSource) Delete(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *MockDataSource) Close() error {
	return m.Called().Error(0)
}

// MemoryStore is an in-memory database.Store. Stored documents are copied
// on the way in and out so callers cannot alias them.
type MemoryStore struct {
	mu   sync.Mutex
	docs map[string]*model.OfflineDocument

	// PutErr, when set, is returned by Put for matching ids.
	PutErr    func(doc *model.OfflineDocument) error
	DeleteErr func(id string) error
	GetAllErr error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: make(map[string]*model.OfflineDocument)}
}

func (s *MemoryStore) Put(_ context.Context, doc *model.OfflineDocument) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.PutErr != nil {
		if err := s.PutErr(doc); err != nil {
			return err
		}
	}
	s.docs[doc.ID] = doc.Clone()
	return nil
}

func (s *MemoryStore) GetAll(_ context.Context) ([]*model.OfflineDocument, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.GetAllErr != nil {
		return nil, s.GetAllErr
	}
	out := make([]*model.OfflineDocument, 0, len(s.docs))
	for _, d := range s.docs {
		out = append(out, d.Clone())
	}
	return out, nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*model.OfflineDocument, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.docs[id]
	if !ok {
		return nil, database.ErrDocumentNotFound
	}
	return d.Clone(), nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.DeleteErr != nil {
		if err := s.DeleteErr(id); err != nil {
			return err
		}
	}
	delete(s.docs, id)
	return nil
}

func (s *MemoryStore) Close() error { return nil }

// Len returns the number of stored documents.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.docs)
}
