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

package spartan

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spartanone/spartan/model"
)

type recordedHooks struct {
	mu      sync.Mutex
	hooks   []NewWebhook
	headers []http.Header
}

func (r *recordedHooks) handler(status int) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		var hook NewWebhook
		_ = json.NewDecoder(req.Body).Decode(&hook)
		r.mu.Lock()
		r.hooks = append(r.hooks, hook)
		r.headers = append(r.headers, req.Header.Clone())
		r.mu.Unlock()
		w.WriteHeader(status)
	}
}

func (r *recordedHooks) Events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var events []string
	for _, h := range r.hooks {
		events = append(events, h.Event)
	}
	return events
}

func TestNewWebhooks_DisabledWithoutURL(t *testing.T) {
	assert.Nil(t, NewWebhooks("", nil, "spartan_webhooks", nil))
}

func TestWebhooks_EmitInline(t *testing.T) {
	rec := &recordedHooks{}
	server := httptest.NewServer(rec.handler(http.StatusOK))
	defer server.Close()

	hooks := NewWebhooks(server.URL, map[string]string{"Authorization": "Bearer t0k3n"}, "spartan_webhooks", nil)
	require.NotNil(t, hooks)
	defer hooks.Close()

	doc := salesNote(1000)
	require.NoError(t, hooks.Emit(context.Background(), NewWebhook{
		Event:   EventDocumentDelivered,
		Payload: newDocumentEvent(doc, DocumentResult{ID: doc.ID, Delivered: true, StatusCode: 201}),
	}))

	require.Eventually(t, func() bool { return len(rec.Events()) == 1 }, 2*time.Second, 10*time.Millisecond)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, doc.ID, rec.hooks[0].Payload.ID)
	assert.Equal(t, 201, rec.hooks[0].Payload.StatusCode)
	assert.False(t, rec.hooks[0].Timestamp.IsZero())
	assert.Equal(t, "Bearer t0k3n", rec.headers[0].Get("Authorization"))
}

func TestWebhooks_EmitQueued(t *testing.T) {
	mr := miniredis.RunT(t)
	opt := asynq.RedisClientOpt{Addr: mr.Addr()}

	hooks := NewWebhooks("https://hooks.spartan.test/events", nil, "spartan_webhooks", opt)
	defer hooks.Close()

	doc := salesNote(1000)
	require.NoError(t, hooks.Emit(context.Background(), NewWebhook{
		Event:   EventDocumentFailed,
		Payload: newDocumentEvent(doc, DocumentResult{ID: doc.ID, Retries: 1, Error: "boom"}),
	}))

	inspector := asynq.NewInspector(opt)
	defer inspector.Close()
	tasks, err := inspector.ListPendingTasks("spartan_webhooks")
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, TypeWebhook, tasks[0].Type)
	assert.Equal(t, webhookMaxRetries, tasks[0].MaxRetry)

	var hook NewWebhook
	require.NoError(t, json.Unmarshal(tasks[0].Payload, &hook))
	assert.Equal(t, EventDocumentFailed, hook.Event)
	assert.Equal(t, "boom", hook.Payload.Error)
}

func TestWebhooks_ProcessWebhook(t *testing.T) {
	rec := &recordedHooks{}
	server := httptest.NewServer(rec.handler(http.StatusOK))
	defer server.Close()

	hooks := NewWebhooks(server.URL, nil, "spartan_webhooks", nil)
	mux := asynq.NewServeMux()
	hooks.RegisterHandlers(mux)

	payload, err := json.Marshal(NewWebhook{Event: EventDocumentEscalated, Payload: DocumentEvent{ID: "doc-1", Retries: 10}})
	require.NoError(t, err)
	require.NoError(t, mux.ProcessTask(context.Background(), asynq.NewTask(TypeWebhook, payload)))
	assert.Equal(t, []string{EventDocumentEscalated}, rec.Events())

	err = hooks.ProcessWebhook(context.Background(), asynq.NewTask(TypeWebhook, []byte("{")))
	assert.True(t, errors.Is(err, asynq.SkipRetry))
}

func TestWebhooks_ProcessWebhookRetriesOnRemoteError(t *testing.T) {
	rec := &recordedHooks{}
	server := httptest.NewServer(rec.handler(http.StatusBadGateway))
	defer server.Close()

	hooks := NewWebhooks(server.URL, nil, "spartan_webhooks", nil)
	payload, err := json.Marshal(NewWebhook{Event: EventDocumentDelivered})
	require.NoError(t, err)

	err = hooks.ProcessWebhook(context.Background(), asynq.NewTask(TypeWebhook, payload))
	assert.Error(t, err)
	assert.False(t, errors.Is(err, asynq.SkipRetry))
}

type capturedEvents struct {
	mu    sync.Mutex
	hooks []NewWebhook
}

func (c *capturedEvents) Emit(_ context.Context, hook NewWebhook) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hooks = append(c.hooks, hook)
	return nil
}

func (c *capturedEvents) Events() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var events []string
	for _, h := range c.hooks {
		events = append(events, h.Event)
	}
	return events
}

func TestSyncNow_EmitsEvents(t *testing.T) {
	delivered, failing := salesNote(1000), salesNote(2000)
	transport := &fakeTransport{respond: func(doc *model.OfflineDocument, _ int) (int, error) {
		if doc.ID == failing.ID {
			return statusResponse(http.StatusServiceUnavailable)
		}
		return statusResponse(http.StatusCreated)
	}}
	sink := &capturedEvents{}
	te := newTestEngine(t, true, transport, WithEventSink(sink), WithEscalateAfter(2))
	te.queue(t, delivered, failing)

	te.SyncNow(context.Background())
	assert.Equal(t, []string{EventDocumentDelivered, EventDocumentFailed}, sink.Events())

	te.SyncNow(context.Background())
	assert.Equal(t, []string{EventDocumentDelivered, EventDocumentFailed, EventDocumentFailed, EventDocumentEscalated}, sink.Events())

	sink.mu.Lock()
	defer sink.mu.Unlock()
	last := sink.hooks[len(sink.hooks)-1]
	assert.Equal(t, failing.ID, last.Payload.ID)
	assert.Equal(t, 2, last.Payload.Retries)
	assert.Equal(t, http.StatusServiceUnavailable, last.Payload.StatusCode)
}
