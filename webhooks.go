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
	"fmt"
	"net/http"
	"time"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"github.com/spartanone/spartan/internal/request"
	"github.com/spartanone/spartan/model"
)

// TypeWebhook is the asynq task type carrying one sync event.
const TypeWebhook = "spartan:webhook"

const (
	EventDocumentDelivered = "document.delivered"
	EventDocumentFailed    = "document.failed"
	EventDocumentEscalated = "document.escalated"
)

const (
	webhookTimeout    = 10 * time.Second
	webhookMaxRetries = 5
)

// EventSink receives sync events from the engine.
type EventSink interface {
	Emit(ctx context.Context, hook NewWebhook) error
}

// NewWebhook is the body posted to the configured webhook URL.
type NewWebhook struct {
	Event     string        `json:"event"`
	Payload   DocumentEvent `json:"data"`
	Timestamp time.Time     `json:"timestamp"`
}

// DocumentEvent describes what happened to one document during a drain.
type DocumentEvent struct {
	ID         string `json:"id"`
	Endpoint   string `json:"endpoint"`
	Method     string `json:"method"`
	Retries    int    `json:"retries"`
	StatusCode int    `json:"status_code,omitempty"`
	Error      string `json:"error,omitempty"`
}

func newDocumentEvent(doc *model.OfflineDocument, res DocumentResult) DocumentEvent {
	return DocumentEvent{
		ID:         doc.ID,
		Endpoint:   doc.Endpoint,
		Method:     doc.Method,
		Retries:    res.Retries,
		StatusCode: res.StatusCode,
		Error:      res.Error,
	}
}

// Webhooks posts sync events to an HTTP endpoint. With a Redis connection
// events go through an asynq queue and are retried by the workers;
// without one they are posted in the background on a best effort basis.
type Webhooks struct {
	url     string
	headers map[string]string
	queue   string
	client  *asynq.Client
	http    *http.Client
}

// NewWebhooks returns nil when url is empty. opt may be nil.
func NewWebhooks(url string, headers map[string]string, queue string, opt asynq.RedisConnOpt) *Webhooks {
	if url == "" {
		return nil
	}
	w := &Webhooks{
		url:     url,
		headers: headers,
		queue:   queue,
		http:    &http.Client{Timeout: webhookTimeout},
	}
	if opt != nil {
		w.client = asynq.NewClient(opt)
	}
	return w
}

func (w *Webhooks) Queue() string { return w.queue }

// Emit hands hook to the queue, or posts it in the background.
func (w *Webhooks) Emit(ctx context.Context, hook NewWebhook) error {
	if hook.Timestamp.IsZero() {
		hook.Timestamp = time.Now().UTC()
	}

	if w.client == nil {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), webhookTimeout)
			defer cancel()
			if err := w.post(ctx, hook); err != nil {
				logrus.WithError(err).WithField("event", hook.Event).Warn("webhook delivery failed")
			}
		}()
		return nil
	}

	payload, err := json.Marshal(hook)
	if err != nil {
		return err
	}
	task := asynq.NewTask(TypeWebhook, payload, asynq.Queue(w.queue), asynq.MaxRetry(webhookMaxRetries))
	_, err = w.client.EnqueueContext(ctx, task)
	return err
}

// ProcessWebhook is the asynq handler for TypeWebhook. Errors make asynq
// retry the task.
func (w *Webhooks) ProcessWebhook(ctx context.Context, task *asynq.Task) error {
	var hook NewWebhook
	if err := json.Unmarshal(task.Payload(), &hook); err != nil {
		return fmt.Errorf("decoding webhook task: %v: %w", err, asynq.SkipRetry)
	}
	logrus.WithFields(logrus.Fields{"event": hook.Event, "document_id": hook.Payload.ID}).Debug("processing webhook")
	return w.post(ctx, hook)
}

func (w *Webhooks) RegisterHandlers(mux *asynq.ServeMux) {
	mux.HandleFunc(TypeWebhook, w.ProcessWebhook)
}

func (w *Webhooks) post(ctx context.Context, hook NewWebhook) error {
	req, err := request.NewJSONRequest(ctx, http.MethodPost, w.url, hook)
	if err != nil {
		return err
	}
	for key, value := range w.headers {
		req.Header.Set(key, value)
	}
	_, err = request.Call(w.http, req, nil)
	return err
}

func (w *Webhooks) Close() error {
	if w.client == nil {
		return nil
	}
	return w.client.Close()
}

func (e *Engine) emit(ctx context.Context, event string, doc *model.OfflineDocument, res DocumentResult) {
	if e.events == nil {
		return
	}
	hook := NewWebhook{Event: event, Payload: newDocumentEvent(doc, res)}
	if err := e.events.Emit(ctx, hook); err != nil {
		logrus.WithError(err).WithFields(logrus.Fields{
			"event":       event,
			"document_id": doc.ID,
		}).Warn("failed to emit sync event")
	}
}
