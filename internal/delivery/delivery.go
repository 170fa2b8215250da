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

// Package delivery sends one offline document to the remote API.
package delivery

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/spartanone/spartan/internal/request"
	"github.com/spartanone/spartan/model"
)

// maxErrorBody bounds how much of a failed response is kept on StatusError.
const maxErrorBody = 1024

// StatusError is returned for any non-2xx response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("remote returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("remote returned status %d: %s", e.StatusCode, e.Body)
}

// HTTPTransport delivers documents over HTTP. Timeouts come from the
// caller's context.
type HTTPTransport struct {
	client  *http.Client
	baseURL string
}

// NewHTTPTransport resolves relative endpoints against baseURL.
func NewHTTPTransport(baseURL string, client *http.Client) *HTTPTransport {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPTransport{client: client, baseURL: strings.TrimRight(baseURL, "/")}
}

// URL returns the absolute target of endpoint.
func (t *HTTPTransport) URL(endpoint string) string {
	if strings.HasPrefix(endpoint, "http://") || strings.HasPrefix(endpoint, "https://") || t.baseURL == "" {
		return endpoint
	}
	if !strings.HasPrefix(endpoint, "/") {
		endpoint = "/" + endpoint
	}
	return t.baseURL + endpoint
}

// Deliver performs a single attempt and returns the response status code.
// The document must already carry its attachments inline.
func (t *HTTPTransport) Deliver(ctx context.Context, doc *model.OfflineDocument) (int, error) {
	req, err := request.NewJSONRequest(ctx, doc.Method, t.URL(doc.Endpoint), doc.WireBody())
	if err != nil {
		return 0, err
	}
	for k, v := range doc.Headers {
		req.Header.Set(k, v)
	}
	// document headers never replace the content type or the idempotency key
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(model.IdempotencyHeader, doc.ID)

	resp, err := t.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return 0, fmt.Errorf("delivery of %s cancelled: %w", doc.ID, ctx.Err())
		}
		return 0, fmt.Errorf("failed to execute request: %w", err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			logrus.WithError(err).Error("failed to close response body")
		}
	}()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	logrus.WithFields(logrus.Fields{
		"document_id": doc.ID,
		"endpoint":    doc.Endpoint,
		"method":      doc.Method,
		"status_code": resp.StatusCode,
	}).Debug("delivery response received")

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	return resp.StatusCode, nil
}
