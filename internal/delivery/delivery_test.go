package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spartanone/spartan/model"
)

func newMockedTransport(t *testing.T, baseURL string) *HTTPTransport {
	client := &http.Client{}
	httpmock.ActivateNonDefault(client)
	t.Cleanup(httpmock.DeactivateAndReset)
	return NewHTTPTransport(baseURL, client)
}

func TestDeliver_WireContract(t *testing.T) {
	transport := newMockedTransport(t, "https://api.example.com/")

	doc := model.NewOfflineDocument("/api/sales-notes", "POST",
		map[string]interface{}{"numeroNV": "NV-001", "cliente": "Acme"},
		model.NewAttachment("nv.pdf", "application/pdf", []byte("%PDF")))
	doc.Headers = map[string]string{"X-Tenant": "acme"}

	httpmock.RegisterResponder("POST", "https://api.example.com/api/sales-notes",
		func(req *http.Request) (*http.Response, error) {
			assert.Equal(t, "application/json", req.Header.Get("Content-Type"))
			assert.Equal(t, doc.ID, req.Header.Get("X-Idempotency-Key"))
			assert.Equal(t, "acme", req.Header.Get("X-Tenant"))

			var body map[string]interface{}
			require.NoError(t, json.NewDecoder(req.Body).Decode(&body))
			assert.Equal(t, "NV-001", body["numeroNV"])
			assert.Equal(t, "Acme", body["cliente"])
			attachments := body["attachments"].([]interface{})
			require.Len(t, attachments, 1)
			att := attachments[0].(map[string]interface{})
			assert.Equal(t, "nv.pdf", att["name"])
			assert.Equal(t, "application/pdf", att["mimeType"])
			assert.Equal(t, "JVBERg==", att["content"])
			_, hasRef := att["blobRef"]
			assert.False(t, hasRef)
			return httpmock.NewStringResponse(201, `{"ok":true}`), nil
		})

	code, err := transport.Deliver(context.Background(), doc)
	assert.NoError(t, err)
	assert.Equal(t, 201, code)
	assert.Equal(t, 1, httpmock.GetTotalCallCount())
}

func TestDeliver_DocumentHeadersCannotReplaceIdempotencyKey(t *testing.T) {
	transport := newMockedTransport(t, "https://api.example.com")

	doc := model.NewOfflineDocument("/api/sales-notes", "POST", map[string]interface{}{"numeroNV": "NV-009"})
	doc.Headers = map[string]string{
		"x-idempotency-key": "other",
		"content-type":      "text/plain",
		"X-Tenant":          "acme",
	}

	httpmock.RegisterResponder("POST", "https://api.example.com/api/sales-notes",
		func(req *http.Request) (*http.Response, error) {
			assert.Equal(t, []string{doc.ID}, req.Header.Values(model.IdempotencyHeader))
			assert.Equal(t, "application/json", req.Header.Get("Content-Type"))
			assert.Equal(t, "acme", req.Header.Get("X-Tenant"))
			return httpmock.NewStringResponse(201, ""), nil
		})

	_, err := transport.Deliver(context.Background(), doc)
	require.NoError(t, err)
	assert.Equal(t, 1, httpmock.GetTotalCallCount())
}

func TestDeliver_PutAndAbsoluteEndpoint(t *testing.T) {
	transport := newMockedTransport(t, "https://api.example.com")
	httpmock.RegisterResponder("PUT", "https://other.example.com/quotes/7",
		httpmock.NewStringResponder(204, ""))

	doc := model.NewOfflineDocument("https://other.example.com/quotes/7", "PUT", nil)
	code, err := transport.Deliver(context.Background(), doc)
	assert.NoError(t, err)
	assert.Equal(t, 204, code)
}

func TestDeliver_NonSuccessStatus(t *testing.T) {
	transport := newMockedTransport(t, "https://api.example.com")
	httpmock.RegisterResponder("POST", "https://api.example.com/api/sales-notes",
		httpmock.NewStringResponder(500, "boom"))

	code, err := transport.Deliver(context.Background(), model.NewOfflineDocument("/api/sales-notes", "POST", nil))
	require.Error(t, err)
	assert.Equal(t, 500, code)

	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, 500, statusErr.StatusCode)
	assert.Equal(t, "boom", statusErr.Body)
}

func TestDeliver_RedirectStatusIsFailure(t *testing.T) {
	transport := newMockedTransport(t, "https://api.example.com")
	httpmock.RegisterResponder("POST", "https://api.example.com/x",
		httpmock.NewStringResponder(304, ""))

	code, err := transport.Deliver(context.Background(), model.NewOfflineDocument("/x", "POST", nil))
	assert.Error(t, err)
	assert.Equal(t, 304, code)
}

func TestDeliver_NetworkError(t *testing.T) {
	transport := newMockedTransport(t, "https://api.example.com")
	httpmock.RegisterResponder("POST", "https://api.example.com/x",
		httpmock.NewErrorResponder(errors.New("connection refused")))

	code, err := transport.Deliver(context.Background(), model.NewOfflineDocument("/x", "POST", nil))
	assert.Error(t, err)
	assert.Equal(t, 0, code)
}

func TestDeliver_ContextTimeout(t *testing.T) {
	transport := newMockedTransport(t, "https://api.example.com")
	httpmock.RegisterResponder("POST", "https://api.example.com/slow",
		func(req *http.Request) (*http.Response, error) {
			<-req.Context().Done()
			return nil, req.Context().Err()
		})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := transport.Deliver(ctx, model.NewOfflineDocument("/slow", "POST", nil))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestURL(t *testing.T) {
	tr := NewHTTPTransport("https://api.example.com/", nil)
	assert.Equal(t, "https://api.example.com/a", tr.URL("/a"))
	assert.Equal(t, "https://api.example.com/a", tr.URL("a"))
	assert.Equal(t, "http://x/a", tr.URL("http://x/a"))
	assert.Equal(t, "/a", NewHTTPTransport("", nil).URL("/a"))
}
