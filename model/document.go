package model

import (
	"encoding/base64"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status is the sync state of an OfflineDocument.
type Status string

const (
	StatusQueued  Status = "queued"
	StatusSyncing Status = "syncing"
	StatusSynced  Status = "synced" // transient, never persisted
	StatusFailed  Status = "failed"
)

// IdempotencyHeader carries the document id on every delivery attempt.
const IdempotencyHeader = "X-Idempotency-Key"

// Attachment is a binary file travelling with a document.
// Content is base64 encoded. When the attachment has been offloaded to the
// blob store Content is empty and BlobRef holds the sha256 of the raw bytes.
type Attachment struct {
	Name     string `json:"name"`
	MimeType string `json:"mimeType"`
	Size     int64  `json:"size"`
	Content  string `json:"content,omitempty"`
	BlobRef  string `json:"blobRef,omitempty"`
}

// OfflineDocument is one deferred write waiting for network delivery.
type OfflineDocument struct {
	ID          string                 `json:"id"`
	CreatedAt   int64                  `json:"createdAt"`
	UpdatedAt   int64                  `json:"updatedAt"`
	Status      Status                 `json:"status"`
	Retries     int                    `json:"retries"`
	Payload     map[string]interface{} `json:"payload"`
	Attachments []Attachment           `json:"attachments"`
	Endpoint    string                 `json:"endpoint"`
	Method      string                 `json:"method"`
	Headers     map[string]string      `json:"headers,omitempty"`
}

// NewOfflineDocument builds a queued document with a fresh id and timestamps.
func NewOfflineDocument(endpoint, method string, payload map[string]interface{}, attachments ...Attachment) *OfflineDocument {
	now := NowMillis()
	if method == "" {
		method = http.MethodPost
	}
	if payload == nil {
		payload = map[string]interface{}{}
	}
	return &OfflineDocument{
		ID:          uuid.NewString(),
		CreatedAt:   now,
		UpdatedAt:   now,
		Status:      StatusQueued,
		Retries:     0,
		Payload:     payload,
		Attachments: attachments,
		Endpoint:    endpoint,
		Method:      strings.ToUpper(method),
	}
}

// NewAttachment encodes raw bytes into an inline attachment.
func NewAttachment(name, mimeType string, data []byte) Attachment {
	return Attachment{
		Name:     name,
		MimeType: mimeType,
		Size:     int64(len(data)),
		Content:  base64.StdEncoding.EncodeToString(data),
	}
}

// NowMillis returns the current time in epoch milliseconds.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}

// Touch moves the document to status and refreshes UpdatedAt, keeping
// UpdatedAt >= CreatedAt even when the clock went backwards.
func (d *OfflineDocument) Touch(status Status, now int64) {
	d.Status = status
	if now < d.CreatedAt {
		now = d.CreatedAt
	}
	d.UpdatedAt = now
}

// Clone returns a deep copy; maps and slices are not shared with d.
func (d *OfflineDocument) Clone() *OfflineDocument {
	if d == nil {
		return nil
	}
	c := *d
	if d.Payload != nil {
		c.Payload = make(map[string]interface{}, len(d.Payload))
		for k, v := range d.Payload {
			c.Payload[k] = v
		}
	}
	if d.Attachments != nil {
		c.Attachments = make([]Attachment, len(d.Attachments))
		copy(c.Attachments, d.Attachments)
	}
	if d.Headers != nil {
		c.Headers = make(map[string]string, len(d.Headers))
		for k, v := range d.Headers {
			c.Headers[k] = v
		}
	}
	return &c
}

// HasOffloadedAttachments reports whether any attachment lives in the blob store.
func (d *OfflineDocument) HasOffloadedAttachments() bool {
	for _, a := range d.Attachments {
		if a.BlobRef != "" && a.Content == "" {
			return true
		}
	}
	return false
}

// WireBody is the JSON body sent to the endpoint: the payload plus an
// attachments field carrying the inline attachments.
func (d *OfflineDocument) WireBody() map[string]interface{} {
	body := make(map[string]interface{}, len(d.Payload)+1)
	for k, v := range d.Payload {
		body[k] = v
	}
	attachments := make([]Attachment, 0, len(d.Attachments))
	for _, a := range d.Attachments {
		a.BlobRef = ""
		attachments = append(attachments, a)
	}
	body["attachments"] = attachments
	return body
}
