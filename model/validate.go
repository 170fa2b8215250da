package model

import (
	"encoding/base64"
	"errors"
	"net/http"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/google/uuid"
)

func uuidRule(value interface{}) error {
	s, _ := value.(string)
	if _, err := uuid.Parse(s); err != nil {
		return errors.New("must be a valid UUID")
	}
	return nil
}

func base64Rule(value interface{}) error {
	s, _ := value.(string)
	if s == "" {
		return nil
	}
	if _, err := base64.StdEncoding.DecodeString(s); err != nil {
		return errors.New("must be base64 encoded")
	}
	return nil
}

// Validate checks the document invariants before it is persisted.
func (d *OfflineDocument) Validate() error {
	return validation.ValidateStruct(d,
		validation.Field(&d.ID, validation.Required, validation.By(uuidRule)),
		validation.Field(&d.Endpoint, validation.Required),
		validation.Field(&d.Method, validation.Required, validation.In(http.MethodPost, http.MethodPut)),
		validation.Field(&d.Status, validation.Required, validation.In(StatusQueued, StatusSyncing, StatusSynced, StatusFailed)),
		validation.Field(&d.Retries, validation.Min(0)),
		validation.Field(&d.UpdatedAt, validation.By(func(value interface{}) error {
			if d.UpdatedAt < d.CreatedAt {
				return errors.New("must not be earlier than createdAt")
			}
			return nil
		})),
		validation.Field(&d.Attachments),
	)
}

// Validate implements validation.Validatable so documents validate their attachments.
func (a Attachment) Validate() error {
	return validation.ValidateStruct(&a,
		validation.Field(&a.Name, validation.Required),
		validation.Field(&a.MimeType, validation.Required),
		validation.Field(&a.Size, validation.Min(int64(0))),
		validation.Field(&a.Content, validation.When(a.BlobRef == "", validation.Required.Error("content or blobRef is required")), validation.By(base64Rule)),
	)
}
