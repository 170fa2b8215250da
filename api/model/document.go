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
package model

import (
	"encoding/base64"
	"errors"
	"net/http"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/spartanone/spartan/model"
)

// CreateDocument is a sales note or quote draft submitted while offline.
type CreateDocument struct {
	Endpoint    string                 `json:"endpoint"`
	Method      string                 `json:"method"`
	Payload     map[string]interface{} `json:"payload"`
	Headers     map[string]string      `json:"headers"`
	Attachments []CreateAttachment     `json:"attachments"`
}

type CreateAttachment struct {
	Name     string `json:"name"`
	MimeType string `json:"mimeType"`
	Content  string `json:"content"`
}

type SetConnectivity struct {
	Online *bool `json:"online"`
}

type RecoverDocuments struct {
	ThresholdSec int `json:"threshold_sec"`
}

func base64Content(value interface{}) error {
	s, _ := value.(string)
	if _, err := base64.StdEncoding.DecodeString(s); err != nil {
		return errors.New("must be base64 encoded")
	}
	return nil
}

func (d *CreateDocument) ValidateCreateDocument() error {
	return validation.ValidateStruct(d,
		validation.Field(&d.Endpoint, validation.Required),
		validation.Field(&d.Method, validation.By(func(value interface{}) error {
			method := strings.ToUpper(value.(string))
			if method == "" || method == http.MethodPost || method == http.MethodPut {
				return nil
			}
			return errors.New("must be POST or PUT")
		})),
		validation.Field(&d.Payload, validation.Required),
		validation.Field(&d.Attachments),
	)
}

func (a CreateAttachment) Validate() error {
	return validation.ValidateStruct(&a,
		validation.Field(&a.Name, validation.Required),
		validation.Field(&a.MimeType, validation.Required),
		validation.Field(&a.Content, validation.Required, validation.By(base64Content)),
	)
}

func (s *SetConnectivity) ValidateSetConnectivity() error {
	return validation.ValidateStruct(s,
		validation.Field(&s.Online, validation.NotNil),
	)
}

func (r *RecoverDocuments) ValidateRecoverDocuments() error {
	return validation.ValidateStruct(r,
		validation.Field(&r.ThresholdSec, validation.Min(0)),
	)
}

// ToOfflineDocument builds a queued document. It must only be called after
// ValidateCreateDocument succeeded.
func (d *CreateDocument) ToOfflineDocument() *model.OfflineDocument {
	attachments := make([]model.Attachment, 0, len(d.Attachments))
	for _, a := range d.Attachments {
		data, _ := base64.StdEncoding.DecodeString(a.Content)
		attachments = append(attachments, model.NewAttachment(a.Name, a.MimeType, data))
	}
	doc := model.NewOfflineDocument(d.Endpoint, d.Method, d.Payload, attachments...)
	if len(d.Headers) > 0 {
		doc.Headers = d.Headers
	}
	return doc
}
