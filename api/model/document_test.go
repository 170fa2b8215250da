package model

import (
	"encoding/base64"
	"testing"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spartanone/spartan/model"
)

func validDocument() CreateDocument {
	return CreateDocument{
		Endpoint: "/api/quotes",
		Method:   "put",
		Payload: map[string]interface{}{
			"numeroCotizacion": gofakeit.DigitN(5),
			"cliente":          gofakeit.Company(),
		},
		Headers: map[string]string{"X-Branch": "valparaiso"},
		Attachments: []CreateAttachment{{
			Name:     "cotizacion.pdf",
			MimeType: "application/pdf",
			Content:  base64.StdEncoding.EncodeToString([]byte("%PDF-1.4")),
		}},
	}
}

func TestCreateDocument_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(d *CreateDocument)
		wantErr bool
	}{
		{name: "valid", mutate: func(*CreateDocument) {}},
		{name: "default method", mutate: func(d *CreateDocument) { d.Method = "" }},
		{name: "missing endpoint", mutate: func(d *CreateDocument) { d.Endpoint = "" }, wantErr: true},
		{name: "unsupported method", mutate: func(d *CreateDocument) { d.Method = "PATCH" }, wantErr: true},
		{name: "empty payload", mutate: func(d *CreateDocument) { d.Payload = nil }, wantErr: true},
		{name: "attachment without name", mutate: func(d *CreateDocument) { d.Attachments[0].Name = "" }, wantErr: true},
		{name: "attachment not base64", mutate: func(d *CreateDocument) { d.Attachments[0].Content = "%%%" }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := validDocument()
			tt.mutate(&d)
			err := d.ValidateCreateDocument()
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestCreateDocument_ToOfflineDocument(t *testing.T) {
	d := validDocument()
	doc := d.ToOfflineDocument()

	require.NoError(t, doc.Validate())
	assert.Equal(t, "PUT", doc.Method)
	assert.Equal(t, model.StatusQueued, doc.Status)
	assert.Equal(t, 0, doc.Retries)
	assert.Equal(t, d.Headers, doc.Headers)
	require.Len(t, doc.Attachments, 1)
	assert.Equal(t, int64(len("%PDF-1.4")), doc.Attachments[0].Size)
	assert.Equal(t, d.Attachments[0].Content, doc.Attachments[0].Content)
}

func TestSetConnectivity_Validate(t *testing.T) {
	online := true
	assert.NoError(t, (&SetConnectivity{Online: &online}).ValidateSetConnectivity())
	assert.Error(t, (&SetConnectivity{}).ValidateSetConnectivity())
}

func TestRecoverDocuments_Validate(t *testing.T) {
	assert.NoError(t, (&RecoverDocuments{ThresholdSec: 60}).ValidateRecoverDocuments())
	assert.Error(t, (&RecoverDocuments{ThresholdSec: -1}).ValidateRecoverDocuments())
}
