package database

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"

	"github.com/spartanone/spartan/model"
)

const documentColumns = `id, status, retries, endpoint, method, headers, payload, attachments, created_at, updated_at`

const upsertDocumentSQL = `INSERT INTO offline_documents (` + documentColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

const conflictUpdateSQL = ` ON CONFLICT (id) DO UPDATE SET
	status = excluded.status,
	retries = excluded.retries,
	endpoint = excluded.endpoint,
	method = excluded.method,
	headers = excluded.headers,
	payload = excluded.payload,
	attachments = excluded.attachments,
	updated_at = excluded.updated_at`

const duplicateKeyUpdateSQL = ` ON DUPLICATE KEY UPDATE
	status = VALUES(status),
	retries = VALUES(retries),
	endpoint = VALUES(endpoint),
	method = VALUES(method),
	headers = VALUES(headers),
	payload = VALUES(payload),
	attachments = VALUES(attachments),
	updated_at = VALUES(updated_at)`

func (d *Datasource) upsertQuery() string {
	if d.Dialect == DialectMySQL {
		return upsertDocumentSQL + duplicateKeyUpdateSQL
	}
	return d.rebind(upsertDocumentSQL + conflictUpdateSQL)
}

// Put upserts doc in its own transaction.
func (d *Datasource) Put(ctx context.Context, doc *model.OfflineDocument) error {
	ctx, span := otel.Tracer("offline documents").Start(ctx, "Saving document to db")
	defer span.End()

	headers, payload, attachments, err := encodeDocument(doc)
	if err != nil {
		span.RecordError(err)
		return err
	}

	tx, err := d.Conn.BeginTx(ctx, nil)
	if err != nil {
		span.RecordError(err)
		return errors.Wrap(err, "beginning put transaction")
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, d.upsertQuery(),
		doc.ID, string(doc.Status), doc.Retries, doc.Endpoint, doc.Method,
		headers, payload, attachments, doc.CreatedAt, doc.UpdatedAt,
	)
	if err != nil {
		span.RecordError(err)
		return errors.Wrapf(err, "saving document %s", doc.ID)
	}

	if err := tx.Commit(); err != nil {
		span.RecordError(err)
		return errors.Wrapf(err, "committing document %s", doc.ID)
	}
	return nil
}

// GetAll returns every stored document in no particular order.
func (d *Datasource) GetAll(ctx context.Context) ([]*model.OfflineDocument, error) {
	ctx, span := otel.Tracer("offline documents").Start(ctx, "Fetching documents from db")
	defer span.End()

	rows, err := d.Conn.QueryContext(ctx, `SELECT `+documentColumns+` FROM offline_documents`)
	if err != nil {
		span.RecordError(err)
		return nil, errors.Wrap(err, "fetching documents")
	}
	defer rows.Close()

	docs := make([]*model.OfflineDocument, 0)
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			span.RecordError(err)
			return nil, err
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		span.RecordError(err)
		return nil, errors.Wrap(err, "iterating documents")
	}
	return docs, nil
}

// Get returns the document with id or ErrDocumentNotFound.
func (d *Datasource) Get(ctx context.Context, id string) (*model.OfflineDocument, error) {
	ctx, span := otel.Tracer("offline documents").Start(ctx, "Fetching document from db")
	defer span.End()

	row := d.Conn.QueryRowContext(ctx, d.rebind(`SELECT `+documentColumns+` FROM offline_documents WHERE id = ?`), id)
	doc, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDocumentNotFound
	}
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return doc, nil
}

// Delete removes the document with id in its own transaction.
func (d *Datasource) Delete(ctx context.Context, id string) error {
	ctx, span := otel.Tracer("offline documents").Start(ctx, "Deleting document from db")
	defer span.End()

	tx, err := d.Conn.BeginTx(ctx, nil)
	if err != nil {
		span.RecordError(err)
		return errors.Wrap(err, "beginning delete transaction")
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, d.rebind(`DELETE FROM offline_documents WHERE id = ?`), id); err != nil {
		span.RecordError(err)
		return errors.Wrapf(err, "deleting document %s", id)
	}
	if err := tx.Commit(); err != nil {
		span.RecordError(err)
		return errors.Wrapf(err, "committing delete of %s", id)
	}
	return nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanDocument(s scanner) (*model.OfflineDocument, error) {
	doc := &model.OfflineDocument{}
	var status string
	var headers sql.NullString
	var payload, attachments string

	err := s.Scan(&doc.ID, &status, &doc.Retries, &doc.Endpoint, &doc.Method,
		&headers, &payload, &attachments, &doc.CreatedAt, &doc.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, errors.Wrap(err, "scanning document")
	}
	doc.Status = model.Status(status)

	if headers.Valid && headers.String != "" {
		if err := json.Unmarshal([]byte(headers.String), &doc.Headers); err != nil {
			return nil, errors.Wrapf(err, "decoding headers of %s", doc.ID)
		}
	}
	if err := decodeJSON([]byte(payload), &doc.Payload); err != nil {
		return nil, errors.Wrapf(err, "decoding payload of %s", doc.ID)
	}
	if err := json.Unmarshal([]byte(attachments), &doc.Attachments); err != nil {
		return nil, errors.Wrapf(err, "decoding attachments of %s", doc.ID)
	}
	return doc, nil
}

// decodeJSON keeps payload numbers as json.Number so large integers reach the
// wire exactly as they were queued.
func decodeJSON(data []byte, v interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(v)
}

func encodeDocument(doc *model.OfflineDocument) (headers, payload, attachments string, err error) {
	h, err := json.Marshal(doc.Headers)
	if err != nil {
		return "", "", "", errors.Wrap(err, "encoding headers")
	}
	p, err := json.Marshal(doc.Payload)
	if err != nil {
		return "", "", "", errors.Wrap(err, "encoding payload")
	}
	atts := doc.Attachments
	if atts == nil {
		atts = []model.Attachment{}
	}
	a, err := json.Marshal(atts)
	if err != nil {
		return "", "", "", errors.Wrap(err, "encoding attachments")
	}
	return string(h), string(p), string(a), nil
}
