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
package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	model2 "github.com/spartanone/spartan/api/model"
	"github.com/spartanone/spartan/internal/apierror"
)

func (a Api) QueueDocument(c *gin.Context) {
	var newDocument model2.CreateDocument
	if err := c.ShouldBindJSON(&newDocument); err != nil {
		c.JSON(http.StatusBadRequest, apierror.NewAPIError(apierror.ErrBadRequest, "invalid document", err))
		return
	}

	if err := newDocument.ValidateCreateDocument(); err != nil {
		c.JSON(http.StatusBadRequest, apierror.NewAPIError(apierror.ErrInvalidInput, "invalid document", err))
		return
	}

	doc := newDocument.ToOfflineDocument()
	if err := a.spartan.Enqueue(c.Request.Context(), doc); err != nil {
		respondError(c, err, "failed to queue document")
		return
	}

	c.JSON(http.StatusCreated, doc)
}

func (a Api) GetDocument(c *gin.Context) {
	id, passed := c.Params.Get("id")
	if !passed {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id is required. pass id in the route /:id"})
		return
	}

	doc, err := a.spartan.Repository().Get(c.Request.Context(), id)
	if err != nil {
		respondError(c, err, "document not found")
		return
	}

	c.JSON(http.StatusOK, doc)
}

func (a Api) GetAllDocuments(c *gin.Context) {
	docs, err := a.spartan.Repository().All(c.Request.Context())
	if err != nil {
		respondError(c, err, "failed to load documents")
		return
	}

	c.JSON(http.StatusOK, docs)
}

// DiscardDocument drops a queued document without delivering it.
func (a Api) DiscardDocument(c *gin.Context) {
	id, passed := c.Params.Get("id")
	if !passed {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id is required. pass id in the route /:id"})
		return
	}

	if _, err := a.spartan.Repository().Get(c.Request.Context(), id); err != nil {
		respondError(c, err, "document not found")
		return
	}
	if err := a.spartan.Discard(c.Request.Context(), id); err != nil {
		respondError(c, err, "failed to discard document")
		return
	}

	c.JSON(http.StatusOK, gin.H{"id": id, "discarded": true})
}
