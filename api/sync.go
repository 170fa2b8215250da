package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/spartanone/spartan"
	model2 "github.com/spartanone/spartan/api/model"
	"github.com/spartanone/spartan/internal/apierror"
)

// GetStatus backs the pending badge: online, count, is_syncing and pending.
func (a Api) GetStatus(c *gin.Context) {
	c.JSON(http.StatusOK, a.spartan.Engine().State())
}

// SyncNow runs a drain pass and returns its result. With ?async=true the
// drain is handed to the workers instead.
func (a Api) SyncNow(c *gin.Context) {
	if async, _ := strconv.ParseBool(c.Query("async")); async {
		enqueued, err := a.spartan.RequestDrain(c.Request.Context())
		if errors.Is(err, spartan.ErrTriggerUnavailable) {
			c.JSON(http.StatusServiceUnavailable, apierror.NewAPIError(apierror.ErrUnavailable, err.Error(), nil))
			return
		}
		if err != nil {
			respondError(c, err, "failed to request drain")
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"enqueued": enqueued})
		return
	}

	c.JSON(http.StatusOK, a.spartan.Engine().SyncNow(c.Request.Context()))
}

// SetConnectivity overrides the observed reachability, e.g. from the UI.
func (a Api) SetConnectivity(c *gin.Context) {
	var req model2.SetConnectivity
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, apierror.NewAPIError(apierror.ErrBadRequest, "invalid connectivity", err))
		return
	}
	if err := req.ValidateSetConnectivity(); err != nil {
		c.JSON(http.StatusBadRequest, apierror.NewAPIError(apierror.ErrInvalidInput, "invalid connectivity", err))
		return
	}

	a.spartan.Monitor().Set(*req.Online)
	c.JSON(http.StatusOK, a.spartan.Engine().State())
}

func (a Api) RecoverDocuments(c *gin.Context) {
	var req model2.RecoverDocuments
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, apierror.NewAPIError(apierror.ErrBadRequest, "invalid recover request", err))
			return
		}
	}
	if err := req.ValidateRecoverDocuments(); err != nil {
		c.JSON(http.StatusBadRequest, apierror.NewAPIError(apierror.ErrInvalidInput, "invalid recover request", err))
		return
	}

	n, err := a.spartan.Engine().Recover(c.Request.Context(), time.Duration(req.ThresholdSec)*time.Second)
	if errors.Is(err, spartan.ErrDrainInProgress) {
		c.JSON(http.StatusConflict, apierror.NewAPIError(apierror.ErrConflict, err.Error(), nil))
		return
	}
	if err != nil {
		respondError(c, err, "failed to recover documents")
		return
	}

	c.JSON(http.StatusOK, gin.H{"recovered": n})
}
