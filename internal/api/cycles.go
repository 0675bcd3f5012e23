package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/civicbot/governor/internal/apperr"
	"github.com/civicbot/governor/internal/checkpoint"
	"github.com/civicbot/governor/internal/cycle"
)

// #region requests

type signRequest struct {
	CycleID      string `json:"cycleId" binding:"required"`
	SecretKeyHex string `json:"secretKeyHex" binding:"required"`
}

type approveRequest struct {
	CycleID      string `json:"cycleId" binding:"required"`
	SignatureHex string `json:"signatureHex" binding:"required"`
	PublicKeyHex string `json:"publicKeyHex" binding:"required"`
}

type rejectRequest struct {
	CycleID string `json:"cycleId" binding:"required"`
	Reason  string `json:"reason"`
}

type keysRequest struct {
	Label string `json:"label"`
}

// #endregion requests

// #region cycles

func (h *handlers) triggerCycle(c *gin.Context) {
	cy, err := h.deps.Cycles.Trigger(c.Request.Context(), cycle.TriggerManual)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "running", "cycleId": cy.ID})
}

func (h *handlers) listCycles(c *gin.Context) {
	limit := 0
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			h.writeError(c, apperr.New(apperr.KindValidation, "limit must be a non-negative integer"))
			return
		}
		limit = n
	}
	cycles, err := h.deps.Cycles.List(c.Request.Context(), limit)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if cycles == nil {
		cycles = []cycle.Cycle{}
	}
	c.JSON(http.StatusOK, cycles)
}

func (h *handlers) getCycle(c *gin.Context) {
	cy, err := h.deps.Cycles.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, cy)
}

// #endregion cycles

// #region checkpoint

// generateKeys returns a fresh key pair and registers its public half. The
// secret is never stored.
func (h *handlers) generateKeys(c *gin.Context) {
	var req keysRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			h.badRequest(c, err)
			return
		}
	}
	if req.Label == "" {
		req.Label = c.GetString(adminUIDKey)
	}

	kp, err := checkpoint.GenerateKeyPair()
	if err != nil {
		h.writeError(c, err)
		return
	}
	if _, err := h.deps.Keys.Register(c.Request.Context(), kp.PublicKeyHex(), req.Label); err != nil {
		h.writeError(c, err)
		return
	}
	h.logger.Info().Str("public_key", kp.PublicKeyHex()).Str("label", req.Label).Msg("checkpoint key issued")
	c.JSON(http.StatusOK, gin.H{"publicKeyHex": kp.PublicKeyHex(), "secretKeyHex": kp.SecretKeyHex()})
}

func (h *handlers) signCheckpoint(c *gin.Context) {
	var req signRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, err)
		return
	}
	sig, err := checkpoint.SignHex([]byte(req.CycleID), req.SecretKeyHex)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"signatureHex": sig, "cycleId": req.CycleID})
}

func (h *handlers) approveCheckpoint(c *gin.Context) {
	var req approveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, err)
		return
	}
	cy, err := h.deps.Cycles.ApproveCheckpoint(c.Request.Context(), req.CycleID, req.SignatureHex, req.PublicKeyHex)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "cycle": cy})
}

func (h *handlers) rejectCheckpoint(c *gin.Context) {
	var req rejectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, err)
		return
	}
	cy, err := h.deps.Cycles.RejectCheckpoint(c.Request.Context(), req.CycleID, req.Reason)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "cycle": cy})
}

// #endregion checkpoint
