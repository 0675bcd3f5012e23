package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// #region ledger

func (h *handlers) exportLedger(c *gin.Context) {
	blocks, err := h.deps.Ledger.Export(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, blocks)
}

func (h *handlers) verifyLedger(c *gin.Context) {
	res, err := h.deps.Ledger.VerifyChain(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// #endregion ledger
