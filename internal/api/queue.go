package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"iap-helper/internal/iap"
	"iap-helper/internal/paymentqueue"
	"iap-helper/internal/response"
)

// ListTransactions lists queue transactions, newest first
// GET /api/queue/transactions?all=true
func (h *Handler) ListTransactions(c *gin.Context) {
	rows, err := h.queue.Transactions(c.Request.Context(), c.Query("all") == "true")
	if err != nil {
		response.ErrorJSON(c, http.StatusInternalServerError, err.Error())
		return
	}
	response.SuccessJSON(c, rows)
}

// SettleRequest represents a settlement of a pending transaction
type SettleRequest struct {
	State  string `json:"state" binding:"required"`
	Reason string `json:"reason"`
}

// SettleResponse describes the settled transaction
type SettleResponse struct {
	TransactionID         string `json:"transaction_id"`
	OriginalTransactionID string `json:"original_transaction_id"`
	ProductID             string `json:"product_id"`
	State                 string `json:"state"`
}

// Settle moves a pending transaction to purchased, failed or deferred
// POST /api/queue/transactions/:id/settle
func (h *Handler) Settle(c *gin.Context) {
	var req SettleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ErrorJSON(c, http.StatusBadRequest, "Invalid request format: "+err.Error())
		return
	}
	state, err := iap.ParseTransactionState(req.State)
	if err != nil {
		response.ErrorJSON(c, http.StatusBadRequest, err.Error())
		return
	}

	tx, err := h.queue.Settle(c.Request.Context(), c.Param("id"), state, req.Reason)
	switch {
	case err == nil:
		response.SuccessJSON(c, SettleResponse{
			TransactionID:         tx.ID,
			OriginalTransactionID: tx.OriginalID,
			ProductID:             tx.ProductIdentifier,
			State:                 tx.State.String(),
		})
	case errors.Is(err, paymentqueue.ErrNotFound):
		response.ErrorJSON(c, http.StatusNotFound, err.Error())
	case errors.Is(err, paymentqueue.ErrNotPending):
		response.ErrorJSON(c, http.StatusConflict, err.Error())
	case errors.Is(err, paymentqueue.ErrInvalidState):
		response.ErrorJSON(c, http.StatusBadRequest, err.Error())
	default:
		response.ErrorJSON(c, http.StatusInternalServerError, err.Error())
	}
}
