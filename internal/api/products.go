package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"iap-helper/internal/iap"
	"iap-helper/internal/models"
	"iap-helper/internal/response"
	"iap-helper/pkg/logging"
)

// Queue is the part of the sandbox payment queue exposed over HTTP.
type Queue interface {
	Transactions(ctx context.Context, includeFinished bool) ([]models.Transaction, error)
	Settle(ctx context.Context, id string, state iap.TransactionState, reason string) (iap.Transaction, error)
}

// Handler serves the control API over a catalog.
type Handler struct {
	catalog *iap.Catalog
	queue   Queue
}

func NewHandler(catalog *iap.Catalog, queue Queue) *Handler {
	return &Handler{catalog: catalog, queue: queue}
}

func (h *Handler) product(c *gin.Context) (*iap.Product, bool) {
	p, ok := h.catalog.Product(c.Param("id"))
	if !ok {
		response.ErrorJSON(c, http.StatusNotFound, "Product not found: "+c.Param("id"))
		return nil, false
	}
	return p, true
}

// ListProducts lists every product in definition order
// GET /api/products
func (h *Handler) ListProducts(c *gin.Context) {
	products := h.catalog.Products()
	states := make([]iap.State, 0, len(products))
	for _, p := range products {
		states = append(states, p.Snapshot())
	}
	response.SuccessJSON(c, states)
}

// GetProduct GET /api/products/:id
func (h *Handler) GetProduct(c *gin.Context) {
	p, ok := h.product(c)
	if !ok {
		return
	}
	response.SuccessJSON(c, p.Snapshot())
}

// FetchAll starts a catalog-wide entry request
// POST /api/products/fetch
func (h *Handler) FetchAll(c *gin.Context) {
	inFlight := h.catalog.FetchAll(c.Request.Context())
	response.AcceptedJSON(c, gin.H{"in_flight": inFlight})
}

// FetchProduct POST /api/products/:id/fetch
func (h *Handler) FetchProduct(c *gin.Context) {
	p, ok := h.product(c)
	if !ok {
		return
	}
	started := p.FetchCatalogEntry(c.Request.Context())
	response.AcceptedJSON(c, gin.H{"started": started})
}

// Purchase submits a payment for the product
// POST /api/products/:id/purchase
func (h *Handler) Purchase(c *gin.Context) {
	p, ok := h.product(c)
	if !ok {
		return
	}

	err := p.Purchase(c.Request.Context())
	var transport *iap.TransportError
	switch {
	case err == nil:
		response.AcceptedJSON(c, p.Snapshot())
	case errors.Is(err, iap.ErrNoCatalogEntry):
		response.ErrorJSON(c, http.StatusConflict, err.Error())
	case errors.As(err, &transport):
		logging.Errorf("Purchase submission failed - product: %s, error: %v", p.Identifier(), err)
		response.ErrorJSON(c, http.StatusBadGateway, err.Error())
	default:
		response.ErrorJSON(c, http.StatusInternalServerError, err.Error())
	}
}

// Verify re-verifies the app receipt for the product
// POST /api/products/:id/verify
func (h *Handler) Verify(c *gin.Context) {
	p, ok := h.product(c)
	if !ok {
		return
	}
	p.VerifyAndActivate(c.Request.Context(), nil)
	response.AcceptedJSON(c, gin.H{"product_id": p.Identifier()})
}

// ResetProduct POST /api/products/:id/reset
func (h *Handler) ResetProduct(c *gin.Context) {
	p, ok := h.product(c)
	if !ok {
		return
	}
	if err := p.ResetPurchase(c.Request.Context()); err != nil {
		response.ErrorJSON(c, http.StatusInternalServerError, err.Error())
		return
	}
	response.SuccessJSON(c, p.Snapshot())
}

// Restore POST /api/restore
func (h *Handler) Restore(c *gin.Context) {
	inFlight := h.catalog.RestoreFromStore(c.Request.Context())
	response.AcceptedJSON(c, gin.H{"in_flight": inFlight})
}

// ResetAll POST /api/reset
func (h *Handler) ResetAll(c *gin.Context) {
	if err := h.catalog.ResetAll(c.Request.Context()); err != nil {
		response.ErrorJSON(c, http.StatusInternalServerError, err.Error())
		return
	}
	response.SuccessJSON(c, gin.H{"level": h.catalog.Level()})
}

// EntitlementResponse is the current entitlement.
type EntitlementResponse struct {
	Level     int        `json:"level"`
	ProductID string     `json:"product_id,omitempty"`
	Product   *iap.State `json:"product,omitempty"`
}

// Entitlement GET /api/entitlement
func (h *Handler) Entitlement(c *gin.Context) {
	out := EntitlementResponse{Level: h.catalog.Level()}
	if p := h.catalog.ActiveProduct(); p != nil {
		state := p.Snapshot()
		out.ProductID = p.Identifier()
		out.Product = &state
	}
	response.SuccessJSON(c, out)
}

// CanTransact GET /api/can-transact
func (h *Handler) CanTransact(c *gin.Context) {
	response.SuccessJSON(c, gin.H{"can_transact": h.catalog.CanTransact()})
}

// ListEntries returns the resolved catalog entries
// GET /api/entries
func (h *Handler) ListEntries(c *gin.Context) {
	entries := h.catalog.Entries()
	if entries == nil {
		entries = []iap.CatalogEntry{}
	}
	response.SuccessJSON(c, entries)
}

// RestoreEntries installs previously resolved entries without a fetch
// PUT /api/entries
func (h *Handler) RestoreEntries(c *gin.Context) {
	var entries []iap.CatalogEntry
	if err := c.ShouldBindJSON(&entries); err != nil {
		response.ErrorJSON(c, http.StatusBadRequest, "Invalid request format: "+err.Error())
		return
	}
	restored := h.catalog.RestoreEntries(entries)
	logging.Infof("Catalog entries restored - received: %d, restored: %d", len(entries), restored)
	response.SuccessJSON(c, gin.H{"restored": restored})
}
