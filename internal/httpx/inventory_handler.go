package httpx

import (
	"context"
	"net/http"
	"strings"

	"github.com/ariefcatur/go-order-saga/internal/apperr"
	"github.com/ariefcatur/go-order-saga/internal/inventory"
	"github.com/go-chi/chi/v5"
)

// StockLedger is the inventory surface exposed over HTTP.
type StockLedger interface {
	Reserve(ctx context.Context, orderID string, items []inventory.Item) ([]inventory.Inventory, error)
	Release(ctx context.Context, orderID string) ([]inventory.Inventory, error)
	Confirm(ctx context.Context, orderID string) ([]inventory.Inventory, error)
	Update(ctx context.Context, productID string, quantity, minStockAlert int) (inventory.Inventory, error)
	Provision(ctx context.Context, productID string, quantity, minStockAlert int) (inventory.Inventory, error)
	Get(ctx context.Context, productID string) (inventory.Inventory, error)
	LowStock(ctx context.Context) ([]inventory.Inventory, error)
	Movements(ctx context.Context, orderID string) ([]inventory.StockMovement, error)
}

type ReserveItemReq struct {
	ProductID string `json:"product_id" validate:"required"`
	Quantity  int    `json:"quantity" validate:"gte=1"`
}

type ReserveReq struct {
	OrderID string           `json:"order_id" validate:"required"`
	Items   []ReserveItemReq `json:"items" validate:"required,min=1,dive"`
}

type OrderStockReq struct {
	OrderID string `json:"order_id" validate:"required"`
}

type UpdateInventoryReq struct {
	Quantity      *int `json:"quantity" validate:"required,gte=0"`
	MinStockAlert *int `json:"min_stock_alert" validate:"required,gte=0"`
}

type ProvisionReq struct {
	ProductID     string `json:"product_id" validate:"required"`
	Quantity      int    `json:"quantity" validate:"gte=0"`
	MinStockAlert int    `json:"min_stock_alert" validate:"gte=0"`
}

type InventoryHandler struct {
	Ledger StockLedger
	// InternalToken is the expected X-Internal-Call value.
	InternalToken string
}

func (h *InventoryHandler) Register(r chi.Router) {
	r.Route("/inventory", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(InternalOnly(h.InternalToken))
			r.Post("/reserve", h.reserve)
			r.Post("/release", h.release)
			r.Post("/confirm", h.confirm)
			r.Get("/internal/{productId}", h.getInventory)
		})
		r.Group(func(r chi.Router) {
			r.Use(Identify, AdminOnly)
			r.Get("/low-stock", h.lowStock)
			r.Get("/movements", h.movements)
			r.Post("/", h.provision)
			r.Get("/{productId}", h.getInventory)
			r.Put("/{productId}", h.updateInventory)
		})
	})
}

func (h *InventoryHandler) reserve(w http.ResponseWriter, r *http.Request) {
	var req ReserveReq
	if err := decode(r, &req); err != nil {
		WriteError(w, r, err)
		return
	}
	items := make([]inventory.Item, 0, len(req.Items))
	for _, it := range req.Items {
		items = append(items, inventory.Item{ProductID: it.ProductID, Quantity: it.Quantity})
	}
	rows, err := h.Ledger.Reserve(r.Context(), req.OrderID, items)
	respondRows(w, r, rows, err)
}

func (h *InventoryHandler) release(w http.ResponseWriter, r *http.Request) {
	h.settle(w, r, h.Ledger.Release)
}

func (h *InventoryHandler) confirm(w http.ResponseWriter, r *http.Request) {
	h.settle(w, r, h.Ledger.Confirm)
}

func (h *InventoryHandler) settle(w http.ResponseWriter, r *http.Request, fn func(context.Context, string) ([]inventory.Inventory, error)) {
	var req OrderStockReq
	if err := decode(r, &req); err != nil {
		WriteError(w, r, err)
		return
	}
	rows, err := fn(r.Context(), req.OrderID)
	respondRows(w, r, rows, err)
}

func respondRows(w http.ResponseWriter, r *http.Request, rows []inventory.Inventory, err error) {
	if err != nil {
		WriteError(w, r, err)
		return
	}
	if rows == nil {
		rows = []inventory.Inventory{}
	}
	writeJSON(w, http.StatusOK, rows)
}

func (h *InventoryHandler) getInventory(w http.ResponseWriter, r *http.Request) {
	inv, err := h.Ledger.Get(r.Context(), chi.URLParam(r, "productId"))
	if err != nil {
		WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, inv)
}

func (h *InventoryHandler) updateInventory(w http.ResponseWriter, r *http.Request) {
	var req UpdateInventoryReq
	if err := decode(r, &req); err != nil {
		WriteError(w, r, err)
		return
	}
	inv, err := h.Ledger.Update(r.Context(), chi.URLParam(r, "productId"), *req.Quantity, *req.MinStockAlert)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, inv)
}

func (h *InventoryHandler) provision(w http.ResponseWriter, r *http.Request) {
	var req ProvisionReq
	if err := decode(r, &req); err != nil {
		WriteError(w, r, err)
		return
	}
	inv, err := h.Ledger.Provision(r.Context(), req.ProductID, req.Quantity, req.MinStockAlert)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, inv)
}

func (h *InventoryHandler) lowStock(w http.ResponseWriter, r *http.Request) {
	rows, err := h.Ledger.LowStock(r.Context())
	respondRows(w, r, rows, err)
}

func (h *InventoryHandler) movements(w http.ResponseWriter, r *http.Request) {
	orderID := strings.TrimSpace(r.URL.Query().Get("order_id"))
	if orderID == "" {
		WriteError(w, r, apperr.Validation("order_id is required"))
		return
	}
	out, err := h.Ledger.Movements(r.Context(), orderID)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	if out == nil {
		out = []inventory.StockMovement{}
	}
	writeJSON(w, http.StatusOK, out)
}
