package httpx

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/ariefcatur/go-order-saga/internal/apperr"
	"github.com/ariefcatur/go-order-saga/internal/orders"
	"github.com/ariefcatur/go-order-saga/internal/redisx"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/hlog"
)

const (
	HeaderIdempotencyKey = "Idempotency-Key"
	HeaderReplayed       = "Idempotent-Replayed"
)

// OrderService is the order use-case surface the handlers drive.
type OrderService interface {
	Create(ctx context.Context, actor orders.Actor, in orders.CreateInput) (orders.Order, error)
	Get(ctx context.Context, actor orders.Actor, id string) (orders.Order, error)
	List(ctx context.Context, actor orders.Actor, page orders.Page) ([]orders.Order, error)
	ListAll(ctx context.Context, actor orders.Actor, page orders.Page) ([]orders.Order, error)
	History(ctx context.Context, actor orders.Actor, id string) ([]orders.StatusChange, error)
	Cancel(ctx context.Context, actor orders.Actor, id, reason string) (orders.Order, error)
	UpdateStatus(ctx context.Context, actor orders.Actor, id string, target orders.Status, notes string) (orders.Order, error)
}

type CreateOrderItemReq struct {
	ProductID string `json:"product_id" validate:"required"`
	Quantity  int    `json:"quantity" validate:"gte=1"`
}

type CreateOrderReq struct {
	AddressID string               `json:"address_id" validate:"required"`
	Items     []CreateOrderItemReq `json:"items" validate:"required,min=1,dive"`
	Notes     string               `json:"notes" validate:"max=1000"`
}

type CancelOrderReq struct {
	Reason string `json:"reason" validate:"max=1000"`
}

type UpdateStatusReq struct {
	Status string `json:"status" validate:"required"`
	Notes  string `json:"notes" validate:"max=1000"`
}

type OrderPage struct {
	Items []orders.Order `json:"items"`
	Page  int            `json:"page"`
	Size  int            `json:"size"`
}

type OrdersHandler struct {
	Service OrderService
	// Cache and Idem are optional.
	Cache OrderCache
	Idem  Idempotency
}

func (h *OrdersHandler) Register(r chi.Router) {
	r.Route("/orders", func(r chi.Router) {
		r.Use(Identify)
		r.Post("/", h.createOrder)
		r.Get("/", h.listOrders)
		r.With(AdminOnly).Get("/admin", h.listAllOrders)
		r.Get("/{id}", h.getOrder)
		r.Get("/{id}/history", h.orderHistory)
		r.Post("/{id}/cancel", h.cancelOrder)
		r.Put("/{id}/status", h.updateStatus)
	})
}

func (h *OrdersHandler) createOrder(w http.ResponseWriter, r *http.Request) {
	actor := ActorFrom(r.Context())
	var req CreateOrderReq
	if err := decode(r, &req); err != nil {
		WriteError(w, r, err)
		return
	}

	key := strings.TrimSpace(r.Header.Get(HeaderIdempotencyKey))
	if key != "" && h.Idem != nil {
		key = redisx.IdemOrderCreate(actor.ID, key)
		if done := h.replay(w, r, actor, key); done {
			return
		}
	} else {
		key = ""
	}

	in := orders.CreateInput{AddressID: req.AddressID, Notes: req.Notes}
	for _, it := range req.Items {
		in.Items = append(in.Items, orders.ItemInput{ProductID: it.ProductID, Quantity: it.Quantity})
	}
	o, err := h.Service.Create(r.Context(), actor, in)
	if err != nil {
		if key != "" {
			if ferr := h.Idem.Forget(r.Context(), key); ferr != nil {
				hlog.FromRequest(r).Warn().Err(ferr).Msg("release idempotency key")
			}
		}
		WriteError(w, r, err)
		return
	}
	if key != "" {
		if cerr := h.Idem.Complete(r.Context(), key, o.ID); cerr != nil {
			hlog.FromRequest(r).Warn().Err(cerr).Str("order_id", o.ID).Msg("store idempotency key")
		}
	}
	h.cachePut(r, o)
	writeJSON(w, http.StatusCreated, o)
}

// replay answers a repeated Idempotency-Key with the order it produced.
// It reports whether the response was written. A key it could claim is left
// PENDING for the caller to complete or forget.
func (h *OrdersHandler) replay(w http.ResponseWriter, r *http.Request, actor orders.Actor, key string) bool {
	ctx := r.Context()
	for attempt := 0; attempt < 2; attempt++ {
		orderID, pending, found, err := h.Idem.Lookup(ctx, key)
		if err != nil {
			hlog.FromRequest(r).Warn().Err(err).Msg("idempotency lookup failed, continuing without it")
			return false
		}
		switch {
		case found && pending:
			WriteError(w, r, apperr.BusinessRule("a request with this idempotency key is still in progress"))
			return true
		case found:
			o, err := h.Service.Get(ctx, actor, orderID)
			if err != nil {
				WriteError(w, r, err)
				return true
			}
			w.Header().Set(HeaderReplayed, "true")
			writeJSON(w, http.StatusCreated, o)
			return true
		}
		won, err := h.Idem.Claim(ctx, key)
		if err != nil {
			hlog.FromRequest(r).Warn().Err(err).Msg("idempotency claim failed, continuing without it")
			return false
		}
		if won {
			return false
		}
	}
	WriteError(w, r, apperr.BusinessRule("a request with this idempotency key is still in progress"))
	return true
}

func (h *OrdersHandler) getOrder(w http.ResponseWriter, r *http.Request) {
	actor := ActorFrom(r.Context())
	id := chi.URLParam(r, "id")

	if h.Cache != nil {
		o, ok, err := h.Cache.Get(r.Context(), id)
		if err != nil {
			hlog.FromRequest(r).Warn().Err(err).Str("order_id", id).Msg("order cache read failed")
		}
		if ok {
			if !actor.CanSee(o) {
				WriteError(w, r, apperr.Forbidden("access denied"))
				return
			}
			writeJSON(w, http.StatusOK, o)
			return
		}
	}

	o, err := h.Service.Get(r.Context(), actor, id)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	h.cachePut(r, o)
	writeJSON(w, http.StatusOK, o)
}

func (h *OrdersHandler) listOrders(w http.ResponseWriter, r *http.Request) {
	h.list(w, r, h.Service.List)
}

func (h *OrdersHandler) listAllOrders(w http.ResponseWriter, r *http.Request) {
	h.list(w, r, h.Service.ListAll)
}

func (h *OrdersHandler) list(w http.ResponseWriter, r *http.Request, fn func(context.Context, orders.Actor, orders.Page) ([]orders.Order, error)) {
	page, err := pageFrom(r)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	out, err := fn(r.Context(), ActorFrom(r.Context()), page)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	if out == nil {
		out = []orders.Order{}
	}
	writeJSON(w, http.StatusOK, OrderPage{Items: out, Page: page.Number, Size: page.Size})
}

func pageFrom(r *http.Request) (orders.Page, error) {
	var p orders.Page
	q := r.URL.Query()
	if v := q.Get("page"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return p, apperr.Validation("page must be a non-negative integer")
		}
		p.Number = n
	}
	if v := q.Get("size"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return p, apperr.Validation("size must be a positive integer")
		}
		p.Size = n
	}
	return p.Normalize(), nil
}

func (h *OrdersHandler) orderHistory(w http.ResponseWriter, r *http.Request) {
	out, err := h.Service.History(r.Context(), ActorFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *OrdersHandler) cancelOrder(w http.ResponseWriter, r *http.Request) {
	var req CancelOrderReq
	if r.ContentLength != 0 {
		if err := decode(r, &req); err != nil {
			WriteError(w, r, err)
			return
		}
	}
	id := chi.URLParam(r, "id")
	o, err := h.Service.Cancel(r.Context(), ActorFrom(r.Context()), id, req.Reason)
	h.invalidate(r, id)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (h *OrdersHandler) updateStatus(w http.ResponseWriter, r *http.Request) {
	var req UpdateStatusReq
	if err := decode(r, &req); err != nil {
		WriteError(w, r, err)
		return
	}
	id := chi.URLParam(r, "id")
	target := orders.Status(strings.ToUpper(strings.TrimSpace(req.Status)))
	o, err := h.Service.UpdateStatus(r.Context(), ActorFrom(r.Context()), id, target, req.Notes)
	h.invalidate(r, id)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (h *OrdersHandler) cachePut(r *http.Request, o orders.Order) {
	if h.Cache == nil {
		return
	}
	if err := h.Cache.Put(r.Context(), o); err != nil {
		hlog.FromRequest(r).Warn().Err(err).Str("order_id", o.ID).Msg("order cache write failed")
	}
}

// invalidate runs even when the change failed: a retryable failure still
// committed the new status.
func (h *OrdersHandler) invalidate(r *http.Request, id string) {
	if h.Cache == nil {
		return
	}
	if err := h.Cache.Invalidate(r.Context(), id); err != nil {
		hlog.FromRequest(r).Warn().Err(err).Str("order_id", id).Msg("order cache invalidate failed")
	}
}
