package orders

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/mcdev12/storefront/go/internal/httpserver"
	"github.com/rs/zerolog/log"
)

const (
	HeaderUserID    = "X-User-ID"
	HeaderUserEmail = "X-User-Email"

	defaultListLimit = 100
)

// OrdersApp defines what the service layer needs from the orders application
type OrdersApp interface {
	CreateOrder(ctx context.Context, user User, lines []LineRequest) (*Order, error)
	GetOrder(ctx context.Context, user User, id int64) (*Order, error)
	ListOrders(ctx context.Context, user User, limit, offset int) ([]Order, error)
	UpdateOrderStatus(ctx context.Context, id int64, status Status, updatedBy string) (*Order, error)
}

// Service exposes the orders API over HTTP. The caller identity is set by
// the gateway in X-User-ID and X-User-Email.
type Service struct {
	app      OrdersApp
	validate *validator.Validate
}

func NewService(app OrdersApp, v *validator.Validate) *Service {
	return &Service{app: app, validate: v}
}

func (s *Service) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/orders", s.CreateOrder)
	mux.HandleFunc("GET /api/v1/orders", s.ListOrders)
	mux.HandleFunc("GET /api/v1/orders/{id}", s.GetOrder)
	mux.HandleFunc("PATCH /api/v1/orders/{id}/status", s.UpdateOrderStatus)
}

type createOrderRequest struct {
	Items []LineRequest `json:"items" validate:"required,min=1,dive"`
}

type updateStatusRequest struct {
	Status string `json:"status" validate:"required,oneof=pending confirmed shipped delivered cancelled"`
}

type listQuery struct {
	Skip  int `validate:"gte=0"`
	Limit int `validate:"gte=1,lte=100"`
}

func userFrom(r *http.Request) (User, bool) {
	id, err := strconv.ParseInt(r.Header.Get(HeaderUserID), 10, 64)
	if err != nil || id < 1 {
		return User{}, false
	}
	return User{ID: id, Email: r.Header.Get(HeaderUserEmail)}, true
}

func (s *Service) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		httpserver.WriteError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	if err := s.validate.Struct(v); err != nil {
		log.Warn().Err(err).Msg("failed to validate request body")
		httpserver.WriteError(w, http.StatusBadRequest, "validation error: "+err.Error())
		return false
	}
	return true
}

// CreateOrder handles POST /api/v1/orders
func (s *Service) CreateOrder(w http.ResponseWriter, r *http.Request) {
	user, ok := userFrom(r)
	if !ok {
		httpserver.WriteError(w, http.StatusUnauthorized, "Could not validate credentials")
		return
	}
	var req createOrderRequest
	if !s.decode(w, r, &req) {
		return
	}

	order, err := s.app.CreateOrder(r.Context(), user, req.Items)
	if err != nil {
		s.writeAppError(w, err, "Failed to create order")
		return
	}
	httpserver.WriteJSON(w, http.StatusCreated, order)
}

// ListOrders handles GET /api/v1/orders
func (s *Service) ListOrders(w http.ResponseWriter, r *http.Request) {
	user, ok := userFrom(r)
	if !ok {
		httpserver.WriteError(w, http.StatusUnauthorized, "Could not validate credentials")
		return
	}

	q := listQuery{Limit: defaultListLimit}
	v := r.URL.Query()
	for name, dst := range map[string]*int{"skip": &q.Skip, "limit": &q.Limit} {
		raw := v.Get(name)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil {
			httpserver.WriteError(w, http.StatusBadRequest, name+" must be an integer")
			return
		}
		*dst = n
	}
	if err := s.validate.Struct(q); err != nil {
		httpserver.WriteError(w, http.StatusBadRequest, "validation error: "+err.Error())
		return
	}

	list, err := s.app.ListOrders(r.Context(), user, q.Limit, q.Skip)
	if err != nil {
		s.writeAppError(w, err, "Failed to list orders")
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, list)
}

// GetOrder handles GET /api/v1/orders/{id}
func (s *Service) GetOrder(w http.ResponseWriter, r *http.Request) {
	user, ok := userFrom(r)
	if !ok {
		httpserver.WriteError(w, http.StatusUnauthorized, "Could not validate credentials")
		return
	}
	id, ok := orderID(w, r)
	if !ok {
		return
	}

	order, err := s.app.GetOrder(r.Context(), user, id)
	if errors.Is(err, ErrOrderNotFound) {
		httpserver.WriteError(w, http.StatusNotFound, fmt.Sprintf("Order %d not found", id))
		return
	}
	if err != nil {
		s.writeAppError(w, err, "Failed to get order")
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, order)
}

// UpdateOrderStatus handles PATCH /api/v1/orders/{id}/status
func (s *Service) UpdateOrderStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := orderID(w, r)
	if !ok {
		return
	}
	var req updateStatusRequest
	if !s.decode(w, r, &req) {
		return
	}

	updatedBy := "system"
	if user, ok := userFrom(r); ok {
		updatedBy = strconv.FormatInt(user.ID, 10)
	}

	order, err := s.app.UpdateOrderStatus(r.Context(), id, Status(req.Status), updatedBy)
	if errors.Is(err, ErrOrderNotFound) {
		httpserver.WriteError(w, http.StatusNotFound, fmt.Sprintf("Order %d not found", id))
		return
	}
	if err != nil {
		s.writeAppError(w, err, "Failed to update order")
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, order)
}

func orderID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id < 1 {
		httpserver.WriteError(w, http.StatusBadRequest, "invalid order id")
		return 0, false
	}
	return id, true
}

func (s *Service) writeAppError(w http.ResponseWriter, err error, fallback string) {
	switch {
	case errors.Is(err, ErrProductNotFound):
		httpserver.WriteError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, ErrInsufficientStock), errors.Is(err, ErrInvalidTransition):
		httpserver.WriteError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrProductServiceTimeout):
		httpserver.WriteError(w, http.StatusGatewayTimeout, "Product service request timed out")
	case errors.Is(err, ErrProductServiceUnavailable):
		httpserver.WriteError(w, http.StatusServiceUnavailable, "Product service unavailable")
	case errors.Is(err, ErrOrderNotFound):
		httpserver.WriteError(w, http.StatusNotFound, "Order not found")
	default:
		log.Error().Err(err).Msg(fallback)
		httpserver.WriteError(w, http.StatusInternalServerError, fallback)
	}
}
