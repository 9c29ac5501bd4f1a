package notification

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/mcdev12/storefront/go/internal/httpserver"
	"github.com/rs/zerolog/log"
)

// NotificationsApp defines what the service layer needs from the application
type NotificationsApp interface {
	Get(ctx context.Context, id int64) (*Notification, error)
	List(ctx context.Context, f Filter) (*ListResult, error)
	Retry(ctx context.Context, id int64) (*Notification, error)
}

// Service exposes the notification query API over HTTP.
type Service struct {
	app      NotificationsApp
	validate *validator.Validate
}

func NewService(app NotificationsApp, v *validator.Validate) *Service {
	return &Service{app: app, validate: v}
}

func (s *Service) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/notifications", s.List)
	mux.HandleFunc("GET /api/v1/notifications/{id}", s.Get)
	mux.HandleFunc("POST /api/v1/notifications/retry/{id}", s.Retry)
}

type listQuery struct {
	Recipient string `validate:"omitempty,max=255"`
	Status    string `validate:"omitempty,oneof=sent failed"`
	OrderID   *int64 `validate:"omitempty,min=1"`
	Page      *int   `validate:"omitempty,min=1"`
	PageSize  *int   `validate:"omitempty,min=1,max=100"`
}

func (q listQuery) filter() Filter {
	f := Filter{Recipient: q.Recipient, Status: Status(q.Status)}
	if q.OrderID != nil {
		f.OrderID = *q.OrderID
	}
	if q.Page != nil {
		f.Page = *q.Page
	}
	if q.PageSize != nil {
		f.PageSize = *q.PageSize
	}
	return f
}

func parseListQuery(r *http.Request) (listQuery, error) {
	v := r.URL.Query()
	q := listQuery{Recipient: v.Get("recipient"), Status: v.Get("status")}

	if raw := v.Get("order_id"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return q, errors.New("order_id must be an integer")
		}
		q.OrderID = &n
	}
	for _, p := range []struct {
		name string
		dst  **int
	}{{"page", &q.Page}, {"page_size", &q.PageSize}} {
		raw := v.Get(p.name)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil {
			return q, errors.New(p.name + " must be an integer")
		}
		*p.dst = &n
	}
	return q, nil
}

// List handles GET /api/v1/notifications
func (s *Service) List(w http.ResponseWriter, r *http.Request) {
	q, err := parseListQuery(r)
	if err != nil {
		httpserver.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.validate.Struct(q); err != nil {
		log.Warn().Err(err).Msg("invalid notification list query")
		httpserver.WriteError(w, http.StatusBadRequest, "validation error: "+err.Error())
		return
	}

	res, err := s.app.List(r.Context(), q.filter())
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, res)
}

// Get handles GET /api/v1/notifications/{id}
func (s *Service) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	n, err := s.app.Get(r.Context(), id)
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, n)
}

// Retry handles POST /api/v1/notifications/retry/{id}
func (s *Service) Retry(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	n, err := s.app.Retry(r.Context(), id)
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, n)
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id < 1 {
		httpserver.WriteError(w, http.StatusBadRequest, "invalid notification id")
		return 0, false
	}
	return id, true
}

func (s *Service) writeAppError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		httpserver.WriteError(w, http.StatusNotFound, "Notification not found")
	case errors.Is(err, ErrInvalidState):
		httpserver.WriteError(w, http.StatusBadRequest, "Only failed notifications can be retried")
	case errors.Is(err, ErrUnknownType):
		httpserver.WriteError(w, http.StatusBadRequest, "Unknown notification type")
	default:
		log.Error().Err(err).Msg("notification request failed")
		httpserver.WriteError(w, http.StatusInternalServerError, "internal server error")
	}
}
