package subscription

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	resp "github.com/caretide/caretide/response"

	"github.com/go-chi/chi"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

var validate *validator.Validate = validator.New()

// ServiceOptions contains the configuration for the Service router
type ServiceOptions struct {
	SubscriptionManager *Manager
	Logger              *zap.Logger
}

// Service is the subscription API router
type Service struct {
	ServiceOptions
}

// NewService will create an instance of the subscription API router
func NewService(option ServiceOptions) (*Service, error) {
	if option.SubscriptionManager == nil {
		return nil, fmt.Errorf("nil SubscriptionManager is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	return &Service{
		ServiceOptions: option,
	}, nil
}

type listRequest struct {
	UserID string `validate:"required"`
	Before string `validate:"omitempty"`
	Limit  int    `validate:"omitempty,min=1,max=100"`
}

func (s *Service) listSubscriptions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	req := listRequest{
		UserID: r.URL.Query().Get("user"),
		Before: r.URL.Query().Get("before"),
	}
	if raw := r.URL.Query().Get("limit"); len(raw) > 0 {
		limit, err := strconv.Atoi(raw)
		if err != nil {
			resp.WriteError(w, r, resp.ErrBadRequest().AddMessages("Invalid limit param"))
			return
		}
		req.Limit = limit
	}
	if err := validate.Struct(&req); err != nil {
		resp.WriteError(w, r, resp.ErrBadRequest().AddMessages("Invalid listing parameters"))
		return
	}

	opt := ListOption{
		UserID: req.UserID,
		Limit:  req.Limit,
	}
	if len(req.Before) > 0 {
		before, err := time.Parse(time.RFC3339, req.Before)
		if err != nil {
			resp.WriteError(w, r, resp.ErrBadRequest().AddMessages("Invalid before param"))
			return
		}
		opt.Before = before
	}

	results, err := s.SubscriptionManager.List(ctx, opt)
	if err != nil {
		s.Logger.Error("Unable to list subscriptions",
			zap.String("UserID", req.UserID),
			zap.Error(err),
		)
		resp.WriteError(w, r, resp.ErrUnexpected().AddMessages("Cannot get the list of subscriptions"))
		return
	}
	resp.WriteResponse(w, r, results)
}

func (s *Service) getSubscription(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	subscriptionID := chi.URLParam(r, "id")

	sub, err := s.SubscriptionManager.GetByID(ctx, subscriptionID)
	if err != nil {
		s.Logger.Error("Unable to query subscription",
			zap.String("SubscriptionID", subscriptionID),
			zap.Error(err),
		)
		resp.WriteError(w, r, resp.ErrUnexpected().AddMessages("Cannot get details about the subscription"))
		return
	}
	if sub == nil {
		resp.WriteError(w, r, resp.ErrNotFound().AddMessages("Cannot find subscription with specific ID"))
		return
	}
	resp.WriteResponse(w, r, sub)
}

func (s *Service) cancelSubscription(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	subscriptionID := chi.URLParam(r, "id")

	logger := s.Logger.With(zap.String("SubscriptionID", subscriptionID))

	var notCancellable bool
	var notFound bool
	lambda := func(current *Subscription, desired *Subscription) bool {
		if current == nil {
			notFound = true
			return false
		}
		if current.Status != StatusActive && current.Status != StatusSuspended {
			notCancellable = true
			return false
		}
		desired.Status = StatusCancelled
		desired.SuspendedDate = nil
		return true
	}
	updated, err := s.SubscriptionManager.LambdaUpdate(ctx, subscriptionID, lambda)
	if err != nil {
		logger.Error("Unable to cancel subscription",
			zap.Error(err),
		)
		resp.WriteError(w, r, resp.ErrUnexpected().AddMessages("Cannot cancel the subscription"))
		return
	}
	if notFound {
		resp.WriteError(w, r, resp.ErrNotFound().AddMessages("Cannot find subscription with specific ID"))
		return
	}
	if notCancellable {
		resp.WriteError(w, r, resp.ErrConflict().AddMessages("Subscription is not in a cancellable state"))
		return
	}
	resp.WriteResponse(w, r, updated)
}

func (s *Service) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/", s.listSubscriptions)
	r.Get("/{id}", s.getSubscription)
	r.Post("/{id}/cancel", s.cancelSubscription)

	return r
}
