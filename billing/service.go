package billing

import (
	"fmt"
	"net/http"
	"time"

	resp "github.com/caretide/caretide/response"

	"github.com/go-chi/chi"
	"go.uber.org/zap"
)

// ServiceOptions contains the configuration for the Service router
type ServiceOptions struct {
	Scheduler *Scheduler
	Processor *Processor
	Logger    *zap.Logger
}

// Service is the billing admin API router
type Service struct {
	ServiceOptions
}

// NewService will create an instance of the billing admin API router
func NewService(option ServiceOptions) (*Service, error) {
	if option.Scheduler == nil {
		return nil, fmt.Errorf("nil Scheduler is invalid")
	}
	if option.Processor == nil {
		return nil, fmt.Errorf("nil Processor is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	return &Service{
		ServiceOptions: option,
	}, nil
}

func (s *Service) triggerCycle(w http.ResponseWriter, r *http.Request) {
	result := s.Scheduler.TriggerManual(r.Context())
	resp.WriteResponse(w, r, result)
}

func (s *Service) cycleReport(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var start, end time.Time
	if raw := r.URL.Query().Get("start"); len(raw) > 0 {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			resp.WriteError(w, r, resp.ErrBadRequest().AddMessages("Invalid start param"))
			return
		}
		start = parsed
	}
	if raw := r.URL.Query().Get("end"); len(raw) > 0 {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			resp.WriteError(w, r, resp.ErrBadRequest().AddMessages("Invalid end param"))
			return
		}
		end = parsed
	}

	report, err := s.Processor.CycleReport(ctx, start, end)
	if err != nil {
		s.Logger.Error("Cannot generate billing cycle report",
			zap.Error(err),
		)
		resp.WriteError(w, r, resp.ErrUnexpected().AddMessages("Cannot generate billing cycle report"))
		return
	}
	resp.WriteResponse(w, r, report)
}

func (s *Service) Router() http.Handler {
	r := chi.NewRouter()

	r.Post("/cycle/trigger", s.triggerCycle)
	r.Get("/cycle/report", s.cycleReport)

	return r
}
