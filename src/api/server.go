package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/onemorebsmith/bounty-escrow/src/escrow"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// HealthCheck is pinged by /readyz
type HealthCheck func(ctx context.Context) error

type Server struct {
	svc    *escrow.Service
	checks map[string]HealthCheck
	logger *zap.Logger
	router http.Handler
}

func New(svc *escrow.Service, checks map[string]HealthCheck, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		svc:    svc,
		checks: checks,
		logger: logger.Named("api"),
	}
	s.router = s.buildRouter()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.Get("/readyz", s.Readyz)
	r.Route("/v1", func(api chi.Router) {
		api.Post("/sponsors", s.RegisterSponsor)
		api.Route("/sponsors/{sponsor}", func(sponsor chi.Router) {
			sponsor.Get("/balance", s.GetPoolBalance)
			sponsor.Post("/credit", s.Credit)
			sponsor.Post("/close", s.ClosePool)
			sponsor.Post("/issues", s.SubmitIssue)
			sponsor.Route("/issues/{issue}", func(issue chi.Router) {
				issue.Get("/", s.GetIssueStatus)
				issue.Post("/accept", s.AcceptIssue)
				issue.Post("/pay", s.PayIssue)
				issue.Post("/completion", s.SetCompletion)
				issue.Post("/evidence", s.RecordEvidence)
			})
		})
		api.Get("/events", s.ListEvents)
	})
	return r
}

func (s *Server) Readyz(w http.ResponseWriter, r *http.Request) {
	for name, check := range s.checks {
		if err := check(r.Context()); err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			w.Write([]byte(errors.Wrapf(err, "failed pinging %s", name).Error()))
			return
		}
	}
	w.WriteHeader(http.StatusOK)
}
