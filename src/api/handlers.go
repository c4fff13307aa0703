package api

import (
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/onemorebsmith/bounty-escrow/src/auth"
	"github.com/onemorebsmith/bounty-escrow/src/bounty"
	"github.com/onemorebsmith/bounty-escrow/src/escrow"
	"github.com/onemorebsmith/bounty-escrow/src/model"
	"github.com/pkg/errors"
)

const (
	defaultEventLimit = 100
	maxEventLimit     = 1000
)

type registerRequest struct {
	Sponsor       string `json:"sponsor"`
	PublicKey     string `json:"public_key"`
	Signature     string `json:"signature"`
	Name          string `json:"name"`
	DefaultPayout int64  `json:"default_payout"`
	RefundAccount string `json:"refund_account"`
}

type registerResponse struct {
	Sponsor    model.SponsorID `json:"sponsor"`
	Capability string          `json:"capability"`
}

type creditRequest struct {
	FromAccount string `json:"from_account"`
	Amount      uint64 `json:"amount"`
}

type submitRequest struct {
	ActionID      string `json:"action_id"`
	HackerID      string `json:"hacker_id"`
	Summary       string `json:"summary"`
	PayoutAccount string `json:"payout_account"`
}

type payRequest struct {
	Amount uint64 `json:"amount"`
}

type completionRequest struct {
	Completed bool `json:"completed"`
}

type evidenceRequest struct {
	ActionID string `json:"action_id"`
	Reporter string `json:"reporter"`
	Digest   string `json:"digest"`
}

type poolResponse struct {
	Sponsor model.SponsorID  `json:"sponsor"`
	Balance uint64           `json:"balance"`
	Status  model.PoolStatus `json:"status"`
}

func decode(r *http.Request, into any) error {
	if err := json.NewDecoder(r.Body).Decode(into); err != nil {
		return errors.Wrapf(model.ErrInvalidArgument, "invalid payload: %s", err)
	}
	return nil
}

// capability reads `Authorization: Bearer <token>`. A missing header yields
// the zero capability, which the gate rejects.
func capability(r *http.Request) (auth.Capability, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return auth.Capability{}, nil
	}
	if !strings.HasPrefix(header, "Bearer ") {
		return auth.Capability{}, errors.Wrap(model.ErrUnauthorized, "expected bearer capability")
	}
	return auth.ParseCapability(strings.TrimSpace(strings.TrimPrefix(header, "Bearer ")))
}

func sponsorParam(r *http.Request) model.SponsorID {
	return model.SponsorID(chi.URLParam(r, "sponsor"))
}

func issueParam(r *http.Request) (model.IssueID, error) {
	raw := chi.URLParam(r, "issue")
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id == 0 {
		return 0, errors.Wrapf(model.ErrInvalidArgument, "invalid issue id %q", raw)
	}
	return model.IssueID(id), nil
}

func (s *Server) RegisterSponsor(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	pub, err := hex.DecodeString(req.PublicKey)
	if err != nil {
		s.writeError(w, r, errors.Wrap(model.ErrInvalidArgument, "public_key must be hex"))
		return
	}
	sig, err := hex.DecodeString(req.Signature)
	if err != nil {
		s.writeError(w, r, errors.Wrap(model.ErrInvalidArgument, "signature must be hex"))
		return
	}
	c, err := s.svc.Register(r.Context(), escrow.RegisterRequest{
		Proof: auth.IdentityProof{
			Sponsor:   model.SponsorID(req.Sponsor),
			PublicKey: pub,
			Signature: sig,
		},
		Name:          req.Name,
		DefaultPayout: req.DefaultPayout,
		RefundAccount: req.RefundAccount,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, registerResponse{Sponsor: model.SponsorID(req.Sponsor), Capability: c.Token()})
}

func (s *Server) writePool(w http.ResponseWriter, r *http.Request, sponsor model.SponsorID) {
	pool, err := s.svc.GetPool(sponsor)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, poolResponse{Sponsor: pool.Sponsor, Balance: pool.Balance, Status: pool.Status})
}

func (s *Server) GetPoolBalance(w http.ResponseWriter, r *http.Request) {
	s.writePool(w, r, sponsorParam(r))
}

func (s *Server) Credit(w http.ResponseWriter, r *http.Request) {
	c, err := capability(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req creditRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	sponsor := sponsorParam(r)
	if _, err := s.svc.CreditFromAccount(r.Context(), c, sponsor, req.FromAccount, req.Amount); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writePool(w, r, sponsor)
}

func (s *Server) ClosePool(w http.ResponseWriter, r *http.Request) {
	c, err := capability(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	sponsor := sponsorParam(r)
	if _, err := s.svc.ClosePool(r.Context(), c, sponsor); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writePool(w, r, sponsor)
}

func (s *Server) SubmitIssue(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	sponsor := sponsorParam(r)
	id, err := s.svc.Submit(r.Context(), bounty.SubmitRequest{
		ActionID:      req.ActionID,
		Sponsor:       sponsor,
		Hacker:        model.HackerID(req.HackerID),
		Summary:       req.Summary,
		PayoutAccount: req.PayoutAccount,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"sponsor": sponsor, "issue": id})
}

func (s *Server) writeIssueStatus(w http.ResponseWriter, r *http.Request, sponsor model.SponsorID, id model.IssueID) {
	status, err := s.svc.GetIssueStatus(sponsor, id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) GetIssueStatus(w http.ResponseWriter, r *http.Request) {
	id, err := issueParam(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeIssueStatus(w, r, sponsorParam(r), id)
}

// issueAction parses the common inputs of capability-gated issue routes
func (s *Server) issueAction(w http.ResponseWriter, r *http.Request, body any) (auth.Capability, model.IssueID, bool) {
	c, err := capability(r)
	if err != nil {
		s.writeError(w, r, err)
		return auth.Capability{}, 0, false
	}
	id, err := issueParam(r)
	if err != nil {
		s.writeError(w, r, err)
		return auth.Capability{}, 0, false
	}
	if body != nil {
		if err := decode(r, body); err != nil {
			s.writeError(w, r, err)
			return auth.Capability{}, 0, false
		}
	}
	return c, id, true
}

func (s *Server) AcceptIssue(w http.ResponseWriter, r *http.Request) {
	c, id, ok := s.issueAction(w, r, nil)
	if !ok {
		return
	}
	sponsor := sponsorParam(r)
	if err := s.svc.Accept(r.Context(), c, sponsor, id); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeIssueStatus(w, r, sponsor, id)
}

func (s *Server) PayIssue(w http.ResponseWriter, r *http.Request) {
	var req payRequest
	c, id, ok := s.issueAction(w, r, &req)
	if !ok {
		return
	}
	sponsor := sponsorParam(r)
	if err := s.svc.Pay(r.Context(), c, sponsor, id, req.Amount); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeIssueStatus(w, r, sponsor, id)
}

func (s *Server) SetCompletion(w http.ResponseWriter, r *http.Request) {
	var req completionRequest
	c, id, ok := s.issueAction(w, r, &req)
	if !ok {
		return
	}
	sponsor := sponsorParam(r)
	if err := s.svc.SetCompletion(r.Context(), c, sponsor, id, req.Completed); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeIssueStatus(w, r, sponsor, id)
}

func (s *Server) RecordEvidence(w http.ResponseWriter, r *http.Request) {
	id, err := issueParam(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req evidenceRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	err = s.svc.RecordEvidence(r.Context(), bounty.EvidenceRequest{
		ActionID: req.ActionID,
		Sponsor:  sponsorParam(r),
		Issue:    id,
		Reporter: req.Reporter,
		Digest:   req.Digest,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) ListEvents(w http.ResponseWriter, r *http.Request) {
	after := uint64(0)
	limit := defaultEventLimit
	if raw := r.URL.Query().Get("after"); raw != "" {
		v, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			s.writeError(w, r, errors.Wrapf(model.ErrInvalidArgument, "invalid after %q", raw))
			return
		}
		after = v
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 {
			s.writeError(w, r, errors.Wrapf(model.ErrInvalidArgument, "invalid limit %q", raw))
			return
		}
		limit = v
	}
	if limit > maxEventLimit {
		limit = maxEventLimit
	}
	events, err := s.svc.Events(r.Context(), after, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if events == nil {
		events = []model.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}
