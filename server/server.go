// Package server exposes the operator HTTP API: earmark and operation
// management, pause controls, health, and Prometheus metrics. Every /api/v1
// route sits behind bearer authentication and a global rate limit.
package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"markd/storage"
)

// Config captures the dependencies required to construct the server.
type Config struct {
	Store       *storage.Store
	Auth        *Authenticator
	Logger      *slog.Logger
	RateLimit   float64
	RateBurst   int
	BuildCommit string
}

// Server encapsulates the HTTP API.
type Server struct {
	store  *storage.Store
	logger *slog.Logger
	commit string
	router http.Handler
}

// New constructs the configured router.
func New(cfg Config) (*Server, error) {
	if cfg.Store == nil {
		return nil, errors.New("server: store required")
	}
	if cfg.Auth == nil {
		return nil, errors.New("server: authenticator required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 10
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 20
	}
	srv := &Server{store: cfg.Store, logger: cfg.Logger.With("component", "server"), commit: cfg.BuildCommit}
	srv.router = srv.buildRouter(cfg)
	return srv, nil
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter(cfg Config) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	limiter := rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateBurst)
	r.Route("/api/v1", func(api chi.Router) {
		api.Use(rateLimit(limiter))
		api.Use(cfg.Auth.Middleware)

		api.Post("/earmarks", s.createEarmark)
		api.Get("/earmarks", s.listEarmarks)
		api.Get("/earmarks/{id}", s.getEarmark)
		api.Post("/earmarks/{id}/cancel", s.cancelEarmark)
		api.Delete("/earmarks/{id}", s.deleteEarmark)
		api.Get("/earmarks/{id}/audits", s.earmarkAudits)

		api.Get("/operations", s.listOperations)
		api.Get("/operations/{id}", s.getOperation)
		api.Post("/operations/{id}/cancel", s.cancelOperation)
		api.Get("/operations/{id}/audits", s.operationAudits)

		api.Get("/pauses", s.listPauses)
		api.Put("/pauses/{key}", s.setPause)
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "commit": s.commit})
}

type createEarmarkRequest struct {
	InvoiceID               string `json:"invoiceId"`
	DesignatedPurchaseChain uint64 `json:"designatedPurchaseChain"`
	TickerHash              string `json:"tickerHash"`
	MinAmount               string `json:"minAmount"`
}

func (s *Server) createEarmark(w http.ResponseWriter, r *http.Request) {
	var req createEarmarkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.InvoiceID) == "" {
		writeError(w, http.StatusBadRequest, "invoiceId required")
		return
	}
	if req.DesignatedPurchaseChain == 0 {
		writeError(w, http.StatusBadRequest, "designatedPurchaseChain required")
		return
	}
	if !strings.HasPrefix(req.TickerHash, "0x") || len(req.TickerHash) != 66 {
		writeError(w, http.StatusBadRequest, "tickerHash must be a 32-byte hex string")
		return
	}
	if amount, ok := new(big.Int).SetString(strings.TrimSpace(req.MinAmount), 10); !ok || amount.Sign() <= 0 {
		writeError(w, http.StatusBadRequest, "minAmount must be a positive integer string")
		return
	}
	earmark := &storage.Earmark{
		InvoiceID:               strings.TrimSpace(req.InvoiceID),
		DesignatedPurchaseChain: req.DesignatedPurchaseChain,
		TickerHash:              strings.ToLower(req.TickerHash),
		MinAmount:               strings.TrimSpace(req.MinAmount),
	}
	if err := s.store.CreateEarmark(r.Context(), earmark); err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, earmark)
}

func (s *Server) listEarmarks(w http.ResponseWriter, r *http.Request) {
	filter := storage.EarmarkFilter{}
	for _, raw := range r.URL.Query()["status"] {
		filter.Statuses = append(filter.Statuses, storage.EarmarkStatus(strings.ToUpper(raw)))
	}
	if raw := r.URL.Query().Get("chain"); raw != "" {
		id, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid chain")
			return
		}
		filter.ChainID = &id
	}
	var ok bool
	if filter.Limit, filter.Offset, ok = parsePage(w, r); !ok {
		return
	}
	earmarks, err := s.store.ListEarmarks(r.Context(), filter)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"earmarks": earmarks})
}

func (s *Server) getEarmark(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	earmark, err := s.store.GetEarmark(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, earmark)
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) cancelEarmark(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	reason := decodeReason(r, "cancelled by operator")
	if err := s.store.CancelEarmark(r.Context(), id, reason); err != nil {
		s.writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) deleteEarmark(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	reason := decodeReason(r, "deleted by operator")
	if err := s.store.DeleteEarmark(r.Context(), id, reason); err != nil {
		s.writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) earmarkAudits(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	if _, err := s.store.GetEarmark(r.Context(), id); err != nil {
		s.writeStoreError(w, err)
		return
	}
	audits, err := s.store.EarmarkAudits(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"audits": audits})
}

func (s *Server) listOperations(w http.ResponseWriter, r *http.Request) {
	filter := storage.OperationFilter{}
	for _, raw := range r.URL.Query()["status"] {
		filter.Statuses = append(filter.Statuses, storage.OperationStatus(strings.ToUpper(raw)))
	}
	if raw := r.URL.Query().Get("chain"); raw != "" {
		id, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid chain")
			return
		}
		filter.ChainID = &id
	}
	if raw := r.URL.Query().Get("earmark"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid earmark id")
			return
		}
		filter.EarmarkID = &id
	}
	if raw := r.URL.Query().Get("standalone"); raw != "" {
		standalone, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid standalone flag")
			return
		}
		filter.Standalone = standalone
	}
	var ok bool
	if filter.Limit, filter.Offset, ok = parsePage(w, r); !ok {
		return
	}
	ops, err := s.store.ListOperations(r.Context(), filter)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"operations": ops})
}

func (s *Server) getOperation(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	op, err := s.store.GetOperation(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, op)
}

func (s *Server) cancelOperation(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	reason := decodeReason(r, "cancelled by operator")
	if err := s.store.CancelOperation(r.Context(), id, reason); err != nil {
		s.writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) operationAudits(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	if _, err := s.store.GetOperation(r.Context(), id); err != nil {
		s.writeStoreError(w, err)
		return
	}
	audits, err := s.store.OperationAudits(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"audits": audits})
}

func (s *Server) listPauses(w http.ResponseWriter, r *http.Request) {
	pauses, err := s.store.Pauses(r.Context())
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"pauses": pauses})
}

type setPauseRequest struct {
	Paused bool `json:"paused"`
}

func (s *Server) setPause(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	var req setPauseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.store.SetPause(r.Context(), key, req.Paused); err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.logger.Info("pause updated", "key", key, "paused", req.Paused)
	w.WriteHeader(http.StatusNoContent)
}

func parseID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return uuid.Nil, false
	}
	return id, true
}

func parsePage(w http.ResponseWriter, r *http.Request) (limit, offset int, ok bool) {
	var err error
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if limit, err = strconv.Atoi(raw); err != nil {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return 0, 0, false
		}
	}
	if raw := r.URL.Query().Get("offset"); raw != "" {
		if offset, err = strconv.Atoi(raw); err != nil {
			writeError(w, http.StatusBadRequest, "invalid offset")
			return 0, 0, false
		}
	}
	return limit, offset, true
}

func decodeReason(r *http.Request, fallback string) string {
	var req reasonRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err == nil {
		if trimmed := strings.TrimSpace(req.Reason); trimmed != "" {
			return trimmed
		}
	}
	return fallback
}

func (s *Server) writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, storage.ErrDuplicateInvoice),
		errors.Is(err, storage.ErrPrecondition),
		errors.Is(err, storage.ErrTerminalStatus):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, storage.ErrInvalidFilter),
		errors.Is(err, storage.ErrUnknownPause):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.logger.Error("request failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
