// Package api exposes the ledger and settlement operations over HTTP.
//
// All monetary values use shopspring/decimal and are rendered as strings.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/wicketx/settlement-engine/internal/account"
	"github.com/wicketx/settlement-engine/internal/apperr"
	"github.com/wicketx/settlement-engine/internal/deposit"
	"github.com/wicketx/settlement-engine/internal/events"
	"github.com/wicketx/settlement-engine/internal/ledger"
	"github.com/wicketx/settlement-engine/internal/metrics"
	"github.com/wicketx/settlement-engine/internal/secrets"
	"github.com/wicketx/settlement-engine/internal/settlement"
)

// maxBodyBytes bounds every request body.
const maxBodyBytes = 1 << 20

// Deps are the services the handlers call into.
type Deps struct {
	Engine   *settlement.Engine
	Ledger   *ledger.Ledger
	Guard    *deposit.Guard
	Accounts *account.Service
	Hub      *events.WSHub // optional
	Secrets  secrets.Provider
	Logger   *slog.Logger
}

// Handler serves the HTTP API.
type Handler struct {
	engine   *settlement.Engine
	ledger   *ledger.Ledger
	guard    *deposit.Guard
	accounts *account.Service
	hub      *events.WSHub
	secrets  secrets.Provider
	logger   *slog.Logger
}

func New(d Deps) *Handler {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	return &Handler{
		engine:   d.Engine,
		ledger:   d.Ledger,
		guard:    d.Guard,
		accounts: d.Accounts,
		hub:      d.Hub,
		secrets:  d.Secrets,
		logger:   d.Logger,
	}
}

// Routes mounts the health, metrics and /api/v1 endpoints on r.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// User routes trust the user_id in the path or body. An upstream
		// gateway must authenticate the caller and enforce that it matches.
		r.Post("/users", h.Register)
		r.Get("/users/{userID}/entries", h.ListEntries)
		r.Get("/wallets/{userID}", h.GetWallet)
		r.Post("/stakes", h.PlaceStake)
		r.Post("/withdrawals", h.RequestWithdrawal)
		r.Get("/markets/{marketID}", h.GetMarket)
		r.Get("/markets/{marketID}/predictions", h.ListPredictions)
		r.With(h.verifyWebhook).Post("/webhooks/deposits", h.NotifyDeposit)
		if h.hub != nil {
			r.Get("/ws", h.hub.HandleWS)
		}

		r.Group(func(r chi.Router) {
			r.Use(h.requireAdmin)
			r.Post("/markets", h.CreateMarket)
			r.Post("/markets/{marketID}/open", h.OpenMarket)
			r.Post("/markets/{marketID}/live", h.GoLive)
			r.Post("/markets/{marketID}/close", h.CloseMarket)
			r.Post("/markets/{marketID}/resolve", h.ResolveMarket)
			r.Post("/markets/{marketID}/sweep", h.SweepMarket)
			r.Post("/deposits/notify", h.NotifyDeposit)
			r.Post("/deposits/addresses", h.BindAddress)
			r.Post("/deposits/sessions", h.OpenSession)
			r.Post("/withdrawals/{entryID}/approve", h.ApproveWithdrawal)
			r.Post("/withdrawals/{entryID}/reject", h.RejectWithdrawal)
			r.Get("/reconcile/{walletID}", h.Reconcile)
		})
	})
}

// decode reads a JSON body into v. Unknown fields are rejected.
func decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return apperr.Validation("request body is empty")
		}
		return apperr.Validation("invalid request body: %v", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError renders err as {"error", "code"} with the status its kind maps to.
// Internal errors are logged and hidden from the caller.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperr.HTTPStatus(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "err", err)
		msg = "internal error"
	}
	writeJSON(w, status, map[string]string{"error": msg, "code": apperr.CodeOf(err)})
}
