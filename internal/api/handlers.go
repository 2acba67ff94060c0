package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/wicketx/settlement-engine/internal/account"
	"github.com/wicketx/settlement-engine/internal/apperr"
	"github.com/wicketx/settlement-engine/internal/deposit"
	"github.com/wicketx/settlement-engine/internal/ledger"
	"github.com/wicketx/settlement-engine/internal/model"
	"github.com/wicketx/settlement-engine/internal/settlement"
)

// --- Request/Response types ---

// ResolveRequest is the JSON body for POST /markets/{marketID}/resolve.
type ResolveRequest struct {
	WinningOutcomeID string `json:"winning_outcome_id"`
}

// SettleResponse reports how many predictions a resolve or sweep settled.
type SettleResponse struct {
	MarketID string `json:"market_id"`
	Settled  int    `json:"settled"`
}

// DepositResponse is the ledger entry for a deposit and whether it was a replay.
type DepositResponse struct {
	Entry    *model.LedgerEntry `json:"entry"`
	Replayed bool               `json:"replayed"`
}

// BindAddressRequest is the JSON body for POST /deposits/addresses.
type BindAddressRequest struct {
	UserID  string `json:"user_id"`
	Network string `json:"network"`
	Address string `json:"address"`
}

// --- Accounts ---

// Register handles POST /api/v1/users
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req account.Registration
	if err := decode(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	acct, err := h.accounts.Register(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, acct)
}

// GetWallet handles GET /api/v1/wallets/{userID}
func (h *Handler) GetWallet(w http.ResponseWriter, r *http.Request) {
	view, err := h.ledger.WalletOf(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// ListEntries handles GET /api/v1/users/{userID}/entries
func (h *Handler) ListEntries(w http.ResponseWriter, r *http.Request) {
	entries, err := h.ledger.Entries(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// --- Markets ---

// CreateMarket handles POST /api/v1/markets
func (h *Handler) CreateMarket(w http.ResponseWriter, r *http.Request) {
	var spec settlement.MarketSpec
	if err := decode(w, r, &spec); err != nil {
		h.writeError(w, r, err)
		return
	}
	m, err := h.engine.CreateMarket(r.Context(), spec)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

// GetMarket handles GET /api/v1/markets/{marketID}
func (h *Handler) GetMarket(w http.ResponseWriter, r *http.Request) {
	m, err := h.engine.Market(r.Context(), chi.URLParam(r, "marketID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// ListPredictions handles GET /api/v1/markets/{marketID}/predictions
func (h *Handler) ListPredictions(w http.ResponseWriter, r *http.Request) {
	preds, err := h.engine.Predictions(r.Context(), chi.URLParam(r, "marketID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, preds)
}

func (h *Handler) OpenMarket(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.engine.OpenMarket)
}

func (h *Handler) GoLive(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.engine.GoLive)
}

func (h *Handler) CloseMarket(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.engine.CloseMarket)
}

func (h *Handler) transition(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, id string) (*model.Market, error)) {
	m, err := fn(r.Context(), chi.URLParam(r, "marketID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// ResolveMarket handles POST /api/v1/markets/{marketID}/resolve
func (h *Handler) ResolveMarket(w http.ResponseWriter, r *http.Request) {
	var req ResolveRequest
	if err := decode(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	marketID := chi.URLParam(r, "marketID")
	n, err := h.engine.Resolve(r.Context(), marketID, req.WinningOutcomeID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, SettleResponse{MarketID: marketID, Settled: n})
}

// SweepMarket handles POST /api/v1/markets/{marketID}/sweep
func (h *Handler) SweepMarket(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "marketID")
	n, err := h.engine.Sweep(r.Context(), marketID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, SettleResponse{MarketID: marketID, Settled: n})
}

// --- Stakes ---

// PlaceStake handles POST /api/v1/stakes
func (h *Handler) PlaceStake(w http.ResponseWriter, r *http.Request) {
	var req settlement.StakeRequest
	if err := decode(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	p, err := h.engine.PlaceStake(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

// --- Deposits ---

// NotifyDeposit handles POST /api/v1/deposits/notify and the signed webhook.
// A replayed notification answers 200 with the original entry.
func (h *Handler) NotifyDeposit(w http.ResponseWriter, r *http.Request) {
	var ev deposit.Event
	if err := decode(w, r, &ev); err != nil {
		h.writeError(w, r, err)
		return
	}
	entry, replayed, err := h.guard.Credit(r.Context(), ev)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	status := http.StatusCreated
	if replayed {
		status = http.StatusOK
	}
	writeJSON(w, status, DepositResponse{Entry: entry, Replayed: replayed})
}

// BindAddress handles POST /api/v1/deposits/addresses
func (h *Handler) BindAddress(w http.ResponseWriter, r *http.Request) {
	var req BindAddressRequest
	if err := decode(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if strings.TrimSpace(req.UserID) == "" {
		h.writeError(w, r, apperr.Validation("user_id is required"))
		return
	}
	addr, err := h.guard.BindAddress(r.Context(), req.UserID, req.Network, req.Address)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, addr)
}

// OpenSession handles POST /api/v1/deposits/sessions
func (h *Handler) OpenSession(w http.ResponseWriter, r *http.Request) {
	var req deposit.SessionRequest
	if err := decode(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	sess, err := h.guard.OpenSession(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

// --- Withdrawals ---

// RequestWithdrawal handles POST /api/v1/withdrawals
func (h *Handler) RequestWithdrawal(w http.ResponseWriter, r *http.Request) {
	var req ledger.WithdrawalRequest
	if err := decode(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	entry, err := h.ledger.RequestWithdrawal(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

// ApproveWithdrawal handles POST /api/v1/withdrawals/{entryID}/approve
func (h *Handler) ApproveWithdrawal(w http.ResponseWriter, r *http.Request) {
	entry, err := h.ledger.ApproveWithdrawal(r.Context(), chi.URLParam(r, "entryID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

// RejectWithdrawal handles POST /api/v1/withdrawals/{entryID}/reject
func (h *Handler) RejectWithdrawal(w http.ResponseWriter, r *http.Request) {
	entry, err := h.ledger.RejectWithdrawal(r.Context(), chi.URLParam(r, "entryID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

// Reconcile handles GET /api/v1/reconcile/{walletID}
func (h *Handler) Reconcile(w http.ResponseWriter, r *http.Request) {
	rec, err := h.ledger.Reconcile(r.Context(), chi.URLParam(r, "walletID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}
