package handler

import (
	"net/http"

	"github.com/alphadeck/optionsbot/internal/domain"
)

// TradeHandler serves the trade ledger and audit log.
type TradeHandler struct {
	ledger domain.TradeLedger
	audit  domain.AuditStore
}

// NewTradeHandler creates a TradeHandler. audit may be nil.
func NewTradeHandler(ledger domain.TradeLedger, audit domain.AuditStore) *TradeHandler {
	return &TradeHandler{ledger: ledger, audit: audit}
}

// History lists past trades, newest first.
func (h *TradeHandler) History(w http.ResponseWriter, r *http.Request) {
	trades, err := h.ledger.History(r.Context(), parseListOpts(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if trades == nil {
		trades = []domain.LedgerEntry{}
	}
	writeJSON(w, http.StatusOK, trades)
}

// Open lists trades the ledger still shows open.
func (h *TradeHandler) Open(w http.ResponseWriter, r *http.Request) {
	trades, err := h.ledger.OpenTrades(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if trades == nil {
		trades = []domain.LedgerEntry{}
	}
	writeJSON(w, http.StatusOK, trades)
}

// Audit lists audit log entries, newest first.
func (h *TradeHandler) Audit(w http.ResponseWriter, r *http.Request) {
	if h.audit == nil {
		writeError(w, http.StatusNotFound, "audit log not configured")
		return
	}
	entries, err := h.audit.List(r.Context(), parseListOpts(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if entries == nil {
		entries = []domain.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}
