package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/alphadeck/optionsbot/internal/domain"
	"github.com/alphadeck/optionsbot/internal/runner"
)

// BotHandler exposes start/stop/status control over the trading runner.
type BotHandler struct {
	runner *runner.Runner
	prices domain.PriceCache
}

// NewBotHandler creates a BotHandler.
func NewBotHandler(r *runner.Runner, prices domain.PriceCache) *BotHandler {
	return &BotHandler{runner: r, prices: prices}
}

type startRequest struct {
	Driver string `json:"driver"`
}

// Start launches a trading session.
func (h *BotHandler) Start(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	err := h.runner.Start(r.Context(), req.Driver)
	switch {
	case errors.Is(err, domain.ErrBotRunning):
		writeError(w, http.StatusConflict, "bot already running")
	case errors.Is(err, domain.ErrLockHeld):
		writeError(w, http.StatusConflict, "another instance holds the session lock")
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
	}
}

// Stop requests a graceful shutdown. A slow position close returns 202 with
// status "stopping"; the caller can poll Status.
func (h *BotHandler) Stop(w http.ResponseWriter, r *http.Request) {
	err := h.runner.Stop(r.Context())
	switch {
	case errors.Is(err, domain.ErrBotStopped):
		writeError(w, http.StatusConflict, "bot is not running")
	case errors.Is(err, domain.ErrStillStopping):
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "stopping"})
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
	}
}

// Status reports the runner snapshot.
func (h *BotHandler) Status(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.runner.Status())
}

type livePosition struct {
	domain.Position
	LTP    float64 `json:"ltp,omitempty"`
	PnL    float64 `json:"pnl"`
	PnLPct float64 `json:"pnl_pct"`
}

// Position reports the open positions with live P&L from the price cache.
func (h *BotHandler) Position(w http.ResponseWriter, r *http.Request) {
	positions := h.runner.ActivePositions()
	if len(positions) == 0 {
		writeError(w, http.StatusNotFound, "no open position")
		return
	}

	out := make([]livePosition, 0, len(positions))
	for _, pos := range positions {
		lp := livePosition{Position: pos}
		if ltp, _, err := h.prices.GetPrice(r.Context(), pos.Token); err == nil {
			lp.LTP = ltp
			lp.PnL = pos.PnLValue(ltp)
			lp.PnLPct = pos.PnLPct(ltp)
		}
		out = append(out, lp)
	}
	writeJSON(w, http.StatusOK, out)
}
