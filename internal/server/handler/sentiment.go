package handler

import (
	"net/http"

	"github.com/alphadeck/optionsbot/internal/sentiment"
)

// SentimentHandler exposes the news sentiment score.
type SentimentHandler struct {
	news *sentiment.NewsScorer
}

// NewSentimentHandler creates a SentimentHandler. news may be nil when the
// sentiment source is disabled.
func NewSentimentHandler(news *sentiment.NewsScorer) *SentimentHandler {
	return &SentimentHandler{news: news}
}

// Score returns the current aggregate news sentiment in [-1, 1].
func (h *SentimentHandler) Score(w http.ResponseWriter, r *http.Request) {
	if h.news == nil {
		writeError(w, http.StatusNotFound, "sentiment source not configured")
		return
	}
	score, err := h.news.Score(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]float64{"score": score})
}
