// Package scrips resolves tradable option contracts from the exchange scrip
// master, a large JSON instrument dump refreshed once per day.
package scrips

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/alphadeck/optionsbot/internal/domain"
)

// scrip is one instrument row in the master dump. Strike is quoted in paise
// (price × 100) as a string.
type scrip struct {
	Token    string `json:"token"`
	Symbol   string `json:"symbol"`
	Name     string `json:"name"`
	Expiry   string `json:"expiry"`
	Strike   string `json:"strike"`
	LotSize  string `json:"lotsize"`
	InstType string `json:"instrumenttype"`
	ExchSeg  string `json:"exch_seg"`
}

// Resolver downloads and indexes the scrip master, then answers contract
// lookups from memory. The index is rebuilt when older than maxAge.
type Resolver struct {
	url    string
	http   *http.Client
	maxAge time.Duration
	logger *slog.Logger

	mu        sync.Mutex
	index     map[string]domain.Contract // key: underlying|expiry|strike|leg
	fetchedAt time.Time
}

// NewResolver creates a Resolver for the given scrip master URL.
func NewResolver(url string, logger *slog.Logger) *Resolver {
	return &Resolver{
		url:    url,
		http:   &http.Client{Timeout: 60 * time.Second},
		maxAge: 20 * time.Hour,
		logger: logger.With(slog.String("component", "scrips")),
	}
}

// Resolve returns the contract for (underlying, expiry, strike, leg), e.g.
// ("NIFTY", "26SEP2026", 24500, CE). Expiry comparison is case-insensitive.
func (r *Resolver) Resolve(ctx context.Context, underlying, expiry string, strike int, leg domain.Leg) (domain.Contract, error) {
	if err := r.ensureIndex(ctx); err != nil {
		return domain.Contract{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.index[indexKey(underlying, expiry, strike, leg)]
	if !ok {
		return domain.Contract{}, fmt.Errorf("scrips: %s %s %d%s: %w",
			underlying, expiry, strike, leg, domain.ErrContractNotFound)
	}
	return c, nil
}

func indexKey(underlying, expiry string, strike int, leg domain.Leg) string {
	return strings.ToUpper(underlying) + "|" + strings.ToUpper(expiry) + "|" +
		strconv.Itoa(strike) + "|" + string(leg)
}

func (r *Resolver) ensureIndex(ctx context.Context) error {
	r.mu.Lock()
	fresh := r.index != nil && time.Since(r.fetchedAt) < r.maxAge
	r.mu.Unlock()
	if fresh {
		return nil
	}
	return r.refresh(ctx)
}

// refresh downloads and re-indexes the scrip master. Only option rows are
// kept; everything else in the dump is skipped.
func (r *Resolver) refresh(ctx context.Context) error {
	started := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.url, nil)
	if err != nil {
		return fmt.Errorf("scrips: build request: %w", err)
	}
	resp, err := r.http.Do(req)
	if err != nil {
		return fmt.Errorf("scrips: download master: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("scrips: download master: http %d", resp.StatusCode)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("scrips: read master: %w", err)
	}
	var rows []scrip
	if err := json.Unmarshal(raw, &rows); err != nil {
		return fmt.Errorf("scrips: decode master: %w", err)
	}

	index := make(map[string]domain.Contract)
	for _, s := range rows {
		if s.InstType != "OPTIDX" && s.InstType != "OPTSTK" {
			continue
		}
		leg, ok := legFromSymbol(s.Symbol)
		if !ok {
			continue
		}
		strikePaise, err := strconv.ParseFloat(s.Strike, 64)
		if err != nil || strikePaise <= 0 {
			continue
		}
		strike := int(strikePaise / 100)
		index[indexKey(s.Name, s.Expiry, strike, leg)] = domain.Contract{
			Token:  s.Token,
			Symbol: s.Symbol,
			Strike: strike,
			Leg:    leg,
			Expiry: s.Expiry,
		}
	}

	r.mu.Lock()
	r.index = index
	r.fetchedAt = time.Now()
	r.mu.Unlock()

	r.logger.Info("scrip master indexed",
		slog.Int("options", len(index)),
		slog.Duration("took", time.Since(started)))
	return nil
}

func legFromSymbol(symbol string) (domain.Leg, bool) {
	switch {
	case strings.HasSuffix(symbol, "CE"):
		return domain.LegCE, true
	case strings.HasSuffix(symbol, "PE"):
		return domain.LegPE, true
	}
	return "", false
}

// NearestExpiry returns the soonest expiry on or after today for the
// underlying, in the master's date format (e.g. 26SEP2026).
func (r *Resolver) NearestExpiry(ctx context.Context, underlying string) (string, error) {
	if err := r.ensureIndex(ctx); err != nil {
		return "", err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	prefix := strings.ToUpper(underlying) + "|"
	today := time.Now().Truncate(24 * time.Hour)
	var best time.Time
	var bestRaw string
	for key := range r.index {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		parts := strings.Split(key, "|")
		raw := parts[1]
		exp, err := time.Parse("02Jan2006", canonicalExpiry(raw))
		if err != nil || exp.Before(today) {
			continue
		}
		if bestRaw == "" || exp.Before(best) {
			best = exp
			bestRaw = raw
		}
	}
	if bestRaw == "" {
		return "", fmt.Errorf("scrips: no expiry for %s: %w", underlying, domain.ErrContractNotFound)
	}
	return bestRaw, nil
}

// canonicalExpiry converts 26SEP2026 to 26Sep2026 so time.Parse accepts it.
func canonicalExpiry(raw string) string {
	if len(raw) < 9 {
		return raw
	}
	mon := raw[2:5]
	return raw[:2] + strings.ToUpper(mon[:1]) + strings.ToLower(mon[1:]) + raw[5:]
}

var _ domain.ContractResolver = (*Resolver)(nil)
