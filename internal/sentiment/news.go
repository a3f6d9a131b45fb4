// Package sentiment derives soft market signals: a news headline score used
// by the gatekeeper's entry veto and a put-call ratio analyzer used as a
// confirmation input.
package sentiment

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
)

// NewsScorer aggregates RSS headlines from the configured feeds into one
// score in [-1, 1]: positive means bullish-leaning coverage. Results are
// cached so repeated gatekeeper checks inside one decision window do not
// refetch the feeds.
type NewsScorer struct {
	feeds    []string
	http     *http.Client
	cacheTTL time.Duration
	logger   *slog.Logger

	mu       sync.Mutex
	score    float64
	scoredAt time.Time
}

// NewNewsScorer creates a scorer over the given RSS feed URLs.
func NewNewsScorer(feeds []string, cacheTTL time.Duration, logger *slog.Logger) *NewsScorer {
	if cacheTTL <= 0 {
		cacheTTL = 5 * time.Minute
	}
	return &NewsScorer{
		feeds:    feeds,
		http:     &http.Client{Timeout: 10 * time.Second},
		cacheTTL: cacheTTL,
		logger:   logger.With(slog.String("component", "sentiment")),
	}
}

var (
	bullishWords = []string{
		"surge", "rally", "record high", "gain", "jump", "soar", "upbeat",
		"beat estimates", "strong earnings", "buy", "bullish", "recovery",
	}
	bearishWords = []string{
		"crash", "plunge", "fall", "drop", "slump", "fear", "selloff",
		"sell-off", "recession", "downgrade", "bearish", "weak", "miss estimates",
	}
)

type rssFeed struct {
	Channel struct {
		Items []struct {
			Title string `xml:"title"`
		} `xml:"item"`
	} `xml:"channel"`
}

// Score returns the cached score when fresh, otherwise refetches all feeds.
// An error is returned only when every feed fails.
func (n *NewsScorer) Score(ctx context.Context) (float64, error) {
	n.mu.Lock()
	if !n.scoredAt.IsZero() && time.Since(n.scoredAt) <= n.cacheTTL {
		s := n.score
		n.mu.Unlock()
		return s, nil
	}
	n.mu.Unlock()

	var titles []string
	var lastErr error
	for _, feed := range n.feeds {
		fetched, err := n.fetchTitles(ctx, feed)
		if err != nil {
			lastErr = err
			n.logger.WarnContext(ctx, "feed fetch failed",
				slog.String("feed", feed), slog.String("error", err.Error()))
			continue
		}
		titles = append(titles, fetched...)
	}
	if len(titles) == 0 {
		if lastErr != nil {
			return 0, fmt.Errorf("sentiment: all feeds failed: %w", lastErr)
		}
		return 0, nil
	}

	score := scoreTitles(titles)

	n.mu.Lock()
	n.score = score
	n.scoredAt = time.Now()
	n.mu.Unlock()

	n.logger.DebugContext(ctx, "news scored",
		slog.Int("headlines", len(titles)), slog.Float64("score", score))
	return score, nil
}

func (n *NewsScorer) fetchTitles(ctx context.Context, feedURL string) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, feedURL, nil)
	if err != nil {
		return nil, fmt.Errorf("sentiment: build request: %w", err)
	}
	resp, err := n.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sentiment: fetch feed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("sentiment: fetch feed: http %d", resp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 2<<20))
	if err != nil {
		return nil, fmt.Errorf("sentiment: read feed: %w", err)
	}
	var feed rssFeed
	if err := xml.Unmarshal(raw, &feed); err != nil {
		return nil, fmt.Errorf("sentiment: parse feed: %w", err)
	}

	titles := make([]string, 0, len(feed.Channel.Items))
	for _, item := range feed.Channel.Items {
		titles = append(titles, item.Title)
	}
	return titles, nil
}

// scoreTitles counts keyword hits and normalizes to [-1, 1].
func scoreTitles(titles []string) float64 {
	var bull, bear int
	for _, title := range titles {
		t := strings.ToLower(title)
		for _, w := range bullishWords {
			if strings.Contains(t, w) {
				bull++
			}
		}
		for _, w := range bearishWords {
			if strings.Contains(t, w) {
				bear++
			}
		}
	}
	total := bull + bear
	if total == 0 {
		return 0
	}
	return float64(bull-bear) / float64(total)
}
