// Package strategy contains the signal drivers. A driver is a pure
// classifier: it reads market data and labels the moment BULLISH, BEARISH,
// or NEUTRAL, together with the indicator values behind the call. Drivers
// never place orders; the runner owns execution.
package strategy

import (
	"context"
	"time"

	"github.com/alphadeck/optionsbot/internal/domain"
)

// Driver classifies the current market state.
type Driver interface {
	Name() string
	Evaluate(ctx context.Context, now time.Time) (domain.Trend, domain.Analysis, error)
}
