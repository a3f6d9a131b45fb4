package position

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/alphadeck/optionsbot/internal/config"
	"github.com/alphadeck/optionsbot/internal/domain"
)

// StopPolicy computes protective stop prices for a long option position.
// Implementations must be pure with respect to external state; any per-trade
// bookkeeping (peak profit, armed flag) lives on the Position itself so that
// a crash-recovered position resumes trailing correctly.
type StopPolicy interface {
	Name() string

	// Initial returns the stop to set at entry. Zero means the policy arms
	// later and no stop is active yet.
	Initial(entry float64) float64

	// Update returns the stop after observing ltp. The returned value is
	// never below pos.StopLoss: stops only ratchet toward the price.
	Update(pos *domain.Position, ltp float64) float64

	// BreachReason is the close reason recorded when the stop is hit.
	BreachReason() domain.CloseReason
}

// NewStopPolicy builds the policy selected in config.
func NewStopPolicy(cfg config.StopsConfig) (StopPolicy, error) {
	switch cfg.Policy {
	case "fixed":
		return &FixedPercentStop{Pct: cfg.FixedPct}, nil
	case "step_ladder":
		return NewStepLadderStop(cfg.LadderTriggers, cfg.LadderOffsets)
	case "breakeven_trail":
		return &BreakevenTrailStop{ArmPct: cfg.ArmPct, TrailPct: cfg.TrailPct}, nil
	default:
		return nil, fmt.Errorf("position: unknown stop policy %q", cfg.Policy)
	}
}

// roundPaisa rounds a price to two decimal places, the exchange tick
// precision for option premiums.
func roundPaisa(v float64) float64 {
	f, _ := decimal.NewFromFloat(v).Round(2).Float64()
	return f
}

// FixedPercentStop places a hard stop a fixed percentage below the entry
// price and never moves it.
type FixedPercentStop struct {
	Pct float64 // e.g. 0.10 for 10% below entry
}

func (s *FixedPercentStop) Name() string { return "fixed" }

func (s *FixedPercentStop) Initial(entry float64) float64 {
	return roundPaisa(entry * (1 - s.Pct))
}

func (s *FixedPercentStop) Update(pos *domain.Position, _ float64) float64 {
	return pos.StopLoss
}

func (s *FixedPercentStop) BreachReason() domain.CloseReason { return domain.CloseStopLoss }

// StepLadderStop ratchets the stop to fixed offsets above entry as profit
// crosses point thresholds. With the default rungs, +20 points locks in
// entry+5, +40 locks entry+25, +60 locks entry+45. There is no stop until
// the first rung is reached.
type StepLadderStop struct {
	triggers []float64 // profit in points, ascending
	offsets  []float64 // stop offset above entry, same length
}

// NewStepLadderStop validates and sorts the rung tables.
func NewStepLadderStop(triggers, offsets []float64) (*StepLadderStop, error) {
	if len(triggers) == 0 || len(triggers) != len(offsets) {
		return nil, fmt.Errorf("position: ladder needs equal non-empty trigger and offset tables, got %d/%d",
			len(triggers), len(offsets))
	}
	type rung struct{ t, o float64 }
	rungs := make([]rung, len(triggers))
	for i := range triggers {
		rungs[i] = rung{triggers[i], offsets[i]}
	}
	sort.Slice(rungs, func(i, j int) bool { return rungs[i].t < rungs[j].t })

	s := &StepLadderStop{
		triggers: make([]float64, len(rungs)),
		offsets:  make([]float64, len(rungs)),
	}
	for i, r := range rungs {
		s.triggers[i] = r.t
		s.offsets[i] = r.o
	}
	return s, nil
}

func (s *StepLadderStop) Name() string { return "step_ladder" }

func (s *StepLadderStop) Initial(float64) float64 { return 0 }

func (s *StepLadderStop) Update(pos *domain.Position, ltp float64) float64 {
	pts := pos.PnLPoints(ltp)
	stop := pos.StopLoss
	for i := len(s.triggers) - 1; i >= 0; i-- {
		if pts >= s.triggers[i] {
			if v := roundPaisa(pos.EntryPrice + s.offsets[i]); v > stop {
				stop = v
			}
			break
		}
	}
	return stop
}

func (s *StepLadderStop) BreachReason() domain.CloseReason { return domain.CloseTrailingStop }

// BreakevenTrailStop stays dormant until profit reaches ArmPct, then sets the
// stop to breakeven and trails the peak profit percentage at a distance of
// TrailPct. With ArmPct = TrailPct = 0.10 and entry 100: the stop arms at 110
// (stop 100), a peak of 122 lifts it to 112, and a fall to 110 exits.
type BreakevenTrailStop struct {
	ArmPct   float64
	TrailPct float64
}

func (s *BreakevenTrailStop) Name() string { return "breakeven_trail" }

func (s *BreakevenTrailStop) Initial(float64) float64 { return 0 }

func (s *BreakevenTrailStop) Update(pos *domain.Position, ltp float64) float64 {
	if pct := pos.PnLPct(ltp); pct > pos.PeakPnLPct {
		pos.PeakPnLPct = pct
	}

	if !pos.BreakevenArmed {
		if pos.PeakPnLPct < s.ArmPct {
			return pos.StopLoss
		}
		pos.BreakevenArmed = true
	}

	stop := pos.StopLoss
	if v := roundPaisa(pos.EntryPrice * (1 + pos.PeakPnLPct - s.TrailPct)); v > stop {
		stop = v
	}
	return stop
}

func (s *BreakevenTrailStop) BreachReason() domain.CloseReason { return domain.CloseTrailingStop }
