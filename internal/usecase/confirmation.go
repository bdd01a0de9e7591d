package usecase

import (
	"fmt"
	"strings"

	"github.com/vitos/orderflow_bot/internal/domain"
	"github.com/vitos/orderflow_bot/internal/infrastructure/indicator"
)

// ConfirmationInput is what a confirmation strategy may look at for one tick.
type ConfirmationInput struct {
	Candidate domain.Direction
	// RecentSignals are stored signals, newest first, including this tick's.
	RecentSignals []domain.SignalRecord
	Bars          []domain.Bar
}

// Confirmation returns the direction it supports, or hold. An entry needs the
// candidate and the confirmation to agree.
type Confirmation interface {
	Name() string
	Confirm(in ConfirmationInput) domain.Direction
}

type ConfirmationConfig struct {
	Strategy             string   `yaml:"strategy" validate:"oneof=none consecutive majority price_action rsi_band stochastic all"`
	Combine              []string `yaml:"combine"`
	ConsecutiveCount     int      `yaml:"consecutive_count" validate:"gte=1"`
	SignalWindow         int      `yaml:"signal_window" validate:"gte=1"`
	PriceActionBars      int      `yaml:"price_action_bars" validate:"gte=2"`
	RSIPeriod            int      `yaml:"rsi_period" validate:"gte=1"`
	RSILower             float64  `yaml:"rsi_lower"`
	RSIUpper             float64  `yaml:"rsi_upper"`
	StochasticK          int      `yaml:"stochastic_k" validate:"gte=1"`
	StochasticD          int      `yaml:"stochastic_d" validate:"gte=1"`
	StochasticOversold   float64  `yaml:"stochastic_oversold"`
	StochasticOverbought float64  `yaml:"stochastic_overbought"`
}

func DefaultConfirmationConfig() ConfirmationConfig {
	return ConfirmationConfig{
		Strategy:             "consecutive",
		ConsecutiveCount:     3,
		SignalWindow:         10,
		PriceActionBars:      3,
		RSIPeriod:            14,
		RSILower:             30,
		RSIUpper:             70,
		StochasticK:          14,
		StochasticD:          3,
		StochasticOversold:   20,
		StochasticOverbought: 80,
	}
}

// NewConfirmation builds the strategy named in config.
func NewConfirmation(config ConfirmationConfig) (Confirmation, error) {
	return newConfirmation(config.Strategy, config, true)
}

func newConfirmation(name string, config ConfirmationConfig, allowAll bool) (Confirmation, error) {
	switch name {
	case "", "none":
		return NoConfirmation{}, nil
	case "consecutive":
		return &ConsecutiveConfirmation{Count: config.ConsecutiveCount, Window: config.SignalWindow}, nil
	case "majority":
		return &MajorityConfirmation{Window: config.SignalWindow}, nil
	case "price_action":
		return &PriceActionConfirmation{Bars: config.PriceActionBars}, nil
	case "rsi_band":
		return &RSIBandConfirmation{Period: config.RSIPeriod, Lower: config.RSILower, Upper: config.RSIUpper}, nil
	case "stochastic":
		return &StochasticConfirmation{
			KPeriod:    config.StochasticK,
			DPeriod:    config.StochasticD,
			Oversold:   config.StochasticOversold,
			Overbought: config.StochasticOverbought,
		}, nil
	case "all":
		if !allowAll {
			return nil, fmt.Errorf("confirmation %q cannot be nested", name)
		}
		if len(config.Combine) == 0 {
			return nil, fmt.Errorf("confirmation \"all\" needs at least one strategy in combine")
		}
		all := &AllConfirmation{}
		for _, n := range config.Combine {
			c, err := newConfirmation(n, config, false)
			if err != nil {
				return nil, err
			}
			all.Strategies = append(all.Strategies, c)
		}
		return all, nil
	}
	return nil, fmt.Errorf("unknown confirmation strategy: %s", name)
}

// NoConfirmation echoes the candidate.
type NoConfirmation struct{}

func (NoConfirmation) Name() string { return "none" }

func (NoConfirmation) Confirm(in ConfirmationInput) domain.Direction { return in.Candidate }

// ConsecutiveConfirmation scans the newest Window signals, newest first, and
// returns the first direction that appears Count times in a row.
type ConsecutiveConfirmation struct {
	Count  int
	Window int
}

func (c *ConsecutiveConfirmation) Name() string { return "consecutive" }

func (c *ConsecutiveConfirmation) Confirm(in ConfirmationInput) domain.Direction {
	signals := in.RecentSignals
	if c.Window > 0 && len(signals) > c.Window {
		signals = signals[:c.Window]
	}

	run := 0
	var last domain.Direction
	for _, s := range signals {
		if s.Direction == domain.DirectionHold || s.Direction != last {
			run = 0
		}
		last = s.Direction
		if s.Direction == domain.DirectionHold {
			continue
		}
		run++
		if run >= c.Count {
			return s.Direction
		}
	}
	return domain.DirectionHold
}

// MajorityConfirmation needs a strict majority of the last Window signals.
type MajorityConfirmation struct {
	Window int
}

func (m *MajorityConfirmation) Name() string { return "majority" }

func (m *MajorityConfirmation) Confirm(in ConfirmationInput) domain.Direction {
	signals := in.RecentSignals
	if m.Window > 0 && len(signals) > m.Window {
		signals = signals[:m.Window]
	}
	if len(signals) == 0 {
		return domain.DirectionHold
	}

	var buys, sells int
	for _, s := range signals {
		switch s.Direction {
		case domain.DirectionBuy:
			buys++
		case domain.DirectionSell:
			sells++
		}
	}
	switch {
	case buys*2 > len(signals):
		return domain.DirectionBuy
	case sells*2 > len(signals):
		return domain.DirectionSell
	}
	return domain.DirectionHold
}

// PriceActionConfirmation follows the net move of the last Bars closes.
type PriceActionConfirmation struct {
	Bars int
}

func (p *PriceActionConfirmation) Name() string { return "price_action" }

func (p *PriceActionConfirmation) Confirm(in ConfirmationInput) domain.Direction {
	if p.Bars < 2 || len(in.Bars) < p.Bars {
		return domain.DirectionHold
	}
	window := in.Bars[len(in.Bars)-p.Bars:]
	first, last := window[0].Close, window[len(window)-1].Close
	switch {
	case last > first:
		return domain.DirectionBuy
	case last < first:
		return domain.DirectionSell
	}
	return domain.DirectionHold
}

// RSIBandConfirmation rejects buys at or above Upper and sells at or below Lower.
type RSIBandConfirmation struct {
	Period int
	Lower  float64
	Upper  float64
}

func (r *RSIBandConfirmation) Name() string { return "rsi_band" }

func (r *RSIBandConfirmation) Confirm(in ConfirmationInput) domain.Direction {
	rsi, err := indicator.RSI(in.Bars, r.Period)
	if err != nil {
		return domain.DirectionHold
	}
	switch in.Candidate {
	case domain.DirectionBuy:
		if rsi < r.Upper {
			return domain.DirectionBuy
		}
	case domain.DirectionSell:
		if rsi > r.Lower {
			return domain.DirectionSell
		}
	}
	return domain.DirectionHold
}

// StochasticConfirmation supports a buy when %K is above %D and not
// overbought, and a sell when %K is below %D and not oversold.
type StochasticConfirmation struct {
	KPeriod    int
	DPeriod    int
	Oversold   float64
	Overbought float64
}

func (s *StochasticConfirmation) Name() string { return "stochastic" }

func (s *StochasticConfirmation) Confirm(in ConfirmationInput) domain.Direction {
	k, d, err := indicator.Stochastic(in.Bars, s.KPeriod, s.DPeriod)
	if err != nil {
		return domain.DirectionHold
	}
	switch {
	case k > d && k < s.Overbought:
		return domain.DirectionBuy
	case k < d && k > s.Oversold:
		return domain.DirectionSell
	}
	return domain.DirectionHold
}

// AllConfirmation agrees only when every strategy returns the candidate.
type AllConfirmation struct {
	Strategies []Confirmation
}

func (a *AllConfirmation) Name() string {
	names := make([]string, len(a.Strategies))
	for i, s := range a.Strategies {
		names[i] = s.Name()
	}
	return "all(" + strings.Join(names, ",") + ")"
}

func (a *AllConfirmation) Confirm(in ConfirmationInput) domain.Direction {
	if in.Candidate == domain.DirectionHold {
		return domain.DirectionHold
	}
	for _, s := range a.Strategies {
		if s.Confirm(in) != in.Candidate {
			return domain.DirectionHold
		}
	}
	return in.Candidate
}
