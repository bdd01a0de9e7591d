package usecase

import (
	"fmt"
	"math"
	"sort"

	"github.com/vitos/orderflow_bot/internal/domain"
)

// TierRule rates a value whose magnitude exceeds Multiple * median(|series|).
type TierRule struct {
	Multiple float64     `yaml:"multiple" validate:"gt=0"`
	Tier     domain.Tier `yaml:"tier" validate:"required"`
	Weight   int         `yaml:"weight" validate:"gt=0"`
}

type ClassifierConfig struct {
	Tiers               []TierRule `yaml:"tiers" validate:"min=1,dive"`
	Threshold           int        `yaml:"threshold" validate:"gt=0"`
	CumulativeDeltaBias int        `yaml:"cumulative_delta_bias" validate:"gte=0"`
}

// DefaultClassifierConfig mirrors the base-threshold table: base 4 with
// steps x1, x2, x4, x6 and weights 1..4.
func DefaultClassifierConfig() ClassifierConfig {
	return ClassifierConfig{
		Tiers: []TierRule{
			{Multiple: 4, Tier: domain.TierMild, Weight: 1},
			{Multiple: 8, Tier: domain.TierStrong, Weight: 2},
			{Multiple: 16, Tier: domain.TierVeryStrong, Weight: 3},
			{Multiple: 24, Tier: domain.TierBehemoth, Weight: 4},
		},
		Threshold:           4,
		CumulativeDeltaBias: 2,
	}
}

// SignalClassifier rates spikes in numeric series and folds them into a composite signal.
type SignalClassifier struct {
	tiers     []TierRule // ascending by Multiple
	weights   map[domain.Tier]int
	threshold int
	bias      int
}

func NewSignalClassifier(config ClassifierConfig) (*SignalClassifier, error) {
	if len(config.Tiers) == 0 {
		return nil, fmt.Errorf("classifier needs at least one tier")
	}
	if config.Threshold <= 0 {
		return nil, fmt.Errorf("classifier threshold must be positive, got %d", config.Threshold)
	}

	tiers := make([]TierRule, len(config.Tiers))
	copy(tiers, config.Tiers)
	sort.SliceStable(tiers, func(i, j int) bool { return tiers[i].Multiple < tiers[j].Multiple })

	weights := make(map[domain.Tier]int, len(tiers))
	for i, t := range tiers {
		if t.Multiple <= 0 {
			return nil, fmt.Errorf("tier %s multiple must be positive", t.Tier)
		}
		if _, dup := weights[t.Tier]; dup {
			return nil, fmt.Errorf("tier %s listed twice", t.Tier)
		}
		if i > 0 && t.Weight < tiers[i-1].Weight {
			return nil, fmt.Errorf("tier %s weight %d is lower than the tier below it", t.Tier, t.Weight)
		}
		weights[t.Tier] = t.Weight
	}

	return &SignalClassifier{
		tiers:     tiers,
		weights:   weights,
		threshold: config.Threshold,
		bias:      config.CumulativeDeltaBias,
	}, nil
}

// Rate returns the spikes of series, in index order.
func (c *SignalClassifier) Rate(series []float64) []domain.RatedValue {
	if len(series) == 0 {
		return nil
	}

	abs := make([]float64, len(series))
	for i, v := range series {
		abs[i] = math.Abs(v)
	}
	median := Median(abs)

	var rated []domain.RatedValue
	for i, v := range series {
		mag := math.Abs(v)
		var tier domain.Tier
		for _, rule := range c.tiers {
			// strictly above, so a value equal to the multiple and an all-zero series stay unrated
			if mag > median*rule.Multiple {
				tier = rule.Tier
			}
		}
		if tier != "" {
			rated = append(rated, domain.RatedValue{Index: i, Value: v, Tier: tier})
		}
	}
	return rated
}

// Score sums signed tier weights across all rated series, adds the cumulative
// delta bias, and compares the total against the threshold.
func (c *SignalClassifier) Score(cumulativeDelta float64, rated ...[]domain.RatedValue) domain.CompositeSignal {
	total := 0
	for _, series := range rated {
		for _, r := range series {
			w := c.weights[r.Tier]
			if r.Value < 0 {
				w = -w
			}
			total += w
		}
	}

	if cumulativeDelta > 0 {
		total += c.bias
	} else if cumulativeDelta < 0 {
		total -= c.bias
	}

	sig := domain.CompositeSignal{Direction: domain.DirectionHold, Score: total}
	switch {
	case total >= c.threshold:
		sig.Direction = domain.DirectionBuy
	case total <= -c.threshold:
		sig.Direction = domain.DirectionSell
	}
	return sig
}

// Classify rates the delta and aggressive ratio series of an order-flow result and scores them.
func (c *SignalClassifier) Classify(flow *domain.OrderFlowResult) domain.CompositeSignal {
	if flow == nil || len(flow.Bars) == 0 {
		return domain.HoldSignal("no order flow")
	}
	deltas := c.Rate(flow.Deltas())
	ratios := c.Rate(flow.AggressiveRatios())
	sig := c.Score(flow.CumulativeDelta, deltas, ratios)
	sig.Reason = fmt.Sprintf("delta spikes=%d aggressive spikes=%d cvd=%.4f", len(deltas), len(ratios), flow.CumulativeDelta)
	return sig
}

// Median of values; 0 for an empty slice.
func Median(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	s := make([]float64, len(values))
	copy(s, values)
	sort.Float64s(s)
	mid := len(s) / 2
	if len(s)%2 == 0 {
		return (s[mid-1] + s[mid]) / 2
	}
	return s[mid]
}
