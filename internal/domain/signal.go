package domain

import "time"

// Tier is a spike severity. Ordering is defined by the classifier's tier table.
type Tier string

const (
	TierMild       Tier = "mild"
	TierStrong     Tier = "strong"
	TierVeryStrong Tier = "very_strong"
	TierBehemoth   Tier = "behemoth"
)

// RatedValue is a series element that qualified for a tier.
type RatedValue struct {
	Index int     `json:"index"`
	Value float64 `json:"value"`
	Tier  Tier    `json:"tier"`
}

type Direction string

const (
	DirectionBuy  Direction = "buy"
	DirectionSell Direction = "sell"
	DirectionHold Direction = "hold"
)

// Opposite returns the reverse direction; hold stays hold.
func (d Direction) Opposite() Direction {
	switch d {
	case DirectionBuy:
		return DirectionSell
	case DirectionSell:
		return DirectionBuy
	}
	return DirectionHold
}

// CompositeSignal is the classifier's decision for one evaluation tick.
type CompositeSignal struct {
	Direction Direction `json:"direction"`
	Score     int       `json:"score"`
	Reason    string    `json:"reason,omitempty"`
}

// HoldSignal builds a neutral signal carrying the reason it was produced.
func HoldSignal(reason string) CompositeSignal {
	return CompositeSignal{Direction: DirectionHold, Reason: reason}
}

// SignalRecord is a persisted composite signal.
type SignalRecord struct {
	ID              int64     `json:"id"`
	Symbol          string    `json:"symbol"`
	Timestamp       time.Time `json:"timestamp"`
	Direction       Direction `json:"direction"`
	Score           int       `json:"score"`
	CumulativeDelta float64   `json:"cumulative_delta"`
	Reason          string    `json:"reason,omitempty"`
}
