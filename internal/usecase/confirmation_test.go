package usecase_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vitos/orderflow_bot/internal/domain"
	"github.com/vitos/orderflow_bot/internal/usecase"
)

func signals(dirs ...domain.Direction) []domain.SignalRecord {
	out := make([]domain.SignalRecord, len(dirs))
	for i, d := range dirs {
		out[i] = domain.SignalRecord{Direction: d}
	}
	return out
}

const (
	buy  = domain.DirectionBuy
	sell = domain.DirectionSell
	hold = domain.DirectionHold
)

func TestConsecutiveConfirmation(t *testing.T) {
	c := &usecase.ConsecutiveConfirmation{Count: 3, Window: 10}

	tests := []struct {
		name    string
		history []domain.SignalRecord
		want    domain.Direction
	}{
		{"newest three buys", signals(buy, buy, buy, sell), buy},
		{"run further back", signals(hold, sell, sell, sell, buy), sell},
		{"broken by hold", signals(buy, buy, hold, buy, buy), hold},
		{"alternating", signals(buy, sell, buy, sell, buy, sell), hold},
		{"empty", nil, hold},
		{"run outside window", signals(hold, hold, hold, hold, hold, hold, hold, hold, buy, buy, buy), hold},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := c.Confirm(usecase.ConfirmationInput{Candidate: buy, RecentSignals: tt.history})
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMajorityConfirmation(t *testing.T) {
	m := &usecase.MajorityConfirmation{Window: 5}

	assert.Equal(t, buy, m.Confirm(usecase.ConfirmationInput{RecentSignals: signals(buy, sell, buy, hold, buy)}))
	assert.Equal(t, hold, m.Confirm(usecase.ConfirmationInput{RecentSignals: signals(buy, sell, buy, sell)}))
	assert.Equal(t, sell, m.Confirm(usecase.ConfirmationInput{RecentSignals: signals(sell, sell, sell, buy, buy, buy, buy)}))
	assert.Equal(t, hold, m.Confirm(usecase.ConfirmationInput{}))
}

func closeBars(values ...float64) []domain.Bar {
	bars := make([]domain.Bar, len(values))
	for i, v := range values {
		bars[i] = domain.Bar{Open: v, High: v + 1, Low: v - 1, Close: v}
	}
	return bars
}

func TestPriceActionConfirmation(t *testing.T) {
	p := &usecase.PriceActionConfirmation{Bars: 3}

	assert.Equal(t, buy, p.Confirm(usecase.ConfirmationInput{Bars: closeBars(90, 100, 99, 101)}))
	assert.Equal(t, sell, p.Confirm(usecase.ConfirmationInput{Bars: closeBars(100, 98, 97)}))
	assert.Equal(t, hold, p.Confirm(usecase.ConfirmationInput{Bars: closeBars(100, 98, 100)}))
	assert.Equal(t, hold, p.Confirm(usecase.ConfirmationInput{Bars: closeBars(100)}))
}

func TestRSIBandConfirmation(t *testing.T) {
	r := &usecase.RSIBandConfirmation{Period: 3, Lower: 30, Upper: 70}
	rising := closeBars(1, 2, 3, 4, 5)

	// rsi is 100 on a straight climb
	assert.Equal(t, hold, r.Confirm(usecase.ConfirmationInput{Candidate: buy, Bars: rising}))
	assert.Equal(t, sell, r.Confirm(usecase.ConfirmationInput{Candidate: sell, Bars: rising}))
	assert.Equal(t, hold, r.Confirm(usecase.ConfirmationInput{Candidate: buy, Bars: rising[:2]}))
}

func TestStochasticConfirmation(t *testing.T) {
	s := &usecase.StochasticConfirmation{KPeriod: 3, DPeriod: 2, Oversold: 20, Overbought: 80}

	turningUp := []domain.Bar{
		{High: 10, Low: 5, Close: 6},
		{High: 12, Low: 6, Close: 7},
		{High: 11, Low: 6, Close: 9},
		{High: 11, Low: 7, Close: 10},
	}
	assert.Equal(t, buy, s.Confirm(usecase.ConfirmationInput{Candidate: buy, Bars: turningUp}))

	steadyClimb := closeBars(1, 2, 3, 4, 5)
	assert.Equal(t, hold, s.Confirm(usecase.ConfirmationInput{Candidate: buy, Bars: steadyClimb}))
}

func TestAllConfirmation(t *testing.T) {
	cfg := usecase.DefaultConfirmationConfig()
	cfg.Strategy = "all"
	cfg.Combine = []string{"consecutive", "price_action"}

	c, err := usecase.NewConfirmation(cfg)
	require.NoError(t, err)
	assert.Equal(t, "all(consecutive,price_action)", c.Name())

	in := usecase.ConfirmationInput{
		Candidate:     buy,
		RecentSignals: signals(buy, buy, buy),
		Bars:          closeBars(100, 101, 102),
	}
	assert.Equal(t, buy, c.Confirm(in))

	in.Bars = closeBars(102, 101, 100)
	assert.Equal(t, hold, c.Confirm(in))
}

func TestNewConfirmation(t *testing.T) {
	for _, name := range []string{"none", "consecutive", "majority", "price_action", "rsi_band", "stochastic"} {
		cfg := usecase.DefaultConfirmationConfig()
		cfg.Strategy = name
		c, err := usecase.NewConfirmation(cfg)
		require.NoError(t, err, name)
		assert.Equal(t, name, c.Name())
	}

	cfg := usecase.DefaultConfirmationConfig()
	cfg.Strategy = "all"
	_, err := usecase.NewConfirmation(cfg)
	assert.Error(t, err)

	cfg.Combine = []string{"all"}
	_, err = usecase.NewConfirmation(cfg)
	assert.Error(t, err)

	cfg.Strategy = "vibes"
	_, err = usecase.NewConfirmation(cfg)
	assert.Error(t, err)
}
