// Package history is the SQLite-backed historical-return provider. It reads
// daily closing prices, repairs gaps with forward/back-fill and produces the
// time-by-asset return matrix consumed by the moment estimator.
package history

import (
	"database/sql"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/decision-engine/internal/database"
	"github.com/aristath/decision-engine/internal/modules/optimization"
)

// TimeSeriesData is a date-aligned price panel, NaN for missing cells.
type TimeSeriesData struct {
	Dates []string
	Data  map[string][]float64
}

// Provider reads daily prices from a SQLite database.
type Provider struct {
	db     *sql.DB
	closer func() error
	log    zerolog.Logger
}

// NewProvider wraps an open database handle.
func NewProvider(db *sql.DB, log zerolog.Logger) *Provider {
	return &Provider{
		db:     db,
		closer: db.Close,
		log:    log.With().Str("component", "history").Logger(),
	}
}

// Open creates a provider over the SQLite file at path, tuned for the
// read-mostly price workload.
func Open(path string, log zerolog.Logger) (*Provider, error) {
	store, err := database.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening price database: %w", err)
	}
	p := NewProvider(store.Conn(), log)
	p.closer = store.Close
	return p, nil
}

// Close releases the database handle.
func (p *Provider) Close() error {
	return p.closer()
}

// ReturnHistory fetches the last lookbackDays of closing prices for the
// assets, fills gaps and converts close-to-close returns into the
// observation matrix, rows oldest to newest.
func (p *Provider) ReturnHistory(assets []string, lookbackDays int) (optimization.ReturnHistory, error) {
	if len(assets) == 0 {
		return optimization.ReturnHistory{}, fmt.Errorf("no assets requested")
	}

	prices, err := p.fetchPriceHistory(assets, lookbackDays)
	if err != nil {
		return optimization.ReturnHistory{}, err
	}
	if len(prices.Dates) < 2 {
		return optimization.ReturnHistory{}, fmt.Errorf("insufficient price history: %d dates", len(prices.Dates))
	}

	filled := p.fillMissing(prices)
	returns := calculateReturns(filled)

	observations := make([][]float64, len(prices.Dates)-1)
	for t := range observations {
		row := make([]float64, len(assets))
		for j, asset := range assets {
			row[j] = returns[asset][t]
		}
		observations[t] = row
	}

	return optimization.ReturnHistory{
		Assets:       append([]string{}, assets...),
		Observations: observations,
	}, nil
}

// Prices returns the filled closing price series per asset, for momentum
// scoring and diagnostics.
func (p *Provider) Prices(assets []string, lookbackDays int) (map[string][]float64, error) {
	prices, err := p.fetchPriceHistory(assets, lookbackDays)
	if err != nil {
		return nil, err
	}
	return p.fillMissing(prices).Data, nil
}

// fetchPriceHistory queries daily closes for the assets, aligning every
// asset onto the union of observed dates with NaN where a close is missing.
func (p *Provider) fetchPriceHistory(assets []string, days int) (TimeSeriesData, error) {
	startDate := time.Now().AddDate(0, 0, -days).Format("2006-01-02")

	query := `
		SELECT
			symbol,
			date,
			close
		FROM daily_prices
		WHERE symbol IN (` + placeholders(len(assets)) + `)
			AND date >= ?
		ORDER BY date ASC
	`

	args := make([]interface{}, 0, len(assets)+1)
	for _, asset := range assets {
		args = append(args, asset)
	}
	args = append(args, startDate)

	rows, err := p.db.Query(query, args...)
	if err != nil {
		return TimeSeriesData{}, fmt.Errorf("querying price history: %w", err)
	}
	defer rows.Close()

	pricesBySymbol := make(map[string]map[string]float64)
	dateSet := make(map[string]bool)

	for rows.Next() {
		var symbol, date string
		var price float64
		if err := rows.Scan(&symbol, &date, &price); err != nil {
			return TimeSeriesData{}, fmt.Errorf("scanning price row: %w", err)
		}
		if pricesBySymbol[symbol] == nil {
			pricesBySymbol[symbol] = make(map[string]float64)
		}
		pricesBySymbol[symbol][date] = price
		dateSet[date] = true
	}
	if err := rows.Err(); err != nil {
		return TimeSeriesData{}, fmt.Errorf("iterating price rows: %w", err)
	}

	dates := make([]string, 0, len(dateSet))
	for date := range dateSet {
		dates = append(dates, date)
	}
	sort.Strings(dates)

	data := make(map[string][]float64, len(assets))
	for _, asset := range assets {
		prices := make([]float64, len(dates))
		for i, date := range dates {
			if price, ok := pricesBySymbol[asset][date]; ok {
				prices[i] = price
			} else {
				prices[i] = math.NaN()
			}
		}
		data[asset] = prices
	}

	p.log.Debug().
		Int("num_dates", len(dates)).
		Int("num_assets", len(assets)).
		Msg("Fetched price history")

	return TimeSeriesData{Dates: dates, Data: data}, nil
}

// fillMissing forward-fills gaps with the previous valid close, then
// back-fills leading gaps from the first valid one.
func (p *Provider) fillMissing(data TimeSeriesData) TimeSeriesData {
	filledData := TimeSeriesData{
		Dates: data.Dates,
		Data:  make(map[string][]float64, len(data.Data)),
	}

	missingCount := 0
	filledCount := 0

	for symbol, prices := range data.Data {
		filled := make([]float64, len(prices))
		copy(filled, prices)

		var lastValid float64
		hasLastValid := false
		for i := 0; i < len(filled); i++ {
			if math.IsNaN(filled[i]) {
				missingCount++
				if hasLastValid {
					filled[i] = lastValid
					filledCount++
				}
			} else {
				lastValid = filled[i]
				hasLastValid = true
			}
		}

		var nextValid float64
		hasNextValid := false
		for i := len(filled) - 1; i >= 0; i-- {
			if math.IsNaN(filled[i]) {
				if hasNextValid {
					filled[i] = nextValid
					filledCount++
				}
			} else {
				nextValid = filled[i]
				hasNextValid = true
			}
		}

		filledData.Data[symbol] = filled
	}

	if missingCount > 0 {
		p.log.Warn().
			Int("missing_data_points", missingCount).
			Int("filled_data_points", filledCount).
			Int("still_missing", missingCount-filledCount).
			Msg("Filled missing price data")
	}

	return filledData
}

// calculateReturns converts closes to close-to-close returns, 0 where a
// price is unusable.
func calculateReturns(data TimeSeriesData) map[string][]float64 {
	returns := make(map[string][]float64, len(data.Data))

	for symbol, prices := range data.Data {
		if len(prices) < 2 {
			returns[symbol] = []float64{}
			continue
		}
		daily := make([]float64, len(prices)-1)
		for i := 1; i < len(prices); i++ {
			if prices[i-1] > 0 && !math.IsNaN(prices[i]) && !math.IsNaN(prices[i-1]) {
				daily[i-1] = (prices[i] - prices[i-1]) / prices[i-1]
			}
		}
		returns[symbol] = daily
	}

	return returns
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
