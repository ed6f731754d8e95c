package history

import (
	"database/sql"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/decision-engine/internal/database"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	store, err := database.Open(filepath.Join(t.TempDir(), "prices.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	db := store.Conn()
	_, err = db.Exec(`CREATE TABLE daily_prices (
		symbol TEXT NOT NULL,
		date TEXT NOT NULL,
		close REAL NOT NULL,
		PRIMARY KEY (symbol, date)
	)`)
	require.NoError(t, err)
	return db
}

func insertPrice(t *testing.T, db *sql.DB, symbol, date string, close float64) {
	t.Helper()
	_, err := db.Exec(`INSERT INTO daily_prices (symbol, date, close) VALUES (?, ?, ?)`, symbol, date, close)
	require.NoError(t, err)
}

func recentDate(daysAgo int) string {
	return time.Now().AddDate(0, 0, -daysAgo).Format("2006-01-02")
}

func TestReturnHistory_Basic(t *testing.T) {
	db := openTestDB(t)
	provider := NewProvider(db, zerolog.Nop())

	// Three consecutive closes: 100 -> 110 -> 99
	insertPrice(t, db, "AAA", recentDate(3), 100)
	insertPrice(t, db, "AAA", recentDate(2), 110)
	insertPrice(t, db, "AAA", recentDate(1), 99)

	history, err := provider.ReturnHistory([]string{"AAA"}, 30)
	require.NoError(t, err)

	require.Equal(t, []string{"AAA"}, history.Assets)
	require.Len(t, history.Observations, 2)
	assert.InDelta(t, 0.10, history.Observations[0][0], 1e-12)
	assert.InDelta(t, -0.10, history.Observations[1][0], 1e-12)
}

func TestReturnHistory_ForwardFillsGaps(t *testing.T) {
	db := openTestDB(t)
	provider := NewProvider(db, zerolog.Nop())

	insertPrice(t, db, "AAA", recentDate(3), 100)
	insertPrice(t, db, "AAA", recentDate(2), 110)
	insertPrice(t, db, "AAA", recentDate(1), 121)

	// BBB misses the middle date, so its close carries forward
	insertPrice(t, db, "BBB", recentDate(3), 50)
	insertPrice(t, db, "BBB", recentDate(1), 55)

	history, err := provider.ReturnHistory([]string{"AAA", "BBB"}, 30)
	require.NoError(t, err)

	require.Len(t, history.Observations, 2)
	assert.InDelta(t, 0.0, history.Observations[0][1], 1e-12, "forward-filled close yields zero return")
	assert.InDelta(t, 0.10, history.Observations[1][1], 1e-12)
}

func TestReturnHistory_BackFillsLeadingGaps(t *testing.T) {
	db := openTestDB(t)
	provider := NewProvider(db, zerolog.Nop())

	insertPrice(t, db, "AAA", recentDate(3), 100)
	insertPrice(t, db, "AAA", recentDate(2), 110)
	insertPrice(t, db, "AAA", recentDate(1), 121)

	// BBB only listed from the middle date; its first close back-fills
	insertPrice(t, db, "BBB", recentDate(2), 40)
	insertPrice(t, db, "BBB", recentDate(1), 44)

	history, err := provider.ReturnHistory([]string{"AAA", "BBB"}, 30)
	require.NoError(t, err)

	assert.InDelta(t, 0.0, history.Observations[0][1], 1e-12, "back-filled close yields zero return")
	assert.InDelta(t, 0.10, history.Observations[1][1], 1e-12)
}

func TestReturnHistory_Errors(t *testing.T) {
	db := openTestDB(t)
	provider := NewProvider(db, zerolog.Nop())

	_, err := provider.ReturnHistory(nil, 30)
	require.Error(t, err)

	_, err = provider.ReturnHistory([]string{"GHOST"}, 30)
	require.Error(t, err, "no rows means no usable history")
}

func TestReturnHistory_LookbackWindow(t *testing.T) {
	db := openTestDB(t)
	provider := NewProvider(db, zerolog.Nop())

	// One stale close outside the window plus two inside
	insertPrice(t, db, "AAA", recentDate(90), 10)
	insertPrice(t, db, "AAA", recentDate(2), 100)
	insertPrice(t, db, "AAA", recentDate(1), 105)

	history, err := provider.ReturnHistory([]string{"AAA"}, 30)
	require.NoError(t, err)
	require.Len(t, history.Observations, 1, "stale rows stay outside the lookback")
	assert.InDelta(t, 0.05, history.Observations[0][0], 1e-12)
}

func TestPrices_FilledSeries(t *testing.T) {
	db := openTestDB(t)
	provider := NewProvider(db, zerolog.Nop())

	insertPrice(t, db, "AAA", recentDate(2), 100)
	insertPrice(t, db, "AAA", recentDate(1), 101)

	prices, err := provider.Prices([]string{"AAA"}, 30)
	require.NoError(t, err)
	require.Len(t, prices["AAA"], 2)
	for _, p := range prices["AAA"] {
		assert.False(t, math.IsNaN(p))
	}
}
