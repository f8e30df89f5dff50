package calculator

import (
	"math"
	"testing"

	"github.com/folioworks/rebalancer/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCalculatePortfolioValue(t *testing.T) {
	balances := map[string]float64{"BTC": 0.5, "ETH": 2.0, "EUR": 100}
	prices := map[string]float64{"BTC": 40000, "ETH": 2500, "EUR": 1.0}

	pv := CalculatePortfolioValue(balances, prices)

	assert.InDelta(t, 0.5*40000+2.0*2500+100, pv.TotalValue, 1e-9)
	require.Len(t, pv.Holdings, 3)
	assert.Equal(t, "BTC", pv.Holdings[0].Symbol, "holdings sorted by value desc")
	assert.Equal(t, "ETH", pv.Holdings[1].Symbol)

	var pctSum float64
	for _, h := range pv.Holdings {
		pctSum += h.PercentOfTotal
	}
	assert.InDelta(t, 100, pctSum, 1e-9)
}

func TestCalculatePortfolioValueUnknownPrice(t *testing.T) {
	balances := map[string]float64{"BTC": 0.5, "MYSTERY": 3}
	prices := map[string]float64{"BTC": 40000}

	pv := CalculatePortfolioValue(balances, prices)

	assert.InDelta(t, 20000, pv.TotalValue, 1e-9)
	assert.Equal(t, []string{"MYSTERY"}, pv.ExcludedSymbols)
}

func TestCalculatePortfolioValueDustIgnored(t *testing.T) {
	pv := CalculatePortfolioValue(map[string]float64{"BTC": 1e-12}, map[string]float64{"BTC": 40000})
	assert.Zero(t, pv.TotalValue)
	assert.Empty(t, pv.Holdings)
	assert.Empty(t, pv.ExcludedSymbols)
}

func TestCalculateTargetHoldingsSumToTotal(t *testing.T) {
	weights := map[string]float64{"BTC": 40, "ETH": 35, "SOL": 25}
	prices := map[string]float64{"BTC": 40000, "ETH": 2500, "SOL": 100}

	targets := CalculateTargetHoldings(weights, 10000, prices)

	var sum float64
	for _, h := range targets {
		sum += h.Value
		assert.InDelta(t, h.Value, h.Amount*prices[h.Symbol], 1e-6)
	}
	assert.InDelta(t, 10000, sum, 1e-6)
}

func TestCalculateTargetHoldingsSkipsUnpriced(t *testing.T) {
	targets := CalculateTargetHoldings(
		map[string]float64{"BTC": 50, "GHOST": 50},
		10000,
		map[string]float64{"BTC": 40000},
	)
	require.Len(t, targets, 1)
	assert.Equal(t, "BTC", targets[0].Symbol)
}

// Scenario from the original system: 80/20 actual vs 40/60 target must sell
// BTC and buy ETH.
func TestGenerateRebalanceOrdersScenario(t *testing.T) {
	balances := map[string]float64{"BTC": 0.5, "ETH": 2.0}
	prices := map[string]float64{"BTC": 40000, "ETH": 2500}
	weights := map[string]float64{"BTC": 40, "ETH": 60}

	pv := CalculatePortfolioValue(balances, prices)
	targets := CalculateTargetHoldings(weights, pv.TotalValue, prices)
	orders, skipped := GenerateRebalanceOrders(pv.Holdings, targets, 10)

	require.Len(t, orders, 2)
	assert.Empty(t, skipped)

	byShape := map[string]model.RebalanceOrder{}
	for _, o := range orders {
		byShape[o.Symbol] = o
	}

	sellBTC := byShape["BTC"]
	assert.Equal(t, model.Sell, sellBTC.Side)
	assert.Negative(t, sellBTC.Difference)
	assert.InDelta(t, -10000, sellBTC.Difference, 1e-6) // 20000 -> 10000

	buyETH := byShape["ETH"]
	assert.Equal(t, model.Buy, buyETH.Side)
	assert.Positive(t, buyETH.Difference)
	assert.InDelta(t, 10000, buyETH.Difference, 1e-6) // 5000 -> 15000

	// largest imbalance first: both 10000, order stable either way
	assert.InDelta(t, math.Abs(orders[0].Difference), 10000, 1e-6)
}

func TestGenerateRebalanceOrdersThreshold(t *testing.T) {
	current := []model.AssetHolding{{Symbol: "BTC", Amount: 1, Value: 1000}}
	target := []model.AssetHolding{{Symbol: "BTC", Amount: 1.005, Value: 1005}}

	orders, skipped := GenerateRebalanceOrders(current, target, 10)
	assert.Empty(t, orders)
	require.Len(t, skipped, 1, "below-threshold orders are retained, not dropped")
	assert.Equal(t, "BTC", skipped[0].Symbol)
}

func TestGenerateRebalanceOrdersNeverTradesQuote(t *testing.T) {
	current := []model.AssetHolding{{Symbol: "EUR", Amount: 500, Value: 500}}
	target := []model.AssetHolding{{Symbol: "EUR", Amount: 100, Value: 100}}

	orders, skipped := GenerateRebalanceOrders(current, target, 1)
	assert.Empty(t, orders)
	assert.Empty(t, skipped)
}

func TestGenerateRebalanceOrdersZeroBalanceTarget(t *testing.T) {
	current := []model.AssetHolding{{Symbol: "BTC", Amount: 1, Value: 40000}}
	target := []model.AssetHolding{
		{Symbol: "BTC", Amount: 0.5, Value: 20000},
		{Symbol: "ETH", Amount: 8, Value: 20000},
	}

	orders, _ := GenerateRebalanceOrders(current, target, 10)
	require.Len(t, orders, 2)
	for _, o := range orders {
		if o.Symbol == "ETH" {
			assert.Equal(t, model.Buy, o.Side)
			assert.InDelta(t, 8, o.Volume, 1e-9)
		}
	}
}

func TestValidateWeights(t *testing.T) {
	assert.Empty(t, ValidateWeights(map[string]float64{"BTC": 60, "ETH": 40}))
	assert.Empty(t, ValidateWeights(map[string]float64{"BTC": 60.005, "ETH": 40}))

	assert.NotEmpty(t, ValidateWeights(nil))
	assert.NotEmpty(t, ValidateWeights(map[string]float64{"BTC": -5, "ETH": 105}))
	assert.NotEmpty(t, ValidateWeights(map[string]float64{"BTC": 50, "ETH": 30}))
}

func TestNormalizeWeights(t *testing.T) {
	normalized := NormalizeWeights(map[string]float64{"BTC": 50, "ETH": 30, "GHOST": 20}, []string{"GHOST"})

	require.Len(t, normalized, 2)
	assert.InDelta(t, 62.5, normalized["BTC"], 1e-9)
	assert.InDelta(t, 37.5, normalized["ETH"], 1e-9)

	var sum float64
	for _, w := range normalized {
		sum += w
	}
	assert.InDelta(t, 100, sum, 1e-9)
}

func TestNormalizeWeightsAllDropped(t *testing.T) {
	assert.Empty(t, NormalizeWeights(map[string]float64{"BTC": 100}, []string{"BTC"}))
}
