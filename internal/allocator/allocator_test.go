package allocator

import (
	"math"
	"strings"
	"testing"

	"github.com/folioworks/rebalancer/internal/logger"
	"github.com/folioworks/rebalancer/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newAllocator() *Allocator {
	return New(logger.NopLogger{})
}

// Post-allocation invariant: sells plus cash always cover the buys.
func assertFunded(t *testing.T, res model.FundAllocationResult, cash float64) {
	t.Helper()
	var sellEur, buyEur float64
	for _, o := range res.AdjustedOrders {
		switch o.Side {
		case model.Sell:
			sellEur += math.Abs(o.Difference)
		case model.Buy:
			buyEur += o.Difference
		}
	}
	assert.GreaterOrEqual(t, sellEur+cash+1e-6, buyEur, "order set requests more cash than available")
}

func TestAllocateFull(t *testing.T) {
	orders := []model.RebalanceOrder{
		{Symbol: "BTC", Side: model.Sell, Volume: 0.25, Difference: -10000},
		{Symbol: "ETH", Side: model.Buy, Volume: 4, Difference: 10000},
	}
	balances := map[string]float64{"BTC": 0.5}

	res := newAllocator().Allocate(orders, balances, 100)

	assert.Equal(t, model.AllocationFull, res.Strategy)
	assertFunded(t, res, 100)

	// buys untouched under the full strategy
	for _, o := range res.AdjustedOrders {
		if o.Side == model.Buy {
			assert.InDelta(t, 4, o.Volume, 1e-9)
		}
	}
}

// Scenario from the original system: €5 cash, one €50 buy, no sells.
func TestAllocatePartialZeroesBuys(t *testing.T) {
	orders := []model.RebalanceOrder{
		{Symbol: "ETH", Side: model.Buy, Volume: 0.02, Difference: 50},
	}

	res := newAllocator().Allocate(orders, map[string]float64{}, 0.001)

	assert.Equal(t, model.AllocationPartial, res.Strategy)
	require.Len(t, res.AdjustedOrders, 1)
	assert.Zero(t, res.AdjustedOrders[0].Volume)
	assert.Zero(t, res.AdjustedOrders[0].Difference)

	require.NotEmpty(t, res.Adjustments)
	assert.Contains(t, strings.ToLower(res.Adjustments[0].Reason), "insufficient funds")
	assertFunded(t, res, 0.001)
}

func TestAllocateProportional(t *testing.T) {
	orders := []model.RebalanceOrder{
		{Symbol: "ETH", Side: model.Buy, Volume: 4, Difference: 100},
		{Symbol: "SOL", Side: model.Buy, Volume: 1, Difference: 100},
	}

	res := newAllocator().Allocate(orders, map[string]float64{}, 100)

	assert.Equal(t, model.AllocationProportional, res.Strategy)

	scale := 100 / (200 * 1.0026)
	for _, o := range res.AdjustedOrders {
		assert.InDelta(t, 100*scale, o.Difference, 1e-6, "buys scaled uniformly")
	}
	assertFunded(t, res, 100)
	assert.Len(t, res.Adjustments, 2)
}

func TestAllocateScalesDownOverLiquidation(t *testing.T) {
	// sells would raise €200 but buys only need €50 beyond €30 cash
	orders := []model.RebalanceOrder{
		{Symbol: "BTC", Side: model.Sell, Volume: 0.005, Difference: -200},
		{Symbol: "ETH", Side: model.Buy, Volume: 0.032, Difference: 80},
	}
	balances := map[string]float64{"BTC": 1}

	res := newAllocator().Allocate(orders, balances, 30)

	var sell model.RebalanceOrder
	for _, o := range res.AdjustedOrders {
		if o.Side == model.Sell {
			sell = o
		}
	}

	needed := 80*1.0026 - 30
	assert.InDelta(t, needed, math.Abs(sell.Difference), 1e-6, "sell shrunk to exactly what buys need")
	assert.Less(t, sell.Volume, 0.005)
	assert.Equal(t, model.AllocationFull, res.Strategy)
	assertFunded(t, res, 30)
}

func TestAllocateClampsSellToHeldBalance(t *testing.T) {
	orders := []model.RebalanceOrder{
		{Symbol: "BTC", Side: model.Sell, Volume: 1.0, Difference: -40000},
		{Symbol: "ETH", Side: model.Buy, Volume: 16, Difference: 40000},
	}
	balances := map[string]float64{"BTC": 0.5}

	res := newAllocator().Allocate(orders, balances, 0)

	var sell model.RebalanceOrder
	for _, o := range res.AdjustedOrders {
		if o.Side == model.Sell {
			sell = o
		}
	}
	assert.InDelta(t, 0.5, sell.Volume, 1e-9)

	// shortfall reduces realized funds, so buys scale down too
	assert.Equal(t, model.AllocationProportional, res.Strategy)
	assertFunded(t, res, 0)

	var found bool
	for _, adj := range res.Adjustments {
		if adj.Side == model.Sell && strings.Contains(adj.Reason, "insufficient BTC balance") {
			found = true
		}
	}
	assert.True(t, found, "clamp must be recorded with a readable reason")
}

func TestAllocateNoOrders(t *testing.T) {
	res := newAllocator().Allocate(nil, map[string]float64{}, 100)
	assert.Equal(t, model.AllocationFull, res.Strategy)
	assert.Empty(t, res.AdjustedOrders)
	assert.Empty(t, res.Warnings)
}

func TestValidateFlagsNetFlowDrift(t *testing.T) {
	orders := []model.RebalanceOrder{
		{Symbol: "ETH", Side: model.Buy, Volume: 1, Difference: 2500},
	}

	res := newAllocator().Allocate(orders, map[string]float64{}, 0.001)

	require.NotEmpty(t, res.Warnings)
	var flowWarned, skipWarned bool
	for _, w := range res.Warnings {
		if strings.Contains(w, "net EUR flow changed") {
			flowWarned = true
		}
		if strings.Contains(w, "fully skipped") {
			skipWarned = true
		}
	}
	assert.True(t, flowWarned)
	assert.True(t, skipWarned)
}
