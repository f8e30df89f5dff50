// Package allocator post-processes planned rebalance orders against the
// actually available balances, scaling or zeroing orders so the set as a
// whole never requests more cash or assets than the account holds.
package allocator

import (
	"fmt"
	"math"

	"github.com/folioworks/rebalancer/internal/logger"
	"github.com/folioworks/rebalancer/internal/model"
)

const (
	// _feeBufferRate is held back from buy outflow to cover taker fees.
	_feeBufferRate = 0.0026
	// _negligibleFunds is the floor below which realized funds cannot
	// support any buy order.
	_negligibleFunds = 0.01
	// _netFlowTolerance is the max acceptable drift between the original
	// and adjusted net quote-currency flow before a warning is raised.
	_netFlowTolerance = 0.01
)

type Allocator struct {
	logger logger.Logger
}

func New(logger logger.Logger) *Allocator {
	return &Allocator{logger: logger}
}

// Allocate adjusts the order set to fit availableCash (quote currency) and
// the per-asset balances. Sells are clamped to held amounts and scaled down
// when they would liquidate more than the buys need; buys are kept, scaled
// proportionally, or zeroed depending on realized funds.
func (a *Allocator) Allocate(orders []model.RebalanceOrder, balances map[string]float64, availableCash float64) model.FundAllocationResult {
	adjusted := make([]model.RebalanceOrder, len(orders))
	copy(adjusted, orders)

	res := model.FundAllocationResult{}

	var plannedSellEur, requiredBuyEur float64
	for _, o := range adjusted {
		switch o.Side {
		case model.Sell:
			plannedSellEur += math.Abs(o.Difference)
		case model.Buy:
			requiredBuyEur += o.Difference
		}
	}
	requiredWithBuffer := requiredBuyEur * (1 + _feeBufferRate)

	// never liquidate more than the buys need beyond cash on hand
	neededBeyondCash := math.Max(requiredWithBuffer-availableCash, 0)
	if plannedSellEur > neededBeyondCash && plannedSellEur > 0 {
		ratio := neededBeyondCash / plannedSellEur
		for i := range adjusted {
			if adjusted[i].Side != model.Sell {
				continue
			}
			orig := adjusted[i].Volume
			adjusted[i].Volume *= ratio
			adjusted[i].Difference *= ratio
			res.Adjustments = append(res.Adjustments, model.OrderAdjustment{
				Symbol:         adjusted[i].Symbol,
				Side:           model.Sell,
				OriginalVolume: orig,
				AdjustedVolume: adjusted[i].Volume,
				Reason:         fmt.Sprintf("sell scaled to %.1f%% to avoid over-liquidation", ratio*100),
			})
		}
		plannedSellEur = neededBeyondCash
	}

	// clamp each sell to what is actually held
	var realizedSellEur float64
	for i := range adjusted {
		if adjusted[i].Side != model.Sell {
			continue
		}
		held := balances[adjusted[i].Symbol]
		if adjusted[i].Volume > held {
			orig := adjusted[i].Volume
			shortfallRatio := 0.0
			if orig > 0 {
				shortfallRatio = held / orig
			}
			adjusted[i].Volume = held
			adjusted[i].Difference *= shortfallRatio
			res.Adjustments = append(res.Adjustments, model.OrderAdjustment{
				Symbol:         adjusted[i].Symbol,
				Side:           model.Sell,
				OriginalVolume: orig,
				AdjustedVolume: held,
				Reason:         fmt.Sprintf("insufficient %s balance: wanted %.8f, have %.8f", adjusted[i].Symbol, orig, held),
			})
			a.logger.Warnf("sell %s clamped from %.8f to held %.8f", adjusted[i].Symbol, orig, held)
		}
		realizedSellEur += math.Abs(adjusted[i].Difference)
	}

	realizedFunds := availableCash + realizedSellEur
	res.TotalAvailableFunds = realizedFunds
	res.TotalRequiredFunds = requiredWithBuffer

	switch {
	case requiredBuyEur == 0 || realizedFunds >= requiredWithBuffer-1e-9:
		res.Strategy = model.AllocationFull

	case realizedFunds < _negligibleFunds:
		res.Strategy = model.AllocationPartial
		for i := range adjusted {
			if adjusted[i].Side != model.Buy {
				continue
			}
			orig := adjusted[i].Volume
			adjusted[i].Volume = 0
			adjusted[i].Difference = 0
			res.Adjustments = append(res.Adjustments, model.OrderAdjustment{
				Symbol:         adjusted[i].Symbol,
				Side:           model.Buy,
				OriginalVolume: orig,
				AdjustedVolume: 0,
				Reason:         fmt.Sprintf("insufficient funds: %.2f %s available, buy skipped", realizedFunds, model.QuoteCurrency),
			})
			a.logger.Warnf("buy %s zeroed: only %.2f %s available", adjusted[i].Symbol, realizedFunds, model.QuoteCurrency)
		}

	default:
		res.Strategy = model.AllocationProportional
		scale := realizedFunds / requiredWithBuffer
		for i := range adjusted {
			if adjusted[i].Side != model.Buy {
				continue
			}
			orig := adjusted[i].Volume
			adjusted[i].Volume *= scale
			adjusted[i].Difference *= scale
			res.Adjustments = append(res.Adjustments, model.OrderAdjustment{
				Symbol:         adjusted[i].Symbol,
				Side:           model.Buy,
				OriginalVolume: orig,
				AdjustedVolume: adjusted[i].Volume,
				Reason:         fmt.Sprintf("buy scaled to %.1f%% of planned size to fit available funds", scale*100),
			})
		}
	}

	res.AdjustedOrders = adjusted
	res.Warnings = a.validateAdjustedOrders(orders, adjusted)
	return res
}

// validateAdjustedOrders compares original and adjusted net quote flow and
// flags fully skipped orders. It only annotates; execution is never blocked.
func (a *Allocator) validateAdjustedOrders(original, adjusted []model.RebalanceOrder) []string {
	var warnings []string

	netFlow := func(orders []model.RebalanceOrder) float64 {
		var n float64
		for _, o := range orders {
			n += o.Difference
		}
		return n
	}

	origNet := netFlow(original)
	adjNet := netFlow(adjusted)
	if math.Abs(origNet-adjNet) > _netFlowTolerance {
		warnings = append(warnings,
			fmt.Sprintf("net %s flow changed from %.2f to %.2f during allocation", model.QuoteCurrency, origNet, adjNet))
	}

	for i, o := range adjusted {
		if o.Volume == 0 && original[i].Volume > 0 {
			warnings = append(warnings, fmt.Sprintf("%s %s order fully skipped", o.Side, o.Symbol))
		}
	}

	return warnings
}
