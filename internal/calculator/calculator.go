// Package calculator holds the pure portfolio math: valuation, target
// holdings and rebalance-order generation. No I/O, no clock, no state.
package calculator

import (
	"fmt"
	"math"
	"sort"

	"github.com/folioworks/rebalancer/internal/model"
)

const (
	_weightSumTolerance = 0.01
	_dustBalance        = 1e-8
)

// CalculatePortfolioValue sums amount*price over assets that have a known
// price. Assets with a non-negligible balance but no price are excluded and
// reported, never a crash.
func CalculatePortfolioValue(balances, prices map[string]float64) model.PortfolioValue {
	pv := model.PortfolioValue{Currency: model.QuoteCurrency}

	for symbol, amount := range balances {
		if amount <= _dustBalance {
			continue
		}

		price, ok := prices[symbol]
		if !ok || price <= 0 {
			pv.ExcludedSymbols = append(pv.ExcludedSymbols, symbol)
			continue
		}

		value := amount * price
		pv.TotalValue += value
		pv.Holdings = append(pv.Holdings, model.AssetHolding{
			Symbol: symbol,
			Amount: amount,
			Value:  value,
		})
	}

	sort.Slice(pv.Holdings, func(i, j int) bool {
		return pv.Holdings[i].Value > pv.Holdings[j].Value
	})
	sort.Strings(pv.ExcludedSymbols)

	if pv.TotalValue > 0 {
		for i := range pv.Holdings {
			pv.Holdings[i].PercentOfTotal = pv.Holdings[i].Value / pv.TotalValue * 100
		}
	}

	return pv
}

// CalculateTargetHoldings converts target weights into concrete value and
// amount targets. Symbols without a positive known price are skipped.
func CalculateTargetHoldings(weights map[string]float64, totalValue float64, prices map[string]float64) []model.AssetHolding {
	targets := make([]model.AssetHolding, 0, len(weights))
	for symbol, weight := range weights {
		price, ok := prices[symbol]
		if !ok || price <= 0 {
			continue
		}

		targetValue := weight / 100 * totalValue
		targets = append(targets, model.AssetHolding{
			Symbol:         symbol,
			Amount:         targetValue / price,
			Value:          targetValue,
			PercentOfTotal: weight,
		})
	}

	sort.Slice(targets, func(i, j int) bool {
		return targets[i].Value > targets[j].Value
	})
	return targets
}

// GenerateRebalanceOrders diffs current against target holdings and emits
// one order per symbol whose absolute value gap meets the threshold.
// Orders below the threshold are returned as skipped for transparency. The
// quote currency itself is never tradable and produces no order.
func GenerateRebalanceOrders(current, target []model.AssetHolding, threshold float64) (orders, skipped []model.RebalanceOrder) {
	currentBy := make(map[string]model.AssetHolding, len(current))
	for _, h := range current {
		currentBy[h.Symbol] = h
	}
	targetBy := make(map[string]model.AssetHolding, len(target))
	for _, h := range target {
		targetBy[h.Symbol] = h
	}

	seen := make(map[string]bool)
	symbols := make([]string, 0, len(current)+len(target))
	for _, h := range current {
		if !seen[h.Symbol] {
			seen[h.Symbol] = true
			symbols = append(symbols, h.Symbol)
		}
	}
	for _, h := range target {
		if !seen[h.Symbol] {
			seen[h.Symbol] = true
			symbols = append(symbols, h.Symbol)
		}
	}

	for _, symbol := range symbols {
		if symbol == model.QuoteCurrency {
			continue
		}

		cur := currentBy[symbol]
		tgt := targetBy[symbol]
		diff := tgt.Value - cur.Value

		order := model.RebalanceOrder{
			Symbol:        symbol,
			CurrentValue:  cur.Value,
			TargetValue:   tgt.Value,
			Difference:    diff,
			CurrentAmount: cur.Amount,
			TargetAmount:  tgt.Amount,
			Volume:        math.Abs(tgt.Amount - cur.Amount),
		}
		if diff > 0 {
			order.Side = model.Buy
		} else {
			order.Side = model.Sell
		}

		if math.Abs(diff) >= threshold {
			orders = append(orders, order)
		} else if order.Volume > 0 {
			skipped = append(skipped, order)
		}
	}

	sort.Slice(orders, func(i, j int) bool {
		return math.Abs(orders[i].Difference) > math.Abs(orders[j].Difference)
	})
	return orders, skipped
}

// ValidateWeights reports every problem with a target-weight set. It never
// panics; an empty slice means the weights are usable as-is.
func ValidateWeights(weights map[string]float64) []string {
	var problems []string

	if len(weights) == 0 {
		return []string{"no target weights configured"}
	}

	var sum float64
	for symbol, w := range weights {
		if w < 0 {
			problems = append(problems, fmt.Sprintf("negative weight %.2f for %s", w, symbol))
		}
		if w > 100 {
			problems = append(problems, fmt.Sprintf("weight %.2f for %s exceeds 100", w, symbol))
		}
		sum += w
	}

	if math.Abs(sum-100) > _weightSumTolerance {
		problems = append(problems, fmt.Sprintf("weights sum to %.2f, expected 100", sum))
	}

	sort.Strings(problems)
	return problems
}

// NormalizeWeights proportionally rescales the remaining weights to sum to
// 100 after symbols (typically those with no resolvable price) were dropped.
func NormalizeWeights(weights map[string]float64, drop []string) map[string]float64 {
	dropped := make(map[string]bool, len(drop))
	for _, s := range drop {
		dropped[s] = true
	}

	var sum float64
	kept := make(map[string]float64, len(weights))
	for symbol, w := range weights {
		if dropped[symbol] || w <= 0 {
			continue
		}
		kept[symbol] = w
		sum += w
	}
	if sum <= 0 {
		return map[string]float64{}
	}

	for symbol, w := range kept {
		kept[symbol] = w / sum * 100
	}
	return kept
}
