// Package router estimates the cheapest trade route between two assets,
// considering the direct pair and multi-hop paths through common
// intermediates. Routes only annotate orders; execution stays on the
// direct pair until multi-hop execution lands.
package router

import (
	"fmt"
	"math"

	"github.com/folioworks/rebalancer/internal/exchange"
	"github.com/folioworks/rebalancer/internal/logger"
	"github.com/folioworks/rebalancer/internal/model"
)

const (
	// _notionalFloor is the trade size below which routing analysis is
	// not worth the fee noise.
	_notionalFloor = 10.0

	_makerFeeRate = 0.0016
	_takerFeeRate = 0.0026

	// _defaultSpreadPercent is assumed per hop when no live book is
	// available for the pair.
	_defaultSpreadPercent = 0.001
)

var _intermediates = []string{"USDT", "USDC", "BTC", "ETH"}

// Market answers pair-existence and spread queries for the router.
type Market struct {
	pairs   map[string]exchange.AssetPair
	tickers map[string]exchange.Ticker
}

func NewMarket(pairs map[string]exchange.AssetPair, tickers map[string]exchange.Ticker) *Market {
	return &Market{pairs: pairs, tickers: tickers}
}

// pair resolves a tradable pair between two assets in either direction.
func (m *Market) pair(a, b string) (string, bool) {
	if _, ok := m.pairs[a+b]; ok {
		return a + b, true
	}
	if _, ok := m.pairs[b+a]; ok {
		return b + a, true
	}
	return "", false
}

func (m *Market) spreadPercent(pair string) float64 {
	if t, ok := m.tickers[pair]; ok {
		if s := t.SpreadPercent(); s > 0 {
			return s
		}
	}
	return _defaultSpreadPercent
}

type Router struct {
	logger logger.Logger
}

func New(logger logger.Logger) *Router {
	return &Router{logger: logger}
}

// Applicable reports whether routing analysis makes sense for the trade.
// Trades below the notional floor, same-asset trades and trades already
// involving the quote currency are executed directly without analysis.
func (r *Router) Applicable(from, to string, notional float64) bool {
	if from == to {
		return false
	}
	if from == model.QuoteCurrency || to == model.QuoteCurrency {
		return false
	}
	return notional >= _notionalFloor
}

// BestPath returns the lowest-cost route from one asset to another for the
// given notional. Two-hop paths are explored only when neither a direct
// pair nor any one-hop path exists.
func (r *Router) BestPath(m *Market, from, to string, notional float64, orderType model.OrderType) (*model.TradePath, error) {
	if !r.Applicable(from, to, notional) {
		return nil, fmt.Errorf("routing not applicable for %s->%s at %.2f %s", from, to, notional, model.QuoteCurrency)
	}

	var candidates [][]string

	if _, ok := m.pair(from, to); ok {
		candidates = append(candidates, []string{from, to})
	}

	for _, mid := range _intermediates {
		if mid == from || mid == to {
			continue
		}
		_, leg1 := m.pair(from, mid)
		_, leg2 := m.pair(mid, to)
		if leg1 && leg2 {
			candidates = append(candidates, []string{from, mid, to})
		}
	}

	if len(candidates) == 0 {
		for _, mid1 := range _intermediates {
			if mid1 == from || mid1 == to {
				continue
			}
			for _, mid2 := range _intermediates {
				if mid2 == from || mid2 == to || mid2 == mid1 {
					continue
				}
				_, l1 := m.pair(from, mid1)
				_, l2 := m.pair(mid1, mid2)
				_, l3 := m.pair(mid2, to)
				if l1 && l2 && l3 {
					candidates = append(candidates, []string{from, mid1, mid2, to})
				}
			}
		}
	}

	if len(candidates) == 0 {
		return nil, fmt.Errorf("no route from %s to %s", from, to)
	}

	var best *model.TradePath
	for _, path := range candidates {
		tp := r.cost(m, path, notional, orderType)
		if best == nil || tp.CostPercent < best.CostPercent {
			best = tp
		}
	}

	r.logger.Debugf("route %s->%s: %v at %.4f%% cost", from, to, best.Path, best.CostPercent)
	return best, nil
}

func (r *Router) cost(m *Market, path []string, notional float64, orderType model.OrderType) *model.TradePath {
	tp := &model.TradePath{Path: path}

	var totalCost float64
	for i := 0; i+1 < len(path); i++ {
		pair, _ := m.pair(path[i], path[i+1])
		tp.Pairs = append(tp.Pairs, pair)

		fee := notional * FeeRate(orderType)
		spreadCost := m.spreadPercent(pair) * notional
		totalCost += fee + spreadCost

		tp.Steps = append(tp.Steps, model.TradeStep{
			Pair:     pair,
			From:     path[i],
			To:       path[i+1],
			Side:     stepSide(pair, path[i]),
			Notional: notional,
			Fee:      fee,
		})
		tp.FeeInQuote += fee
	}

	if notional > 0 {
		tp.CostPercent = totalCost / notional * 100
	}
	tp.FeeInQuote = round8(tp.FeeInQuote)
	return tp
}

// FeeRate maps an order type to the exchange fee schedule: limit orders
// add liquidity (maker), market orders remove it (taker).
func FeeRate(orderType model.OrderType) float64 {
	if orderType == model.Limit {
		return _makerFeeRate
	}
	return _takerFeeRate
}

// stepSide: selling the base of a pair, buying otherwise.
func stepSide(pair, from string) model.OrderSide {
	if len(from) <= len(pair) && pair[:len(from)] == from {
		return model.Sell
	}
	return model.Buy
}

func round8(v float64) float64 {
	return math.Round(v*1e8) / 1e8
}
