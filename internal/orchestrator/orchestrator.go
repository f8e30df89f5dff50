// Package orchestrator runs one full rebalance cycle: credentials,
// balances, prices, order generation, fund allocation and sequential
// execution with adaptive retries.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/folioworks/rebalancer/internal/allocator"
	"github.com/folioworks/rebalancer/internal/calculator"
	"github.com/folioworks/rebalancer/internal/credentials"
	"github.com/folioworks/rebalancer/internal/exchange"
	"github.com/folioworks/rebalancer/internal/executor"
	"github.com/folioworks/rebalancer/internal/logger"
	"github.com/folioworks/rebalancer/internal/model"
	"github.com/folioworks/rebalancer/internal/router"
)

const (
	_priceRetries     = 3
	_priceRetryWait   = 15 * time.Second
	_defaultThreshold = 10.0 // min order size in quote currency

	// insufficient-funds shrink loop
	_shrinkRetries     = 3
	_shrinkBufferStart = 0.995
	_shrinkBufferStep  = 0.99
)

// ExchangeClient is the per-user slice of the exchange API the cycle needs.
type ExchangeClient interface {
	Balance(ctx context.Context) (map[string]float64, error)
	AssetPairs(ctx context.Context) (map[string]exchange.AssetPair, error)
	Ticker(ctx context.Context, pairs []string) (map[string]exchange.Ticker, error)
	AddOrder(ctx context.Context, req exchange.OrderRequest) (exchange.OrderResponse, error)
}

// ClientFactory builds a client bound to one user's credentials.
type ClientFactory interface {
	ClientFor(apiKey, apiSecret string) ExchangeClient
}

// FactoryAdapter lets the concrete exchange.Factory satisfy ClientFactory.
type FactoryAdapter struct {
	*exchange.Factory
}

func (a FactoryAdapter) ClientFor(apiKey, apiSecret string) ExchangeClient {
	return a.Factory.ClientFor(apiKey, apiSecret)
}

// CredentialsResolver resolves a user's exchange keys.
type CredentialsResolver interface {
	Resolve(ctx context.Context, userID int64) (credentials.Keys, error)
}

// PriceSource is the per-user price cache.
type PriceSource interface {
	GetPrices(ctx context.Context, userID int64, symbols []string) map[string]float64
	Invalidate(userID int64)
}

// Options control one cycle beyond the portfolio's own configuration.
type Options struct {
	Trigger model.TriggerSource
	DryRun  bool
}

type Orchestrator struct {
	creds   CredentialsResolver
	clients ClientFactory
	prices  PriceSource
	alloc   *allocator.Allocator
	route   *router.Router
	exec    *executor.Executor
	logger  logger.Logger

	sleep func(time.Duration)
	now   func() time.Time
}

func New(
	creds CredentialsResolver,
	clients ClientFactory,
	prices PriceSource,
	alloc *allocator.Allocator,
	route *router.Router,
	exec *executor.Executor,
	logger logger.Logger,
) *Orchestrator {
	return &Orchestrator{
		creds:   creds,
		clients: clients,
		prices:  prices,
		alloc:   alloc,
		route:   route,
		exec:    exec,
		logger:  logger,
		sleep:   time.Sleep,
		now:     time.Now,
	}
}

// Rebalance runs one cycle for the portfolio. It always returns a result;
// partial failures are reported through Success=false and Errors, already
// executed orders are never rolled back.
func (o *Orchestrator) Rebalance(ctx context.Context, p model.Portfolio, opts Options) model.RebalanceResult {
	start := o.now()
	res := model.RebalanceResult{
		PortfolioID: p.ID,
		DryRun:      opts.DryRun,
		StartedAt:   start,
	}
	log := o.logger.With("portfolio", p.ID, "trigger", opts.Trigger)

	fail := func(err error) model.RebalanceResult {
		res.Errors = append(res.Errors, err.Error())
		res.Duration = o.now().Sub(start)
		log.Errorf("%s: rebalance cycle failed", err)
		return res
	}

	// configuration errors fail the cycle fast, no retries
	if problems := calculator.ValidateWeights(p.TargetWeights); len(problems) > 0 {
		return fail(fmt.Errorf("invalid target weights: %v", problems))
	}

	keys, err := o.creds.Resolve(ctx, p.UserID)
	if err != nil {
		return fail(err)
	}
	client := o.clients.ClientFor(keys.APIKey, keys.APISecret)

	balances, err := client.Balance(ctx)
	if err != nil {
		return fail(fmt.Errorf("%w: can't fetch balances", err))
	}

	weights, prices, err := o.resolvePrices(ctx, p, balances)
	if err != nil {
		return fail(err)
	}

	pv := calculator.CalculatePortfolioValue(balances, prices)
	res.TotalValue = pv.TotalValue
	if pv.TotalValue <= 0 {
		return fail(fmt.Errorf("portfolio value is zero, nothing to rebalance"))
	}
	for _, s := range pv.ExcludedSymbols {
		log.Warnf("asset %s excluded from valuation: no price", s)
	}

	threshold := p.RebalanceThreshold
	if threshold <= 0 {
		threshold = _defaultThreshold
	}

	targets := calculator.CalculateTargetHoldings(weights, pv.TotalValue, prices)
	orders, skipped := calculator.GenerateRebalanceOrders(pv.Holdings, targets, threshold)
	res.SkippedOrders = skipped

	if len(orders) == 0 {
		log.Infof("portfolio already balanced, no orders")
		res.Success = true
		res.Duration = o.now().Sub(start)
		return res
	}

	allocation := o.alloc.Allocate(orders, balances, balances[model.QuoteCurrency])
	res.Allocation = &allocation
	for _, w := range allocation.Warnings {
		log.Warnf("allocation: %s", w)
	}

	pairs, err := client.AssetPairs(ctx)
	if err != nil {
		return fail(fmt.Errorf("%w: can't fetch asset pairs", err))
	}

	executable := o.filterExecutable(allocation.AdjustedOrders, pairs, &res)
	sortForExecution(executable)
	if p.MaxOrdersPerRebalance > 0 && len(executable) > p.MaxOrdersPerRebalance {
		for _, dropped := range executable[p.MaxOrdersPerRebalance:] {
			res.SkippedOrders = append(res.SkippedOrders, dropped)
		}
		executable = executable[:p.MaxOrdersPerRebalance]
	}

	o.execute(ctx, client, p, opts, executable, pairs, &res, log)

	if !opts.DryRun && len(res.Orders) > 0 {
		o.prices.Invalidate(p.UserID)
	}

	failed := 0
	for _, eo := range res.Orders {
		if eo.Err != "" {
			failed++
		}
	}
	res.Success = failed == 0 && len(res.Errors) == 0
	res.Duration = o.now().Sub(start)

	log.Infof("rebalance done: success=%t orders=%d failed=%d traded=%.2f fees=%.4f",
		res.Success, len(res.Orders), failed, res.ValueTraded, res.TotalFees)
	return res
}

// Snapshot values the portfolio's live holdings without trading. The
// scheduler uses it for threshold-deviation checks.
func (o *Orchestrator) Snapshot(ctx context.Context, p model.Portfolio) (model.PortfolioValue, error) {
	keys, err := o.creds.Resolve(ctx, p.UserID)
	if err != nil {
		return model.PortfolioValue{}, err
	}

	balances, err := o.clients.ClientFor(keys.APIKey, keys.APISecret).Balance(ctx)
	if err != nil {
		return model.PortfolioValue{}, fmt.Errorf("%w: can't fetch balances", err)
	}

	symbols := make([]string, 0, len(p.TargetWeights)+len(balances))
	for s := range p.TargetWeights {
		symbols = append(symbols, s)
	}
	for s := range balances {
		symbols = append(symbols, s)
	}
	prices := o.prices.GetPrices(ctx, p.UserID, symbols)

	return calculator.CalculatePortfolioValue(balances, prices), nil
}

// resolvePrices fetches prices for every target and held symbol, retrying
// while any target symbol is missing. Symbols that never resolve are
// dropped and the remaining weights renormalized.
func (o *Orchestrator) resolvePrices(ctx context.Context, p model.Portfolio, balances map[string]float64) (map[string]float64, map[string]float64, error) {
	symbols := make([]string, 0, len(p.TargetWeights)+len(balances))
	seen := make(map[string]bool)
	for s := range p.TargetWeights {
		if !seen[s] {
			seen[s] = true
			symbols = append(symbols, s)
		}
	}
	for s := range balances {
		if !seen[s] {
			seen[s] = true
			symbols = append(symbols, s)
		}
	}
	sort.Strings(symbols)

	var prices map[string]float64
	for attempt := 1; attempt <= _priceRetries; attempt++ {
		prices = o.prices.GetPrices(ctx, p.UserID, symbols)
		if len(missingTargets(p.TargetWeights, prices)) == 0 {
			return p.TargetWeights, prices, nil
		}
		if attempt < _priceRetries {
			o.logger.Warnf("missing target prices for portfolio %d, retry %d", p.ID, attempt)
			o.prices.Invalidate(p.UserID)
			o.sleep(_priceRetryWait)
		}
	}

	missing := missingTargets(p.TargetWeights, prices)
	o.logger.Warnf("dropping unpriceable symbols %v for portfolio %d, renormalizing weights", missing, p.ID)

	weights := calculator.NormalizeWeights(p.TargetWeights, missing)
	if len(weights) == 0 {
		return nil, nil, fmt.Errorf("no target symbol has a resolvable price")
	}
	return weights, prices, nil
}

func missingTargets(weights map[string]float64, prices map[string]float64) []string {
	var missing []string
	for s, w := range weights {
		if s == model.QuoteCurrency || w <= 0 {
			continue
		}
		if p, ok := prices[s]; !ok || p <= 0 {
			missing = append(missing, s)
		}
	}
	sort.Strings(missing)
	return missing
}

// filterExecutable drops zero-volume orders and orders below the pair
// minimum, recording them as skipped.
func (o *Orchestrator) filterExecutable(orders []model.RebalanceOrder, pairs map[string]exchange.AssetPair, res *model.RebalanceResult) []model.RebalanceOrder {
	executable := make([]model.RebalanceOrder, 0, len(orders))
	for _, ord := range orders {
		if ord.Volume <= 0 {
			continue // zeroed by the allocator, already recorded there
		}

		pair, ok := pairs[ord.Symbol+model.QuoteCurrency]
		if !ok {
			res.Errors = append(res.Errors, fmt.Sprintf("no %s%s pair, order skipped", ord.Symbol, model.QuoteCurrency))
			res.SkippedOrders = append(res.SkippedOrders, ord)
			continue
		}
		if ord.Volume < pair.OrderMin {
			o.logger.Infof("order %s %s below pair minimum %.8f, skipped", ord.Side, ord.Symbol, pair.OrderMin)
			res.SkippedOrders = append(res.SkippedOrders, ord)
			continue
		}
		executable = append(executable, ord)
	}
	return executable
}

// sortForExecution puts sells before buys so liquidity is generated before
// it is spent, largest imbalance first within each side.
func sortForExecution(orders []model.RebalanceOrder) {
	sort.SliceStable(orders, func(i, j int) bool {
		if orders[i].Side != orders[j].Side {
			return orders[i].Side == model.Sell
		}
		return math.Abs(orders[i].Difference) > math.Abs(orders[j].Difference)
	})
}

func (o *Orchestrator) execute(
	ctx context.Context,
	client ExchangeClient,
	p model.Portfolio,
	opts Options,
	orders []model.RebalanceOrder,
	pairs map[string]exchange.AssetPair,
	res *model.RebalanceResult,
	log logger.Logger,
) {
	if len(orders) == 0 {
		return
	}

	pairNames := make([]string, 0, len(orders))
	for _, ord := range orders {
		pairNames = append(pairNames, ord.Symbol+model.QuoteCurrency)
	}
	tickers, err := client.Ticker(ctx, pairNames)
	if err != nil {
		res.Errors = append(res.Errors, fmt.Sprintf("can't fetch tickers: %s", err))
		return
	}

	market := router.NewMarket(pairs, tickers)
	fundingSell, targetBuy := routeCounterparts(orders)

	for _, ord := range orders {
		pairName := ord.Symbol + model.QuoteCurrency
		pair := pairs[pairName]
		ticker, ok := tickers[pairName]
		if !ok {
			res.Errors = append(res.Errors, fmt.Sprintf("no ticker for %s, order skipped", pairName))
			res.SkippedOrders = append(res.SkippedOrders, ord)
			continue
		}

		executed := o.submitWithRetry(ctx, client, p, opts, ord, pair, ticker, log)

		if p.SmartRoutingEnabled && executed.Err == "" {
			counterpart := fundingSell
			if ord.Side == model.Sell {
				counterpart = targetBuy
			}
			executed.Route = o.annotateRoute(market, ord, counterpart, p.OrderType)
		}

		res.Orders = append(res.Orders, executed)
		if executed.Err == "" {
			res.ValueTraded += executed.Value
			res.TotalFees += executed.Fee
		}
	}
}

// submitWithRetry places one order. Buy orders failing on insufficient
// funds are shrunk against the freshly re-queried cash balance and retried
// until a reduced order fits or the pair minimum is breached.
func (o *Orchestrator) submitWithRetry(
	ctx context.Context,
	client ExchangeClient,
	p model.Portfolio,
	opts Options,
	ord model.RebalanceOrder,
	pair exchange.AssetPair,
	ticker exchange.Ticker,
	log logger.Logger,
) model.ExecutedOrder {
	executed, err := o.exec.Submit(ctx, client, ord, pair, ticker, p.OrderType, opts.DryRun)
	if err == nil {
		return executed
	}

	if !errors.Is(err, exchange.ErrInsufficientFunds) || ord.Side != model.Buy {
		executed.Err = err.Error()
		return executed
	}

	buffer := _shrinkBufferStart
	for attempt := 1; attempt <= _shrinkRetries; attempt++ {
		balances, berr := client.Balance(ctx)
		if berr != nil {
			executed.Err = fmt.Sprintf("%s; balance re-query failed: %s", err, berr)
			return executed
		}

		price := executor.LimitPrice(model.Buy, ticker)
		affordable := balances[model.QuoteCurrency] * buffer / price
		shrunk := math.Min(ord.Volume, affordable)
		if shrunk < pair.OrderMin {
			executed.Err = fmt.Sprintf("%s; shrunk volume %.8f below pair minimum", err, shrunk)
			log.Warnf("buy %s abandoned: volume floor breached after %d shrink attempts", ord.Symbol, attempt)
			return executed
		}

		retry := ord
		retry.Volume = shrunk
		log.Infof("retrying buy %s with shrunk volume %.8f (attempt %d)", ord.Symbol, shrunk, attempt)

		executed, err = o.exec.Submit(ctx, client, retry, pair, ticker, p.OrderType, opts.DryRun)
		if err == nil {
			return executed
		}
		if !errors.Is(err, exchange.ErrInsufficientFunds) {
			executed.Err = err.Error()
			return executed
		}
		buffer *= _shrinkBufferStep
	}

	executed.Err = err.Error()
	return executed
}

// routeCounterparts picks the largest leg on each side of the plan: every
// sell routes toward the dominant buy it funds, every buy routes from the
// dominant sell funding it.
func routeCounterparts(orders []model.RebalanceOrder) (fundingSell, targetBuy string) {
	var sellMax, buyMax float64
	for _, ord := range orders {
		d := math.Abs(ord.Difference)
		switch {
		case ord.Side == model.Sell && d > sellMax:
			fundingSell, sellMax = ord.Symbol, d
		case ord.Side == model.Buy && d > buyMax:
			targetBuy, buyMax = ord.Symbol, d
		}
	}
	return fundingSell, targetBuy
}

// annotateRoute attaches the cheapest route between the order's asset and
// the opposite-side asset it trades against. Execution still goes through
// the direct quote pair.
func (o *Orchestrator) annotateRoute(m *router.Market, ord model.RebalanceOrder, counterpart string, orderType model.OrderType) *model.TradePath {
	if counterpart == "" {
		return nil
	}

	from, to := ord.Symbol, counterpart
	if ord.Side == model.Buy {
		from, to = counterpart, ord.Symbol
	}

	notional := math.Abs(ord.Difference)
	if !o.route.Applicable(from, to, notional) {
		return nil
	}

	tp, err := o.route.BestPath(m, from, to, notional, orderType)
	if err != nil {
		o.logger.Debugf("%s: no route annotation for %s", err, ord.Symbol)
		return nil
	}
	return tp
}
