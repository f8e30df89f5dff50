// Package executor submits single orders to the exchange with protective
// limit pricing and precision handling. Sequencing, retries and fund
// allocation live in the orchestrator.
package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/folioworks/rebalancer/internal/exchange"
	"github.com/folioworks/rebalancer/internal/logger"
	"github.com/folioworks/rebalancer/internal/model"
	"github.com/folioworks/rebalancer/internal/router"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/ratelimit"
)

const (
	_orderRefPrefix = "folio-rebalancer-"

	// protective limit indents: bias toward fill while keeping maker fees
	_buyLimitFactor  = 1.001
	_sellLimitFactor = 0.999
)

// OrderPlacer is the slice of the exchange client the executor needs.
type OrderPlacer interface {
	AddOrder(ctx context.Context, req exchange.OrderRequest) (exchange.OrderResponse, error)
}

type Executor struct {
	logger logger.Logger

	// pace spaces order submissions out on top of the API rate limiters,
	// one order per 2s.
	pace ratelimit.Limiter
}

func New(logger logger.Logger) *Executor {
	return &Executor{
		logger: logger,
		pace:   ratelimit.New(30, ratelimit.Per(time.Minute)),
	}
}

// Submit places one order. For limit orders a protective price is derived
// from the current book. Dry runs go through the exchange's validate-only
// mode and report the computed order without placing it.
func (e *Executor) Submit(
	ctx context.Context,
	client OrderPlacer,
	order model.RebalanceOrder,
	pair exchange.AssetPair,
	ticker exchange.Ticker,
	orderType model.OrderType,
	dryRun bool,
) (model.ExecutedOrder, error) {
	price := referencePrice(order.Side, ticker)
	if orderType == model.Limit {
		price = LimitPrice(order.Side, ticker)
	}

	volume := quantize(order.Volume, pair.LotDecimals)
	price = quantize(price, pair.PairDecimals)

	executed := model.ExecutedOrder{
		Symbol: order.Symbol,
		Side:   order.Side,
		Volume: volume,
		Price:  price,
		Value:  volume * price,
	}
	executed.Fee = executed.Value * router.FeeRate(orderType)

	if volume <= 0 {
		return executed, fmt.Errorf("zero volume after quantization for %s", order.Symbol)
	}
	if volume < pair.OrderMin {
		return executed, fmt.Errorf("volume %.8f below pair minimum %.8f for %s", volume, pair.OrderMin, pair.Name)
	}

	e.pace.Take()

	resp, err := client.AddOrder(ctx, exchange.OrderRequest{
		Pair:      pair.Name,
		Side:      string(order.Side),
		OrderType: string(orderType),
		Volume:    volume,
		Price:     price,
		UserRef:   _orderRefPrefix + uuid.NewString(),
		Validate:  dryRun,
	})
	if err != nil {
		return executed, fmt.Errorf("%w: can't submit %s %s", err, order.Side, pair.Name)
	}

	if len(resp.TxIDs) > 0 {
		executed.OrderID = resp.TxIDs[0]
	}
	e.logger.Infof("%s %s %.8f at %.8f (%s): %s",
		order.Side, pair.Name, volume, price, orderType, resp.Description.Order)

	return executed, nil
}

// LimitPrice computes the protective limit price: slightly above ask for
// buys, slightly below bid for sells.
func LimitPrice(side model.OrderSide, t exchange.Ticker) float64 {
	if side == model.Buy {
		return t.Ask * _buyLimitFactor
	}
	return t.Bid * _sellLimitFactor
}

func referencePrice(side model.OrderSide, t exchange.Ticker) float64 {
	if t.Last > 0 {
		return t.Last
	}
	if side == model.Buy {
		return t.Ask
	}
	return t.Bid
}

// quantize rounds a value down to the pair's precision so orders never
// exceed the intended size.
func quantize(v float64, decimals int) float64 {
	d := decimal.NewFromFloat(v).RoundDown(int32(decimals))
	f, _ := d.Float64()
	return f
}
