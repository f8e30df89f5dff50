package model

import "time"

// QuoteCurrency is the settlement currency all valuations are denominated in.
// It can never be the subject of a buy/sell order.
const QuoteCurrency = "EUR"

type OrderSide string

const (
	Buy  OrderSide = "buy"
	Sell OrderSide = "sell"
)

type OrderType string

const (
	Market OrderType = "market"
	Limit  OrderType = "limit"
)

// AssetHolding is a derived valuation row, recomputed on every cycle.
type AssetHolding struct {
	Symbol          string
	Amount          float64
	Value           float64 // in quote currency
	PercentOfTotal  float64
}

// PortfolioValue is an ephemeral snapshot, one per rebalance cycle.
type PortfolioValue struct {
	TotalValue      float64
	Holdings        []AssetHolding
	Currency        string
	ExcludedSymbols []string // held assets with no resolvable price
}

// RebalanceOrder is created by diffing current vs target holdings and
// mutated in place by the fund allocator.
type RebalanceOrder struct {
	Symbol        string
	Side          OrderSide
	Volume        float64 // asset amount to trade
	CurrentValue  float64
	TargetValue   float64
	Difference    float64 // targetValue - currentValue, signed
	CurrentAmount float64
	TargetAmount  float64
}

type AllocationStrategy string

const (
	AllocationFull         AllocationStrategy = "full"
	AllocationPartial      AllocationStrategy = "partial"
	AllocationProportional AllocationStrategy = "proportional"
)

// OrderAdjustment records why and by how much the allocator changed an order.
type OrderAdjustment struct {
	Symbol         string
	Side           OrderSide
	OriginalVolume float64
	AdjustedVolume float64
	Reason         string
}

type FundAllocationResult struct {
	AdjustedOrders      []RebalanceOrder
	TotalAvailableFunds float64
	TotalRequiredFunds  float64
	Strategy            AllocationStrategy
	Adjustments         []OrderAdjustment
	Warnings            []string
}

// TradeStep is a single hop of a routed trade.
type TradeStep struct {
	Pair     string
	From     string
	To       string
	Side     OrderSide
	Notional float64
	Fee      float64
}

// TradePath is a candidate multi-hop route with its estimated cost.
type TradePath struct {
	Path            []string
	Pairs           []string
	CostPercent     float64
	FeeInQuote      float64
	Steps           []TradeStep
}

type ExecutedOrder struct {
	Symbol     string
	Side       OrderSide
	Volume     float64
	Price      float64
	Value      float64
	Fee        float64
	OrderID    string
	Route      *TradePath // set when smart routing annotated the order
	Err        string
}

type RebalanceResult struct {
	Success        bool
	PortfolioID    int64
	TotalValue     float64
	Orders         []ExecutedOrder
	SkippedOrders  []RebalanceOrder
	Allocation     *FundAllocationResult
	TotalFees      float64
	ValueTraded    float64
	Errors         []string
	DryRun         bool
	StartedAt      time.Time
	Duration       time.Duration
}

// HistoryRecord summarizes the result into the durable audit row.
func (r RebalanceResult) HistoryRecord(trigger TriggerSource) RebalanceHistoryRecord {
	rec := RebalanceHistoryRecord{
		PortfolioID:   r.PortfolioID,
		Trigger:       trigger,
		Success:       r.Success,
		OrdersPlanned: len(r.Orders) + len(r.SkippedOrders),
		ValueTraded:   r.ValueTraded,
		FeesPaid:      r.TotalFees,
		Duration:      r.Duration,
		CreatedAt:     r.StartedAt,
	}
	for _, o := range r.Orders {
		if o.Err == "" {
			rec.OrdersDone++
		} else {
			rec.OrdersFailed++
		}
	}
	if len(r.Errors) > 0 {
		rec.ErrorText = r.Errors[0]
	}
	return rec
}

type TriggerSource string

const (
	TriggerScheduler TriggerSource = "scheduler"
	TriggerThreshold TriggerSource = "threshold"
	TriggerManual    TriggerSource = "manual"
)

// RebalanceHistoryRecord is the durable audit trail, one row per cycle.
type RebalanceHistoryRecord struct {
	ID            int64         `db:"id"`
	PortfolioID   int64         `db:"portfolio_id"`
	Trigger       TriggerSource `db:"trigger_source"`
	Success       bool          `db:"success"`
	OrdersPlanned int           `db:"orders_planned"`
	OrdersDone    int           `db:"orders_done"`
	OrdersFailed  int           `db:"orders_failed"`
	ValueTraded   float64       `db:"value_traded"`
	FeesPaid      float64       `db:"fees_paid"`
	ErrorText     string        `db:"error_text"`
	Duration      time.Duration `db:"duration_ms"`
	CreatedAt     time.Time     `db:"created_at"`
}

type CheckFrequency string

const (
	Every5Min  CheckFrequency = "5min"
	Every30Min CheckFrequency = "30min"
	Hourly     CheckFrequency = "hourly"
	Every2H    CheckFrequency = "2h"
	Every4H    CheckFrequency = "4h"
	Daily      CheckFrequency = "daily"
)

type RebalanceInterval string

const (
	IntervalHourly  RebalanceInterval = "hourly"
	IntervalDaily   RebalanceInterval = "daily"
	IntervalWeekly  RebalanceInterval = "weekly"
	IntervalMonthly RebalanceInterval = "monthly"
)

// Portfolio carries the persisted configuration consumed by the scheduler
// and orchestrator. Target weights are stored as a symbol -> percent map.
type Portfolio struct {
	ID                      int64              `db:"id"`
	UserID                  int64              `db:"user_id"`
	TargetWeights           map[string]float64 `db:"-"`
	RebalanceEnabled        bool               `db:"rebalance_enabled"`
	RebalanceInterval       RebalanceInterval  `db:"rebalance_interval"`
	ThresholdEnabled        bool               `db:"threshold_enabled"`
	ThresholdPercent        float64            `db:"threshold_percent"`
	RebalanceThreshold      float64            `db:"rebalance_threshold"` // min order size in quote currency
	CheckFrequency          CheckFrequency     `db:"check_frequency"`
	SchedulerEnabled        bool               `db:"scheduler_enabled"`
	OrderType               OrderType          `db:"order_type"`
	SmartRoutingEnabled     bool               `db:"smart_routing_enabled"`
	MaxOrdersPerRebalance   int                `db:"max_orders_per_rebalance"`
	LastRebalancedAt        *time.Time         `db:"last_rebalanced_at"`
	NextRebalanceAt         *time.Time         `db:"next_rebalance_at"`
	TotalFeesPaid           float64            `db:"total_fees_paid"`
}

// Schedulable reports whether the scheduler should own a recurring task
// for this portfolio.
func (p Portfolio) Schedulable() bool {
	return p.SchedulerEnabled && (p.RebalanceEnabled || p.ThresholdEnabled)
}
