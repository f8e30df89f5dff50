package exchange

import "strconv"

type tickerWire struct {
	Ask  []string `json:"a"` // [price, wholeLotVolume, lotVolume]
	Bid  []string `json:"b"`
	Last []string `json:"c"` // [price, lotVolume]
}

// Ticker carries the parsed top-of-book for one pair.
type Ticker struct {
	Pair string
	Ask  float64
	Bid  float64
	Last float64
}

// SpreadPercent is (ask-bid)/mid, used by the router for cost estimates.
func (t Ticker) SpreadPercent() float64 {
	mid := (t.Ask + t.Bid) / 2
	if mid <= 0 {
		return 0
	}
	return (t.Ask - t.Bid) / mid
}

type assetPairWire struct {
	Base         string `json:"base"`
	Quote        string `json:"quote"`
	OrderMin     string `json:"ordermin"`
	PairDecimals int    `json:"pair_decimals"`
	LotDecimals  int    `json:"lot_decimals"`
}

// AssetPair describes a tradable pair and its volume/price precision.
type AssetPair struct {
	Name         string
	Base         string
	Quote        string
	OrderMin     float64
	PairDecimals int
	LotDecimals  int
}

type OrderRequest struct {
	Pair      string
	Side      string // buy | sell
	OrderType string // market | limit
	Volume    float64
	Price     float64 // required for limit orders
	UserRef   string
	Validate  bool // dry run: exchange validates without placing
}

type OrderResponse struct {
	TxIDs       []string `json:"txid"`
	Description struct {
		Order string `json:"order"`
	} `json:"descr"`
}

func firstFloat(arr []string) float64 {
	if len(arr) == 0 {
		return 0
	}
	v, _ := strconv.ParseFloat(arr[0], 64)
	return v
}
