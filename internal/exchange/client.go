// Package exchange implements the REST client for the exchange API. All
// outbound traffic goes through two sliding-window rate limiters, one for
// public and one for private endpoints, shared across every per-user client.
package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/folioworks/rebalancer/internal/logger"
	"github.com/folioworks/rebalancer/internal/ratelimit"
	"resty.dev/v3"
)

const (
	_tickerURL     = "/0/public/Ticker"
	_assetPairsURL = "/0/public/AssetPairs"
	_balanceURL    = "/0/private/Balance"
	_addOrderURL   = "/0/private/AddOrder"

	_publicMaxRequests  = 15
	_privateMaxRequests = 10
	_limiterWindow      = 3 * time.Second
)

var (
	// ErrAuth marks authentication failures. Retry loops must abandon
	// immediately on it.
	ErrAuth = errors.New("exchange authentication error")
	// ErrInsufficientFunds is returned when an order exceeds the
	// available balance.
	ErrInsufficientFunds = errors.New("exchange insufficient funds")
)

// Factory builds per-user clients that share one resty transport and one
// pair of rate limiters, so concurrent cycles cannot exceed the API limits.
type Factory struct {
	c       *resty.Client
	public  *ratelimit.Limiter
	private *ratelimit.Limiter
	logger  logger.Logger
}

func NewFactory(baseURL string, timeout time.Duration, logger logger.Logger) *Factory {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	client := resty.New().
		SetLogger(logger).
		SetBaseURL(baseURL).
		SetTimeout(timeout)

	return &Factory{
		c:       client,
		public:  ratelimit.New(_publicMaxRequests, _limiterWindow),
		private: ratelimit.New(_privateMaxRequests, _limiterWindow),
		logger:  logger,
	}
}

// ClientFor returns a client bound to one user's API credentials.
func (f *Factory) ClientFor(apiKey, apiSecret string) *Client {
	return &Client{
		f:         f,
		apiKey:    apiKey,
		apiSecret: apiSecret,
	}
}

// LimiterStatus exposes both limiter windows for observability.
func (f *Factory) LimiterStatus() (public, private ratelimit.Status) {
	return f.public.Status(), f.private.Status()
}

// Shutdown drains both limiter queues, failing queued callers.
func (f *Factory) Shutdown() {
	f.public.ClearQueue()
	f.private.ClearQueue()
}

type Client struct {
	f         *Factory
	apiKey    string
	apiSecret string
}

// Ticker fetches top-of-book for the given pairs in one batch call.
// Unknown pairs are absent from the result, not an error.
func (c *Client) Ticker(ctx context.Context, pairs []string) (map[string]Ticker, error) {
	if len(pairs) == 0 {
		return map[string]Ticker{}, nil
	}

	body, err := c.public(ctx, _tickerURL, url.Values{"pair": {strings.Join(pairs, ",")}})
	if err != nil {
		return nil, err
	}

	wire, err := decode[map[string]tickerWire](body)
	if err != nil {
		return nil, err
	}

	tickers := make(map[string]Ticker, len(wire))
	for pair, t := range wire {
		tickers[pair] = Ticker{
			Pair: pair,
			Ask:  firstFloat(t.Ask),
			Bid:  firstFloat(t.Bid),
			Last: firstFloat(t.Last),
		}
	}
	return tickers, nil
}

// AssetPairs fetches the full tradable-pair table.
func (c *Client) AssetPairs(ctx context.Context) (map[string]AssetPair, error) {
	body, err := c.public(ctx, _assetPairsURL, nil)
	if err != nil {
		return nil, err
	}

	wire, err := decode[map[string]assetPairWire](body)
	if err != nil {
		return nil, err
	}

	pairs := make(map[string]AssetPair, len(wire))
	for name, p := range wire {
		orderMin, _ := strconv.ParseFloat(p.OrderMin, 64)
		pairs[name] = AssetPair{
			Name:         name,
			Base:         p.Base,
			Quote:        p.Quote,
			OrderMin:     orderMin,
			PairDecimals: p.PairDecimals,
			LotDecimals:  p.LotDecimals,
		}
	}
	return pairs, nil
}

// Balance fetches all non-zero asset balances for the client's user.
func (c *Client) Balance(ctx context.Context) (map[string]float64, error) {
	body, err := c.privateCall(ctx, _balanceURL, url.Values{})
	if err != nil {
		return nil, err
	}

	wire, err := decode[map[string]string](body)
	if err != nil {
		return nil, err
	}

	balances := make(map[string]float64, len(wire))
	for asset, s := range wire {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			continue
		}
		balances[asset] = v
	}
	return balances, nil
}

// AddOrder submits one order. With req.Validate set the exchange checks the
// order without placing it.
func (c *Client) AddOrder(ctx context.Context, req OrderRequest) (OrderResponse, error) {
	form := url.Values{
		"pair":      {req.Pair},
		"type":      {req.Side},
		"ordertype": {req.OrderType},
		"volume":    {strconv.FormatFloat(req.Volume, 'f', -1, 64)},
	}
	if req.OrderType == "limit" {
		form.Set("price", strconv.FormatFloat(req.Price, 'f', -1, 64))
	}
	if req.UserRef != "" {
		form.Set("userref", req.UserRef)
	}
	if req.Validate {
		form.Set("validate", "true")
	}

	body, err := c.privateCall(ctx, _addOrderURL, form)
	if err != nil {
		return OrderResponse{}, err
	}

	return decode[OrderResponse](body)
}

func (c *Client) public(ctx context.Context, path string, query url.Values) ([]byte, error) {
	if err := c.f.public.Acquire(ctx); err != nil {
		return nil, fmt.Errorf("%w: can't acquire public rate limit", err)
	}

	req := c.f.c.R().SetContext(ctx)
	for k, vs := range query {
		req.SetQueryParam(k, vs[0])
	}

	resp, err := req.Get(path)
	if err != nil {
		return nil, fmt.Errorf("%w: can't call %s", err, path)
	}
	defer resp.Body.Close()

	c.f.logger.Debugf("exchange %s status: %s, %s", path, resp.Status(), resp.Duration())
	return resp.Bytes(), nil
}

func (c *Client) privateCall(ctx context.Context, path string, form url.Values) ([]byte, error) {
	if c.apiKey == "" || c.apiSecret == "" {
		return nil, fmt.Errorf("%w: empty api credentials", ErrAuth)
	}

	if err := c.f.private.Acquire(ctx); err != nil {
		return nil, fmt.Errorf("%w: can't acquire private rate limit", err)
	}

	nonce := strconv.FormatInt(time.Now().UnixNano()/int64(time.Millisecond), 10)
	form.Set("nonce", nonce)
	encoded := form.Encode()

	sig, err := sign(path, nonce, encoded, c.apiSecret)
	if err != nil {
		return nil, fmt.Errorf("%w: can't sign request", err)
	}

	resp, err := c.f.c.R().
		SetContext(ctx).
		SetHeader("API-Key", c.apiKey).
		SetHeader("API-Sign", sig).
		SetHeader("Content-Type", "application/x-www-form-urlencoded").
		SetBody(encoded).
		Post(path)
	if err != nil {
		return nil, fmt.Errorf("%w: can't call %s", err, path)
	}
	defer resp.Body.Close()

	c.f.logger.Debugf("exchange %s status: %s, %s", path, resp.Status(), resp.Duration())
	return resp.Bytes(), nil
}

// sign computes HMAC-SHA512(path + SHA256(nonce + body)) keyed with the
// base64-decoded secret, per the exchange's private-endpoint scheme.
func sign(path, nonce, body, secret string) (string, error) {
	key, err := base64.StdEncoding.DecodeString(secret)
	if err != nil {
		return "", fmt.Errorf("%w: can't decode api secret", err)
	}

	digest := sha256.Sum256([]byte(nonce + body))
	mac := hmac.New(sha512.New, key)
	mac.Write([]byte(path))
	mac.Write(digest[:])

	return base64.StdEncoding.EncodeToString(mac.Sum(nil)), nil
}

// decode unwraps the response envelope into the per-endpoint result type.
func decode[T any](body []byte) (T, error) {
	var (
		zero T
		env  struct {
			Error  []string `json:"error"`
			Result T        `json:"result"`
		}
	)
	if err := sonic.Unmarshal(body, &env); err != nil {
		return zero, fmt.Errorf("%w: can't unmarshal exchange response", err)
	}
	if len(env.Error) > 0 {
		return zero, classifyError(env.Error)
	}
	return env.Result, nil
}

func classifyError(apiErrors []string) error {
	joined := strings.Join(apiErrors, "; ")
	switch {
	case strings.Contains(joined, "Invalid key"),
		strings.Contains(joined, "Invalid signature"),
		strings.Contains(joined, "Invalid nonce"),
		strings.Contains(joined, "Permission denied"):
		return fmt.Errorf("%w: %s", ErrAuth, joined)
	case strings.Contains(joined, "Insufficient funds"):
		return fmt.Errorf("%w: %s", ErrInsufficientFunds, joined)
	default:
		return fmt.Errorf("exchange error: %s", joined)
	}
}
