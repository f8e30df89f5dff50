package exchange

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/folioworks/rebalancer/internal/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Reference vector from the exchange API documentation.
func TestSign(t *testing.T) {
	secret := "kQH5HW/8p1uGOVjbgWA7FunAmGO8lsSUXNsu3eow76sz84Q18fWxnyRzBHCd3pd5nE9qa99HAZtuZuj6F1huXg=="
	nonce := "1616492376594"
	body := "nonce=1616492376594&ordertype=limit&pair=XBTUSD&price=37500&type=buy&volume=1.25"

	sig, err := sign("/0/private/AddOrder", nonce, body, secret)
	require.NoError(t, err)
	assert.Equal(t, "4/dpxb3iT4tp/ZCVEwSnEsLxx0bqyhLpdfOpc6fn7OR8+UClSV5n9E6aSS8MPtnRfp32bAb0nmbRn6H8ndwLUQ==", sig)
}

func TestSignBadSecret(t *testing.T) {
	_, err := sign("/0/private/Balance", "1", "nonce=1", "not base64 !!!")
	assert.Error(t, err)
}

func TestDecodeEnvelope(t *testing.T) {
	res, err := decode[map[string]string]([]byte(`{"error":[],"result":{"ZEUR":"100.5"}}`))
	require.NoError(t, err)
	assert.Equal(t, "100.5", res["ZEUR"])
}

func TestDecodeErrorClassification(t *testing.T) {
	for _, tc := range []struct {
		body string
		want error
	}{
		{`{"error":["EAPI:Invalid key"],"result":null}`, ErrAuth},
		{`{"error":["EGeneral:Permission denied"],"result":null}`, ErrAuth},
		{`{"error":["EOrder:Insufficient funds"],"result":null}`, ErrInsufficientFunds},
	} {
		_, err := decode[map[string]string]([]byte(tc.body))
		assert.ErrorIs(t, err, tc.want, tc.body)
	}

	_, err := decode[map[string]string]([]byte(`{"error":["EService:Unavailable"],"result":null}`))
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrAuth)
}

func TestTicker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/0/public/Ticker", r.URL.Path)
		assert.Equal(t, "BTCEUR,ETHEUR", r.URL.Query().Get("pair"))
		w.Write([]byte(`{"error":[],"result":{
			"BTCEUR":{"a":["40010.0","1","1.0"],"b":["39990.0","1","1.0"],"c":["40000.0","0.1"]},
			"ETHEUR":{"a":["2501.0","1","1.0"],"b":["2499.0","1","1.0"],"c":["2500.0","0.5"]}}}`))
	}))
	defer srv.Close()

	f := NewFactory(srv.URL, 0, logger.NopLogger{})
	c := f.ClientFor("", "")

	tickers, err := c.Ticker(context.Background(), []string{"BTCEUR", "ETHEUR"})
	require.NoError(t, err)
	require.Len(t, tickers, 2)
	assert.Equal(t, 40010.0, tickers["BTCEUR"].Ask)
	assert.Equal(t, 39990.0, tickers["BTCEUR"].Bid)
	assert.Equal(t, 40000.0, tickers["BTCEUR"].Last)
	assert.InDelta(t, 0.0005, tickers["BTCEUR"].SpreadPercent(), 0.0001)
}

func TestBalanceSignsRequest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/0/private/Balance", r.URL.Path)
		assert.NotEmpty(t, r.Header.Get("API-Key"))
		assert.NotEmpty(t, r.Header.Get("API-Sign"))
		w.Write([]byte(`{"error":[],"result":{"ZEUR":"120.5","BTC":"0.5"}}`))
	}))
	defer srv.Close()

	f := NewFactory(srv.URL, 0, logger.NopLogger{})
	c := f.ClientFor("key", "c2VjcmV0")

	balances, err := c.Balance(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 120.5, balances["ZEUR"])
	assert.Equal(t, 0.5, balances["BTC"])
}

func TestBalanceWithoutCredentials(t *testing.T) {
	f := NewFactory("http://localhost", 0, logger.NopLogger{})
	c := f.ClientFor("", "")

	_, err := c.Balance(context.Background())
	assert.ErrorIs(t, err, ErrAuth)
}
