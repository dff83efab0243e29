package server

import (
	"bytes"
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"

	"dscengine/core/events"
	"dscengine/crypto"
	nativecommon "dscengine/native/common"
	"dscengine/native/dsc"
	"dscengine/native/pricefeed"
	"dscengine/native/token"
	"dscengine/services/dsc/middleware"
	"dscengine/storage"
)

const jwtSecret = "server-test-secret"

type fixture struct {
	server  *Server
	handler http.Handler
	engine  *dsc.Engine
	weth    *token.Ledger
	dsc     *token.Ledger
	feed    *pricefeed.ManualFeed
	pauses  *nativecommon.Pauses
	minter  crypto.Address
}

func testAddress(id byte) crypto.Address {
	raw := make([]byte, 20)
	raw[0] = 0xA1
	raw[19] = id
	return crypto.NewAddress(crypto.AccountPrefix, raw)
}

func whole(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))
}

func newFixture(t *testing.T, auth middleware.AuthConfig) *fixture {
	t.Helper()
	db := storage.NewMemDB()
	t.Cleanup(db.Close)
	engineAddr := crypto.ModuleAddress("dsc")
	minter := testAddress(0xEE)

	weth, err := token.NewLedger(db, "WETH", 18, minter)
	require.NoError(t, err)
	dscToken, err := token.NewLedger(db, "DSC", 18, engineAddr)
	require.NoError(t, err)
	feed := pricefeed.NewManualFeed("WETH / USD", 8, big.NewInt(2000_00000000))

	engine, err := dsc.NewEngine(engineAddr,
		[]dsc.CollateralAsset{{ID: "WETH", Token: weth, Decimals: 18}},
		[]dsc.PriceFeed{feed},
		dscToken, dsc.NewKVStore(db), dsc.DefaultParams())
	require.NoError(t, err)
	engine.SetMetrics(nil)
	pauses := nativecommon.NewPauses()
	engine.SetPauses(pauses)

	hub := NewHub(8, nil)
	engine.SetEmitter(events.Fanout{hub})

	srv, err := New(Config{
		Auth:          auth,
		Observability: middleware.ObservabilityConfig{Enabled: true},
	}, Dependencies{
		Engine: engine,
		Tokens: map[string]TokenLedger{"weth": weth, "DSC": dscToken},
		Feeds:  map[string]PriceUpdater{"WETH": feed},
		Pauses: pauses,
		Hub:    hub,
	}, nil)
	require.NoError(t, err)
	return &fixture{
		server:  srv,
		handler: srv.Handler(),
		engine:  engine,
		weth:    weth,
		dsc:     dscToken,
		feed:    feed,
		pauses:  pauses,
		minter:  minter,
	}
}

func (f *fixture) fund(t *testing.T, user crypto.Address, amount *big.Int) {
	t.Helper()
	ok, err := f.weth.Mint(context.Background(), f.minter, user, amount)
	require.NoError(t, err)
	require.True(t, ok)
}

func (f *fixture) do(t *testing.T, method, path string, body interface{}, token string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	res := httptest.NewRecorder()
	f.handler.ServeHTTP(res, req)
	return res
}

func signed(t *testing.T, subject string, scopes ...string) string {
	t.Helper()
	claims := jwt.MapClaims{"sub": subject, "exp": time.Now().Add(time.Hour).Unix()}
	if len(scopes) > 0 {
		claims["scope"] = strings.Join(scopes, " ")
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(jwtSecret))
	require.NoError(t, err)
	return tok
}

func decode[T any](t *testing.T, res *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &out), res.Body.String())
	return out
}

func TestDepositAndMintOverHTTP(t *testing.T) {
	f := newFixture(t, middleware.AuthConfig{})
	user := testAddress(1)
	f.fund(t, user, whole(10))

	res := f.do(t, http.MethodPost, "/v1/tokens/WETH/approve", map[string]string{"owner": user.String(), "amount": whole(10).String()}, "")
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())

	res = f.do(t, http.MethodPost, "/v1/positions/deposit-and-mint", map[string]string{
		"user":             user.String(),
		"asset":            "weth",
		"collateralAmount": whole(10).String(),
		"debtAmount":       whole(100).String(),
	}, "")
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())
	account := decode[accountResponse](t, res)
	require.Equal(t, whole(100).String(), account.TotalDscMinted)
	require.Equal(t, whole(20000).String(), account.CollateralValueInUsd)
	require.Equal(t, whole(100).String(), account.HealthFactor)
	require.Equal(t, whole(10).String(), account.Collateral["WETH"])

	res = f.do(t, http.MethodGet, "/v1/tokens/DSC/balances/"+user.String(), nil, "")
	require.Equal(t, http.StatusOK, res.Code)
	require.Equal(t, whole(100).String(), decode[map[string]string](t, res)["balance"])

	res = f.do(t, http.MethodGet, "/v1/accounts/"+user.String()+"/collateral/WETH", nil, "")
	require.Equal(t, http.StatusOK, res.Code)
	require.Equal(t, whole(10).String(), decode[map[string]string](t, res)["balance"])
}

func TestMintBreakingHealthFactorMapsToUnprocessable(t *testing.T) {
	f := newFixture(t, middleware.AuthConfig{})
	user := testAddress(2)
	f.fund(t, user, whole(10))
	require.NoError(t, f.weth.Approve(context.Background(), user, f.engine.Address(), whole(10)))
	require.NoError(t, f.engine.DepositCollateral(context.Background(), user, "WETH", whole(10)))

	res := f.do(t, http.MethodPost, "/v1/dsc/mint", map[string]string{"user": user.String(), "amount": whole(10001).String()}, "")
	require.Equal(t, http.StatusUnprocessableEntity, res.Code)
	body := decode[errorResponse](t, res)
	require.Equal(t, "breaks_health_factor", body.Kind)
	require.NotEmpty(t, body.HealthFactor)

	res = f.do(t, http.MethodPost, "/v1/dsc/mint", map[string]string{"user": user.String(), "amount": "0"}, "")
	require.Equal(t, http.StatusBadRequest, res.Code)
	require.Equal(t, "zero_amount", decode[errorResponse](t, res).Kind)

	res = f.do(t, http.MethodPost, "/v1/collateral/deposit", map[string]string{"user": user.String(), "asset": "DOGE", "amount": "1"}, "")
	require.Equal(t, http.StatusNotFound, res.Code)
	require.Equal(t, "DOGE", decode[errorResponse](t, res).Asset)
}

func TestRequestValidation(t *testing.T) {
	f := newFixture(t, middleware.AuthConfig{})
	user := testAddress(3)

	cases := []struct {
		name string
		path string
		body interface{}
		want int
	}{
		{"unknown field", "/v1/dsc/mint", map[string]string{"user": user.String(), "amount": "1", "extra": "x"}, http.StatusBadRequest},
		{"bad amount", "/v1/dsc/mint", map[string]string{"user": user.String(), "amount": "1.5"}, http.StatusBadRequest},
		{"missing user", "/v1/dsc/burn", map[string]string{"amount": "1"}, http.StatusBadRequest},
		{"bad address", "/v1/collateral/redeem", map[string]string{"user": "nope", "asset": "WETH", "amount": "1"}, http.StatusBadRequest},
		{"negative", "/v1/collateral/deposit", map[string]string{"user": user.String(), "asset": "WETH", "amount": "-1"}, http.StatusBadRequest},
		{"no body", "/v1/liquidations", nil, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res := f.do(t, http.MethodPost, tc.path, tc.body, "")
			require.Equal(t, tc.want, res.Code, res.Body.String())
		})
	}
}

func TestQueries(t *testing.T) {
	f := newFixture(t, middleware.AuthConfig{})

	res := f.do(t, http.MethodGet, "/v1/markets/WETH/usd-value?amount="+whole(15).String(), nil, "")
	require.Equal(t, http.StatusOK, res.Code)
	require.Equal(t, whole(30000).String(), decode[map[string]string](t, res)["usdValue"])

	res = f.do(t, http.MethodGet, "/v1/markets/WETH/token-amount?usd="+whole(100).String(), nil, "")
	require.Equal(t, http.StatusOK, res.Code)
	require.Equal(t, "50000000000000000", decode[map[string]string](t, res)["amount"])

	res = f.do(t, http.MethodGet, "/v1/health-factor?debt=0&collateralUsd=1", nil, "")
	require.Equal(t, http.StatusOK, res.Code)
	require.Equal(t, dsc.MaxHealthFactor().String(), decode[map[string]string](t, res)["healthFactor"])

	res = f.do(t, http.MethodGet, "/v1/params", nil, "")
	require.Equal(t, http.StatusOK, res.Code)
	params := decode[paramsResponse](t, res)
	require.Equal(t, uint64(50), params.LiquidationThreshold)
	require.Equal(t, []string{"WETH"}, params.CollateralTokens)
	require.Equal(t, "10000000000", params.AdditionalFeedPrecision)

	res = f.do(t, http.MethodGet, "/v1/markets", nil, "")
	require.Equal(t, http.StatusOK, res.Code)
	markets := decode[[]marketResponse](t, res)
	require.Len(t, markets, 1)
	require.Equal(t, whole(2000).String(), markets[0].PriceUsd)

	res = f.do(t, http.MethodGet, "/v1/solvency", nil, "")
	require.Equal(t, http.StatusOK, res.Code)
	require.True(t, decode[solvencyResponse](t, res).Solvent)

	res = f.do(t, http.MethodGet, "/v1/tokens/USDC", nil, "")
	require.Equal(t, http.StatusNotFound, res.Code)

	res = f.do(t, http.MethodGet, "/healthz", nil, "")
	require.Equal(t, http.StatusOK, res.Code)

	res = f.do(t, http.MethodPost, "/v1/dsc/mint", map[string]string{"user": testAddress(9).String(), "amount": "0"}, "")
	require.Equal(t, http.StatusBadRequest, res.Code)

	res = f.do(t, http.MethodGet, "/metrics", nil, "")
	require.Equal(t, http.StatusOK, res.Code)
	require.Contains(t, res.Body.String(), "dscd_http_requests_total")
	require.Contains(t, res.Body.String(), `dsc_api_errors_total{kind="zero_amount",method="mint_dsc",module="dsc"}`)
}

func TestLiquidationOverHTTP(t *testing.T) {
	f := newFixture(t, middleware.AuthConfig{})
	ctx := context.Background()
	debtor := testAddress(4)
	liquidator := testAddress(5)
	f.fund(t, debtor, whole(10))
	f.fund(t, liquidator, whole(20))
	require.NoError(t, f.weth.Approve(ctx, debtor, f.engine.Address(), whole(10)))
	require.NoError(t, f.weth.Approve(ctx, liquidator, f.engine.Address(), whole(20)))
	require.NoError(t, f.engine.DepositCollateralAndMintDsc(ctx, debtor, "WETH", whole(10), whole(100)))
	require.NoError(t, f.engine.DepositCollateralAndMintDsc(ctx, liquidator, "WETH", whole(20), whole(100)))

	res := f.do(t, http.MethodPost, "/v1/liquidations", map[string]string{
		"liquidator": liquidator.String(), "asset": "WETH", "debtor": debtor.String(), "debtToCover": whole(100).String(),
	}, "")
	require.Equal(t, http.StatusUnprocessableEntity, res.Code)
	require.Equal(t, "health_factor_ok", decode[errorResponse](t, res).Kind)

	_, err := f.feed.SetDecimal("18")
	require.NoError(t, err)
	require.NoError(t, f.dsc.Approve(ctx, liquidator, f.engine.Address(), whole(100)))

	res = f.do(t, http.MethodPost, "/v1/liquidations", map[string]string{
		"liquidator": liquidator.String(), "asset": "WETH", "debtor": debtor.String(), "debtToCover": whole(100).String(),
	}, "")
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())
	account := decode[accountResponse](t, res)
	require.Equal(t, "0", account.TotalDscMinted)
}

func TestAuthenticatedMutationsUseSubject(t *testing.T) {
	f := newFixture(t, middleware.AuthConfig{Enabled: true, HMACSecret: jwtSecret})
	user := testAddress(6)
	other := testAddress(7)
	f.fund(t, user, whole(5))

	res := f.do(t, http.MethodPost, "/v1/tokens/WETH/approve", map[string]string{"amount": whole(5).String()}, "")
	require.Equal(t, http.StatusUnauthorized, res.Code)

	token := signed(t, user.String())
	res = f.do(t, http.MethodPost, "/v1/tokens/WETH/approve", map[string]string{"amount": whole(5).String()}, token)
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())

	res = f.do(t, http.MethodPost, "/v1/collateral/deposit", map[string]string{"user": other.String(), "asset": "WETH", "amount": whole(5).String()}, token)
	require.Equal(t, http.StatusForbidden, res.Code)

	res = f.do(t, http.MethodPost, "/v1/collateral/deposit", map[string]string{"asset": "WETH", "amount": whole(5).String()}, token)
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())
	require.Equal(t, user.String(), decode[accountResponse](t, res).Address)
}

func TestAdminRoutes(t *testing.T) {
	f := newFixture(t, middleware.AuthConfig{Enabled: true, HMACSecret: jwtSecret})
	operator := signed(t, "ops", "admin")
	reader := signed(t, "ops")

	res := f.do(t, http.MethodPut, "/v1/admin/prices/WETH", map[string]string{"price": "1500.25"}, reader)
	require.Equal(t, http.StatusForbidden, res.Code)

	res = f.do(t, http.MethodPut, "/v1/admin/prices/WETH", map[string]string{"price": "1500.25"}, operator)
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())
	price, err := f.engine.Oracle().Price(context.Background(), "WETH")
	require.NoError(t, err)
	require.Equal(t, "1500250000000000000000", price.String())

	res = f.do(t, http.MethodPut, "/v1/admin/prices/WBTC", map[string]string{"price": "1"}, operator)
	require.Equal(t, http.StatusNotFound, res.Code)

	res = f.do(t, http.MethodPut, "/v1/admin/pause", map[string]bool{"paused": true}, operator)
	require.Equal(t, http.StatusOK, res.Code)
	require.True(t, f.pauses.IsPaused("dsc"))

	user := testAddress(8)
	res = f.do(t, http.MethodPost, "/v1/dsc/mint", map[string]string{"amount": "1"}, signed(t, user.String()))
	require.Equal(t, http.StatusServiceUnavailable, res.Code)
}

func TestAdminRoutesRequireAuthentication(t *testing.T) {
	f := newFixture(t, middleware.AuthConfig{})
	res := f.do(t, http.MethodPut, "/v1/admin/pause", map[string]bool{"paused": true}, "")
	require.Equal(t, http.StatusForbidden, res.Code)
	require.False(t, f.pauses.IsPaused("dsc"))
}

func TestEventStream(t *testing.T) {
	f := newFixture(t, middleware.AuthConfig{})
	ts := httptest.NewServer(f.handler)
	t.Cleanup(ts.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http")+"/v1/events?types="+events.TypeCollateralDeposited, nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	require.Eventually(t, func() bool { return f.server.Hub().Subscribers() == 1 }, 2*time.Second, 10*time.Millisecond)

	user := testAddress(9)
	f.fund(t, user, whole(1))
	require.NoError(t, f.weth.Approve(ctx, user, f.engine.Address(), whole(1)))
	require.NoError(t, f.engine.DepositCollateralAndMintDsc(ctx, user, "WETH", whole(1), whole(10)))

	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var frame StreamEvent
	require.NoError(t, json.Unmarshal(data, &frame))
	require.Equal(t, events.TypeCollateralDeposited, frame.Type)
	require.Equal(t, user.String(), frame.Attributes["user"])
	require.Equal(t, uint64(1), frame.Sequence)
}

func TestHubDropsForSlowSubscribers(t *testing.T) {
	hub := NewHub(1, nil)
	frames, cancel := hub.Subscribe(nil)
	defer cancel()
	user := testAddress(10)
	hub.Emit(events.DscMinted{User: user, Amount: big.NewInt(1)})
	hub.Emit(events.DscMinted{User: user, Amount: big.NewInt(2)})
	first := <-frames
	require.Equal(t, uint64(1), first.Sequence)
	select {
	case extra := <-frames:
		t.Fatalf("unexpected buffered frame %+v", extra)
	default:
	}
	hub.Close()
	_, open := <-frames
	require.False(t, open)
	hub.Emit(events.DscMinted{User: user, Amount: big.NewInt(3)})
}
