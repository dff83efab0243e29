package dsc

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"dscengine/core/events"
	"dscengine/crypto"
	"dscengine/native/pricefeed"
	"dscengine/native/token"
	"dscengine/storage"
)

var (
	ether       = pow10(18)
	errInjected = errors.New("injected failure")
)

func makeAddress(id byte) crypto.Address {
	raw := make([]byte, 20)
	raw[0] = 0xD5
	raw[19] = id
	return crypto.NewAddress(crypto.AccountPrefix, raw)
}

// units scales n whole tokens by 10^decimals.
func units(n int64, decimals int) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), pow10(decimals))
}

// feedPrice converts a whole-dollar price into an 8-decimal feed answer.
func feedPrice(usd int64) *big.Int {
	return units(usd, 8)
}

// hookedToken decorates a collateral ledger with failure injection and a
// callback fired inside TransferFrom.
type hookedToken struct {
	*token.Ledger
	refuseTransfer     bool
	refuseTransferFrom bool
	transferErr        error
	onTransferFrom     func(ctx context.Context)
}

func (h *hookedToken) Transfer(ctx context.Context, from, to crypto.Address, amount *big.Int) (bool, error) {
	if h.transferErr != nil {
		return false, h.transferErr
	}
	if h.refuseTransfer {
		return false, nil
	}
	return h.Ledger.Transfer(ctx, from, to, amount)
}

func (h *hookedToken) TransferFrom(ctx context.Context, spender, from, to crypto.Address, amount *big.Int) (bool, error) {
	if h.onTransferFrom != nil {
		h.onTransferFrom(ctx)
	}
	if h.refuseTransferFrom {
		return false, nil
	}
	return h.Ledger.TransferFrom(ctx, spender, from, to, amount)
}

// hookedIssuer lets tests refuse mints or fail burns.
type hookedIssuer struct {
	*token.Ledger
	refuseMint bool
	burnErr    error
}

func (h *hookedIssuer) Mint(ctx context.Context, caller, to crypto.Address, amount *big.Int) (bool, error) {
	if h.refuseMint {
		return false, nil
	}
	return h.Ledger.Mint(ctx, caller, to, amount)
}

func (h *hookedIssuer) Burn(ctx context.Context, caller crypto.Address, amount *big.Int) error {
	if h.burnErr != nil {
		return h.burnErr
	}
	return h.Ledger.Burn(ctx, caller, amount)
}

// failingStore rejects commits while fail is set.
type failingStore struct {
	Store
	fail bool
}

func (f *failingStore) Commit(changes *ChangeSet) error {
	if f.fail {
		return errInjected
	}
	return f.Store.Commit(changes)
}

type recordingEmitter struct {
	events []events.Event
}

func (r *recordingEmitter) Emit(evt events.Event) {
	r.events = append(r.events, evt)
}

func (r *recordingEmitter) types() []string {
	out := make([]string, len(r.events))
	for i, evt := range r.events {
		out[i] = evt.EventType()
	}
	return out
}

type harness struct {
	t       *testing.T
	ctx     context.Context
	engine  *Engine
	address crypto.Address
	admin   crypto.Address
	weth    *hookedToken
	wbtc    *hookedToken
	dsc     *hookedIssuer
	ethFeed *pricefeed.ManualFeed
	btcFeed *pricefeed.ManualFeed
	store   *failingStore
	emitter *recordingEmitter
}

// newHarness registers WETH (18 decimals, $2000) and WBTC (8 decimals,
// $1000) behind 8-decimal feeds.
func newHarness(t *testing.T) *harness {
	t.Helper()
	db := storage.NewMemDB()
	address := crypto.ModuleAddress(moduleName)
	admin := makeAddress(0xAA)
	newToken := func(symbol string, decimals uint8, owner crypto.Address) *token.Ledger {
		ledger, err := token.NewLedger(db, symbol, decimals, owner)
		if err != nil {
			t.Fatalf("new token %s: %v", symbol, err)
		}
		return ledger
	}
	h := &harness{
		t:       t,
		ctx:     context.Background(),
		address: address,
		admin:   admin,
		weth:    &hookedToken{Ledger: newToken("WETH", 18, admin)},
		wbtc:    &hookedToken{Ledger: newToken("WBTC", 8, admin)},
		dsc:     &hookedIssuer{Ledger: newToken("DSC", 18, address)},
		ethFeed: pricefeed.NewManualFeed("ETH / USD", 8, feedPrice(2000)),
		btcFeed: pricefeed.NewManualFeed("BTC / USD", 8, feedPrice(1000)),
		store:   &failingStore{Store: NewKVStore(db)},
		emitter: &recordingEmitter{},
	}
	engine, err := NewEngine(address,
		[]CollateralAsset{{ID: "weth", Token: h.weth, Decimals: 18}, {ID: "WBTC", Token: h.wbtc, Decimals: 8}},
		[]PriceFeed{h.ethFeed, h.btcFeed},
		h.dsc, h.store, DefaultParams())
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	engine.SetMetrics(nil)
	engine.SetEmitter(h.emitter)
	h.engine = engine
	return h
}

func (h *harness) collateralToken(asset string) *hookedToken {
	if asset == "WBTC" {
		return h.wbtc
	}
	return h.weth
}

// fund mints collateral to user and approves the engine to pull it.
func (h *harness) fund(user crypto.Address, asset string, amount *big.Int) {
	h.t.Helper()
	tok := h.collateralToken(asset)
	if _, err := tok.Ledger.Mint(h.ctx, h.admin, user, amount); err != nil {
		h.t.Fatalf("fund %s: %v", asset, err)
	}
	if err := tok.Approve(h.ctx, user, h.address, new(big.Int).Mul(amount, big.NewInt(10))); err != nil {
		h.t.Fatalf("approve %s: %v", asset, err)
	}
}

// approveDsc lets the engine pull amount DSC from user.
func (h *harness) approveDsc(user crypto.Address, amount *big.Int) {
	h.t.Helper()
	if err := h.dsc.Approve(h.ctx, user, h.address, amount); err != nil {
		h.t.Fatalf("approve dsc: %v", err)
	}
}

func (h *harness) depositAndMint(user crypto.Address, asset string, collateral, debt *big.Int) {
	h.t.Helper()
	h.fund(user, asset, collateral)
	if err := h.engine.DepositCollateralAndMintDsc(h.ctx, user, asset, collateral, debt); err != nil {
		h.t.Fatalf("deposit and mint: %v", err)
	}
}

func (h *harness) position(user crypto.Address) *Position {
	h.t.Helper()
	position, err := h.engine.GetPosition(h.ctx, user)
	if err != nil {
		h.t.Fatalf("position: %v", err)
	}
	return position
}

func (h *harness) balance(tok Token, owner crypto.Address) *big.Int {
	h.t.Helper()
	balance, err := tok.BalanceOf(h.ctx, owner)
	if err != nil {
		h.t.Fatalf("balance: %v", err)
	}
	return balance
}

func (h *harness) healthFactor(user crypto.Address) *big.Int {
	h.t.Helper()
	ratio, err := h.engine.GetHealthFactor(h.ctx, user)
	if err != nil {
		h.t.Fatalf("health factor: %v", err)
	}
	return ratio
}

func expectKind(t *testing.T, err error, sentinel *Error) {
	t.Helper()
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected %s, got %v", sentinel.Kind, err)
	}
}

func expectAmount(t *testing.T, label string, got, want *big.Int) {
	t.Helper()
	if got.Cmp(want) != 0 {
		t.Fatalf("%s: expected %s, got %s", label, want, got)
	}
}
