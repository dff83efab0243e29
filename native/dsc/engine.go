package dsc

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"dscengine/core/events"
	"dscengine/crypto"
	nativecommon "dscengine/native/common"
	"dscengine/observability"
)

// Engine owns the collateral ledger and debt records of every position and
// is the only caller allowed to mint or burn the synthetic asset.
//
// Mutations are serialized for their whole duration, collaborator calls
// included. A collaborator re-entering the engine must pass along the context
// it was handed: mutations then fail with ReentrantCall and queries observe
// the staged state. Re-entering with an unrelated context blocks until the
// running operation finishes, which never happens.
type Engine struct {
	mu      sync.RWMutex
	address crypto.Address
	params  Params
	assets  []CollateralAsset
	oracle  *PriceOracle
	issuer  Issuer
	store   Store
	pauses  nativecommon.PauseView
	emitter events.Emitter
	logger  *slog.Logger
	metrics *observability.EngineMetrics
	tracer  trace.Tracer
	clock   func() time.Time
}

// NewEngine registers the collateral markets, pairing assets[i] with
// feeds[i]. address is the account holding deposited collateral; it must own
// the issuer.
func NewEngine(address crypto.Address, assets []CollateralAsset, feeds []PriceFeed, issuer Issuer, store Store, params Params) (*Engine, error) {
	if len(assets) != len(feeds) {
		return nil, newError(KindConfigurationMismatch, fmt.Errorf("%d assets for %d price feeds", len(assets), len(feeds)))
	}
	if len(assets) == 0 {
		return nil, newError(KindConfigurationMismatch, fmt.Errorf("no collateral assets"))
	}
	if err := params.Validate(); err != nil {
		return nil, newError(KindConfigurationMismatch, err)
	}
	if address.IsZero() {
		return nil, newError(KindConfigurationMismatch, fmt.Errorf("engine address required"))
	}
	if issuer == nil {
		return nil, errNilIssuer
	}
	if store == nil {
		return nil, errNilState
	}
	markets := make([]*market, 0, len(assets))
	registered := make([]CollateralAsset, 0, len(assets))
	seen := make(map[string]struct{}, len(assets))
	for i, asset := range assets {
		id := normalizeAsset(asset.ID)
		if id == "" {
			return nil, newError(KindConfigurationMismatch, fmt.Errorf("asset %d has no id", i))
		}
		if _, dup := seen[id]; dup {
			return nil, newError(KindConfigurationMismatch, fmt.Errorf("asset %s registered twice", id))
		}
		seen[id] = struct{}{}
		if asset.Token == nil {
			return nil, newError(KindConfigurationMismatch, fmt.Errorf("asset %s has no token", id))
		}
		if feeds[i] == nil {
			return nil, newError(KindConfigurationMismatch, fmt.Errorf("asset %s has no price feed", id))
		}
		markets = append(markets, &market{id: id, token: asset.Token, feed: feeds[i], decimals: asset.Decimals})
		registered = append(registered, CollateralAsset{ID: id, Token: asset.Token, Decimals: asset.Decimals})
	}
	return &Engine{
		address: address,
		params:  params,
		assets:  registered,
		oracle:  newPriceOracle(markets),
		issuer:  issuer,
		store:   store,
		emitter: events.NoopEmitter{},
		logger:  slog.Default(),
		metrics: observability.DSCMetrics(),
		tracer:  otel.Tracer("dscengine/native/dsc"),
		clock:   time.Now,
	}, nil
}

// SetPauses wires the pause switch consulted before every mutation.
func (e *Engine) SetPauses(p nativecommon.PauseView) { e.pauses = p }

// SetEmitter configures where committed operations publish their events.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		emitter = events.NoopEmitter{}
	}
	e.emitter = emitter
}

func (e *Engine) SetLogger(logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	e.logger = logger
}

func (e *Engine) SetMetrics(metrics *observability.EngineMetrics) { e.metrics = metrics }

// Oracle exposes the valuation adapter.
func (e *Engine) Oracle() *PriceOracle { return e.oracle }

// execute runs one mutation: stage writes and verify them, perform the
// scheduled collaborator calls, then commit the journal in one batch. Any
// failure leaves the store untouched.
func (e *Engine) execute(ctx context.Context, name string, attrs []attribute.KeyValue, stage func(ctx context.Context, op *operation) error) (err error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if running := e.inFlight(ctx); running != nil {
		return newError(KindReentrantCall, fmt.Errorf("%s during %s", name, running.name))
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		e.metrics.ObserveOperation(name, "paused", 0)
		return err
	}
	start := e.clock()
	ctx, span := e.tracer.Start(ctx, "dsc."+name, trace.WithAttributes(attrs...))
	defer span.End()

	e.mu.Lock()
	defer e.mu.Unlock()

	op := newOperation(e, name)
	defer op.finished.Store(true)
	ctx = withOperation(ctx, op)

	defer func() {
		outcome := "success"
		if err != nil {
			outcome = KindOf(err).String()
			span.RecordError(err)
			span.SetStatus(codes.Error, outcome)
			e.logger.Debug("dsc operation rejected",
				slog.String("operation", name),
				slog.String("kind", outcome),
				slog.Any("error", err))
		} else {
			span.SetStatus(codes.Ok, "committed")
		}
		e.metrics.ObserveOperation(name, outcome, e.clock().Sub(start))
	}()

	if err := stage(ctx, op); err != nil {
		return err
	}
	completed, err := op.interact(ctx)
	if err != nil {
		return op.compensate(ctx, completed, err)
	}
	changes := op.journal.changes()
	span.SetAttributes(attribute.Int("dsc.positions_written", len(changes.Positions)))
	if err := e.store.Commit(changes); err != nil {
		e.logger.Error("dsc commit failed", slog.String("operation", name), slog.Any("error", err))
		return op.compensate(ctx, completed, fmt.Errorf("commit: %w", err))
	}
	op.finished.Store(true)
	for _, evt := range op.events {
		e.emitter.Emit(evt)
	}
	for _, hook := range op.hooks {
		hook()
	}
	return nil
}

// verifyHealth fails with BreaksHealthFactor when the staged position of user
// is undercollateralized.
func (op *operation) verifyHealth(ctx context.Context, user crypto.Address) error {
	ratio, err := op.healthFactor(ctx, user)
	if err != nil {
		return err
	}
	if !healthy(ratio) {
		return breaksHealthFactor(ratio)
	}
	return nil
}

func (op *operation) healthFactor(ctx context.Context, user crypto.Address) (*big.Int, error) {
	position, err := op.journal.load(user)
	if err != nil {
		return nil, err
	}
	collateral, err := op.values.collateralUsd(ctx, position)
	if err != nil {
		return nil, err
	}
	return CalculateHealthFactor(op.engine.params, position.DebtMinted, collateral), nil
}

func (e *Engine) market(asset string) (*market, error) {
	id := normalizeAsset(asset)
	m, ok := e.oracle.markets[id]
	if !ok {
		return nil, unknownAsset(id)
	}
	return m, nil
}

func userAttrs(user crypto.Address, asset string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{attribute.String("dsc.user", user.String())}
	if asset != "" {
		attrs = append(attrs, attribute.String("dsc.asset", normalizeAsset(asset)))
	}
	return attrs
}

func (op *operation) deposit(user crypto.Address, m *market, amount *big.Int) error {
	if err := op.ledger().Credit(user, m.id, amount); err != nil {
		return err
	}
	op.transferIn("collateral transfer in", m.token, user, amount)
	op.emit(events.CollateralDeposited{User: user, Asset: m.id, Amount: cloneInt(amount)})
	return nil
}

func (op *operation) redeem(from, to crypto.Address, m *market, amount *big.Int) error {
	if err := op.ledger().Debit(from, m.id, amount); err != nil {
		return err
	}
	op.transferOut("collateral transfer out", m.token, to, amount)
	op.emit(events.CollateralRedeemed{From: from, To: to, Asset: m.id, Amount: cloneInt(amount)})
	return nil
}

// DepositCollateral moves amount of asset from user into the engine.
func (e *Engine) DepositCollateral(ctx context.Context, user crypto.Address, asset string, amount *big.Int) error {
	return e.execute(ctx, "deposit_collateral", userAttrs(user, asset), func(ctx context.Context, op *operation) error {
		if err := checkAmount(amount); err != nil {
			return err
		}
		m, err := e.market(asset)
		if err != nil {
			return err
		}
		return op.deposit(user, m, amount)
	})
}

// MintDsc issues amount of new debt to user provided the position stays
// healthy.
func (e *Engine) MintDsc(ctx context.Context, user crypto.Address, amount *big.Int) error {
	return e.execute(ctx, "mint_dsc", userAttrs(user, ""), func(ctx context.Context, op *operation) error {
		if err := op.debt().IncreaseDebt(user, amount); err != nil {
			return err
		}
		return op.verifyHealth(ctx, user)
	})
}

// DepositCollateralAndMintDsc deposits collateral and mints against it as one
// unit.
func (e *Engine) DepositCollateralAndMintDsc(ctx context.Context, user crypto.Address, asset string, collateralAmount, debtAmount *big.Int) error {
	return e.execute(ctx, "deposit_and_mint", userAttrs(user, asset), func(ctx context.Context, op *operation) error {
		if err := checkAmount(collateralAmount); err != nil {
			return err
		}
		if err := checkAmount(debtAmount); err != nil {
			return err
		}
		m, err := e.market(asset)
		if err != nil {
			return err
		}
		if err := op.deposit(user, m, collateralAmount); err != nil {
			return err
		}
		if err := op.debt().IncreaseDebt(user, debtAmount); err != nil {
			return err
		}
		return op.verifyHealth(ctx, user)
	})
}

// RedeemCollateral returns amount of asset to user provided the remaining
// position stays healthy.
func (e *Engine) RedeemCollateral(ctx context.Context, user crypto.Address, asset string, amount *big.Int) error {
	return e.execute(ctx, "redeem_collateral", userAttrs(user, asset), func(ctx context.Context, op *operation) error {
		if err := checkAmount(amount); err != nil {
			return err
		}
		m, err := e.market(asset)
		if err != nil {
			return err
		}
		if err := op.redeem(user, user, m, amount); err != nil {
			return err
		}
		return op.verifyHealth(ctx, user)
	})
}

// BurnDsc repays amount of the user's debt with DSC the user pre-approved.
func (e *Engine) BurnDsc(ctx context.Context, user crypto.Address, amount *big.Int) error {
	return e.execute(ctx, "burn_dsc", userAttrs(user, ""), func(ctx context.Context, op *operation) error {
		if err := op.debt().DecreaseDebt(user, user, amount); err != nil {
			return err
		}
		return op.verifyHealth(ctx, user)
	})
}

// RedeemCollateralForDsc burns debtAmount and then redeems collateralAmount
// of asset as one unit.
func (e *Engine) RedeemCollateralForDsc(ctx context.Context, user crypto.Address, asset string, collateralAmount, debtAmount *big.Int) error {
	return e.execute(ctx, "redeem_for_dsc", userAttrs(user, asset), func(ctx context.Context, op *operation) error {
		if err := checkAmount(collateralAmount); err != nil {
			return err
		}
		if err := checkAmount(debtAmount); err != nil {
			return err
		}
		m, err := e.market(asset)
		if err != nil {
			return err
		}
		if err := op.debt().DecreaseDebt(user, user, debtAmount); err != nil {
			return err
		}
		if err := op.redeem(user, user, m, collateralAmount); err != nil {
			return err
		}
		return op.verifyHealth(ctx, user)
	})
}

// view resolves the state queries read from: the staged journal for a
// re-entrant call, the committed store otherwise.
func (e *Engine) view(ctx context.Context) (stateReader, *valuer, func()) {
	if op := e.inFlight(ctx); op != nil {
		return op.journal, op.values, func() {}
	}
	e.mu.RLock()
	return committedState{store: e.store}, newValuer(e.oracle), e.mu.RUnlock
}

// GetUsdValue values amount native units of asset in 18-decimal USD.
func (e *Engine) GetUsdValue(ctx context.Context, asset string, amount *big.Int) (*big.Int, error) {
	if err := checkRange(amount); err != nil {
		return nil, err
	}
	m, err := e.market(asset)
	if err != nil {
		return nil, err
	}
	_, values, release := e.view(ctx)
	defer release()
	q, err := values.quote(ctx, m.id)
	if err != nil {
		return nil, err
	}
	return q.usdValue(amount), nil
}

// GetTokenAmountFromUsd converts an 18-decimal USD amount into native units
// of asset.
func (e *Engine) GetTokenAmountFromUsd(ctx context.Context, asset string, usd *big.Int) (*big.Int, error) {
	if err := checkRange(usd); err != nil {
		return nil, err
	}
	m, err := e.market(asset)
	if err != nil {
		return nil, err
	}
	_, values, release := e.view(ctx)
	defer release()
	q, err := values.quote(ctx, m.id)
	if err != nil {
		return nil, err
	}
	return q.amountFromUsd(usd)
}

// GetAccountInformation returns the user's debt and total collateral value.
func (e *Engine) GetAccountInformation(ctx context.Context, user crypto.Address) (*AccountInformation, error) {
	state, values, release := e.view(ctx)
	defer release()
	return accountInformation(ctx, state, values, user)
}

func accountInformation(ctx context.Context, state stateReader, values *valuer, user crypto.Address) (*AccountInformation, error) {
	position, err := state.position(user)
	if err != nil {
		return nil, err
	}
	collateral, err := values.collateralUsd(ctx, position)
	if err != nil {
		return nil, err
	}
	return &AccountInformation{TotalDscMinted: cloneInt(position.DebtMinted), CollateralValueInUsd: collateral}, nil
}

// GetAccountCollateralValue sums the USD value of the user's collateral.
func (e *Engine) GetAccountCollateralValue(ctx context.Context, user crypto.Address) (*big.Int, error) {
	info, err := e.GetAccountInformation(ctx, user)
	if err != nil {
		return nil, err
	}
	return info.CollateralValueInUsd, nil
}

// GetHealthFactor computes the user's current health factor.
func (e *Engine) GetHealthFactor(ctx context.Context, user crypto.Address) (*big.Int, error) {
	info, err := e.GetAccountInformation(ctx, user)
	if err != nil {
		return nil, err
	}
	return CalculateHealthFactor(e.params, info.TotalDscMinted, info.CollateralValueInUsd), nil
}

// CalculateHealthFactor applies the engine's threshold to arbitrary inputs.
func (e *Engine) CalculateHealthFactor(debt, collateralUsd *big.Int) *big.Int {
	return CalculateHealthFactor(e.params, debt, collateralUsd)
}

// GetPosition returns a copy of the user's position.
func (e *Engine) GetPosition(ctx context.Context, user crypto.Address) (*Position, error) {
	state, _, release := e.view(ctx)
	defer release()
	return state.position(user)
}

// CollateralBalanceOfUser returns the user's deposited balance of asset.
func (e *Engine) CollateralBalanceOfUser(ctx context.Context, user crypto.Address, asset string) (*big.Int, error) {
	m, err := e.market(asset)
	if err != nil {
		return nil, err
	}
	position, err := e.GetPosition(ctx, user)
	if err != nil {
		return nil, err
	}
	return position.CollateralOf(m.id), nil
}

// CheckSolvency compares the DSC supply with the value of the collateral the
// engine holds according to each asset's own bookkeeping.
func (e *Engine) CheckSolvency(ctx context.Context) (*SolvencyReport, error) {
	state, values, release := e.view(ctx)
	defer release()
	supply, err := e.issuer.TotalSupply(ctx)
	if err != nil {
		return nil, fmt.Errorf("dsc total supply: %w", err)
	}
	totals, err := state.totals()
	if err != nil {
		return nil, err
	}
	report := &SolvencyReport{
		TotalSupply:   cloneInt(supply),
		LedgerDebt:    cloneInt(totals.Debt),
		CollateralUsd: big.NewInt(0),
		Reserves:      make([]AssetReserve, 0, len(e.assets)),
	}
	for _, asset := range e.assets {
		held, err := asset.Token.BalanceOf(ctx, e.address)
		if err != nil {
			return nil, fmt.Errorf("%s balance: %w", asset.ID, err)
		}
		q, err := values.quote(ctx, asset.ID)
		if err != nil {
			return nil, err
		}
		usd := q.usdValue(held)
		report.CollateralUsd.Add(report.CollateralUsd, usd)
		report.Reserves = append(report.Reserves, AssetReserve{
			Asset:    asset.ID,
			Held:     cloneInt(held),
			Ledger:   cloneInt(totals.Collateral[asset.ID]),
			UsdValue: usd,
		})
	}
	report.Solvent = report.TotalSupply.Cmp(report.CollateralUsd) <= 0
	return report, nil
}

func (e *Engine) LiquidationThreshold() uint64 { return e.params.LiquidationThreshold }
func (e *Engine) LiquidationBonus() uint64 { return e.params.LiquidationBonus }
func (e *Engine) LiquidationPrecision() uint64 { return e.params.LiquidationPrecision }
func (e *Engine) MinHealthFactor() *big.Int { return MinHealthFactor() }
func (e *Engine) Precision() *big.Int { return new(big.Int).Set(precision) }

func (e *Engine) AdditionalFeedPrecision() *big.Int {
	return new(big.Int).Set(additionalFeedPrecision)
}

// CollateralTokens lists the registered asset identifiers in registration
// order.
func (e *Engine) CollateralTokens() []string {
	out := make([]string, len(e.assets))
	for i, asset := range e.assets {
		out[i] = asset.ID
	}
	return out
}

// CollateralTokenPriceFeed returns the feed registered for asset.
func (e *Engine) CollateralTokenPriceFeed(asset string) (PriceFeed, error) {
	m, err := e.market(asset)
	if err != nil {
		return nil, err
	}
	return m.feed, nil
}

// CollateralToken returns the transfer primitive registered for asset.
func (e *Engine) CollateralToken(asset string) (Token, error) {
	m, err := e.market(asset)
	if err != nil {
		return nil, err
	}
	return m.token, nil
}

// Dsc returns the issuance object.
func (e *Engine) Dsc() Issuer { return e.issuer }

// Address returns the account holding deposited collateral.
func (e *Engine) Address() crypto.Address { return e.address }

// Params returns the risk parameters.
func (e *Engine) Params() Params { return e.params }
