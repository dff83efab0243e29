package dsc

import (
	"context"
	"fmt"
	"math/big"
)

type market struct {
	id       string
	token    Token
	feed     PriceFeed
	decimals uint8
}

// PriceOracle values collateral in 18-decimal USD using each asset's feed.
// It never mutates engine state.
type PriceOracle struct {
	markets map[string]*market
	order   []string
}

func newPriceOracle(markets []*market) *PriceOracle {
	oracle := &PriceOracle{markets: make(map[string]*market, len(markets))}
	for _, m := range markets {
		oracle.markets[m.id] = m
		oracle.order = append(oracle.order, m.id)
	}
	return oracle
}

// quote is a feed reading normalized to 18 decimals.
type quote struct {
	asset    string
	price    *big.Int
	decimals uint8
}

// read fetches the latest feed answer for asset. Negative answers are
// treated as a zero price.
func (o *PriceOracle) read(ctx context.Context, asset string) (*quote, error) {
	asset = normalizeAsset(asset)
	m, ok := o.markets[asset]
	if !ok {
		return nil, unknownAsset(asset)
	}
	answer, feedDecimals, err := m.feed.LatestPrice(ctx)
	if err != nil {
		return nil, &Error{Kind: KindInvalidPrice, Asset: asset, Err: fmt.Errorf("price feed: %w", err)}
	}
	return &quote{asset: asset, price: normalizePrice(answer, feedDecimals), decimals: m.decimals}, nil
}

// Price returns the USD price of one whole unit of asset with 18 decimals.
func (o *PriceOracle) Price(ctx context.Context, asset string) (*big.Int, error) {
	q, err := o.read(ctx, asset)
	if err != nil {
		return nil, err
	}
	return cloneInt(q.price), nil
}

// normalizePrice scales a feed answer to 18 decimals.
func normalizePrice(answer *big.Int, feedDecimals uint8) *big.Int {
	if answer == nil || answer.Sign() <= 0 {
		return big.NewInt(0)
	}
	switch {
	case feedDecimals < debtDecimals:
		return new(big.Int).Mul(answer, pow10(debtDecimals-int(feedDecimals)))
	case feedDecimals > debtDecimals:
		return new(big.Int).Quo(answer, pow10(int(feedDecimals)-debtDecimals))
	default:
		return new(big.Int).Set(answer)
	}
}

func (q *quote) usdValue(amount *big.Int) *big.Int {
	if amount == nil || amount.Sign() == 0 {
		return big.NewInt(0)
	}
	value := new(big.Int).Mul(amount, q.price)
	return value.Quo(value, pow10(int(q.decimals)))
}

func (q *quote) amountFromUsd(usd *big.Int) (*big.Int, error) {
	if q.price.Sign() == 0 {
		return nil, &Error{Kind: KindInvalidPrice, Asset: q.asset, Err: fmt.Errorf("zero price")}
	}
	if usd == nil || usd.Sign() == 0 {
		return big.NewInt(0), nil
	}
	amount := new(big.Int).Mul(usd, pow10(int(q.decimals)))
	return amount.Quo(amount, q.price), nil
}

// UsdValue converts amount native units of asset into 18-decimal USD.
func (o *PriceOracle) UsdValue(ctx context.Context, asset string, amount *big.Int) (*big.Int, error) {
	if err := checkRange(amount); err != nil {
		return nil, err
	}
	q, err := o.read(ctx, asset)
	if err != nil {
		return nil, err
	}
	return q.usdValue(amount), nil
}

// AmountFromUsdValue converts an 18-decimal USD amount into native units of
// asset, rounding down.
func (o *PriceOracle) AmountFromUsdValue(ctx context.Context, asset string, usd *big.Int) (*big.Int, error) {
	if err := checkRange(usd); err != nil {
		return nil, err
	}
	q, err := o.read(ctx, asset)
	if err != nil {
		return nil, err
	}
	return q.amountFromUsd(usd)
}

// valuer memoizes quotes so one operation values each asset at a single
// price.
type valuer struct {
	oracle *PriceOracle
	quotes map[string]*quote
}

func newValuer(oracle *PriceOracle) *valuer {
	return &valuer{oracle: oracle, quotes: make(map[string]*quote)}
}

func (v *valuer) quote(ctx context.Context, asset string) (*quote, error) {
	if q, ok := v.quotes[asset]; ok {
		return q, nil
	}
	q, err := v.oracle.read(ctx, asset)
	if err != nil {
		return nil, err
	}
	v.quotes[asset] = q
	return q, nil
}

// collateralUsd sums the USD value of every registered asset the position
// holds.
func (v *valuer) collateralUsd(ctx context.Context, position *Position) (*big.Int, error) {
	total := big.NewInt(0)
	for _, asset := range v.oracle.order {
		amount := position.Collateral[asset]
		if amount == nil || amount.Sign() == 0 {
			continue
		}
		q, err := v.quote(ctx, asset)
		if err != nil {
			return nil, err
		}
		total.Add(total, q.usdValue(amount))
	}
	return total, nil
}
