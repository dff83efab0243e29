package dsc

import (
	"context"
	"math/big"

	"dscengine/crypto"
)

// PriceFeed reports the latest USD price of one collateral asset. The answer
// is a signed fixed-point integer with the returned number of decimals.
type PriceFeed interface {
	LatestPrice(ctx context.Context) (answer *big.Int, decimals uint8, err error)
}

// Token is the transfer primitive of a collateral asset. A false result is a
// refusal and is never treated as success.
type Token interface {
	Transfer(ctx context.Context, from, to crypto.Address, amount *big.Int) (bool, error)
	TransferFrom(ctx context.Context, spender, from, to crypto.Address, amount *big.Int) (bool, error)
	BalanceOf(ctx context.Context, owner crypto.Address) (*big.Int, error)
}

// Issuer is the synthetic asset. The engine must be its owner so that Mint and
// Burn succeed when called with the engine address.
type Issuer interface {
	Token
	Mint(ctx context.Context, caller, to crypto.Address, amount *big.Int) (bool, error)
	Burn(ctx context.Context, caller crypto.Address, amount *big.Int) error
	TotalSupply(ctx context.Context) (*big.Int, error)
}
