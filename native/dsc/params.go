package dsc

import (
	"fmt"
	"math/big"

	"github.com/holiman/uint256"
)

const moduleName = "dsc"

const (
	DefaultLiquidationThreshold uint64 = 50
	DefaultLiquidationBonus     uint64 = 10
	DefaultLiquidationPrecision uint64 = 100

	// debtDecimals is the fixed-point precision of the synthetic asset and of
	// every USD amount the engine produces.
	debtDecimals = 18
	// defaultFeedDecimals is the precision most USD feeds report with.
	defaultFeedDecimals = 8
)

var (
	precision               = pow10(debtDecimals)
	additionalFeedPrecision = pow10(debtDecimals - defaultFeedDecimals)
	minHealthFactor         = pow10(debtDecimals)
	maxUint256              = new(uint256.Int).SetAllOne()
)

// Params groups the risk constants applied by the engine. Threshold and bonus
// are expressed as fractions of LiquidationPrecision.
type Params struct {
	// LiquidationThreshold is the share of collateral value that counts
	// toward safety. 50 of 100 demands 200% overcollateralization.
	LiquidationThreshold uint64
	// LiquidationBonus is the extra share of seized collateral paid to the
	// liquidator.
	LiquidationBonus     uint64
	LiquidationPrecision uint64
}

// DefaultParams returns the 50% threshold / 10% bonus configuration.
func DefaultParams() Params {
	return Params{
		LiquidationThreshold: DefaultLiquidationThreshold,
		LiquidationBonus:     DefaultLiquidationBonus,
		LiquidationPrecision: DefaultLiquidationPrecision,
	}
}

// Validate rejects parameter sets that would make the threshold math
// meaningless.
func (p Params) Validate() error {
	if p.LiquidationPrecision == 0 {
		return fmt.Errorf("liquidation precision must be positive")
	}
	if p.LiquidationThreshold == 0 || p.LiquidationThreshold > p.LiquidationPrecision {
		return fmt.Errorf("liquidation threshold must be within (0, %d]", p.LiquidationPrecision)
	}
	if p.LiquidationBonus > p.LiquidationPrecision {
		return fmt.Errorf("liquidation bonus must not exceed %d", p.LiquidationPrecision)
	}
	return nil
}

// MaxHealthFactor is the sentinel returned for positions without debt.
func MaxHealthFactor() *big.Int {
	return maxUint256.ToBig()
}

// MinHealthFactor is the lowest ratio a position with debt may hold.
func MinHealthFactor() *big.Int {
	return new(big.Int).Set(minHealthFactor)
}

func pow10(exp int) *big.Int {
	if exp <= 0 {
		return big.NewInt(1)
	}
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(exp)), nil)
}

// checkAmount enforces the operation amount contract: strictly positive and
// representable as a uint256.
func checkAmount(amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrZeroAmount
	}
	return checkRange(amount)
}

// checkRange accepts zero, rejecting negatives and values above 2^256-1.
func checkRange(amount *big.Int) error {
	if amount == nil {
		return nil
	}
	if amount.Sign() < 0 {
		return newError(KindAmountOverflow, fmt.Errorf("negative amount %s", amount))
	}
	if _, overflow := uint256.FromBig(amount); overflow {
		return newError(KindAmountOverflow, fmt.Errorf("amount %s exceeds 256 bits", amount))
	}
	return nil
}

func cloneInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}
