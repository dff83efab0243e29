package dsc

import "math/big"

// CalculateHealthFactor returns the risk-adjusted collateral to debt ratio in
// 18-decimal fixed point. A position without debt gets MaxHealthFactor.
func CalculateHealthFactor(params Params, debt, collateralUsd *big.Int) *big.Int {
	if debt == nil || debt.Sign() == 0 {
		return MaxHealthFactor()
	}
	if collateralUsd == nil {
		collateralUsd = big.NewInt(0)
	}
	adjusted := new(big.Int).Mul(collateralUsd, new(big.Int).SetUint64(params.LiquidationThreshold))
	adjusted.Quo(adjusted, new(big.Int).SetUint64(params.LiquidationPrecision))
	ratio := adjusted.Mul(adjusted, precision)
	return ratio.Quo(ratio, debt)
}

func healthy(ratio *big.Int) bool {
	return ratio.Cmp(minHealthFactor) >= 0
}
