package dsc

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"

	"go.opentelemetry.io/otel/attribute"

	"dscengine/core/events"
	"dscengine/crypto"
)

// Liquidate repays debtToCover of the debtor's debt with the liquidator's
// DSC and pays the liquidator the equivalent collateral plus the bonus.
func (e *Engine) Liquidate(ctx context.Context, liquidator crypto.Address, asset string, debtor crypto.Address, debtToCover *big.Int) error {
	attrs := append(userAttrs(liquidator, asset), attribute.String("dsc.debtor", debtor.String()))
	return e.execute(ctx, "liquidate", attrs, func(ctx context.Context, op *operation) error {
		if err := checkAmount(debtToCover); err != nil {
			return err
		}
		m, err := e.market(asset)
		if err != nil {
			return err
		}
		startHealth, err := op.healthFactor(ctx, debtor)
		if err != nil {
			return err
		}
		if healthy(startHealth) {
			return newError(KindHealthFactorOk, fmt.Errorf("health factor %s", startHealth))
		}
		q, err := op.values.quote(ctx, m.id)
		if err != nil {
			return err
		}
		covered, err := q.amountFromUsd(debtToCover)
		if err != nil {
			return err
		}
		bonus := new(big.Int).Mul(covered, new(big.Int).SetUint64(e.params.LiquidationBonus))
		bonus.Quo(bonus, new(big.Int).SetUint64(e.params.LiquidationPrecision))
		seized := new(big.Int).Add(covered, bonus)

		if err := op.debt().DecreaseDebt(debtor, liquidator, debtToCover); err != nil {
			return err
		}
		// A shortfall surfaces as InsufficientCollateral; bad debt is not
		// socialized.
		if err := op.redeem(debtor, liquidator, m, seized); err != nil {
			return err
		}
		endingHealth, err := op.healthFactor(ctx, debtor)
		if err != nil {
			return err
		}
		if endingHealth.Cmp(startHealth) <= 0 {
			return newError(KindHealthFactorNotImproved, fmt.Errorf("health factor %s after %s", endingHealth, startHealth))
		}
		if err := op.verifyHealth(ctx, liquidator); err != nil {
			return err
		}
		op.emit(events.PositionLiquidated{
			Liquidator:         liquidator,
			Debtor:             debtor,
			Asset:              m.id,
			DebtCovered:        cloneInt(debtToCover),
			CollateralSeized:   cloneInt(seized),
			StartHealthFactor:  startHealth,
			EndingHealthFactor: endingHealth,
		})
		op.onCommit(func() {
			e.metrics.RecordLiquidation(m.id, debtToCover, seized)
			e.logger.Info("dsc position liquidated",
				slog.String("liquidator", liquidator.String()),
				slog.String("debtor", debtor.String()),
				slog.String("asset", m.id),
				slog.String("debt_covered", debtToCover.String()),
				slog.String("collateral_seized", seized.String()))
		})
		return nil
	})
}
