package dsc

import (
	"context"
	"fmt"
	"math/big"

	"dscengine/core/events"
	"dscengine/crypto"
)

// debtController stages debt changes and schedules the matching issuer
// calls.
type debtController struct {
	op *operation
}

// IncreaseDebt records amount of new debt for user and schedules the mint.
func (d debtController) IncreaseDebt(user crypto.Address, amount *big.Int) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	position, err := d.op.journal.load(user)
	if err != nil {
		return err
	}
	totals, err := d.op.journal.loadTotals()
	if err != nil {
		return err
	}
	debt := new(big.Int).Add(cloneInt(position.DebtMinted), amount)
	if err := checkRange(debt); err != nil {
		return err
	}
	position.DebtMinted = debt
	totals.Debt = new(big.Int).Add(cloneInt(totals.Debt), amount)
	d.op.journal.touch(user)

	issuer := d.op.engine.issuer
	engine := d.op.engine.address
	value := cloneInt(amount)
	d.op.schedule(interaction{
		name:  "mint",
		phase: phaseOutbound,
		run: func(ctx context.Context) error {
			return settle(KindMintFailed, "mint", func() (bool, error) {
				return issuer.Mint(ctx, engine, user, value)
			})
		},
	})
	d.op.emit(events.DscMinted{User: user, Amount: cloneInt(amount)})
	return nil
}

// DecreaseDebt repays amount of onBehalfOf's debt with DSC pulled from payer
// and burns it.
func (d debtController) DecreaseDebt(onBehalfOf, payer crypto.Address, amount *big.Int) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	position, err := d.op.journal.load(onBehalfOf)
	if err != nil {
		return err
	}
	totals, err := d.op.journal.loadTotals()
	if err != nil {
		return err
	}
	debt := cloneInt(position.DebtMinted)
	if amount.Cmp(debt) > 0 {
		return newError(KindBurnAmountExceedsBalance, fmt.Errorf("debt %s below %s", debt, amount))
	}
	position.DebtMinted = debt.Sub(debt, amount)
	remaining := new(big.Int).Sub(cloneInt(totals.Debt), amount)
	if remaining.Sign() < 0 {
		remaining.SetInt64(0)
	}
	totals.Debt = remaining
	d.op.journal.touch(onBehalfOf)

	issuer := d.op.engine.issuer
	engine := d.op.engine.address
	value := cloneInt(amount)
	d.op.transferIn("dsc transfer", issuer, payer, value)
	d.op.schedule(interaction{
		name:  "burn",
		phase: phaseInbound,
		run: func(ctx context.Context) error {
			if err := issuer.Burn(ctx, engine, value); err != nil {
				return newError(KindTransferFailed, fmt.Errorf("burn: %w", err))
			}
			return nil
		},
		undo: func(ctx context.Context) error {
			return settle(KindMintFailed, "burn reversal", func() (bool, error) {
				return issuer.Mint(ctx, engine, engine, value)
			})
		},
	})
	d.op.emit(events.DscBurned{OnBehalfOf: onBehalfOf, Payer: payer, Amount: cloneInt(amount)})
	return nil
}
