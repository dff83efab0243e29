package dsc

import (
	"fmt"
	"math/big"

	"dscengine/crypto"
)

// collateralLedger stages deposits and withdrawals in the operation journal.
type collateralLedger struct {
	journal *journal
	oracle  *PriceOracle
}

// Credit adds amount of asset to the user's position.
func (l collateralLedger) Credit(user crypto.Address, asset string, amount *big.Int) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	if _, ok := l.oracle.markets[asset]; !ok {
		return unknownAsset(asset)
	}
	position, err := l.journal.load(user)
	if err != nil {
		return err
	}
	totals, err := l.journal.loadTotals()
	if err != nil {
		return err
	}
	balance := new(big.Int).Add(position.CollateralOf(asset), amount)
	if err := checkRange(balance); err != nil {
		return err
	}
	position.Collateral[asset] = balance
	totals.Collateral[asset] = new(big.Int).Add(cloneInt(totals.Collateral[asset]), amount)
	l.journal.touch(user)
	return nil
}

// Debit removes amount of asset from the user's position.
func (l collateralLedger) Debit(user crypto.Address, asset string, amount *big.Int) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	if _, ok := l.oracle.markets[asset]; !ok {
		return unknownAsset(asset)
	}
	position, err := l.journal.load(user)
	if err != nil {
		return err
	}
	totals, err := l.journal.loadTotals()
	if err != nil {
		return err
	}
	balance := position.CollateralOf(asset)
	if balance.Cmp(amount) < 0 {
		return &Error{
			Kind:  KindInsufficientCollateral,
			Asset: asset,
			Err:   fmt.Errorf("balance %s below %s", balance, amount),
		}
	}
	position.Collateral[asset] = balance.Sub(balance, amount)
	remaining := new(big.Int).Sub(cloneInt(totals.Collateral[asset]), amount)
	if remaining.Sign() < 0 {
		remaining.SetInt64(0)
	}
	totals.Collateral[asset] = remaining
	l.journal.touch(user)
	return nil
}
