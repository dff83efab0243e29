package dsc

import (
	"math/big"
	"sort"

	"dscengine/crypto"
)

// CollateralAsset registers one accepted collateral market.
type CollateralAsset struct {
	ID       string
	Token    Token
	Decimals uint8
}

// Position is the per-user record held by the engine. Collateral is tracked in
// the asset's native units and DebtMinted in 18-decimal DSC units.
type Position struct {
	User       crypto.Address
	Collateral map[string]*big.Int
	DebtMinted *big.Int
}

func newPosition(user crypto.Address) *Position {
	return &Position{
		User:       user,
		Collateral: make(map[string]*big.Int),
		DebtMinted: big.NewInt(0),
	}
}

// Clone returns a deep copy of the position.
func (p *Position) Clone() *Position {
	if p == nil {
		return nil
	}
	clone := &Position{
		User:       p.User,
		Collateral: make(map[string]*big.Int, len(p.Collateral)),
		DebtMinted: cloneInt(p.DebtMinted),
	}
	for asset, amount := range p.Collateral {
		clone.Collateral[asset] = cloneInt(amount)
	}
	return clone
}

// CollateralOf returns the deposited balance of asset, zero when absent.
func (p *Position) CollateralOf(asset string) *big.Int {
	if p == nil {
		return big.NewInt(0)
	}
	return cloneInt(p.Collateral[asset])
}

// Assets lists the assets with a non-zero balance in sorted order.
func (p *Position) Assets() []string {
	if p == nil {
		return nil
	}
	out := make([]string, 0, len(p.Collateral))
	for asset, amount := range p.Collateral {
		if amount != nil && amount.Sign() > 0 {
			out = append(out, asset)
		}
	}
	sort.Strings(out)
	return out
}

// IsZero reports whether the position holds neither collateral nor debt.
func (p *Position) IsZero() bool {
	if p == nil {
		return true
	}
	if p.DebtMinted != nil && p.DebtMinted.Sign() != 0 {
		return false
	}
	return len(p.Assets()) == 0
}

// Totals aggregates ledger balances across all positions.
type Totals struct {
	Collateral map[string]*big.Int
	Debt       *big.Int
}

func newTotals() *Totals {
	return &Totals{Collateral: make(map[string]*big.Int), Debt: big.NewInt(0)}
}

func (t *Totals) clone() *Totals {
	if t == nil {
		return newTotals()
	}
	out := &Totals{Collateral: make(map[string]*big.Int, len(t.Collateral)), Debt: cloneInt(t.Debt)}
	for asset, amount := range t.Collateral {
		out.Collateral[asset] = cloneInt(amount)
	}
	return out
}

// AccountInformation is the (debt, collateral value) pair for one user.
type AccountInformation struct {
	TotalDscMinted       *big.Int
	CollateralValueInUsd *big.Int
}

// AssetReserve is one line of a solvency report.
type AssetReserve struct {
	Asset string
	// Held is the engine's balance as reported by the asset itself.
	Held *big.Int
	// Ledger is the sum of deposits recorded in positions.
	Ledger   *big.Int
	UsdValue *big.Int
}

// SolvencyReport compares the DSC supply with the USD value of the collateral
// the engine holds.
type SolvencyReport struct {
	TotalSupply   *big.Int
	LedgerDebt    *big.Int
	CollateralUsd *big.Int
	Reserves      []AssetReserve
	Solvent       bool
}
