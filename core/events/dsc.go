package events

import (
	"math/big"

	"dscengine/core/types"
	"dscengine/crypto"
)

const (
	TypeCollateralDeposited = "dsc.collateral.deposited"
	TypeCollateralRedeemed  = "dsc.collateral.redeemed"
	TypeDscMinted           = "dsc.minted"
	TypeDscBurned           = "dsc.burned"
	TypePositionLiquidated  = "dsc.liquidated"
)

// CollateralDeposited is emitted after collateral moves into the engine.
type CollateralDeposited struct {
	User   crypto.Address
	Asset  string
	Amount *big.Int
}

func (CollateralDeposited) EventType() string { return TypeCollateralDeposited }

func (e CollateralDeposited) Event() *types.Event {
	return &types.Event{
		Type: TypeCollateralDeposited,
		Attributes: map[string]string{
			"user":   e.User.String(),
			"asset":  normalizeAsset(e.Asset),
			"amount": formatAmount(e.Amount),
		},
	}
}

// CollateralRedeemed is emitted when collateral leaves the engine. From is the
// position that was debited and To the receiving account; they differ during
// liquidations.
type CollateralRedeemed struct {
	From   crypto.Address
	To     crypto.Address
	Asset  string
	Amount *big.Int
}

func (CollateralRedeemed) EventType() string { return TypeCollateralRedeemed }

func (e CollateralRedeemed) Event() *types.Event {
	return &types.Event{
		Type: TypeCollateralRedeemed,
		Attributes: map[string]string{
			"from":   e.From.String(),
			"to":     e.To.String(),
			"asset":  normalizeAsset(e.Asset),
			"amount": formatAmount(e.Amount),
		},
	}
}

// DscMinted records new debt issued to a position.
type DscMinted struct {
	User   crypto.Address
	Amount *big.Int
}

func (DscMinted) EventType() string { return TypeDscMinted }

func (e DscMinted) Event() *types.Event {
	return &types.Event{
		Type: TypeDscMinted,
		Attributes: map[string]string{
			"user":   e.User.String(),
			"amount": formatAmount(e.Amount),
		},
	}
}

// DscBurned records debt repaid by Payer on behalf of OnBehalfOf.
type DscBurned struct {
	OnBehalfOf crypto.Address
	Payer      crypto.Address
	Amount     *big.Int
}

func (DscBurned) EventType() string { return TypeDscBurned }

func (e DscBurned) Event() *types.Event {
	return &types.Event{
		Type: TypeDscBurned,
		Attributes: map[string]string{
			"onBehalfOf": e.OnBehalfOf.String(),
			"payer":      e.Payer.String(),
			"amount":     formatAmount(e.Amount),
		},
	}
}

// PositionLiquidated summarises a completed liquidation.
type PositionLiquidated struct {
	Liquidator         crypto.Address
	Debtor             crypto.Address
	Asset              string
	DebtCovered        *big.Int
	CollateralSeized   *big.Int
	StartHealthFactor  *big.Int
	EndingHealthFactor *big.Int
}

func (PositionLiquidated) EventType() string { return TypePositionLiquidated }

func (e PositionLiquidated) Event() *types.Event {
	return &types.Event{
		Type: TypePositionLiquidated,
		Attributes: map[string]string{
			"liquidator":         e.Liquidator.String(),
			"debtor":             e.Debtor.String(),
			"asset":              normalizeAsset(e.Asset),
			"debtCovered":        formatAmount(e.DebtCovered),
			"collateralSeized":   formatAmount(e.CollateralSeized),
			"startHealthFactor":  formatAmount(e.StartHealthFactor),
			"endingHealthFactor": formatAmount(e.EndingHealthFactor),
		},
	}
}
