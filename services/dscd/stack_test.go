package main

import (
	"context"
	"io"
	"log/slog"
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	"dscengine/crypto"
	"dscengine/native/dsc"
	"dscengine/storage"
)

const testEngineConfig = `
[[Collateral]]
ID = "weth"
InitialPrice = "200000000000"

[[Collateral]]
ID = "WBTC"
Decimals = 8

[[Allocation]]
Address = "dsc165qqqqqqqqqqqqqqqqqqqqqqqqqqqqqp3p8cth"
Asset = "WETH"
Amount = "5000000000000000000"
`

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestBuildStackAndSeedGenesisOnce(t *testing.T) {
	cfg, err := dsc.ParseConfig(testEngineConfig)
	require.NoError(t, err)
	db := storage.NewMemDB()
	defer db.Close()
	treasury, err := resolveTreasury("")
	require.NoError(t, err)
	require.True(t, treasury.Equal(crypto.ModuleAddress("treasury")))

	st, err := buildStack(db, cfg, treasury)
	require.NoError(t, err)
	require.Equal(t, []string{"WETH", "WBTC"}, st.engine.CollateralTokens())
	require.Contains(t, st.feeds, "WBTC")

	ctx := context.Background()
	price, err := st.engine.Oracle().Price(ctx, "WETH")
	require.NoError(t, err)
	require.Equal(t, "2000000000000000000000", price.String())

	n, err := seedGenesis(ctx, db, st, cfg.Allocations, quietLogger())
	require.NoError(t, err)
	require.Equal(t, 1, n)

	recipient, err := crypto.DecodeAddress(cfg.Allocations[0].Address)
	require.NoError(t, err)
	balance, err := st.collateral["WETH"].BalanceOf(ctx, recipient)
	require.NoError(t, err)
	require.Equal(t, "5000000000000000000", balance.String())

	n, err = seedGenesis(ctx, db, st, cfg.Allocations, quietLogger())
	require.NoError(t, err)
	require.Zero(t, n)
	balance, err = st.collateral["WETH"].BalanceOf(ctx, recipient)
	require.NoError(t, err)
	require.Equal(t, "5000000000000000000", balance.String())
}

func TestStackEngineOwnsIssuer(t *testing.T) {
	cfg, err := dsc.ParseConfig(testEngineConfig)
	require.NoError(t, err)
	db := storage.NewMemDB()
	defer db.Close()
	st, err := buildStack(db, cfg, crypto.ModuleAddress("treasury"))
	require.NoError(t, err)
	ctx := context.Background()
	_, err = seedGenesis(ctx, db, st, cfg.Allocations, quietLogger())
	require.NoError(t, err)

	user, err := crypto.DecodeAddress(cfg.Allocations[0].Address)
	require.NoError(t, err)
	amount, _ := new(big.Int).SetString("5000000000000000000", 10)
	require.NoError(t, st.collateral["WETH"].Approve(ctx, user, st.engine.Address(), amount))
	debt, _ := new(big.Int).SetString("1000000000000000000000", 10)
	require.NoError(t, st.engine.DepositCollateralAndMintDsc(ctx, user, "WETH", amount, debt))

	supply, err := st.dsc.TotalSupply(ctx)
	require.NoError(t, err)
	require.Equal(t, debt.String(), supply.String())
}

func TestResolveTreasuryRejectsGarbage(t *testing.T) {
	_, err := resolveTreasury("not-an-address")
	require.Error(t, err)
}
