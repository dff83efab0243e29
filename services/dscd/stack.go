package main

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"

	"dscengine/core/events"
	"dscengine/crypto"
	"dscengine/native/dsc"
	"dscengine/native/pricefeed"
	"dscengine/native/token"
	"dscengine/observability"
	"dscengine/storage"
)

const (
	dscSymbol   = "DSC"
	dscDecimals = 18
)

var genesisMarker = []byte("dscd/genesis")

// stack bundles the engine with the reference token and feed objects the
// daemon serves.
type stack struct {
	engine     *dsc.Engine
	dsc        *token.Ledger
	collateral map[string]*token.Ledger
	feeds      map[string]*pricefeed.ManualFeed
	treasury   crypto.Address
}

// resolveTreasury parses the configured treasury account, falling back to the
// treasury module address.
func resolveTreasury(raw string) (crypto.Address, error) {
	if strings.TrimSpace(raw) == "" {
		return crypto.ModuleAddress("treasury"), nil
	}
	addr, err := crypto.DecodeAddress(raw)
	if err != nil {
		return crypto.Address{}, fmt.Errorf("treasury: %w", err)
	}
	return addr, nil
}

func buildStack(db storage.Database, cfg *dsc.Config, treasury crypto.Address) (*stack, error) {
	engineAddr := crypto.ModuleAddress("dsc")
	dscLedger, err := token.NewLedger(db, dscSymbol, dscDecimals, engineAddr)
	if err != nil {
		return nil, fmt.Errorf("dsc ledger: %w", err)
	}
	rt := &stack{
		dsc:        dscLedger,
		collateral: make(map[string]*token.Ledger, len(cfg.Collateral)),
		feeds:      make(map[string]*pricefeed.ManualFeed, len(cfg.Collateral)),
		treasury:   treasury,
	}
	assets := make([]dsc.CollateralAsset, 0, len(cfg.Collateral))
	feeds := make([]dsc.PriceFeed, 0, len(cfg.Collateral))
	for _, col := range cfg.Collateral {
		ledger, err := token.NewLedger(db, col.ID, col.Decimals, treasury)
		if err != nil {
			return nil, fmt.Errorf("%s ledger: %w", col.ID, err)
		}
		var initial *big.Int
		if col.InitialPrice != "" {
			if initial, err = dsc.ParseAmount(col.InitialPrice); err != nil {
				return nil, fmt.Errorf("%s initial price: %w", col.ID, err)
			}
		}
		feed := pricefeed.NewManualFeed(col.ID+" / USD", col.FeedDecimals, initial)
		rt.collateral[col.ID] = ledger
		rt.feeds[col.ID] = feed
		assets = append(assets, dsc.CollateralAsset{ID: col.ID, Token: ledger, Decimals: col.Decimals})
		feeds = append(feeds, feed)
	}
	engine, err := dsc.NewEngine(engineAddr, assets, feeds, dscLedger, dsc.NewKVStore(db), cfg.Params())
	if err != nil {
		return nil, fmt.Errorf("build engine: %w", err)
	}
	rt.engine = engine
	return rt, nil
}

// seedGenesis mints the configured allocations from the treasury the first
// time the state directory is used. It reports how many were applied.
func seedGenesis(ctx context.Context, db storage.Database, rt *stack, allocations []dsc.AllocationConfig, logger *slog.Logger) (int, error) {
	seeded, err := db.Has(genesisMarker)
	if err != nil {
		return 0, fmt.Errorf("check genesis marker: %w", err)
	}
	if seeded {
		return 0, nil
	}
	for _, alloc := range allocations {
		ledger, ok := rt.collateral[alloc.Asset]
		if !ok {
			return 0, fmt.Errorf("allocation references unknown collateral %q", alloc.Asset)
		}
		recipient, err := crypto.DecodeAddress(alloc.Address)
		if err != nil {
			return 0, fmt.Errorf("allocation address %q: %w", alloc.Address, err)
		}
		amount, err := dsc.ParseAmount(alloc.Amount)
		if err != nil {
			return 0, fmt.Errorf("allocation %s/%s: %w", alloc.Address, alloc.Asset, err)
		}
		if amount.Sign() == 0 {
			continue
		}
		minted, err := ledger.Mint(ctx, rt.treasury, recipient, amount)
		if err != nil {
			return 0, fmt.Errorf("mint %s allocation: %w", alloc.Asset, err)
		}
		if !minted {
			return 0, fmt.Errorf("mint %s allocation refused", alloc.Asset)
		}
		logger.Info("genesis allocation", "asset", alloc.Asset, "amount", amount.String())
	}
	if err := db.Put(genesisMarker, []byte{1}); err != nil {
		return 0, fmt.Errorf("write genesis marker: %w", err)
	}
	return len(allocations), nil
}

// publishCounter counts every event leaving the engine.
type publishCounter struct{}

func (publishCounter) Emit(evt events.Event) {
	if evt == nil {
		return
	}
	observability.Events().RecordPublished(evt.EventType())
}
