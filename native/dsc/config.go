package dsc

import (
	"fmt"
	"math/big"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
)

// Config captures the file-based configuration for the engine and the
// collateral markets it accepts.
type Config struct {
	LiquidationThreshold uint64             `toml:"LiquidationThreshold"`
	LiquidationBonus     uint64             `toml:"LiquidationBonus"`
	LiquidationPrecision uint64             `toml:"LiquidationPrecision"`
	Collateral           []CollateralConfig `toml:"Collateral"`
	Allocations          []AllocationConfig `toml:"Allocation"`
}

// CollateralConfig describes one accepted collateral asset and its feed.
type CollateralConfig struct {
	ID           string `toml:"ID"`
	Decimals     uint8  `toml:"Decimals"`
	FeedDecimals uint8  `toml:"FeedDecimals"`
	// InitialPrice is the feed answer, in feed units, published at startup.
	InitialPrice string `toml:"InitialPrice"`
}

// AllocationConfig seeds an account with collateral tokens on first start.
type AllocationConfig struct {
	Address string `toml:"Address"`
	Asset   string `toml:"Asset"`
	Amount  string `toml:"Amount"`
}

// LoadConfig decodes and validates a TOML engine configuration.
func LoadConfig(path string) (*Config, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("engine config path required")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read engine config: %w", err)
	}
	return ParseConfig(string(raw))
}

// ParseConfig decodes a TOML document, applies defaults and validates it.
func ParseConfig(doc string) (*Config, error) {
	cfg := &Config{}
	meta, err := toml.Decode(doc, cfg)
	if err != nil {
		return nil, fmt.Errorf("decode engine config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("unknown engine config key %q", undecoded[0].String())
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Normalize fills unset risk parameters with defaults and canonicalises
// identifiers.
func (c *Config) Normalize() {
	if c == nil {
		return
	}
	if c.LiquidationThreshold == 0 {
		c.LiquidationThreshold = DefaultLiquidationThreshold
	}
	if c.LiquidationBonus == 0 {
		c.LiquidationBonus = DefaultLiquidationBonus
	}
	if c.LiquidationPrecision == 0 {
		c.LiquidationPrecision = DefaultLiquidationPrecision
	}
	for i := range c.Collateral {
		c.Collateral[i].ID = normalizeAsset(c.Collateral[i].ID)
		c.Collateral[i].InitialPrice = strings.TrimSpace(c.Collateral[i].InitialPrice)
		if c.Collateral[i].Decimals == 0 {
			c.Collateral[i].Decimals = debtDecimals
		}
		if c.Collateral[i].FeedDecimals == 0 {
			c.Collateral[i].FeedDecimals = defaultFeedDecimals
		}
	}
	for i := range c.Allocations {
		c.Allocations[i].Address = strings.TrimSpace(c.Allocations[i].Address)
		c.Allocations[i].Asset = normalizeAsset(c.Allocations[i].Asset)
		c.Allocations[i].Amount = strings.TrimSpace(c.Allocations[i].Amount)
	}
}

// Validate checks the parameters and collateral list for consistency.
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("engine config missing")
	}
	if err := c.Params().Validate(); err != nil {
		return err
	}
	if len(c.Collateral) == 0 {
		return fmt.Errorf("at least one collateral asset must be configured")
	}
	seen := make(map[string]struct{}, len(c.Collateral))
	for _, col := range c.Collateral {
		if col.ID == "" {
			return fmt.Errorf("collateral id required")
		}
		if _, dup := seen[col.ID]; dup {
			return fmt.Errorf("duplicate collateral %s", col.ID)
		}
		seen[col.ID] = struct{}{}
		if col.Decimals > 77 || col.FeedDecimals > 77 {
			return fmt.Errorf("collateral %s: decimals out of range", col.ID)
		}
		if col.InitialPrice != "" {
			if _, err := parseNonNegative(col.InitialPrice); err != nil {
				return fmt.Errorf("collateral %s: initial price: %w", col.ID, err)
			}
		}
	}
	for _, alloc := range c.Allocations {
		if _, ok := seen[alloc.Asset]; !ok {
			return fmt.Errorf("allocation references unknown collateral %q", alloc.Asset)
		}
		if alloc.Address == "" {
			return fmt.Errorf("allocation address required")
		}
		if _, err := parseNonNegative(alloc.Amount); err != nil {
			return fmt.Errorf("allocation %s/%s: %w", alloc.Address, alloc.Asset, err)
		}
	}
	return nil
}

// Params extracts the risk parameters.
func (c *Config) Params() Params {
	if c == nil {
		return DefaultParams()
	}
	return Params{
		LiquidationThreshold: c.LiquidationThreshold,
		LiquidationBonus:     c.LiquidationBonus,
		LiquidationPrecision: c.LiquidationPrecision,
	}
}

// ParseAmount parses a base-10 integer amount and enforces the uint256 range.
func ParseAmount(raw string) (*big.Int, error) {
	value, err := parseNonNegative(raw)
	if err != nil {
		return nil, err
	}
	if err := checkRange(value); err != nil {
		return nil, err
	}
	return value, nil
}

func parseNonNegative(raw string) (*big.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, fmt.Errorf("amount required")
	}
	value, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("invalid integer %q", raw)
	}
	if value.Sign() < 0 {
		return nil, fmt.Errorf("amount must not be negative")
	}
	return value, nil
}

func normalizeAsset(asset string) string {
	return strings.ToUpper(strings.TrimSpace(asset))
}
