package token

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"dscengine/crypto"
	"dscengine/storage"
)

func testAddr(b byte) crypto.Address {
	raw := make([]byte, 20)
	raw[19] = b
	return crypto.NewAddress(crypto.AccountPrefix, raw)
}

func newTestLedger(t *testing.T) (*Ledger, crypto.Address) {
	t.Helper()
	owner := testAddr(0xEE)
	ledger, err := NewLedger(storage.NewMemDB(), "dsc", 18, owner)
	if err != nil {
		t.Fatalf("new ledger: %v", err)
	}
	return ledger, owner
}

func mustBalance(t *testing.T, l *Ledger, addr crypto.Address) int64 {
	t.Helper()
	balance, err := l.BalanceOf(context.Background(), addr)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	return balance.Int64()
}

func TestMintRequiresOwner(t *testing.T) {
	ctx := context.Background()
	ledger, owner := newTestLedger(t)
	alice := testAddr(1)

	if ok, err := ledger.Mint(ctx, alice, alice, big.NewInt(10)); ok || !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized mint, got %v %v", ok, err)
	}
	if ok, err := ledger.Mint(ctx, owner, alice, big.NewInt(0)); ok || !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected invalid amount, got %v %v", ok, err)
	}
	if ok, err := ledger.Mint(ctx, owner, crypto.Address{}, big.NewInt(1)); ok || !errors.Is(err, ErrZeroAddress) {
		t.Fatalf("expected zero address, got %v %v", ok, err)
	}
	if ok, err := ledger.Mint(ctx, owner, alice, big.NewInt(10)); !ok || err != nil {
		t.Fatalf("mint: %v %v", ok, err)
	}
	supply, _ := ledger.TotalSupply(ctx)
	if supply.Int64() != 10 || mustBalance(t, ledger, alice) != 10 {
		t.Fatalf("unexpected supply %s", supply)
	}
	if ledger.Symbol() != "DSC" {
		t.Fatalf("symbol not normalized: %s", ledger.Symbol())
	}
}

func TestTransferRefusesWithoutBalance(t *testing.T) {
	ctx := context.Background()
	ledger, owner := newTestLedger(t)
	alice, bob := testAddr(1), testAddr(2)
	if _, err := ledger.Mint(ctx, owner, alice, big.NewInt(5)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	ok, err := ledger.Transfer(ctx, alice, bob, big.NewInt(6))
	if ok || err != nil {
		t.Fatalf("expected refusal, got %v %v", ok, err)
	}
	ok, err = ledger.Transfer(ctx, alice, bob, big.NewInt(5))
	if !ok || err != nil {
		t.Fatalf("transfer: %v %v", ok, err)
	}
	if mustBalance(t, ledger, alice) != 0 || mustBalance(t, ledger, bob) != 5 {
		t.Fatalf("balances not moved")
	}
}

func TestTransferFromConsumesAllowance(t *testing.T) {
	ctx := context.Background()
	ledger, owner := newTestLedger(t)
	alice, spender := testAddr(1), testAddr(3)
	if _, err := ledger.Mint(ctx, owner, alice, big.NewInt(100)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if ok, err := ledger.TransferFrom(ctx, spender, alice, spender, big.NewInt(10)); ok || err != nil {
		t.Fatalf("expected refusal without allowance, got %v %v", ok, err)
	}
	if err := ledger.Approve(ctx, alice, spender, big.NewInt(40)); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if ok, err := ledger.TransferFrom(ctx, spender, alice, spender, big.NewInt(30)); !ok || err != nil {
		t.Fatalf("transfer from: %v %v", ok, err)
	}
	remaining, _ := ledger.Allowance(ctx, alice, spender)
	if remaining.Int64() != 10 {
		t.Fatalf("expected allowance 10, got %s", remaining)
	}
	if mustBalance(t, ledger, alice) != 70 || mustBalance(t, ledger, spender) != 30 {
		t.Fatalf("unexpected balances")
	}
}

func TestBurn(t *testing.T) {
	ctx := context.Background()
	ledger, owner := newTestLedger(t)
	if _, err := ledger.Mint(ctx, owner, owner, big.NewInt(20)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := ledger.Burn(ctx, testAddr(1), big.NewInt(1)); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized burn, got %v", err)
	}
	if err := ledger.Burn(ctx, owner, big.NewInt(21)); !errors.Is(err, ErrBurnExceeds) {
		t.Fatalf("expected burn exceeds, got %v", err)
	}
	if err := ledger.Burn(ctx, owner, big.NewInt(15)); err != nil {
		t.Fatalf("burn: %v", err)
	}
	supply, _ := ledger.TotalSupply(ctx)
	if supply.Int64() != 5 || mustBalance(t, ledger, owner) != 5 {
		t.Fatalf("unexpected supply %s", supply)
	}
}
