package token

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/rlp"

	"dscengine/crypto"
	"dscengine/storage"
)

var (
	errNilStore = errors.New("token: store not configured")

	ErrInvalidAmount = errors.New("token: amount must be positive")
	ErrZeroAddress   = errors.New("token: zero address")
	ErrUnauthorized  = errors.New("token: caller is not the owner")
	ErrBurnExceeds   = errors.New("token: burn amount exceeds balance")
)

// Ledger is a fungible token kept in a key-value store. Transfers that lack
// balance or allowance are refused with a false result rather than an error.
type Ledger struct {
	mu       sync.Mutex
	db       storage.Database
	symbol   string
	decimals uint8
	owner    crypto.Address
}

// NewLedger opens the token named symbol. Only owner may mint and burn.
func NewLedger(db storage.Database, symbol string, decimals uint8, owner crypto.Address) (*Ledger, error) {
	if db == nil {
		return nil, errNilStore
	}
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return nil, fmt.Errorf("token: symbol required")
	}
	return &Ledger{db: db, symbol: symbol, decimals: decimals, owner: owner}, nil
}

func (l *Ledger) Symbol() string { return l.symbol }

func (l *Ledger) Decimals() uint8 { return l.decimals }

func (l *Ledger) Owner() crypto.Address { return l.owner }

func (l *Ledger) balanceKey(owner crypto.Address) []byte {
	return []byte("token/" + l.symbol + "/balance/" + owner.Key())
}

func (l *Ledger) allowanceKey(owner, spender crypto.Address) []byte {
	return []byte("token/" + l.symbol + "/allowance/" + owner.Key() + spender.Key())
}

func (l *Ledger) supplyKey() []byte {
	return []byte("token/" + l.symbol + "/supply")
}

func (l *Ledger) read(key []byte) (*big.Int, error) {
	data, err := l.db.Get(key)
	if errors.Is(err, storage.ErrNotFound) {
		return big.NewInt(0), nil
	}
	if err != nil {
		return nil, err
	}
	value := new(big.Int)
	if err := rlp.DecodeBytes(data, value); err != nil {
		return nil, fmt.Errorf("token: decode %s: %w", key, err)
	}
	return value, nil
}

func put(batch storage.Batch, key []byte, value *big.Int) error {
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return fmt.Errorf("token: encode: %w", err)
	}
	batch.Put(key, encoded)
	return nil
}

func validAmount(amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	return nil
}

// BalanceOf returns the owner's balance.
func (l *Ledger) BalanceOf(ctx context.Context, owner crypto.Address) (*big.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.read(l.balanceKey(owner))
}

// TotalSupply returns the amount in circulation.
func (l *Ledger) TotalSupply(ctx context.Context) (*big.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.read(l.supplyKey())
}

// Allowance returns what spender may still move out of owner's balance.
func (l *Ledger) Allowance(ctx context.Context, owner, spender crypto.Address) (*big.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.read(l.allowanceKey(owner, spender))
}

// Approve sets spender's allowance over owner's balance. Zero revokes it.
func (l *Ledger) Approve(ctx context.Context, owner, spender crypto.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return ErrInvalidAmount
	}
	if spender.IsZero() {
		return ErrZeroAddress
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	batch := l.db.NewBatch()
	if err := put(batch, l.allowanceKey(owner, spender), amount); err != nil {
		return err
	}
	return batch.Write()
}

// Transfer moves amount from one account to another.
func (l *Ledger) Transfer(ctx context.Context, from, to crypto.Address, amount *big.Int) (bool, error) {
	if err := validAmount(amount); err != nil {
		return false, err
	}
	if to.IsZero() {
		return false, ErrZeroAddress
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	batch := l.db.NewBatch()
	ok, err := l.move(batch, from, to, amount)
	if err != nil || !ok {
		return false, err
	}
	return true, batch.Write()
}

// TransferFrom moves amount out of from on behalf of spender, consuming the
// allowance from granted to spender.
func (l *Ledger) TransferFrom(ctx context.Context, spender, from, to crypto.Address, amount *big.Int) (bool, error) {
	if err := validAmount(amount); err != nil {
		return false, err
	}
	if to.IsZero() {
		return false, ErrZeroAddress
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	allowance, err := l.read(l.allowanceKey(from, spender))
	if err != nil {
		return false, err
	}
	if allowance.Cmp(amount) < 0 {
		return false, nil
	}
	batch := l.db.NewBatch()
	ok, err := l.move(batch, from, to, amount)
	if err != nil || !ok {
		return false, err
	}
	if err := put(batch, l.allowanceKey(from, spender), allowance.Sub(allowance, amount)); err != nil {
		return false, err
	}
	return true, batch.Write()
}

func (l *Ledger) move(batch storage.Batch, from, to crypto.Address, amount *big.Int) (bool, error) {
	fromBalance, err := l.read(l.balanceKey(from))
	if err != nil {
		return false, err
	}
	if fromBalance.Cmp(amount) < 0 {
		return false, nil
	}
	if from.Equal(to) {
		return true, nil
	}
	toBalance, err := l.read(l.balanceKey(to))
	if err != nil {
		return false, err
	}
	if err := put(batch, l.balanceKey(from), fromBalance.Sub(fromBalance, amount)); err != nil {
		return false, err
	}
	if err := put(batch, l.balanceKey(to), toBalance.Add(toBalance, amount)); err != nil {
		return false, err
	}
	return true, nil
}

// Mint creates amount new tokens for to. Only the owner may mint.
func (l *Ledger) Mint(ctx context.Context, caller, to crypto.Address, amount *big.Int) (bool, error) {
	if !caller.Equal(l.owner) {
		return false, ErrUnauthorized
	}
	if err := validAmount(amount); err != nil {
		return false, err
	}
	if to.IsZero() {
		return false, ErrZeroAddress
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	balance, err := l.read(l.balanceKey(to))
	if err != nil {
		return false, err
	}
	supply, err := l.read(l.supplyKey())
	if err != nil {
		return false, err
	}
	batch := l.db.NewBatch()
	if err := put(batch, l.balanceKey(to), balance.Add(balance, amount)); err != nil {
		return false, err
	}
	if err := put(batch, l.supplyKey(), supply.Add(supply, amount)); err != nil {
		return false, err
	}
	if err := batch.Write(); err != nil {
		return false, err
	}
	return true, nil
}

// Burn destroys amount of the caller's own tokens. Only the owner may burn.
func (l *Ledger) Burn(ctx context.Context, caller crypto.Address, amount *big.Int) error {
	if !caller.Equal(l.owner) {
		return ErrUnauthorized
	}
	if err := validAmount(amount); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	balance, err := l.read(l.balanceKey(caller))
	if err != nil {
		return err
	}
	if balance.Cmp(amount) < 0 {
		return ErrBurnExceeds
	}
	supply, err := l.read(l.supplyKey())
	if err != nil {
		return err
	}
	batch := l.db.NewBatch()
	if err := put(batch, l.balanceKey(caller), balance.Sub(balance, amount)); err != nil {
		return err
	}
	remaining := supply.Sub(supply, amount)
	if remaining.Sign() < 0 {
		remaining.SetInt64(0)
	}
	if err := put(batch, l.supplyKey(), remaining); err != nil {
		return err
	}
	return batch.Write()
}
