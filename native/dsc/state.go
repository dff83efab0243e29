package dsc

import (
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/rlp"
	"lukechampine.com/blake3"

	"dscengine/crypto"
	"dscengine/storage"
)

// Store is the committed ledger backing the engine. Commit must apply the
// whole change set or none of it.
type Store interface {
	// Position returns the stored record for user or nil when none exists.
	Position(user crypto.Address) (*Position, error)
	Totals() (*Totals, error)
	Commit(changes *ChangeSet) error
}

// ChangeSet is the write set produced by one operation.
type ChangeSet struct {
	Positions []*Position
	Totals    *Totals
}

// Empty reports whether the change set carries no writes.
func (c *ChangeSet) Empty() bool {
	return c == nil || (len(c.Positions) == 0 && c.Totals == nil)
}

var (
	positionPrefix = []byte("dsc/position/")
	totalsKey      = []byte("dsc/totals")
)

type storedPosition struct {
	User    []byte
	Assets  []string
	Amounts []*big.Int
	Debt    *big.Int
}

type storedTotals struct {
	Assets  []string
	Amounts []*big.Int
	Debt    *big.Int
}

// KVStore persists positions and totals as RLP records in a key-value
// database. Each commit is written through a single batch.
type KVStore struct {
	db storage.Database
	mu sync.RWMutex
}

// NewKVStore wraps db.
func NewKVStore(db storage.Database) *KVStore {
	return &KVStore{db: db}
}

func positionKey(user crypto.Address) []byte {
	digest := blake3.Sum256(user.Bytes())
	key := make([]byte, 0, len(positionPrefix)+len(digest))
	key = append(key, positionPrefix...)
	return append(key, digest[:]...)
}

func (s *KVStore) Position(user crypto.Address) (*Position, error) {
	if s == nil || s.db == nil {
		return nil, errNilState
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, err := s.db.Get(positionKey(user))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var stored storedPosition
	if err := rlp.DecodeBytes(data, &stored); err != nil {
		return nil, fmt.Errorf("decode position: %w", err)
	}
	if len(stored.Assets) != len(stored.Amounts) {
		return nil, fmt.Errorf("decode position: %d assets for %d amounts", len(stored.Assets), len(stored.Amounts))
	}
	owner, err := crypto.AddressFromBytes(stored.User)
	if err != nil {
		return nil, fmt.Errorf("decode position: %w", err)
	}
	position := newPosition(owner)
	for i, asset := range stored.Assets {
		position.Collateral[asset] = cloneInt(stored.Amounts[i])
	}
	position.DebtMinted = cloneInt(stored.Debt)
	return position, nil
}

func (s *KVStore) Totals() (*Totals, error) {
	if s == nil || s.db == nil {
		return nil, errNilState
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, err := s.db.Get(totalsKey)
	if errors.Is(err, storage.ErrNotFound) {
		return newTotals(), nil
	}
	if err != nil {
		return nil, err
	}
	var stored storedTotals
	if err := rlp.DecodeBytes(data, &stored); err != nil {
		return nil, fmt.Errorf("decode totals: %w", err)
	}
	if len(stored.Assets) != len(stored.Amounts) {
		return nil, fmt.Errorf("decode totals: %d assets for %d amounts", len(stored.Assets), len(stored.Amounts))
	}
	totals := newTotals()
	for i, asset := range stored.Assets {
		totals.Collateral[asset] = cloneInt(stored.Amounts[i])
	}
	totals.Debt = cloneInt(stored.Debt)
	return totals, nil
}

func (s *KVStore) Commit(changes *ChangeSet) error {
	if s == nil || s.db == nil {
		return errNilState
	}
	if changes.Empty() {
		return nil
	}
	batch := s.db.NewBatch()
	for _, position := range changes.Positions {
		if position == nil {
			return errNilRecord
		}
		encoded, err := encodePosition(position)
		if err != nil {
			return err
		}
		batch.Put(positionKey(position.User), encoded)
	}
	if changes.Totals != nil {
		assets, amounts := flattenBalances(changes.Totals.Collateral)
		encoded, err := rlp.EncodeToBytes(storedTotals{Assets: assets, Amounts: amounts, Debt: cloneInt(changes.Totals.Debt)})
		if err != nil {
			return fmt.Errorf("encode totals: %w", err)
		}
		batch.Put(totalsKey, encoded)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return batch.Write()
}

func encodePosition(position *Position) ([]byte, error) {
	assets, amounts := flattenBalances(position.Collateral)
	encoded, err := rlp.EncodeToBytes(storedPosition{
		User:    position.User.Bytes(),
		Assets:  assets,
		Amounts: amounts,
		Debt:    cloneInt(position.DebtMinted),
	})
	if err != nil {
		return nil, fmt.Errorf("encode position: %w", err)
	}
	return encoded, nil
}

// flattenBalances orders balances by asset so encodings are deterministic.
func flattenBalances(balances map[string]*big.Int) ([]string, []*big.Int) {
	assets := make([]string, 0, len(balances))
	for asset := range balances {
		assets = append(assets, asset)
	}
	sort.Strings(assets)
	amounts := make([]*big.Int, len(assets))
	for i, asset := range assets {
		amounts[i] = cloneInt(balances[asset])
	}
	return assets, amounts
}
