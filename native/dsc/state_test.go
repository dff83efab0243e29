package dsc

import (
	"math/big"
	"path/filepath"
	"testing"

	"dscengine/storage"
)

func TestKVStoreRoundTrip(t *testing.T) {
	db, err := storage.NewLevelDB(filepath.Join(t.TempDir(), "dsc"))
	if err != nil {
		t.Fatalf("open leveldb: %v", err)
	}
	defer db.Close()
	store := NewKVStore(db)
	user := makeAddress(7)

	missing, err := store.Position(user)
	if err != nil || missing != nil {
		t.Fatalf("expected no position, got %+v %v", missing, err)
	}
	totals, err := store.Totals()
	if err != nil || totals.Debt.Sign() != 0 || len(totals.Collateral) != 0 {
		t.Fatalf("expected empty totals, got %+v %v", totals, err)
	}

	position := newPosition(user)
	position.Collateral["WETH"] = units(3, 18)
	position.Collateral["WBTC"] = big.NewInt(0)
	position.DebtMinted = units(10, 18)
	err = store.Commit(&ChangeSet{
		Positions: []*Position{position},
		Totals:    &Totals{Collateral: map[string]*big.Int{"WETH": units(3, 18)}, Debt: units(10, 18)},
	})
	if err != nil {
		t.Fatalf("commit: %v", err)
	}

	loaded, err := store.Position(user)
	if err != nil {
		t.Fatalf("load position: %v", err)
	}
	if !loaded.User.Equal(user) {
		t.Fatalf("unexpected owner %s", loaded.User)
	}
	expectAmount(t, "weth", loaded.CollateralOf("WETH"), units(3, 18))
	expectAmount(t, "debt", loaded.DebtMinted, units(10, 18))
	if assets := loaded.Assets(); len(assets) != 1 || assets[0] != "WETH" {
		t.Fatalf("unexpected assets %v", assets)
	}
	totals, err = store.Totals()
	if err != nil {
		t.Fatalf("load totals: %v", err)
	}
	expectAmount(t, "total weth", totals.Collateral["WETH"], units(3, 18))
	expectAmount(t, "total debt", totals.Debt, units(10, 18))

	if err := store.Commit(&ChangeSet{Positions: []*Position{nil}}); err != errNilRecord {
		t.Fatalf("expected nil record error, got %v", err)
	}
}

func TestJournalStagesWithoutTouchingStore(t *testing.T) {
	store := NewKVStore(storage.NewMemDB())
	user := makeAddress(1)
	j := newJournal(store)

	staged, err := j.load(user)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	staged.Collateral["WETH"] = big.NewInt(5)
	j.touch(user)

	view, err := j.position(user)
	if err != nil {
		t.Fatalf("position: %v", err)
	}
	expectAmount(t, "staged", view.CollateralOf("WETH"), big.NewInt(5))
	view.Collateral["WETH"] = big.NewInt(99)
	again, _ := j.position(user)
	expectAmount(t, "copy isolation", again.CollateralOf("WETH"), big.NewInt(5))

	committed, err := store.Position(user)
	if err != nil || committed != nil {
		t.Fatalf("store written before commit: %+v %v", committed, err)
	}

	changes := j.changes()
	if len(changes.Positions) != 1 {
		t.Fatalf("unexpected change set %+v", changes)
	}
	if err := store.Commit(changes); err != nil {
		t.Fatalf("commit: %v", err)
	}
	committed, _ = store.Position(user)
	expectAmount(t, "committed", committed.CollateralOf("WETH"), big.NewInt(5))
}

func TestReadOnlyJournalProducesEmptyChangeSet(t *testing.T) {
	j := newJournal(NewKVStore(storage.NewMemDB()))
	if _, err := j.position(makeAddress(1)); err != nil {
		t.Fatalf("position: %v", err)
	}
	if !j.changes().Empty() {
		t.Fatalf("reads must not produce writes")
	}
}

func TestPositionKeyIsStable(t *testing.T) {
	a := positionKey(makeAddress(1))
	b := positionKey(makeAddress(1))
	c := positionKey(makeAddress(2))
	if string(a) != string(b) || string(a) == string(c) {
		t.Fatalf("position keys must be deterministic and distinct")
	}
	if len(a) != len(positionPrefix)+32 {
		t.Fatalf("unexpected key length %d", len(a))
	}
}
