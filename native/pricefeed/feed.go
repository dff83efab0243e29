package pricefeed

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"
)

// ErrNoAnswer is returned before the first round has been published.
var ErrNoAnswer = errors.New("price feed: no answer published")

// Round is one published answer.
type Round struct {
	ID        uint64
	Answer    *big.Int
	UpdatedAt time.Time
}

// Clone returns a deep copy of the round.
func (r Round) Clone() Round {
	clone := r
	if r.Answer != nil {
		clone.Answer = new(big.Int).Set(r.Answer)
	}
	return clone
}

// ManualFeed is an operator-driven USD price feed used on development
// networks and in tests.
type ManualFeed struct {
	mu          sync.RWMutex
	description string
	decimals    uint8
	rounds      []Round
	clock       func() time.Time
}

// NewManualFeed constructs a feed. A nil initial answer leaves the feed empty.
func NewManualFeed(description string, decimals uint8, initial *big.Int) *ManualFeed {
	feed := &ManualFeed{
		description: strings.TrimSpace(description),
		decimals:    decimals,
		clock:       time.Now,
	}
	if initial != nil {
		feed.UpdateAnswer(initial)
	}
	return feed
}

// SetClock overrides the timestamp source.
func (f *ManualFeed) SetClock(clock func() time.Time) {
	if f == nil || clock == nil {
		return
	}
	f.mu.Lock()
	f.clock = clock
	f.mu.Unlock()
}

func (f *ManualFeed) Description() string { return f.description }

func (f *ManualFeed) Decimals() uint8 { return f.decimals }

// UpdateAnswer publishes a new round. Negative answers are accepted and
// reported as-is.
func (f *ManualFeed) UpdateAnswer(answer *big.Int) Round {
	f.mu.Lock()
	defer f.mu.Unlock()
	round := Round{
		ID:        uint64(len(f.rounds)) + 1,
		Answer:    new(big.Int).Set(answer),
		UpdatedAt: f.clock().UTC(),
	}
	f.rounds = append(f.rounds, round)
	return round.Clone()
}

// SetDecimal publishes a decimal USD price such as "2000.5", scaled to the
// feed's precision and truncated.
func (f *ManualFeed) SetDecimal(price string) (Round, error) {
	trimmed := strings.TrimSpace(price)
	if trimmed == "" {
		return Round{}, fmt.Errorf("price feed: price required")
	}
	rat, ok := new(big.Rat).SetString(trimmed)
	if !ok {
		return Round{}, fmt.Errorf("price feed: invalid price %q", price)
	}
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(f.decimals)), nil)
	rat.Mul(rat, new(big.Rat).SetInt(scale))
	answer := new(big.Int).Quo(rat.Num(), rat.Denom())
	return f.UpdateAnswer(answer), nil
}

// LatestRound returns the most recent round.
func (f *ManualFeed) LatestRound() (Round, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if len(f.rounds) == 0 {
		return Round{}, ErrNoAnswer
	}
	return f.rounds[len(f.rounds)-1].Clone(), nil
}

// GetRound returns the round with the given id.
func (f *ManualFeed) GetRound(id uint64) (Round, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if id == 0 || id > uint64(len(f.rounds)) {
		return Round{}, fmt.Errorf("price feed: round %d not found", id)
	}
	return f.rounds[id-1].Clone(), nil
}

// LatestPrice reports the latest answer and the feed precision.
func (f *ManualFeed) LatestPrice(ctx context.Context) (*big.Int, uint8, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	round, err := f.LatestRound()
	if err != nil {
		return nil, 0, err
	}
	return round.Answer, f.decimals, nil
}
