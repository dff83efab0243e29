package pricefeed

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"
)

func TestManualFeedRounds(t *testing.T) {
	feed := NewManualFeed("ETH / USD", 8, nil)
	if _, _, err := feed.LatestPrice(context.Background()); !errors.Is(err, ErrNoAnswer) {
		t.Fatalf("expected ErrNoAnswer, got %v", err)
	}
	now := time.Unix(1_700_000_000, 0)
	feed.SetClock(func() time.Time { return now })

	first := feed.UpdateAnswer(big.NewInt(2000_00000000))
	if first.ID != 1 || !first.UpdatedAt.Equal(now) {
		t.Fatalf("unexpected first round %+v", first)
	}
	second := feed.UpdateAnswer(big.NewInt(1000_00000000))
	if second.ID != 2 {
		t.Fatalf("expected round 2, got %d", second.ID)
	}

	answer, decimals, err := feed.LatestPrice(context.Background())
	if err != nil {
		t.Fatalf("latest price: %v", err)
	}
	if decimals != 8 || answer.Cmp(big.NewInt(1000_00000000)) != 0 {
		t.Fatalf("unexpected answer %s/%d", answer, decimals)
	}
	answer.SetInt64(0)
	again, _, _ := feed.LatestPrice(context.Background())
	if again.Sign() == 0 {
		t.Fatalf("latest price leaked internal state")
	}

	round, err := feed.GetRound(1)
	if err != nil || round.Answer.Cmp(big.NewInt(2000_00000000)) != 0 {
		t.Fatalf("unexpected round 1: %+v %v", round, err)
	}
	if _, err := feed.GetRound(3); err == nil {
		t.Fatalf("expected missing round error")
	}
}

func TestManualFeedSetDecimal(t *testing.T) {
	feed := NewManualFeed("BTC / USD", 8, nil)
	round, err := feed.SetDecimal("1000.123456789")
	if err != nil {
		t.Fatalf("set decimal: %v", err)
	}
	if round.Answer.Cmp(big.NewInt(100012345678)) != 0 {
		t.Fatalf("unexpected scaled answer %s", round.Answer)
	}
	if _, err := feed.SetDecimal("abc"); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestManualFeedHonoursContext(t *testing.T) {
	feed := NewManualFeed("ETH / USD", 8, big.NewInt(1))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, _, err := feed.LatestPrice(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context error, got %v", err)
	}
}
