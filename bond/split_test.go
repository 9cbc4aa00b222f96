package bond

import "testing"

func TestSplit_Conservation(t *testing.T) {
	amounts := []int64{1, 2, 3, 100, 101, 999, 1000, 12345, 1 << 40}
	bpss := []int{0, 1, 2500, 5000, 7499, 7500, 9999, 10000}

	for _, amount := range amounts {
		for _, bps := range bpss {
			sp := split(amount, bps, DefaultAsset)
			if sp.Winner+sp.Treasury+sp.Adjudicator != amount {
				t.Fatalf("split(%d, %d) leaks value: %+v", amount, bps, sp)
			}
			if sp.Winner < 0 || sp.Treasury < 0 || sp.Adjudicator < 0 {
				t.Fatalf("split(%d, %d) negative share: %+v", amount, bps, sp)
			}
		}
	}
}

func TestSplit_HalfToWinner(t *testing.T) {
	sp := split(1000, 5000, DefaultAsset)
	if sp.Winner != 500 {
		t.Fatalf("expected winner 500, got %d", sp.Winner)
	}
	if sp.Adjudicator != 250 || sp.Treasury != 250 {
		t.Fatalf("expected 250/250 protocol split, got %+v", sp)
	}
}

func TestSplit_OddUnitStaysProtocolSide(t *testing.T) {
	sp := split(101, 0, DefaultAsset)
	if sp.Winner != 50 {
		t.Fatalf("expected winner 50, got %d", sp.Winner)
	}
	if sp.Treasury != 51 {
		t.Fatalf("expected treasury 51, got %d", sp.Treasury)
	}
}

func TestSplit_IntegerRemainderToTreasury(t *testing.T) {
	// pool = 5, 33.33% of 5 rounds down to 1 for the adjudicator.
	sp := split(10, 3333, DefaultAsset)
	if sp.Adjudicator != 1 {
		t.Fatalf("expected adjudicator 1, got %d", sp.Adjudicator)
	}
	if sp.Treasury != 4 {
		t.Fatalf("expected treasury 4, got %d", sp.Treasury)
	}
}

func TestSplit_FullBpsToAdjudicator(t *testing.T) {
	sp := split(100, 10000, DefaultAsset)
	if sp.Adjudicator != 50 || sp.Treasury != 0 {
		t.Fatalf("expected whole pool to adjudicator, got %+v", sp)
	}
}

func TestSplit_NonDefaultAssetRoutesToTreasury(t *testing.T) {
	sp := split(1000, 5000, "USDC")
	if sp.Adjudicator != 0 {
		t.Fatalf("expected no adjudicator share for non-default asset, got %d", sp.Adjudicator)
	}
	if sp.Treasury != 500 {
		t.Fatalf("expected treasury 500, got %d", sp.Treasury)
	}
	if sp.Winner+sp.Treasury != 1000 {
		t.Fatalf("split leaks value: %+v", sp)
	}
}
