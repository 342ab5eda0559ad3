package market

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"polymarket-arb/pkg/types"
)

func testSnapshot(asset string, seq uint64) *types.BookSnapshot {
	return &types.BookSnapshot{
		Asset:      asset,
		BestBid:    decimal.NewFromFloat(0.49),
		BestAsk:    decimal.NewFromFloat(0.51),
		Seq:        seq,
		ReceivedAt: time.Now(),
	}
}

func TestUpsertRejectsNonIncreasingSeq(t *testing.T) {
	t.Parallel()
	c := NewCache()

	if !c.Upsert(testSnapshot("a", 10)) {
		t.Fatal("first upsert should be accepted")
	}
	if c.Upsert(testSnapshot("a", 10)) {
		t.Error("equal seq should be rejected")
	}
	if c.Upsert(testSnapshot("a", 9)) {
		t.Error("older seq should be rejected")
	}
	if !c.Upsert(testSnapshot("a", 11)) {
		t.Error("newer seq should be accepted")
	}

	snap, ok := c.Get("a")
	if !ok || snap.Seq != 11 {
		t.Errorf("stored seq = %v, want 11", snap.Seq)
	}
}

func TestUpsertSeqStrictlyIncreasesUnderSequence(t *testing.T) {
	t.Parallel()
	c := NewCache()

	seqs := []uint64{5, 3, 7, 7, 6, 12, 1, 13}
	var last uint64
	for _, seq := range seqs {
		if c.Upsert(testSnapshot("a", seq)) {
			if seq <= last {
				t.Fatalf("accepted non-increasing seq %d after %d", seq, last)
			}
			last = seq
		}
	}
	if got := c.LastSeq("a"); got != 13 {
		t.Errorf("LastSeq = %d, want 13", got)
	}
}

func TestIsStale(t *testing.T) {
	t.Parallel()
	c := NewCache()

	if !c.IsStale("missing", time.Second) {
		t.Error("missing asset should be stale")
	}

	snap := testSnapshot("a", 1)
	snap.ReceivedAt = time.Now().Add(-600 * time.Millisecond)
	c.Upsert(snap)

	if !c.IsStale("a", DefaultStaleThreshold) {
		t.Error("600ms-old snapshot should be stale at the 500ms threshold")
	}
	if c.IsStale("a", time.Second) {
		t.Error("600ms-old snapshot should not be stale at a 1s threshold")
	}
}

func TestStaleListsOnlyExpired(t *testing.T) {
	t.Parallel()
	c := NewCache()

	fresh := testSnapshot("fresh", 1)
	c.Upsert(fresh)

	old := testSnapshot("old", 1)
	old.ReceivedAt = time.Now().Add(-time.Second)
	c.Upsert(old)

	stale := c.Stale(DefaultStaleThreshold)
	if len(stale) != 1 || stale[0] != "old" {
		t.Errorf("Stale() = %v, want [old]", stale)
	}
}

func TestSeedSeqRejectsReplays(t *testing.T) {
	t.Parallel()
	c := NewCache()

	c.SeedSeq("a", 100)
	if c.Upsert(testSnapshot("a", 99)) {
		t.Error("replayed update below seeded seq should be rejected")
	}
	if !c.Upsert(testSnapshot("a", 101)) {
		t.Error("update above seeded seq should be accepted")
	}
}

func TestDisconnectHandlers(t *testing.T) {
	t.Parallel()
	c := NewCache()

	var calls []string
	c.RegisterDisconnectHandler("mm", func() { calls = append(calls, "mm") })
	c.RegisterDisconnectHandler("arb", func() { calls = append(calls, "arb") })
	c.UnregisterDisconnectHandler("arb")

	c.TriggerDisconnectHandlers()

	if len(calls) != 1 || calls[0] != "mm" {
		t.Errorf("calls = %v, want [mm]", calls)
	}

	// Re-registering under the same id replaces, not duplicates.
	c.RegisterDisconnectHandler("mm", func() { calls = append(calls, "mm2") })
	c.TriggerDisconnectHandlers()
	if len(calls) != 2 || calls[1] != "mm2" {
		t.Errorf("calls = %v, want [mm mm2]", calls)
	}
}
