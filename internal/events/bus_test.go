package events

import (
	"testing"
)

func TestPublishAndReceive(t *testing.T) {
	t.Parallel()
	b := NewBus(4)

	b.Publish(PartialExecution, "m1", "2/3 legs filled")

	select {
	case evt := <-b.C():
		if evt.Kind != PartialExecution || evt.Market != "m1" {
			t.Errorf("got %+v", evt)
		}
		if evt.At.IsZero() {
			t.Error("event should be timestamped")
		}
	default:
		t.Fatal("expected an event")
	}
}

func TestPublishNeverBlocksAndKeepsNewest(t *testing.T) {
	t.Parallel()
	b := NewBus(2)

	b.Publish(ProtocolInvariant, "m1", "first")
	b.Publish(ProtocolInvariant, "m2", "second")
	b.Publish(ProtocolInvariant, "m3", "third") // evicts the oldest

	var markets []string
	for {
		select {
		case evt := <-b.C():
			markets = append(markets, evt.Market)
			continue
		default:
		}
		break
	}

	if len(markets) != 2 {
		t.Fatalf("buffered events = %d, want 2", len(markets))
	}
	if markets[len(markets)-1] != "m3" {
		t.Errorf("newest event %v should survive eviction", markets)
	}
}
