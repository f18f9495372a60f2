package channel

import (
	"context"
	"testing"

	"hyperflow/models"
)

func TestSendAndStats(t *testing.T) {
	c := NewChannels(2)
	defer c.Close()

	ctx := context.Background()
	if !c.Send(ctx, models.MarketSample{SymbolRaw: "BTC"}) {
		t.Fatalf("send into empty channel failed")
	}
	if !c.Send(ctx, models.MarketSample{SymbolRaw: "ETH"}) {
		t.Fatalf("send into non-full channel failed")
	}

	// buffer is full now, next send must drop instead of blocking
	if c.Send(ctx, models.MarketSample{SymbolRaw: "SOL"}) {
		t.Fatalf("send into full channel should report a drop")
	}

	stats := c.GetStats()
	if stats.SamplesSent != 2 {
		t.Errorf("SamplesSent = %d, want 2", stats.SamplesSent)
	}
	if stats.SamplesDropped != 1 {
		t.Errorf("SamplesDropped = %d, want 1", stats.SamplesDropped)
	}

	got := <-c.Samples
	if got.SymbolRaw != "BTC" {
		t.Errorf("unexpected first sample: %s", got.SymbolRaw)
	}
}

func TestSendCancelledContext(t *testing.T) {
	c := NewChannels(1)
	defer c.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if !c.Send(context.Background(), models.MarketSample{SymbolRaw: "BTC"}) {
		t.Fatalf("priming send failed")
	}
	if c.Send(ctx, models.MarketSample{SymbolRaw: "ETH"}) {
		t.Fatalf("send should fail once context is cancelled")
	}
}
