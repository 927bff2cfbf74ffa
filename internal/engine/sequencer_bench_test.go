package engine

import (
	"context"
	"testing"

	"ledger_go/internal/domain"

	"github.com/shopspring/decimal"
)

// BenchmarkSequencer_ProcessEvent measures the dispatch loop without channel overhead.
func BenchmarkSequencer_ProcessEvent(b *testing.B) {
	seq := NewSequencer(1000, 1024, nil)
	ev := domain.Event{AccountID: "A", Kind: domain.KindDeposited, Amount: decimal.NewFromInt(1)}

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		ev.Version = uint64(i + 1)
		seq.processEvent(ev)
	}
}

// BenchmarkSequencer_FullPipeline measures end-to-end hand-off through the listener.
// Note: This benchmark includes channel overhead.
func BenchmarkSequencer_FullPipeline(b *testing.B) {
	seq := NewSequencer(b.N+100, 1024, nil)
	listener := seq.Listener()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go seq.Run(ctx)

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		_ = listener(domain.Event{
			AccountID: "A",
			Kind:      domain.KindDeposited,
			Amount:    decimal.NewFromInt(1),
			Version:   uint64(i + 1),
		})
	}

	cancel()
}
