package perf

import (
	"fmt"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/revrec/internal/revenue/recognition"
)

func BenchmarkAllocate(b *testing.B) {
	for _, size := range []int{2, 20, 200} {
		ssps := make([]decimal.Decimal, size)
		for i := range ssps {
			ssps[i] = decimal.NewFromInt(int64(100 + i*7))
		}
		total := decimal.RequireFromString("98765.43")
		b.Run(fmt.Sprintf("ssps=%d", size), func(b *testing.B) {
			for i := 0; i < b.N; i++ {
				if _, ok := recognition.Allocate(total, ssps, 2); !ok {
					b.Fatal("allocation skipped")
				}
			}
		})
	}
}

func TestAllocateLargeContractSumsExactly(t *testing.T) {
	ssps := make([]decimal.Decimal, 200)
	for i := range ssps {
		ssps[i] = decimal.NewFromInt(int64(100 + i*7))
	}
	total := decimal.RequireFromString("98765.43")
	parts, ok := recognition.Allocate(total, ssps, 2)
	if !ok {
		t.Fatal("allocation skipped")
	}
	sum := decimal.Zero
	for _, p := range parts {
		sum = sum.Add(p)
	}
	if !sum.Equal(total) {
		t.Fatalf("allocation drifted: %s != %s", sum, total)
	}
}
