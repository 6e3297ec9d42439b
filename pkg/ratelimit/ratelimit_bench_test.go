package ratelimit

import (
	"context"
	"testing"
)

// BenchmarkLimiterWait benchmarks Wait with tokens available
func BenchmarkLimiterWait(b *testing.B) {
	limiter := NewLimiter(1e9, 1e9)
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = limiter.Wait(ctx)
	}
}

// BenchmarkLimiterWaitParallel benchmarks concurrent Wait calls
func BenchmarkLimiterWaitParallel(b *testing.B) {
	limiter := NewLimiter(1e9, 1e9)
	ctx := context.Background()

	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			_ = limiter.Wait(ctx)
		}
	})
}

// BenchmarkLimiterUnlimited benchmarks the path taken when no rate is set
func BenchmarkLimiterUnlimited(b *testing.B) {
	limiter := NewLimiter(0, 1)
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = limiter.Wait(ctx)
	}
}

// BenchmarkLimiterStats benchmarks Stats
func BenchmarkLimiterStats(b *testing.B) {
	limiter := NewLimiter(10, 5)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = limiter.Stats()
	}
}
