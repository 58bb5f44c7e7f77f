package store

import (
	"fmt"
	"testing"
)

func Benchmark_Insert(b *testing.B) {
	st, _ := setupTempStore(b)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		key := []byte(fmt.Sprintf("k%04d", i%10000))
		if err := st.Insert(key, []byte("value")); err != nil {
			b.Fatalf("Insert: %v", err)
		}
	}
}

func Benchmark_Fsync_Insert(b *testing.B) {
	st, _ := setupTempStore(b, WithFsync(true))

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		key := []byte(fmt.Sprintf("k%04d", i%10000))
		if err := st.Insert(key, []byte("value")); err != nil {
			b.Fatalf("Insert: %v", err)
		}
	}
}

// Benchmark_Merge measures a single merge cycle over a store that has
// accumulated several full sealed segments, mirroring a long-running
// process's periodic compaction cost rather than its steady-state write
// path.
func Benchmark_Merge(b *testing.B) {
	const (
		maxSegmentBytes = 1024
		sealedSegments  = 5
		recordsPerBatch = 50
	)

	for i := 0; i < b.N; i++ {
		b.StopTimer()
		st, _ := setupTempStore(b, WithMaxSegmentBytes(maxSegmentBytes))

		for seg := 0; seg < sealedSegments; seg++ {
			for r := 0; r < recordsPerBatch; r++ {
				key := []byte(fmt.Sprintf("key%03d%02d", seg, r))
				val := []byte(fmt.Sprintf("val%03d%02d", seg, r))
				if err := st.Insert(key, val); err != nil {
					b.Fatalf("Insert: %v", err)
				}
			}
		}

		b.StartTimer()
		if _, err := st.Merge(); err != nil {
			b.Fatalf("Merge: %v", err)
		}
	}
}

// Benchmark_Get_AfterMerge measures read latency once live data has been
// rewritten by a merge, so the key read resolves through a merge-output
// segment instead of the pre-merge segment that held its original write.
func Benchmark_Get_AfterMerge(b *testing.B) {
	st, _ := setupTempStore(b, WithMaxSegmentBytes(1024))

	for i := 0; i < 10000; i++ {
		key := []byte(fmt.Sprintf("k%04d", i))
		_ = st.Insert(key, []byte("v"))
	}
	if _, err := st.Merge(); err != nil {
		b.Fatalf("Merge: %v", err)
	}

	b.ResetTimer()
	key := []byte("k0050")
	for i := 0; i < b.N; i++ {
		if _, err := st.Get(key); err != nil {
			b.Fatalf("Get: %v", err)
		}
	}
}
