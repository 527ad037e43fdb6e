package triefile

import "sync/atomic"

type cacheStats struct {
	currentHits, lruHits, diskLoads, evictions int64
}

// CacheStats counts how trie loads were served
type CacheStats struct {
	CurrentHits int64
	LRUHits     int64
	DiskLoads   int64
	Evictions   int64

	// LRUSize is the number of decompressed tries currently cached
	LRUSize int
}

func (tf *TrieFile) Stats() CacheStats {
	return CacheStats{
		CurrentHits: atomic.LoadInt64(&tf.stats.currentHits),
		LRUHits:     atomic.LoadInt64(&tf.stats.lruHits),
		DiskLoads:   atomic.LoadInt64(&tf.stats.diskLoads),
		Evictions:   atomic.LoadInt64(&tf.stats.evictions),
		LRUSize:     tf.lru.Len(),
	}
}
