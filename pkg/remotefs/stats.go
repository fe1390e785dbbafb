package remotefs

import (
	"sync/atomic"
	"time"
)

// Stats holds filesystem counters.
type Stats struct {
	IndexFetches    atomic.Int64
	ContentFetches  atomic.Int64
	SizeProbes      atomic.Int64
	CacheHits       atomic.Int64
	CacheMisses     atomic.Int64
	BytesDownloaded atomic.Int64
	FailedFetches   atomic.Int64
	Preloads        atomic.Int64
	Resets          atomic.Int64
}

// Health reports whether the remote answered the last request.
type Health struct {
	Online      bool      `json:"online"`
	LastContact time.Time `json:"last_contact"`
}

// Snapshot is a point-in-time copy of Stats.
type Snapshot struct {
	IndexFetches    int64 `json:"index_fetches"`
	ContentFetches  int64 `json:"content_fetches"`
	SizeProbes      int64 `json:"size_probes"`
	CacheHits       int64 `json:"cache_hits"`
	CacheMisses     int64 `json:"cache_misses"`
	BytesDownloaded int64 `json:"bytes_downloaded"`
	FailedFetches   int64 `json:"failed_fetches"`
	Preloads        int64 `json:"preloads"`
	Resets          int64 `json:"resets"`
}

// Snapshot copies the current counter values.
func (s *Stats) Snapshot() Snapshot {
	return Snapshot{
		IndexFetches:    s.IndexFetches.Load(),
		ContentFetches:  s.ContentFetches.Load(),
		SizeProbes:      s.SizeProbes.Load(),
		CacheHits:       s.CacheHits.Load(),
		CacheMisses:     s.CacheMisses.Load(),
		BytesDownloaded: s.BytesDownloaded.Load(),
		FailedFetches:   s.FailedFetches.Load(),
		Preloads:        s.Preloads.Load(),
		Resets:          s.Resets.Load(),
	}
}
