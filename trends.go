package reqguard

import "time"

type (
	// TrendDirection labels a slice relative to the one before it.
	TrendDirection string

	// TrendBucket counts the errors recorded in one time slice.
	TrendBucket struct {
		Start  time.Time         `json:"start"`
		End    time.Time         `json:"end"`
		ByKind map[ErrorKind]int `json:"by_kind"`
		Trend  TrendDirection    `json:"trend"`
		// Change is the relative change from the previous slice; 1 when the
		// previous slice was empty and this one is not.
		Change float64 `json:"change"`
		Count  int     `json:"count"`
	}
)

// Trend directions.
const (
	TrendIncreasing TrendDirection = "increasing"
	TrendDecreasing TrendDirection = "decreasing"
	TrendStable     TrendDirection = "stable"
)

// trendThreshold is the relative change above which a slice is not stable.
const trendThreshold = 0.2

// Trends splits the trailing window into slice-long buckets, oldest first,
// and labels each one by comparing its count with the previous bucket. The
// first bucket is always stable.
func (m *Monitor) Trends(window, slice time.Duration) []TrendBucket {
	if window <= 0 || slice <= 0 {
		return nil
	}

	n := int((window + slice - 1) / slice)

	m.mu.Lock()

	now := m.clock.Now()
	origin := now.Add(-time.Duration(n) * slice)

	buckets := make([]TrendBucket, n)
	for i := range buckets {
		buckets[i] = TrendBucket{
			Start:  origin.Add(time.Duration(i) * slice),
			End:    origin.Add(time.Duration(i+1) * slice),
			ByKind: make(map[ErrorKind]int),
			Trend:  TrendStable,
		}
	}

	m.each(func(e monitorEntry) {
		if !e.at.After(origin) || e.at.After(now) {
			return
		}

		// Slices are (Start, End]: an error recorded exactly at End belongs
		// to the earlier slice.
		idx := int((e.at.Sub(origin) - 1) / slice)
		buckets[idx].Count++
		buckets[idx].ByKind[e.err.Kind]++
	})

	m.mu.Unlock()

	for i := 1; i < n; i++ {
		buckets[i].Change, buckets[i].Trend = compareSlices(buckets[i-1].Count, buckets[i].Count)
	}

	return buckets
}

func compareSlices(prev, cur int) (float64, TrendDirection) {
	if prev == 0 {
		if cur == 0 {
			return 0, TrendStable
		}

		return 1, TrendIncreasing
	}

	change := float64(cur-prev) / float64(prev)

	switch {
	case change > trendThreshold:
		return change, TrendIncreasing
	case change < -trendThreshold:
		return change, TrendDecreasing
	default:
		return change, TrendStable
	}
}
