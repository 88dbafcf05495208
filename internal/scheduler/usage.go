package scheduler

import "time"

// BucketKey identifies one host-group hour. Hour is the UTC-truncated hour as a
// Unix timestamp, so servers in different timezones share absolute buckets.
type BucketKey struct {
	Group string
	Hour  int64
}

// Usage counts starts per bucket. It is threaded through scheduling calls
// instead of living in shared state.
type Usage map[BucketKey]int

func bucket(group string, at time.Time) BucketKey {
	return BucketKey{Group: group, Hour: at.UTC().Truncate(time.Hour).Unix()}
}

// Clone copies u; a nil Usage clones to an empty one.
func (u Usage) Clone() Usage {
	out := make(Usage, len(u))
	for k, v := range u {
		out[k] = v
	}
	return out
}

// Count returns the starts already allocated in the bucket holding at.
func (u Usage) Count(group string, at time.Time) int {
	return u[bucket(group, at)]
}

func (u Usage) add(group string, at time.Time) {
	u[bucket(group, at)]++
}

// With returns a copy of u with one more start at (group, at).
func (u Usage) With(group string, at time.Time) Usage {
	out := u.Clone()
	out.add(group, at)
	return out
}

// UsageFromSlots seeds a Usage from slots that already exist.
func UsageFromSlots(slots []Slot) Usage {
	u := make(Usage, len(slots))
	for _, s := range slots {
		u.add(s.HostGroup, s.At)
	}
	return u
}
