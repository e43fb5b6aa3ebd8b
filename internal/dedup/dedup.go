package dedup

import "golang.org/x/sync/singleflight"

// Deduplicator collapses identical in-flight REST pulls to one shared
// call. Keys are caller-chosen strings such as
// "bybit:klines:BTCUSDT:1m:0". All joiners of a key observe the same
// result or the same error.
type Deduplicator struct {
	group singleflight.Group
}

// New creates an empty deduplicator.
func New() *Deduplicator {
	return &Deduplicator{}
}

// Execute runs fn unless a call for key is already in flight, in which
// case the caller joins it. The entry is dropped once fn settles, so a
// later call with the same key runs fresh.
func (d *Deduplicator) Execute(key string, fn func() (any, error)) (any, error) {
	v, err, _ := d.group.Do(key, fn)
	return v, err
}

// Forget drops any in-flight entry for key; subsequent callers run fresh
// instead of joining it.
func (d *Deduplicator) Forget(key string) {
	d.group.Forget(key)
}
