package cachestatus

import "testing"

func TestString(t *testing.T) {
	cases := []struct {
		build    func(*CacheStatus)
		expected string
	}{
		{func(cs *CacheStatus) { cs.Hit() }, "Offline-Cache; hit"},
		{func(cs *CacheStatus) { cs.Forward(FwdUriMiss) }, "Offline-Cache; fwd=uri-miss"},
		{func(cs *CacheStatus) { cs.Forward(FwdUriMiss); cs.Stored = true }, "Offline-Cache; fwd=uri-miss; stored"},
		{func(cs *CacheStatus) { cs.Forward(FwdMiss); cs.Detail("queued") }, "Offline-Cache; fwd=miss; detail=queued"},
		{func(cs *CacheStatus) { cs.Forward(FwdStale); cs.Hit() }, "Offline-Cache; hit"},
	}
	for _, c := range cases {
		cs := CacheStatus{}
		c.build(&cs)
		if s := cs.String(); s != c.expected {
			t.Fatalf("Cache-Status is '%s', expected '%s'", s, c.expected)
		}
	}
}
