package rfc9211

import "testing"

func TestCacheStatusString(t *testing.T) {
	cs := CacheStatus{}
	cs.Forward(FwdReasonUriMiss)
	cs.FwdStatus = 200
	cs.Stored = true
	if s := cs.String(); s != "Offline-Cache; fwd=uri-miss; fwd-status=200; stored" {
		t.Fatalf("Cache-Status is %s", s)
	}
	cs = CacheStatus{}
	cs.Hit()
	cs.Detail("offline")
	if s := cs.String(); s != `Offline-Cache; hit; detail="offline"` {
		t.Fatalf("Cache-Status is %s", s)
	}
}
