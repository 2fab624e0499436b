package rfc9111

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestMustNotStore(t *testing.T) {
	tests := []struct {
		method       string
		status       int
		cacheControl string
		want         bool
	}{
		{"GET", 200, "", false},
		{"GET", 200, "private, max-age=0", false},
		{"GET", 404, "", false},
		{"GET", 200, "no-store", true},
		{"GET", 206, "", true},
		{"POST", 200, "max-age=60", true},
	}
	for _, tt := range tests {
		res := &http.Response{
			StatusCode: tt.status,
			Header:     http.Header{},
			Request:    httptest.NewRequest(tt.method, "http://example.com/", nil),
		}
		if tt.cacheControl != "" {
			res.Header.Set("Cache-Control", tt.cacheControl)
		}
		got, err := MustNotStore(res)
		if err != nil {
			t.Fatalf("%s %d: %v", tt.method, tt.status, err)
		}
		if got != tt.want {
			t.Fatalf("%s %d %q: got %v", tt.method, tt.status, tt.cacheControl, got)
		}
	}
}

func TestStorableHeaderDropsHopByHop(t *testing.T) {
	h := http.Header{
		"Connection":   {"X-Hop"},
		"X-Hop":        {"1"},
		"Keep-Alive":   {"timeout=5"},
		"Content-Type": {"application/json"},
	}
	s := StorableHeader(h)
	if s.Get("X-Hop") != "" || s.Get("Keep-Alive") != "" || s.Get("Connection") != "" {
		t.Fatalf("Header: %v", s)
	}
	if s.Get("Content-Type") != "application/json" {
		t.Fatalf("Header: %v", s)
	}
	if h.Get("X-Hop") == "" {
		t.Fatal("Original header was modified")
	}
}
