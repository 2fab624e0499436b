package rfc9111

import (
	"net/http"
	"testing"
)

func TestVaryAbsentHeadersMatch(t *testing.T) {
	if !VaryMatches([]string{"Accept-Encoding"}, http.Header{}, http.Header{}) {
		t.Fatal("Absent field should match absent field")
	}
}

func TestVaryAbsentDoesNotMatchPresent(t *testing.T) {
	presented := http.Header{"Accept-Language": {""}}
	if VaryMatches([]string{"Accept-Language"}, http.Header{}, presented) {
		t.Fatal("Absent field should not match an empty field")
	}
}

func TestVaryNormalizesWhitespaceAndLines(t *testing.T) {
	original := http.Header{"Accept": {"text/html,  application/json"}}
	presented := http.Header{"Accept": {"text/html", "application/json"}}
	if !VaryMatches([]string{"accept"}, original, presented) {
		t.Fatal("Combined field lines should match")
	}
}

func TestVaryDifferentValues(t *testing.T) {
	original := http.Header{"X-Tenant": {"a"}}
	presented := http.Header{"X-Tenant": {"b"}}
	if VaryMatches([]string{"X-Tenant"}, original, presented) {
		t.Fatal("Different values should not match")
	}
	if !VaryMatches([]string{"X-Other"}, original, presented) {
		t.Fatal("Fields not nominated by Vary should be ignored")
	}
}

func TestVaryStarNeverMatches(t *testing.T) {
	if VaryMatches([]string{"*"}, http.Header{}, http.Header{}) {
		t.Fatal("Vary: * should never match")
	}
	if !VaryStar(http.Header{"Vary": {"Accept, *"}}) {
		t.Fatal("Vary: * not detected")
	}
}
